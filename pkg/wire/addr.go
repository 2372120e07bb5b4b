package wire

import "encoding/hex"

// AddrLen is the size of a node address on the wire.
const AddrLen = 8

// Addr is an opaque 8-byte node identifier.
type Addr [AddrLen]byte

// Broadcast is the all-ones broadcast address.
var Broadcast = Addr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ConformAddr normalizes arbitrary input to an 8-byte address. Exactly
// eight bytes pass through, longer inputs keep their last eight bytes,
// and shorter inputs are left-padded with 0xff.
func ConformAddr(b []byte) Addr {
	var a Addr
	switch {
	case len(b) == AddrLen:
		copy(a[:], b)
	case len(b) > AddrLen:
		copy(a[:], b[len(b)-AddrLen:])
	default:
		for i := 0; i < AddrLen-len(b); i++ {
			a[i] = 0xff
		}
		copy(a[AddrLen-len(b):], b)
	}
	return a
}

func (a Addr) String() string {
	return hex.EncodeToString(a[:])
}

// Bytes returns the address as a fresh slice.
func (a Addr) Bytes() []byte {
	return append([]byte(nil), a[:]...)
}

// IsBroadcast reports whether the address is the all-ones broadcast.
func (a Addr) IsBroadcast() bool {
	return a == Broadcast
}

// IsZero reports whether the address is the all-zero sentinel used for
// routes with no known next hop.
func (a Addr) IsZero() bool {
	return a == Addr{}
}
