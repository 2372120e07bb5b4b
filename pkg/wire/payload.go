package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	rreqLen     = 29
	rrepLen     = 26
	rerrMinLen  = 13
	rerrPairLen = 12
	ackLen      = 8
)

// RREQ is a route request payload.
type RREQ struct {
	DestAddr Addr
	OrigAddr Addr
	DestSeq  uint32
	OrigSeq  uint32
	ID       uint32

	Join       bool
	Repair     bool
	Gratuitous bool
	DestOnly   bool
	Unknown    bool
}

func (r *RREQ) flags() uint8 {
	var f uint8
	if r.Join {
		f |= 1 << 4
	}
	if r.Repair {
		f |= 1 << 3
	}
	if r.Gratuitous {
		f |= 1 << 2
	}
	if r.DestOnly {
		f |= 1 << 1
	}
	if r.Unknown {
		f |= 1
	}
	return f
}

func (r *RREQ) setFlags(f uint8) {
	r.Join = f>>4&1 == 1
	r.Repair = f>>3&1 == 1
	r.Gratuitous = f>>2&1 == 1
	r.DestOnly = f>>1&1 == 1
	r.Unknown = f&1 == 1
}

func (r *RREQ) Marshal() []byte {
	raw := make([]byte, rreqLen)
	copy(raw[0:8], r.DestAddr[:])
	copy(raw[8:16], r.OrigAddr[:])
	binary.BigEndian.PutUint32(raw[16:20], r.DestSeq)
	binary.BigEndian.PutUint32(raw[20:24], r.OrigSeq)
	binary.BigEndian.PutUint32(raw[24:28], r.ID)
	raw[28] = r.flags()
	return raw
}

func ParseRREQ(raw []byte) (*RREQ, error) {
	if len(raw) != rreqLen {
		return nil, fmt.Errorf("%w: rreq payload %d", ErrBadLen, len(raw))
	}
	r := &RREQ{
		DestSeq: binary.BigEndian.Uint32(raw[16:20]),
		OrigSeq: binary.BigEndian.Uint32(raw[20:24]),
		ID:      binary.BigEndian.Uint32(raw[24:28]),
	}
	copy(r.DestAddr[:], raw[0:8])
	copy(r.OrigAddr[:], raw[8:16])
	r.setFlags(raw[28])
	return r, nil
}

// RREP is a route reply payload. HELLO frames reuse the same shape
// under TypeHello.
type RREP struct {
	DestAddr Addr
	OrigAddr Addr
	DestSeq  uint32
	HopCount uint8
	Lifetime uint32

	Repair   bool
	ReqAck   bool
	PrefixSz uint8
}

func (r *RREP) flags() uint8 {
	var f uint8
	if r.Repair {
		f |= 1 << 6
	}
	if r.ReqAck {
		f |= 1 << 5
	}
	f |= r.PrefixSz & 0x1f
	return f
}

func (r *RREP) setFlags(f uint8) {
	r.Repair = f>>6&1 == 1
	r.ReqAck = f>>5&1 == 1
	r.PrefixSz = f & 0x1f
}

func (r *RREP) Marshal() []byte {
	raw := make([]byte, rrepLen)
	copy(raw[0:8], r.DestAddr[:])
	copy(raw[8:16], r.OrigAddr[:])
	binary.BigEndian.PutUint32(raw[16:20], r.DestSeq)
	raw[20] = r.flags()
	raw[21] = r.HopCount
	binary.BigEndian.PutUint32(raw[22:26], r.Lifetime)
	return raw
}

func ParseRREP(raw []byte) (*RREP, error) {
	if len(raw) != rrepLen {
		return nil, fmt.Errorf("%w: rrep payload %d", ErrBadLen, len(raw))
	}
	r := &RREP{
		DestSeq:  binary.BigEndian.Uint32(raw[16:20]),
		HopCount: raw[21],
		Lifetime: binary.BigEndian.Uint32(raw[22:26]),
	}
	copy(r.DestAddr[:], raw[0:8])
	copy(r.OrigAddr[:], raw[8:16])
	r.setFlags(raw[20])
	return r, nil
}

// RERRDest is one additional unreachable destination listed in a RERR.
type RERRDest struct {
	Addr Addr
	Seq  uint32
}

// RERR announces a broken next hop and every destination lost with it.
type RERR struct {
	BadAddr  Addr
	BadSeq   uint32
	NoDelete bool
	Dests    []RERRDest
}

// MaxRERRDests is the most additional pairs the 5-bit count can carry.
const MaxRERRDests = 31

func (r *RERR) Marshal() ([]byte, error) {
	if len(r.Dests) > MaxRERRDests {
		return nil, fmt.Errorf("%w: rerr carries %d dests", ErrBadLen, len(r.Dests))
	}
	raw := make([]byte, rerrMinLen+rerrPairLen*len(r.Dests))
	copy(raw[0:8], r.BadAddr[:])
	binary.BigEndian.PutUint32(raw[8:12], r.BadSeq)
	var f uint8
	if r.NoDelete {
		f |= 1 << 5
	}
	f |= uint8(len(r.Dests)) & 0x1f
	raw[12] = f
	off := rerrMinLen
	for _, d := range r.Dests {
		copy(raw[off:off+8], d.Addr[:])
		binary.BigEndian.PutUint32(raw[off+8:off+12], d.Seq)
		off += rerrPairLen
	}
	return raw, nil
}

func ParseRERR(raw []byte) (*RERR, error) {
	if len(raw) < rerrMinLen {
		return nil, fmt.Errorf("%w: rerr payload %d", ErrBadLen, len(raw))
	}
	r := &RERR{
		BadSeq:   binary.BigEndian.Uint32(raw[8:12]),
		NoDelete: raw[12]>>5&1 == 1,
	}
	copy(r.BadAddr[:], raw[0:8])
	count := int(raw[12] & 0x1f)
	if len(raw) < rerrMinLen+rerrPairLen*count {
		return nil, fmt.Errorf("%w: rerr lists %d dests in %d bytes", ErrBadLen, count, len(raw))
	}
	off := rerrMinLen
	for i := 0; i < count; i++ {
		var d RERRDest
		copy(d.Addr[:], raw[off:off+8])
		d.Seq = binary.BigEndian.Uint32(raw[off+8 : off+12])
		r.Dests = append(r.Dests, d)
		off += rerrPairLen
	}
	return r, nil
}

// Ack acknowledges a received datagram back to its previous hop.
type Ack struct {
	OrigSeq uint32
	DataSeq uint32
}

func (a *Ack) Marshal() []byte {
	raw := make([]byte, ackLen)
	binary.BigEndian.PutUint32(raw[0:4], a.OrigSeq)
	binary.BigEndian.PutUint32(raw[4:8], a.DataSeq)
	return raw
}

func ParseAck(raw []byte) (*Ack, error) {
	if len(raw) < ackLen {
		return nil, fmt.Errorf("%w: ack payload %d", ErrBadLen, len(raw))
	}
	return &Ack{
		OrigSeq: binary.BigEndian.Uint32(raw[0:4]),
		DataSeq: binary.BigEndian.Uint32(raw[4:8]),
	}, nil
}

// Datagram is an application payload in flight.
type Datagram struct {
	DestAddr Addr
	OrigAddr Addr
	OrigSeq  uint32
	Data     []byte
}

func (d *Datagram) Marshal() ([]byte, error) {
	if len(d.Data) > PayloadMaxLen {
		return nil, fmt.Errorf("%w: datagram body %d exceeds %d", ErrBadLen, len(d.Data), PayloadMaxLen)
	}
	raw := make([]byte, DatagramHeaderLen+len(d.Data))
	copy(raw[0:8], d.DestAddr[:])
	copy(raw[8:16], d.OrigAddr[:])
	binary.BigEndian.PutUint32(raw[16:20], d.OrigSeq)
	copy(raw[DatagramHeaderLen:], d.Data)
	return raw, nil
}

func ParseDatagram(raw []byte) (*Datagram, error) {
	if len(raw) < DatagramHeaderLen {
		return nil, fmt.Errorf("%w: datagram payload %d", ErrBadLen, len(raw))
	}
	d := &Datagram{
		OrigSeq: binary.BigEndian.Uint32(raw[16:20]),
		Data:    append([]byte(nil), raw[DatagramHeaderLen:]...),
	}
	copy(d.DestAddr[:], raw[0:8])
	copy(d.OrigAddr[:], raw[8:16])
	return d, nil
}
