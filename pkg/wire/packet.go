// Package wire implements the bit-exact frame and payload codecs for
// the mesh routing protocol. All multi-byte fields are big-endian and
// every frame is integrity-checked with a Fletcher-16 checksum.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// FrameMaxLen is the largest frame the radio will carry.
	FrameMaxLen = 255

	// HeaderLen is the fixed frame header size.
	HeaderLen = 24

	// DatagramHeaderLen is the fixed prefix of a DATA payload.
	DatagramHeaderLen = 20

	// PayloadMaxLen is the largest application chunk a single DATA
	// frame can carry.
	PayloadMaxLen = FrameMaxLen - HeaderLen - DatagramHeaderLen

	checksumOffset = 20
)

var (
	// ErrBadCrc is returned when a frame fails checksum validation.
	ErrBadCrc = errors.New("bad frame checksum")

	// ErrBadLen is returned when a frame or payload has an impossible
	// length.
	ErrBadLen = errors.New("bad frame length")
)

// Type is the frame type tag at header offset 16.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeRREQ
	TypeRREP
	TypeRERR
	TypeHello
	TypeData
	TypeAck
)

func (t Type) String() string {
	switch t {
	case TypeRREQ:
		return "RREQ"
	case TypeRREP:
		return "RREP"
	case TypeRERR:
		return "RERR"
	case TypeHello:
		return "HELLO"
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	default:
		return "UNKNOWN"
	}
}

// Packet is a decoded frame header plus its raw payload and the link
// quality observed by the receiving radio.
type Packet struct {
	SendAddr   Addr
	RecvAddr   Addr
	Type       Type
	Hops       uint8
	TTL        uint8
	PayloadLen uint8
	Checksum   uint16
	Reserved   uint16
	Payload    []byte

	RSSI int
	SNR  int
}

// Pack builds a wire frame: header, payload, and checksum written in
// place at the checksum offset.
func Pack(t Type, send, recv Addr, payload []byte, ttl, hops uint8) ([]byte, error) {
	if len(payload) > FrameMaxLen-HeaderLen {
		return nil, fmt.Errorf("%w: payload %d exceeds %d", ErrBadLen, len(payload), FrameMaxLen-HeaderLen)
	}
	raw := make([]byte, HeaderLen+len(payload))
	copy(raw[0:8], send[:])
	copy(raw[8:16], recv[:])
	raw[16] = byte(t)
	raw[17] = hops
	raw[18] = ttl
	raw[19] = byte(len(payload))
	// checksum and reserved stay zero for the checksum pass
	copy(raw[HeaderLen:], payload)
	sum := Fletcher16(raw)
	binary.BigEndian.PutUint16(raw[checksumOffset:], sum)
	return raw, nil
}

// Parse validates and decodes a received frame. Length violations
// return ErrBadLen, checksum mismatches ErrBadCrc; nothing else is
// diagnosed.
func Parse(raw []byte, rssi, snr int) (*Packet, error) {
	if len(raw) < HeaderLen {
		return nil, fmt.Errorf("%w: frame %d shorter than header", ErrBadLen, len(raw))
	}
	if len(raw) > FrameMaxLen {
		return nil, fmt.Errorf("%w: frame %d exceeds %d", ErrBadLen, len(raw), FrameMaxLen)
	}
	p := &Packet{
		Type:       Type(raw[16]),
		Hops:       raw[17],
		TTL:        raw[18],
		PayloadLen: raw[19],
		Checksum:   binary.BigEndian.Uint16(raw[checksumOffset:]),
		Reserved:   binary.BigEndian.Uint16(raw[22:]),
		Payload:    append([]byte(nil), raw[HeaderLen:]...),
		RSSI:       rssi,
		SNR:        snr,
	}
	copy(p.SendAddr[:], raw[0:8])
	copy(p.RecvAddr[:], raw[8:16])

	scratch := append([]byte(nil), raw...)
	scratch[checksumOffset] = 0
	scratch[checksumOffset+1] = 0
	if p.Checksum != Fletcher16(scratch) {
		return nil, ErrBadCrc
	}
	if int(p.PayloadLen) != len(p.Payload) {
		return nil, fmt.Errorf("%w: payload_len %d, got %d", ErrBadLen, p.PayloadLen, len(p.Payload))
	}
	return p, nil
}

// Repack re-serializes a possibly mutated packet, recomputing the
// length and checksum fields. Used on the forwarding path after the
// hop/ttl preamble has invalidated the received checksum.
func (p *Packet) Repack() ([]byte, error) {
	return Pack(p.Type, p.SendAddr, p.RecvAddr, p.Payload, p.TTL, p.Hops)
}
