// Package framer assembles complete packets from a raw byte stream.
//
// The wire carries several packet families sharing one convention: a
// one-byte type indicator, a small fixed-shape header, and a length field
// inside that header describing the payload that follows. The type
// indicator is read by the caller (so it can pick the right reader and tell
// EOF apart from a malformed packet); ParseNext reads everything after it.
package framer

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Packet type indicators, per the controller's wire protocol.
const (
	TypeBTCmd   byte = 0x01
	TypeBTACL   byte = 0x02
	TypeBTSCO   byte = 0x03
	TypeBTEvt   byte = 0x04
	TypeANTCtl  byte = 0x0c
	TypeANTData byte = 0x0e
	TypeSSRMark byte = 0xee
)

// ErrUnknownType is returned by ParseNext when the type byte does not match
// any known family. Callers decide what "unknown" means for their side:
// fatal for a client connection, a flush-and-resume for the transport.
var ErrUnknownType = errors.New("framer: unknown packet type")

// ErrTruncated is returned when a header or payload read comes back short.
// It is always fatal to the caller's current connection.
var ErrTruncated = errors.New("framer: truncated read")

// ByteReader reads exactly n bytes or reports why it couldn't.
//
// A short read (n2 < n with err == nil, or any n2 < n) must be reported as
// an error; ParseNext does not retry partial reads itself.
type ByteReader interface {
	ReadExact(n int) ([]byte, error)
}

// family describes one packet type's header shape.
type family struct {
	headerSize int
	lenOffset  int
	lenWidth   int // 1 or 2 bytes, little-endian
}

var families = map[byte]family{
	TypeBTCmd:   {headerSize: 3, lenOffset: 2, lenWidth: 1},
	TypeBTACL:   {headerSize: 4, lenOffset: 2, lenWidth: 2},
	TypeBTSCO:   {headerSize: 3, lenOffset: 2, lenWidth: 1},
	TypeBTEvt:   {headerSize: 2, lenOffset: 1, lenWidth: 1},
	TypeANTCtl:  {headerSize: 1, lenOffset: 0, lenWidth: 1},
	TypeANTData: {headerSize: 1, lenOffset: 0, lenWidth: 1},
}

// Frame is a fully reassembled packet: type byte, header, payload.
type Frame struct {
	Type    byte
	Header  []byte
	Payload []byte
}

// Bytes re-serializes the Frame exactly as it must appear on the wire:
// type byte, then header, then payload, with no copying surprises for the
// caller (the returned slice is freshly allocated).
func (f Frame) Bytes() []byte {
	out := make([]byte, 0, 1+len(f.Header)+len(f.Payload))
	out = append(out, f.Type)
	out = append(out, f.Header...)
	out = append(out, f.Payload...)
	return out
}

// IsSSRMark reports whether this frame is the subsystem-restart sentinel,
// which carries no header or payload and is dropped rather than forwarded.
func (f Frame) IsSSRMark() bool {
	return f.Type == TypeSSRMark
}

// ParseNext reads the remainder of the packet identified by typeByte and
// returns the reassembled Frame.
//
// The SSR sentinel (0xee) is accepted here as a zero-byte frame; it is the
// mux's job, not the framer's, to drop it rather than forward it — the
// framer's only concern is whether the byte stream parses.
func ParseNext(r ByteReader, typeByte byte) (Frame, error) {
	if typeByte == TypeSSRMark {
		return Frame{Type: TypeSSRMark}, nil
	}

	fam, ok := families[typeByte]
	if !ok {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownType, typeByte)
	}

	header, err := r.ReadExact(fam.headerSize)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: header: %v", ErrTruncated, err)
	}

	var length int
	switch fam.lenWidth {
	case 1:
		length = int(header[fam.lenOffset])
	case 2:
		length = int(binary.LittleEndian.Uint16(header[fam.lenOffset : fam.lenOffset+2]))
	default:
		panic("framer: bad family descriptor")
	}

	var payload []byte
	if length > 0 {
		payload, err = r.ReadExact(length)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: payload: %v", ErrTruncated, err)
		}
	} else {
		payload = []byte{}
	}

	return Frame{Type: typeByte, Header: header, Payload: payload}, nil
}

// Known reports whether typeByte names a recognized family (excluding the
// SSR sentinel, which callers usually handle separately).
func Known(typeByte byte) bool {
	_, ok := families[typeByte]
	return ok
}
