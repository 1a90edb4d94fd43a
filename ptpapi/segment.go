package ptpapi

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const (
	HeaderLen  = 4    // type (2 bytes) + sequence number (2 bytes)
	MSS        = 1000 // Maximum Segment Size (payload bytes)
	BufferSize = 1024 // receive buffer, header + payload must fit
)

// Wire layout:
//
//	Byte 0-1: Segment type (big-endian)
//	Byte 2-3: Sequence number (big-endian)
//	Byte 4-N: Payload (DATA only)
type SegmentType uint16

const (
	TypeData SegmentType = iota
	TypeAck
	TypeSyn
	TypeFin
	TypeReset
)

func (t SegmentType) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypeSyn:
		return "SYN"
	case TypeFin:
		return "FIN"
	case TypeReset:
		return "RESET"
	default:
		return fmt.Sprintf("TYPE(%d)", uint16(t))
	}
}

// Letter is the single-character code used in trace lines.
func (t SegmentType) Letter() string {
	switch t {
	case TypeData:
		return "D"
	case TypeAck:
		return "A"
	case TypeSyn:
		return "S"
	case TypeFin:
		return "F"
	case TypeReset:
		return "R"
	default:
		return "?"
	}
}

// IsControl reports whether the type is retried with a bounded budget.
func (t SegmentType) IsControl() bool {
	return t == TypeSyn || t == TypeFin
}

type Segment struct {
	Type    SegmentType
	Seq     uint16
	Payload []byte
}

// Marshal serializes the segment to wire format.
func (s Segment) Marshal() []byte {
	buf := make([]byte, HeaderLen+len(s.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(s.Type))
	binary.BigEndian.PutUint16(buf[2:4], s.Seq)
	copy(buf[HeaderLen:], s.Payload)
	return buf
}

// ParseSegment deserializes a segment from wire bytes.
func ParseSegment(data []byte) (Segment, error) {
	if len(data) < HeaderLen {
		return Segment{}, errors.Wrapf(ErrMalformedSegment, "%d bytes (min %d)", len(data), HeaderLen)
	}
	t := SegmentType(binary.BigEndian.Uint16(data[0:2]))
	if t > TypeReset {
		return Segment{}, errors.Wrapf(ErrMalformedSegment, "unknown type %d", uint16(t))
	}
	seg := Segment{
		Type: t,
		Seq:  binary.BigEndian.Uint16(data[2:4]),
	}
	if len(data) > HeaderLen {
		seg.Payload = make([]byte, len(data)-HeaderLen)
		copy(seg.Payload, data[HeaderLen:])
	}
	return seg, nil
}
