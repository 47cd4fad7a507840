// Package emit writes the analysis pipeline's output stream: a
// QPERFSTREAM header followed by a sequence of length-prefixed, tagged
// frames, with string/location/symbol/attribute values interned so
// each distinct value is written once and referenced by id thereafter.
package emit

import (
	"encoding/binary"
	"io"
)

// Magic is the literal byte sequence every output stream starts with.
var Magic = [12]byte{'Q', 'P', 'E', 'R', 'F', 'S', 'T', 'R', 'E', 'A', 'M', 0}

// WireVersion is the wire-format version written right after Magic.
const WireVersion uint32 = 1

// Tag identifies a frame's payload shape.
type Tag uint8

const (
	TagThreadStart Tag = iota + 1
	TagThreadEnd
	TagCommand
	TagLocationDefinition
	TagSymbolDefinition
	TagAttributesDefinition
	TagStringDefinition
	TagLostDefinition
	TagFeaturesDefinition
	TagError
	TagProgress
	TagSample
)

func (t Tag) String() string {
	switch t {
	case TagThreadStart:
		return "ThreadStart"
	case TagThreadEnd:
		return "ThreadEnd"
	case TagCommand:
		return "Command"
	case TagLocationDefinition:
		return "LocationDefinition"
	case TagSymbolDefinition:
		return "SymbolDefinition"
	case TagAttributesDefinition:
		return "AttributesDefinition"
	case TagStringDefinition:
		return "StringDefinition"
	case TagLostDefinition:
		return "LostDefinition"
	case TagFeaturesDefinition:
		return "FeaturesDefinition"
	case TagError:
		return "Error"
	case TagProgress:
		return "Progress"
	case TagSample:
		return "Sample"
	default:
		return "Unknown"
	}
}

// bufEncoder accumulates a frame's payload bytes in little-endian wire
// format. It mirrors perffile's bufDecoder field-by-field, in reverse.
type bufEncoder struct {
	buf []byte
}

func (e *bufEncoder) u8(x uint8) {
	e.buf = append(e.buf, x)
}

func (e *bufEncoder) u32(x uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], x)
	e.buf = append(e.buf, b[:]...)
}

func (e *bufEncoder) i32(x int32) {
	e.u32(uint32(x))
}

func (e *bufEncoder) u64(x uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], x)
	e.buf = append(e.buf, b[:]...)
}

func (e *bufEncoder) bool(x bool) {
	if x {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *bufEncoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *bufEncoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *bufEncoder) u32s(xs []uint32) {
	e.u32(uint32(len(xs)))
	for _, x := range xs {
		e.u32(x)
	}
}

// writeFrame writes one length-prefixed, tagged frame to w. length
// covers the tag byte plus payload, per spec.md's wire format.
func writeFrame(w io.Writer, tag Tag, payload []byte) error {
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(1+len(payload)))
	hdr[4] = byte(tag)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}
