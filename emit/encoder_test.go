package emit

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/qperfstream/qperfstream/symtab"
)

// TestFramingHeader reproduces spec's E6 scenario: the first 12 bytes
// are the QPERFSTREAM magic, the next 4 decode as the wire version,
// and each frame's declared length matches the bytes it takes to
// decode.
func TestFramingHeader(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf)
	if err != nil {
		t.Fatal(err)
	}
	enc.ThreadStart(1, 1, 100)
	if err := enc.Err(); err != nil {
		t.Fatal(err)
	}

	b := buf.Bytes()
	if !bytes.Equal(b[:12], Magic[:]) {
		t.Fatalf("header = %q, want %q", b[:12], Magic[:])
	}
	version := binary.LittleEndian.Uint32(b[12:16])
	if version != WireVersion {
		t.Fatalf("version = %d, want %d", version, WireVersion)
	}

	rest := b[16:]
	for len(rest) > 0 {
		if len(rest) < 4 {
			t.Fatalf("trailing %d bytes, too short for a frame length", len(rest))
		}
		length := binary.LittleEndian.Uint32(rest[:4])
		if uint32(len(rest)-4) < length {
			t.Fatalf("frame declares length %d but only %d bytes remain", length, len(rest)-4)
		}
		rest = rest[4+length:]
	}
}

// TestStringInterningIsStable reproduces spec's testable property 4:
// a string seen twice is defined once and referenced by the same id
// thereafter.
func TestStringInterningIsStable(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf)
	if err != nil {
		t.Fatal(err)
	}

	id1 := enc.InternString("main.foo")
	id2 := enc.InternString("main.bar")
	id3 := enc.InternString("main.foo")
	if id1 != id3 {
		t.Errorf("re-interning the same string got a different id: %d != %d", id1, id3)
	}
	if id1 == id2 {
		t.Errorf("two different strings got the same id")
	}

	frames := countFrames(t, buf.Bytes())
	if frames[TagStringDefinition] != 2 {
		t.Errorf("StringDefinition frames = %d, want 2 (one per distinct string)", frames[TagStringDefinition])
	}
}

// TestAddLocationDefinesBeforeUse ensures a Location/Symbol pair is
// only defined once even when resolved repeatedly for the same frame,
// and that the definitions precede any use of their id.
func TestAddLocationDefinesBeforeUse(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf)
	if err != nil {
		t.Fatal(err)
	}

	fileID := enc.InternString("main.go")
	nameID := enc.InternString("main.main")
	binID := enc.InternString("/bin/app")

	loc := symtab.Location{Address: 0x1000, FileStringID: fileID, PID: 7, Line: 10, ParentLocationID: -1}
	sym := symtab.Symbol{NameStringID: nameID, BinaryStringID: binID}

	id1 := enc.AddLocation(loc, sym)
	id2 := enc.AddLocation(loc, sym)
	if id1 != id2 {
		t.Errorf("re-adding the same location got a different id: %d != %d", id1, id2)
	}

	enc.EmitSample(Sample{PID: 7, TID: 7, Time: 1, FrameIDs: []int32{id1}})
	if err := enc.Err(); err != nil {
		t.Fatal(err)
	}

	frames := countFrames(t, buf.Bytes())
	if frames[TagLocationDefinition] != 1 {
		t.Errorf("LocationDefinition frames = %d, want 1", frames[TagLocationDefinition])
	}
	if frames[TagSymbolDefinition] != 1 {
		t.Errorf("SymbolDefinition frames = %d, want 1", frames[TagSymbolDefinition])
	}

	firstAt := make(map[Tag]int)
	rest := buf.Bytes()[16:]
	for i := 0; len(rest) > 0; i++ {
		length := binary.LittleEndian.Uint32(rest[:4])
		if _, seen := firstAt[Tag(rest[4])]; !seen {
			firstAt[Tag(rest[4])] = i
		}
		rest = rest[4+length:]
	}
	if firstAt[TagLocationDefinition] >= firstAt[TagSample] {
		t.Errorf("LocationDefinition at frame %d, Sample at frame %d: definition must come first", firstAt[TagLocationDefinition], firstAt[TagSample])
	}
}

func countFrames(t *testing.T, b []byte) map[Tag]int {
	t.Helper()
	counts := make(map[Tag]int)
	rest := b[16:] // skip magic + version
	for len(rest) > 0 {
		length := binary.LittleEndian.Uint32(rest[:4])
		tag := Tag(rest[4])
		counts[tag]++
		rest = rest[4+length:]
	}
	return counts
}
