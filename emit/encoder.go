package emit

import (
	"encoding/binary"
	"io"
	"math"
	"sync"

	"github.com/qperfstream/qperfstream/symtab"
)

// Attribute describes one perf_event_attr the stream references by
// id, so SAMPLE frames can cite it without repeating type/config/name.
type Attribute struct {
	Type   uint32
	Config uint64
	Name   string
}

// Sample is one SAMPLE frame: a symbolized, time-ordered stack.
type Sample struct {
	PID, TID          int
	Time              uint64
	FrameIDs          []int32
	NumGuessedFrames  int
	AttributeID       int32
	Period            uint64
	Weight            uint64
}

// Encoder writes frames to an underlying io.Writer, interning strings,
// locations, symbols, and attributes so each distinct value is
// defined once (via its own Definition frame) before first use,
// satisfying spec.md's testable property 4.
//
// Encoder is not safe for concurrent use; the pipeline is single
// threaded per spec.md §5.
type Encoder struct {
	w   io.Writer
	err error

	mu sync.Mutex // guards the intern tables only, for symtab.StringInterner's cross-package contract

	strings   map[string]int32
	nextStrID int32

	locationKeys map[locationKey]int32
	nextLocID    int32

	attrKeys   map[attrKey]int32
	nextAttrID int32
}

type locationKey struct {
	address          uint64
	fileStringID     int32
	pid              int
	line, column     int
	parentLocationID int32
}

type attrKey struct {
	typ    uint32
	config uint64
	name   int32
}

// NewEncoder writes the QPERFSTREAM header to w and returns an Encoder
// ready to accept frames.
func NewEncoder(w io.Writer) (*Encoder, error) {
	e := &Encoder{
		w:            w,
		strings:      make(map[string]int32),
		locationKeys: make(map[locationKey]int32),
		attrKeys:     make(map[attrKey]int32),
	}
	if _, err := w.Write(Magic[:]); err != nil {
		return nil, err
	}
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], WireVersion)
	if _, err := w.Write(v[:]); err != nil {
		return nil, err
	}
	return e, nil
}

// Err returns the first write error encountered, if any. Once set, all
// further frame-writing methods are no-ops.
func (e *Encoder) Err() error { return e.err }

func (e *Encoder) write(tag Tag, payload []byte) {
	if e.err != nil {
		return
	}
	e.err = writeFrame(e.w, tag, payload)
}

// InternString assigns a stable id to s, writing a StringDefinition
// the first time s is seen. Implements symtab.StringInterner.
func (e *Encoder) InternString(s string) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.strings[s]; ok {
		return id
	}
	id := e.nextStrID
	e.nextStrID++
	e.strings[s] = id

	var b bufEncoder
	b.u32(uint32(id))
	b.str(s)
	e.write(TagStringDefinition, b.buf)
	return id
}

// AddLocation implements symtab.LocationStore: interns the location's
// strings, writes a LocationDefinition (and its SymbolDefinition) the
// first time this exact chain link is seen, and returns its id.
func (e *Encoder) AddLocation(loc symtab.Location, sym symtab.Symbol) int32 {
	key := locationKey{loc.Address, loc.FileStringID, loc.PID, loc.Line, loc.Column, loc.ParentLocationID}

	e.mu.Lock()
	id, ok := e.locationKeys[key]
	if !ok {
		id = e.nextLocID
		e.nextLocID++
		e.locationKeys[key] = id
	}
	e.mu.Unlock()
	if ok {
		return id
	}

	var b bufEncoder
	b.u32(uint32(id))
	b.u64(loc.Address)
	b.u32(uint32(loc.FileStringID))
	b.i32(int32(loc.PID))
	b.i32(int32(loc.Line))
	b.i32(int32(loc.Column))
	b.i32(loc.ParentLocationID)
	e.write(TagLocationDefinition, b.buf)

	e.addSymbol(id, sym)
	return id
}

// addSymbol writes a SymbolDefinition for locationID. Every
// SymbolDefinition is keyed by its locationID on the wire, and
// AddLocation only calls this for a location id it hasn't emitted
// before, so there is no duplicate here to suppress.
func (e *Encoder) addSymbol(locationID int32, sym symtab.Symbol) {
	var b bufEncoder
	b.u32(uint32(locationID))
	b.u32(uint32(sym.NameStringID))
	b.u32(uint32(sym.BinaryStringID))
	b.bool(sym.IsKernel)
	e.write(TagSymbolDefinition, b.buf)
}

// InternAttribute assigns a stable id to one perf_event_attr
// (type, config, name), writing an AttributesDefinition the first
// time it is seen.
func (e *Encoder) InternAttribute(typ uint32, config uint64, name string) int32 {
	nameID := e.InternString(name)
	key := attrKey{typ, config, nameID}

	e.mu.Lock()
	id, ok := e.attrKeys[key]
	if !ok {
		id = e.nextAttrID
		e.nextAttrID++
		e.attrKeys[key] = id
	}
	e.mu.Unlock()
	if ok {
		return id
	}

	var b bufEncoder
	b.u32(uint32(id))
	b.u32(typ)
	b.u64(config)
	b.u32(uint32(nameID))
	e.write(TagAttributesDefinition, b.buf)
	return id
}

// ThreadStart, ThreadEnd, Command, and LostDefinition are the thread
// lifecycle messages: injected at the moment they are decoded, per
// spec.md §5, not reordered against samples.

func (e *Encoder) ThreadStart(pid, tid int, time uint64) {
	var b bufEncoder
	b.i32(int32(pid))
	b.i32(int32(tid))
	b.u64(time)
	e.write(TagThreadStart, b.buf)
}

func (e *Encoder) ThreadEnd(pid, tid int, time uint64) {
	var b bufEncoder
	b.i32(int32(pid))
	b.i32(int32(tid))
	b.u64(time)
	e.write(TagThreadEnd, b.buf)
}

func (e *Encoder) Command(pid, tid int, time uint64, comm string) {
	commID := e.InternString(comm)
	var b bufEncoder
	b.i32(int32(pid))
	b.i32(int32(tid))
	b.u64(time)
	b.u32(uint32(commID))
	e.write(TagCommand, b.buf)
}

func (e *Encoder) Lost(pid, tid int, time uint64) {
	var b bufEncoder
	b.i32(int32(pid))
	b.i32(int32(tid))
	b.u64(time)
	e.write(TagLostDefinition, b.buf)
}

// Features emits the one-time FeaturesDefinition frame describing the
// recording host, assembled from perffile.FileMeta.
func (e *Encoder) Features(hostname, osRelease, version, arch string, nrCPUs uint32, totalMemKB uint64, cmdline []string, buildIDs []string) {
	var b bufEncoder
	b.str(hostname)
	b.str(osRelease)
	b.str(version)
	b.str(arch)
	b.u32(nrCPUs)
	b.u64(totalMemKB)
	b.u32(uint32(len(cmdline)))
	for _, c := range cmdline {
		b.str(c)
	}
	b.u32(uint32(len(buildIDs)))
	for _, id := range buildIDs {
		b.str(id)
	}
	e.write(TagFeaturesDefinition, b.buf)
}

// Error reports a recoverable condition (MissingElfFile,
// InvalidKallsyms, a benign sample time-order warning) without
// aborting the stream.
func (e *Encoder) Error(code int32, message string) {
	var b bufEncoder
	b.i32(code)
	b.str(message)
	e.write(TagError, b.buf)
}

// Progress reports a fraction in [0, 1] of the input consumed so far.
func (e *Encoder) Progress(fraction float64) {
	var b bufEncoder
	b.u64(math.Float64bits(fraction))
	e.write(TagProgress, b.buf)
}

// EmitSample writes a fully-symbolized SAMPLE frame. frameIDs must
// already be interned location ids (innermost-first), each preceded
// by its LocationDefinition/SymbolDefinition per spec.md's testable
// property 4.
func (e *Encoder) EmitSample(s Sample) {
	var b bufEncoder
	b.i32(int32(s.PID))
	b.i32(int32(s.TID))
	b.u64(s.Time)
	b.u32(uint32(len(s.FrameIDs)))
	for _, id := range s.FrameIDs {
		b.i32(id)
	}
	b.i32(int32(s.NumGuessedFrames))
	b.i32(s.AttributeID)
	b.u64(s.Period)
	b.u64(s.Weight)
	e.write(TagSample, b.buf)
}
