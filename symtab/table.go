package symtab

import (
	"github.com/qperfstream/qperfstream/elfmap"
)

// StringInterner assigns a stable small integer to a string, used so
// Location/Symbol can reference file paths, function names and
// binary paths by ID instead of repeating them per-frame in the
// output stream. emit.Encoder implements this.
type StringInterner interface {
	InternString(s string) int32
}

// Location identifies one (possibly inlined) call-stack frame: an
// address inside a specific PID, at a specific source line, with an
// optional link to the frame it was inlined into.
type Location struct {
	Address          uint64
	FileStringID     int32
	PID              int
	Line             int
	Column           int
	ParentLocationID int32 // -1 if this is the outermost frame
}

// Symbol names a Location's function.
type Symbol struct {
	NameStringID   int32
	BinaryStringID int32
	IsKernel       bool
}

// Table is the per-process symbol table (component C3): it owns the
// process's elfmap.Map, a cache from resolved module path to *Module,
// and an address cache mapping (module path, sampled address) to the
// Location/Symbol chain already produced for it, so repeated samples
// at the same IP in a hot loop only pay the DWARF walk once.
type Table struct {
	PID      int
	Maps     *elfmap.Map
	Resolver *Resolver
	Kernel   *Module // nil if no kernel module is symbolized for this table

	intern StringInterner

	addrCache map[addrCacheKey]addrCacheVal
}

type addrCacheKey struct {
	modulePath string
	addr       uint64
}

type addrCacheVal struct {
	locationIDs    []int32 // innermost first
	isInterworking bool
	viaDWARF       bool
}

// NewTable returns an empty per-process symbol table.
func NewTable(pid int, resolver *Resolver, intern StringInterner) *Table {
	return &Table{
		PID:       pid,
		Maps:      elfmap.New(),
		Resolver:  resolver,
		intern:    intern,
		addrCache: make(map[addrCacheKey]addrCacheVal),
	}
}

// LocationStore is implemented by emit.Encoder to allocate and record
// Location/Symbol values; Table only computes them, it does not own
// their numbering, since location IDs are shared across every
// process's samples in one output stream.
type LocationStore interface {
	AddLocation(Location, Symbol) int32
}

// Resolve symbolizes ip, sampled in this process at time t, expanding
// inline frames innermost-first. isInterworking is the unwinder's flag
// for a frame recovered by the ARM interworking (LR-seeded) retry;
// Table only records it in the address cache. viaDWARF
// reports whether the module had usable DWARF debug info, as opposed
// to falling back to its ELF symbol table; callers use it for
// stats.Counters.FramesResolvedByDWARF/FramesResolvedByELF.
func (t *Table) Resolve(store LocationStore, ip, at uint64, isInterworking bool) (ids []int32, ok bool, viaDWARF bool) {
	entry, found := t.Maps.FindElf(ip, at)
	if !found || !entry.Found {
		return nil, false, false
	}

	key := addrCacheKey{entry.LocalPath, ip}
	if v, ok := t.addrCache[key]; ok {
		return v.locationIDs, true, v.viaDWARF
	}

	// entry.LocalPath was already resolved by the driver at MMAP
	// registration time (build-id cache, app path, extra dirs,
	// sysroot); Resolve's own locate pass over it is then just a
	// fileExists check before Open.
	mod, err := t.Resolver.Resolve(entry.LocalPath, "")
	if err != nil {
		return nil, false, false
	}
	viaDWARF = mod.HasDWARF()

	fileAddr := ip - entry.Addr + entry.PgOff
	frames, symOK := mod.Symbolize(fileAddr)
	if !symOK {
		return nil, false, false
	}

	ids = make([]int32, len(frames))
	var parent int32 = -1
	// frames is innermost-first; Locations are built outermost-first
	// so ParentLocationID always points at an already-assigned ID.
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		loc := Location{
			Address:          ip,
			FileStringID:     t.intern.InternString(f.File),
			PID:              t.PID,
			Line:             f.Line,
			Column:           0,
			ParentLocationID: parent,
		}
		sym := Symbol{
			NameStringID:   t.intern.InternString(f.Name),
			BinaryStringID: t.intern.InternString(entry.OriginalPath),
			IsKernel:       false,
		}
		id := store.AddLocation(loc, sym)
		ids[i] = id
		parent = id
	}

	t.addrCache[key] = addrCacheVal{ids, isInterworking, viaDWARF}
	return ids, true, viaDWARF
}
