// Package symtab resolves instruction addresses within a mapped ELF
// file to a source-level call stack: the enclosing subprogram, any
// inlined frames nested at that address, and the source line, per
// component C3 of the analysis pipeline. It generalizes the approach
// in perfsession/symbolize.go: rather than a single flat function
// table, it keeps one DWARF-derived index per compile unit, expands
// DW_TAG_inlined_subroutine chains at lookup time, and resolves debug
// info through the same build-id-cache / app-path / sysroot search
// order perf itself uses.
package symtab

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Frame is one entry of an expanded call stack at a single address:
// index 0 is the innermost (most-inlined) frame, the last entry is
// the out-of-line subprogram that was actually called.
type Frame struct {
	Name   string // demangled, qualified by enclosing namespaces/classes
	File   string
	Line   int
	Inline bool // true for every frame but the last
}

// Module symbolizes addresses within one ELF module. It is built once
// per distinct (resolved path, build-id) pair and shared by every
// process mapping that file, since DWARF content depends only on the
// file's bytes.
type Module struct {
	path string
	elf  *elf.File
	dw   *dwarf.Data

	// cus indexes compile units by their PC range so a lookup first
	// picks the CU, then lazily builds and consults that CU's
	// subprogram index.
	cus rangeIndex[*dwarf.Entry]

	mu        sync.Mutex
	cuIndex   map[*dwarf.Entry]*cuIndexEntry
	nameCache map[dwarf.Offset]string

	// scopeOf maps a subprogram or nested-scope DIE's offset to its
	// immediately enclosing namespace/class/struct/union DIE, so
	// qualifiedName can walk outward and rebuild a "::"-joined name
	// for DIEs that carry no linkage name. Populated alongside the
	// rest of a CU's index, in cuIndexFor.
	scopeOf map[dwarf.Offset]*dwarf.Entry

	elfSyms rangeIndex[string] // ELF function symbols; loaded only when the module has no DWARF
}

type cuIndexEntry struct {
	funcs rangeIndex[*dwarf.Entry]
	lines []dwarf.LineEntry
}

// Open loads ELF and, if present, DWARF debug info for path.
func Open(path string) (*Module, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	t := &Module{
		path:      path,
		elf:       ef,
		cuIndex:   make(map[*dwarf.Entry]*cuIndexEntry),
		nameCache: make(map[dwarf.Offset]string),
		scopeOf:   make(map[dwarf.Offset]*dwarf.Entry),
	}

	if ef.Section(".debug_info") != nil || ef.Section(".zdebug_info") != nil {
		dw, err := ef.DWARF()
		if err != nil {
			return nil, fmt.Errorf("loading DWARF from %s: %w", path, err)
		}
		t.dw = dw
		if err := t.indexCUs(); err != nil {
			return nil, err
		}
	}

	if t.dw == nil {
		t.elfSyms = loadELFSymbols(ef)
	}

	return t, nil
}

// Close releases the underlying ELF file.
func (t *Module) Close() error {
	if t.elf != nil {
		return t.elf.Close()
	}
	return nil
}

// CFISection returns the raw bytes and mapped virtual address of this
// module's call frame information, preferring .eh_frame (present in
// nearly every binary, used at runtime for exception unwinding) over
// .debug_frame (DWARF-only, present when compiled with
// -fno-asynchronous-unwind-tables plus -g). ok is false if the module
// has neither; the unwinder then stops at that frame, as it has no
// frame-pointer or kernel call-chain fallback.
func (t *Module) CFISection() (data []byte, vaddr uint64, ok bool) {
	if s := t.elf.Section(".eh_frame"); s != nil {
		if b, err := s.Data(); err == nil {
			return b, s.Addr, true
		}
	}
	if s := t.elf.Section(".debug_frame"); s != nil {
		if b, err := s.Data(); err == nil {
			return b, s.Addr, true
		}
	}
	return nil, 0, false
}

// HasDWARF reports whether this module carries usable DWARF debug
// info, as opposed to being symbolized only through its ELF symbol
// table; used for statistics (stats.Counters.FramesResolvedByDWARF vs
// FramesResolvedByELF).
func (t *Module) HasDWARF() bool {
	return t.dw != nil
}

// ReadAt reads len(out) bytes of this module's mapped file contents
// starting at fileAddr (a virtual address already rebased into the
// module's own address space, as computed from an elfmap.Entry), for
// use as the static-data fallback layer of an unwind.MemReader when a
// CFA or register rule points outside the captured stack snapshot —
// e.g. a TLS or global variable the unwinder needs to dereference.
func (t *Module) ReadAt(fileAddr uint64, out []byte) bool {
	for _, s := range t.elf.Sections {
		if s.Addr == 0 || fileAddr < s.Addr || fileAddr+uint64(len(out)) > s.Addr+s.Size {
			continue
		}
		data, err := s.Data()
		if err != nil || len(data) < len(out) {
			continue
		}
		off := fileAddr - s.Addr
		if off+uint64(len(out)) > uint64(len(data)) {
			continue
		}
		copy(out, data[off:off+uint64(len(out))])
		return true
	}
	return false
}

// ELFMachine reports the module's ELF machine type, used to pick the
// Architecture when --arch was not given explicitly.
func (t *Module) ELFMachine() elf.Machine {
	return t.elf.Machine
}

// indexCUs walks the top-level compile units and records their PC
// ranges without descending into their children; children are
// indexed lazily on first lookup, since most profiles only ever touch
// a small fraction of a binary's compile units.
func (t *Module) indexCUs() error {
	r := t.dw.Reader()
	for {
		ent, err := r.Next()
		if err != nil {
			return fmt.Errorf("reading DWARF in %s: %w", t.path, err)
		}
		if ent == nil {
			break
		}
		if ent.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		lowpc, ok := ent.Val(dwarf.AttrLowpc).(uint64)
		if !ok {
			r.SkipChildren()
			continue
		}
		highpc := cuHighPC(ent, lowpc)
		if highpc > lowpc {
			t.cus.add(lowpc, highpc, ent)
		}
		r.SkipChildren()
	}
	return nil
}

func cuHighPC(ent *dwarf.Entry, lowpc uint64) uint64 {
	switch v := ent.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		return v
	case int64:
		return lowpc + uint64(v)
	default:
		return lowpc
	}
}

func (t *Module) findCU(addr uint64) *dwarf.Entry {
	_, _, ent, ok := t.cus.get(addr)
	if !ok {
		return nil
	}
	return ent
}

// cuIndexFor lazily builds (and caches) the subprogram and line
// tables for one compile unit.
func (t *Module) cuIndexFor(cu *dwarf.Entry) *cuIndexEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx, ok := t.cuIndex[cu]; ok {
		return idx
	}

	idx := &cuIndexEntry{}
	r := t.dw.Reader()
	r.Seek(cu.Offset)
	r.Next() // consume the CU entry itself; walk its children next
	depth := 1

	// scopeStack/scopeDepths track the chain of enclosing
	// namespace/class/struct/union DIEs currently open, so every
	// scope-bearing or subprogram DIE seen below can be linked to its
	// immediate parent in t.scopeOf (see qualifiedName).
	var scopeStack []*dwarf.Entry
	var scopeDepths []int

	for depth > 0 {
		ent, err := r.Next()
		if err != nil || ent == nil {
			break
		}
		if ent.Tag == 0 {
			depth--
			if len(scopeDepths) > 0 && scopeDepths[len(scopeDepths)-1] == depth+1 {
				scopeStack = scopeStack[:len(scopeStack)-1]
				scopeDepths = scopeDepths[:len(scopeDepths)-1]
			}
			continue
		}
		if ent.Children {
			depth++
		}

		var enclosing *dwarf.Entry
		if len(scopeStack) > 0 {
			enclosing = scopeStack[len(scopeStack)-1]
		}

		switch ent.Tag {
		case dwarf.TagSubprogram:
			if enclosing != nil {
				t.scopeOf[ent.Offset] = enclosing
			}
			lowpc, ok := ent.Val(dwarf.AttrLowpc).(uint64)
			if ok {
				highpc := cuHighPC(ent, lowpc)
				if highpc > lowpc {
					idx.funcs.add(lowpc, highpc, ent)
				}
			}
		case dwarf.TagNamespace, dwarf.TagStructType, dwarf.TagClassType, dwarf.TagUnionType:
			if enclosing != nil {
				t.scopeOf[ent.Offset] = enclosing
			}
			if ent.Children {
				scopeStack = append(scopeStack, ent)
				scopeDepths = append(scopeDepths, depth)
			}
		}
	}

	if lr, err := t.dw.LineReader(cu); err == nil && lr != nil {
		for {
			var le dwarf.LineEntry
			if err := lr.Next(&le); err != nil {
				break
			}
			idx.lines = append(idx.lines, le)
		}
	}

	t.cuIndex[cu] = idx
	return idx
}

// Symbolize returns the expanded call stack at addr, innermost frame
// first. ok is false if addr falls outside every indexed subprogram
// and, for a module without DWARF, outside every ELF function symbol.
func (t *Module) Symbolize(addr uint64) ([]Frame, bool) {
	file, line := t.lineFor(addr)

	if t.dw != nil {
		if cu := t.findCU(addr); cu != nil {
			idx := t.cuIndexFor(cu)
			if _, _, fn, ok := idx.funcs.get(addr); ok {
				frames := t.expandInlines(fn, addr, file, line)
				return frames, true
			}
		}
	}

	if name, ok := t.elfSymbolFor(addr); ok {
		return []Frame{{Name: name, File: file, Line: line}}, true
	}
	return nil, false
}

// expandInlines walks the DW_TAG_inlined_subroutine children of fn
// that contain addr, innermost first, then appends fn itself.
func (t *Module) expandInlines(fn *dwarf.Entry, addr uint64, file string, line int) []Frame {
	var frames []Frame

	r := t.dw.Reader()
	r.Seek(fn.Offset)
	r.Next()
	depth := 1
	var chain []*dwarf.Entry
	for depth > 0 {
		ent, err := r.Next()
		if err != nil || ent == nil {
			break
		}
		if ent.Tag == 0 {
			// Sibling inlined subroutines cover disjoint ranges, so
			// every match found is nested inside the previous one.
			depth--
			continue
		}
		if ent.Tag == dwarf.TagInlinedSubroutine {
			lowpc, ok := ent.Val(dwarf.AttrLowpc).(uint64)
			if ok && lowpc <= addr && addr < cuHighPC(ent, lowpc) {
				chain = append(chain, ent)
			}
		}
		if ent.Children {
			depth++
		}
	}

	for i := len(chain) - 1; i >= 0; i-- {
		frames = append(frames, Frame{
			Name:   t.qualifiedName(chain[i]),
			File:   file,
			Line:   line,
			Inline: true,
		})
	}
	frames = append(frames, Frame{Name: t.qualifiedName(fn), File: file, Line: line})
	return frames
}

// qualifiedName resolves a subprogram or inlined-subroutine DIE's
// name. It prefers the linkage name, demangled via demangleAny
// (Itanium, Rust v0, then D, in that order). Failing that, it falls
// back to a dwarf_getscopes-style reconstruction: AttrName (or, for a
// nameless inlined-subroutine DIE, the name at its
// DW_AT_abstract_origin) qualified by walking scopeOf outward through
// enclosing namespace/class/struct/union DIEs, joined with "::", each
// resolved through DW_AT_specification when that scope DIE is itself
// only a declaration.
func (t *Module) qualifiedName(ent *dwarf.Entry) string {
	t.mu.Lock()
	if name, ok := t.nameCache[ent.Offset]; ok {
		t.mu.Unlock()
		return name
	}
	t.mu.Unlock()

	var name string
	if ln, ok := ent.Val(dwarf.AttrLinkageName).(string); ok {
		name = demangleAny(ln)
	} else {
		own := "??"
		if n, ok := ent.Val(dwarf.AttrName).(string); ok {
			own = n
		} else if origin, ok := ent.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset); ok {
			own = t.nameAt(origin)
		}
		if scopes := t.scopeChain(ent); len(scopes) > 0 {
			name = strings.Join(scopes, "::") + "::" + own
		} else {
			name = own
		}
	}

	t.mu.Lock()
	t.nameCache[ent.Offset] = name
	t.mu.Unlock()
	return name
}

// nameAt resolves the (possibly scope-qualified) name of the DIE at
// offset off, used to chase a DW_AT_abstract_origin or
// DW_AT_specification reference.
func (t *Module) nameAt(off dwarf.Offset) string {
	r := t.dw.Reader()
	r.Seek(off)
	ent, err := r.Next()
	if err != nil || ent == nil {
		return "??"
	}
	return t.qualifiedName(ent)
}

// scopeChain returns the names of ent's enclosing namespace/class/
// struct/union scopes, outermost first, by walking t.scopeOf. It is
// the dwarf_getscopes equivalent: debug/dwarf.Entry carries no parent
// pointer, so cuIndexFor records one explicitly for every
// scope-bearing DIE as it walks a compile unit's tree.
func (t *Module) scopeChain(ent *dwarf.Entry) []string {
	t.mu.Lock()
	parent := t.scopeOf[ent.Offset]
	t.mu.Unlock()

	var scopes []string
	seen := map[dwarf.Offset]bool{ent.Offset: true}
	for parent != nil && !seen[parent.Offset] {
		seen[parent.Offset] = true
		if name := t.scopeDIEName(parent); name != "" {
			scopes = append(scopes, name)
		}
		t.mu.Lock()
		next := t.scopeOf[parent.Offset]
		t.mu.Unlock()
		parent = next
	}
	for i, j := 0, len(scopes)-1; i < j; i, j = i+1, j-1 {
		scopes[i], scopes[j] = scopes[j], scopes[i]
	}
	return scopes
}

// scopeDIEName resolves a namespace/class/struct/union DIE's own
// name, following DW_AT_specification first in case the DIE itself is
// only a declaration (the definition, carrying the name, lives at the
// referenced offset).
func (t *Module) scopeDIEName(ent *dwarf.Entry) string {
	if spec, ok := ent.Val(dwarf.AttrSpecification).(dwarf.Offset); ok {
		r := t.dw.Reader()
		r.Seek(spec)
		if specEnt, err := r.Next(); err == nil && specEnt != nil {
			if n, ok := specEnt.Val(dwarf.AttrName).(string); ok {
				return n
			}
		}
	}
	if n, ok := ent.Val(dwarf.AttrName).(string); ok {
		return n
	}
	return ""
}

func (t *Module) lineFor(addr uint64) (file string, line int) {
	if t.dw == nil {
		return "", 0
	}
	cu := t.findCU(addr)
	if cu == nil {
		return "", 0
	}
	idx := t.cuIndexFor(cu)
	i := sort.Search(len(idx.lines), func(i int) bool { return addr < idx.lines[i].Address })
	if i == 0 || idx.lines[i-1].EndSequence {
		return "", 0
	}
	le := idx.lines[i-1]
	if le.File != nil {
		file = le.File.Name
	}
	return file, le.Line
}

func (t *Module) elfSymbolFor(addr uint64) (string, bool) {
	_, _, name, ok := t.elfSyms.get(addr)
	if !ok {
		return "", false
	}
	return demangleAny(name), true
}

func loadELFSymbols(ef *elf.File) rangeIndex[string] {
	var idx rangeIndex[string]
	syms, err := ef.Symbols()
	if err != nil {
		syms, _ = ef.DynamicSymbols()
	}
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Size == 0 {
			continue
		}
		idx.add(s.Value, s.Value+s.Size, s.Name)
	}
	return idx
}

// Resolver locates and caches Modules for the ELF files referenced by
// MMAP records, following the same search order as
// perfsession/symbolize.go's getSymbolicExtra, in four distinct steps:
// the build-id cache; a basename search rooted at AppDir (the
// profiled application's own install tree, e.g. --app); a recursive
// search through a list of extra directories supplied on the command
// line (e.g. --extra, stand-ins for developers' local build trees);
// and finally the path as recorded in the profile, rooted at sysroot.
type Resolver struct {
	BuildIDDir string
	AppDir     string
	Sysroot    string
	ExtraDirs  []string

	mu     sync.Mutex
	tables map[string]*Module // keyed by resolved local path
}

// NewResolver returns a Resolver for the given search roots.
// buildIDDir is a colon-separated list of perf build-id cache roots;
// "" skips the build-id cache step.
func NewResolver(buildIDDir, appDir, sysroot string, extraDirs []string) *Resolver {
	return &Resolver{
		BuildIDDir: buildIDDir,
		AppDir:     appDir,
		Sysroot:    sysroot,
		ExtraDirs:  extraDirs,
		tables:     make(map[string]*Module),
	}
}

// Resolve returns the Module for originalPath, opening and indexing it
// on first use. A path that names an existing file (as every path
// Locate returns does) is opened as is; any other path is first
// resolved through Locate's search order with build ID buildID (may
// be empty).
func (res *Resolver) Resolve(originalPath, buildID string) (*Module, error) {
	res.mu.Lock()
	defer res.mu.Unlock()

	key := originalPath + "\x00" + buildID
	if t, ok := res.tables[key]; ok {
		return t, nil
	}

	local := originalPath
	if !fileExists(local) {
		var err error
		local, err = res.locate(originalPath, buildID)
		if err != nil {
			res.tables[key] = nil
			return nil, err
		}
	}
	t, err := Open(local)
	if err != nil {
		res.tables[key] = nil
		return nil, err
	}
	res.tables[key] = t
	return t, nil
}

// Locate resolves originalPath/buildID to an on-disk path without
// opening it, for callers (the MMAP-registration path) that only need
// to know whether and where a module exists, not its DWARF contents.
func (res *Resolver) Locate(originalPath, buildID string) (string, error) {
	return res.locate(originalPath, buildID)
}

func (res *Resolver) locate(originalPath, buildID string) (string, error) {
	if buildID != "" {
		for _, dir := range filepath.SplitList(res.BuildIDDir) {
			cand := filepath.Join(dir, ".build-id", buildID[:2], buildID[2:])
			if fileExists(cand) {
				return cand, nil
			}
		}
	}

	base := filepath.Base(originalPath)

	if res.AppDir != "" {
		if found, ok := searchByBasename(res.AppDir, base); ok {
			return found, nil
		}
	}

	for _, dir := range res.ExtraDirs {
		if found, ok := searchByBasename(dir, base); ok {
			return found, nil
		}
	}

	if cand := filepath.Join(res.Sysroot, originalPath); fileExists(cand) {
		return cand, nil
	}

	return "", fmt.Errorf("no debug object found for %s (build id %q)", originalPath, buildID)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func searchByBasename(root, base string) (string, bool) {
	var found string
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || found != "" {
			return nil
		}
		if !info.IsDir() && filepath.Base(path) == base {
			found = path
		}
		return nil
	})
	return found, found != ""
}
