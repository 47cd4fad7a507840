// Package driver wires components C1-C8 into the analysis pipeline
// (component C9): it owns the per-PID symbol tables, the re-ordering
// buffer, and the output sink, and chooses between file-mode and
// pipe-mode decoding based on the input source.
package driver

import (
	"debug/elf"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/bits"
	"sync"

	"github.com/qperfstream/qperfstream/elfmap"
	"github.com/qperfstream/qperfstream/emit"
	"github.com/qperfstream/qperfstream/kallsyms"
	"github.com/qperfstream/qperfstream/perferr"
	"github.com/qperfstream/qperfstream/perffile"
	"github.com/qperfstream/qperfstream/reorder"
	"github.com/qperfstream/qperfstream/stats"
	"github.com/qperfstream/qperfstream/symtab"
	"github.com/qperfstream/qperfstream/unwind"
)

// Config collects the command-line surface spec.md §6 names, already
// parsed into Go values by cmd/qperfstream.
type Config struct {
	BuildIDDir   string // --debug, perf's build-id cache root
	Sysroot      string // --sysroot
	ExtraDirs    []string
	AppDir       string // --app
	KallsymsPath string // --kallsyms; "" uses /proc/kallsyms
	Arch         string // --arch; "" uses the profile header's arch, or x86_64 if it has none
	BufferSizeKB int    // --buffer-size; 0 disables the size heuristic (rounds-only)
	MaxFrames    int    // --max-frames; <=0 means no depth cap
	PrintStats   bool   // --print-stats
}

// Driver runs the decode -> reorder -> map -> symbolize/unwind -> emit
// pipeline over one input source.
type Driver struct {
	log *slog.Logger
	cfg Config

	resolver *symtab.Resolver
	kernel   *kallsyms.Table
	arch     unwind.Architecture
	archSet  bool // true once Arch was pinned (flag or auto-detect)

	sink  Sink
	stats *stats.Counters

	mu      sync.Mutex
	tables  map[int]*symtab.Table
	unwinds map[int]*unwind.Unwinder

	cfiMu    sync.Mutex
	cfiCache map[string]*unwind.Table

	kernelMu    sync.Mutex
	kernelCache map[uint64]int32

	attrMu  sync.Mutex
	attrIDs map[*perffile.EventAttr]int32

	buffer *reorder.Buffer
}

// New constructs a Driver writing its framed output to w, or tracking
// statistics only if cfg.PrintStats is set.
func New(cfg Config, log *slog.Logger, w io.Writer) (*Driver, error) {
	if log == nil {
		log = slog.Default()
	}

	d := &Driver{
		log:         log,
		cfg:         cfg,
		resolver:    symtab.NewResolver(cfg.BuildIDDir, cfg.AppDir, cfg.Sysroot, cfg.ExtraDirs),
		stats:       &stats.Counters{},
		tables:      make(map[int]*symtab.Table),
		unwinds:     make(map[int]*unwind.Unwinder),
		cfiCache:    make(map[string]*unwind.Table),
		kernelCache: make(map[uint64]int32),
		attrIDs:     make(map[*perffile.EventAttr]int32),
	}

	if cfg.Arch != "" {
		arch, ok := unwind.ByName(cfg.Arch)
		if !ok {
			return nil, fmt.Errorf("unknown --arch %q", cfg.Arch)
		}
		d.arch = arch
		d.archSet = true
	}

	if cfg.KallsymsPath != "" {
		t, err := kallsyms.Load(cfg.KallsymsPath)
		if err != nil {
			log.Warn("kernel symbols unavailable", slog.String("path", cfg.KallsymsPath), slog.String("err", err.Error()))
		}
		d.kernel = t
	} else {
		d.kernel = kallsyms.LoadDefault(log)
	}

	if cfg.PrintStats {
		d.sink = newStatsSink(d.stats)
	} else {
		enc, err := emit.NewEncoder(w)
		if err != nil {
			return nil, fmt.Errorf("writing stream header: %w", err)
		}
		d.sink = enc
	}

	d.buffer = reorder.New(log, cfg.BufferSizeKB*1024, d.applyMmap, d.emitSample)
	return d, nil
}

// Stats returns the running counters, valid whether or not
// --print-stats is set (the normal output path tallies them too).
func (d *Driver) Stats() *stats.Counters { return d.stats }

// Run consumes r to completion, dispatching to file-mode (seekable,
// two-pass time sort available) or pipe-mode (stdin/TCP, incremental)
// decoding depending on whether r also implements io.ReaderAt, per
// spec.md §6's transport-agnostic input requirement.
func (d *Driver) Run(r io.Reader) error {
	if ra, ok := r.(io.ReaderAt); ok {
		return d.runFile(ra)
	}
	return d.runStream(r)
}

func (d *Driver) runFile(ra io.ReaderAt) error {
	f, err := perffile.New(ra)
	if err != nil {
		// perffile.New already returns a *perferr.Error (BadMagic or
		// HeaderError, depending on what failed).
		return err
	}
	d.handleMeta(&f.Meta)

	rs := f.Records(perffile.RecordsFileOrder)
	for rs.Next() {
		if err := d.ingest(rs.Record); err != nil {
			return err
		}
	}
	if err := rs.Err(); err != nil {
		// rs.Err() is already a *perferr.Error (SignalError).
		return err
	}
	return d.buffer.Close()
}

func (d *Driver) runStream(r io.Reader) error {
	dec, err := perffile.NewStreamDecoder(r)
	if err != nil {
		// NewStreamDecoder already returns a *perferr.Error (BadMagic).
		return err
	}
	for {
		rec, status := dec.Next()
		switch status {
		case perffile.Ok:
			if err := d.ingest(rec); err != nil {
				return err
			}
		case perffile.EOF:
			return d.buffer.Close()
		case perffile.Err:
			// dec.Err() is already a *perferr.Error (SignalError or
			// HeaderError, depending on what failed).
			return dec.Err()
		case perffile.NeedMore:
			// StreamDecoder.Next does not return NeedMore: a stream
			// that ends inside a record is reported as Err.
			continue
		}
	}
}

// handleMeta forwards the file's feature-section metadata as the
// stream's one-time FeaturesDefinition frame.
func (d *Driver) handleMeta(m *perffile.FileMeta) {
	buildIDs := make([]string, len(m.BuildIDs))
	for i, b := range m.BuildIDs {
		buildIDs[i] = b.BuildID.String()
	}
	d.sink.Features(m.Hostname, m.OSRelease, m.Version, m.Arch, uint32(m.CPUsOnline), uint64(m.TotalMem/1024), m.CmdLine, buildIDs)

	if !d.archSet && m.Arch != "" {
		if arch, ok := unwind.ByName(m.Arch); ok {
			d.arch = arch
			d.archSet = true
		}
	}
}

// ingest routes one decoded record to thread-lifecycle bookkeeping
// (applied immediately, never reordered) or to the re-ordering buffer
// (MMAP/SAMPLE, whose relative order the kernel does not guarantee).
func (d *Driver) ingest(rec perffile.Record) error {
	switch r := rec.(type) {
	case *perffile.RecordComm:
		d.sink.Command(r.PID, r.TID, r.Time, r.Comm)

	case *perffile.RecordFork:
		if r.PID == r.TID {
			d.forkTable(r.PPID, r.PID)
			d.sink.ThreadStart(r.PID, r.TID, r.Time)
		}

	case *perffile.RecordExit:
		if r.PID == r.TID {
			d.sink.ThreadEnd(r.PID, r.TID, r.Time)
			d.dropTable(r.PID)
		}

	case *perffile.RecordLost:
		d.sink.Lost(r.PID, r.TID, r.Time)

	case *perffile.RecordMmap:
		return d.buffer.Ingest(r)

	case *perffile.RecordSample:
		return d.buffer.Ingest(r)

	case *perffile.RecordFinishedRound:
		d.stats.FinishedRound()
		return d.buffer.FinishedRound()

	default:
		// Every other record type (aux, ksymbol, cgroup, ...) is
		// outside the core analysis pipeline's scope (spec.md §1).
	}
	return nil
}

// tableFor returns (creating if necessary) the per-process symbol
// table and unwinder pair for pid. Kernel-space PCs are not looked up
// through these tables; see resolveKernel.
func (d *Driver) tableFor(pid int) (*symtab.Table, *unwind.Unwinder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tables[pid]; ok {
		return t, d.unwinds[pid]
	}
	t := symtab.NewTable(pid, d.resolver, d.sink)
	u := &unwind.Unwinder{
		Arch:      d.archOrDefault(),
		Maps:      t.Maps,
		CFIFor:    d.cfiFor,
		MaxFrames: d.cfg.MaxFrames,
	}
	d.tables[pid] = t
	d.unwinds[pid] = u
	return t, u
}

func (d *Driver) archOrDefault() unwind.Architecture {
	if d.archSet {
		return d.arch
	}
	return unwind.X86_64
}

// forkTable clones the parent's live ELF mappings into a fresh table
// for the child pid, matching perfsession.PIDInfo.fork's copy-on-fork
// semantics: a forked process starts with its parent's address space,
// not an empty one.
func (d *Driver) forkTable(ppid, pid int) {
	d.mu.Lock()
	parent, ok := d.tables[ppid]
	d.mu.Unlock()

	child, _ := d.tableFor(pid)
	if !ok {
		return
	}
	for _, e := range parent.Maps.Entries() {
		if e.TimeOverwritten != math.MaxUint64 {
			continue // already overwritten in the parent, not live
		}
		child.Maps.RegisterElf(e.Addr, e.Len, e.PgOff, e.TimeAdded, e.LocalPath, e.OriginalPath, e.Found)
	}
}

func (d *Driver) dropTable(pid int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tables, pid)
	delete(d.unwinds, pid)
}

// cfiFor lazily parses and caches the CFI table for the module at
// localPath, shared by every process that maps it.
func (d *Driver) cfiFor(localPath string) (*unwind.Table, bool) {
	d.cfiMu.Lock()
	defer d.cfiMu.Unlock()
	if tbl, ok := d.cfiCache[localPath]; ok {
		return tbl, tbl != nil
	}

	mod, err := d.resolver.Resolve(localPath, "")
	if err != nil {
		d.cfiCache[localPath] = nil
		return nil, false
	}
	data, vaddr, ok := mod.CFISection()
	if !ok {
		d.cfiCache[localPath] = nil
		return nil, false
	}
	arch := d.archOrDefault()
	if !d.archSet {
		if a, ok := archFromMachine(mod.ELFMachine()); ok {
			arch = a
		}
	}
	tbl, err := unwind.ParseCFI(data, vaddr, arch.ByteOrder, arch.PointerSize)
	if err != nil {
		d.log.Warn("failed to parse call frame information", slog.String("path", localPath), slog.String("err", err.Error()))
		d.cfiCache[localPath] = nil
		return nil, false
	}
	d.cfiCache[localPath] = tbl
	return tbl, true
}

func archFromMachine(m elf.Machine) (unwind.Architecture, bool) {
	switch m {
	case elf.EM_X86_64:
		return unwind.X86_64, true
	case elf.EM_ARM:
		return unwind.ARM, true
	case elf.EM_AARCH64:
		return unwind.AArch64, true
	default:
		return unwind.Architecture{}, false
	}
}

// internAttr assigns (and caches) an output attribute id for attr,
// from its generic (type, config) pair and its display name.
func (d *Driver) internAttr(attr *perffile.EventAttr) int32 {
	d.attrMu.Lock()
	defer d.attrMu.Unlock()
	if attr == nil {
		return -1
	}
	if id, ok := d.attrIDs[attr]; ok {
		return id
	}

	g := attr.Event.Generic()
	name := fmt.Sprint(attr.Event)
	id := d.sink.InternAttribute(uint32(g.Type), g.ID, name)
	d.attrIDs[attr] = id
	return id
}

// applyMmap is reorder.Buffer's ApplyMmap callback: it resolves the
// mapped file's on-disk location (once, at registration time — a
// lightweight path-only resolution, not a full DWARF open) and
// records the fragment in the owning process's elfmap.Map.
func (d *Driver) applyMmap(rec perffile.Record) error {
	m := rec.(*perffile.RecordMmap)
	table, _ := d.tableFor(m.PID)

	buildID := perffile.BuildID(m.BuildID).String()
	if len(m.BuildID) == 0 {
		buildID = ""
	}
	local, err := d.resolver.Locate(m.Filename, buildID)
	found := err == nil
	if !found {
		local = m.Filename
		d.stats.MmapsWithoutElf++
		d.sink.Error(int32(perferr.MissingElfFile), fmt.Sprintf("mapped file not found: %s", m.Filename))
	}

	table.Maps.RegisterElf(m.Addr, m.Len, m.FileOffset, m.Time, local, m.Filename, found)
	d.stats.NumMmaps++
	d.stats.AddEventTime(m.Time)
	return nil
}

// emitSample is reorder.Buffer's EmitSample callback: it unwinds the
// sampled stack, symbolizes every recovered PC (expanding inline
// frames), and hands the fully-resolved stack to the sink.
func (d *Driver) emitSample(rec perffile.Record) error {
	s := rec.(*perffile.RecordSample)
	table, uw := d.tableFor(s.PID)

	d.stats.NumSamples++
	d.stats.AddEventTime(s.Time)

	regMask := uint64(0)
	if s.EventAttr != nil {
		regMask = s.EventAttr.SampleRegsUser
	}
	// ChainMem falls back to moduleMem for anything outside the
	// captured stack snapshot's bounds.
	var mem unwind.ChainMem
	if sp, ok := sampledSP(s, uw.Arch, regMask); ok {
		mem = append(mem, unwind.StackMem{Start: sp, Data: s.StackUser})
	}
	mem = append(mem, moduleMem{maps: table.Maps, resolver: d.resolver, time: s.Time})

	frames := uw.Unwind(s.IP, s.RegsUser, regMask, mem, s.Time)
	if len(frames) <= 1 {
		d.stats.SamplesFailedToUnwind++
	} else {
		d.stats.SamplesUnwound++
	}

	var frameIDs []int32
	guessed := 0
	for _, f := range frames {
		ids, ok, viaDWARF := table.Resolve(d.sink, f.PC, s.Time, f.IsInterworking)
		if !ok {
			if id, ok := d.resolveKernel(f.PC); ok {
				frameIDs = append(frameIDs, id)
				continue
			}
			guessed++
			d.stats.FramesUnresolved++
			continue
		}
		if viaDWARF {
			d.stats.FramesResolvedByDWARF++
		} else {
			d.stats.FramesResolvedByELF++
		}
		frameIDs = append(frameIDs, ids...)
	}

	d.sink.EmitSample(emit.Sample{
		PID:              s.PID,
		TID:              s.TID,
		Time:             s.Time,
		FrameIDs:         frameIDs,
		NumGuessedFrames: guessed,
		AttributeID:      d.internAttr(s.EventAttr),
		Period:           s.Period,
		Weight:           s.Weight,
	})
	return nil
}

// sampledSP returns the captured stack snapshot's base address.
// perf_event_output records the dump starting at the sampled SP, but
// RecordSample carries SP only inside RegsUser, when sample_regs_user
// captured it; ok is false when it did not, and then no read is served
// from the snapshot.
func sampledSP(s *perffile.RecordSample, arch unwind.Architecture, regMask uint64) (uint64, bool) {
	bit := arch.RegsUserBit[arch.SPRegNum]
	if bit < 0 || regMask&(1<<uint(bit)) == 0 {
		return 0, false
	}
	idx := bits.OnesCount64(regMask & (1<<uint(bit) - 1))
	if idx >= len(s.RegsUser) {
		return 0, false
	}
	return s.RegsUser[idx], true
}

// resolveKernel symbolizes a kernel-space PC via /proc/kallsyms (or
// its --kallsyms substitute), caching one Location/Symbol pair per
// address since the kernel text mapping never changes mid-run.
func (d *Driver) resolveKernel(pc uint64) (int32, bool) {
	if d.kernel == nil {
		return 0, false
	}
	d.kernelMu.Lock()
	defer d.kernelMu.Unlock()
	if id, ok := d.kernelCache[pc]; ok {
		return id, true
	}
	sym, ok := d.kernel.Find(pc)
	if !ok {
		return 0, false
	}
	loc := symtab.Location{Address: pc, PID: -1, ParentLocationID: -1}
	id := d.sink.AddLocation(loc, symtab.Symbol{
		NameStringID: d.sink.InternString(sym.String()),
		IsKernel:     true,
	})
	d.kernelCache[pc] = id
	return id, true
}

// moduleMem reads a process's mapped ELF contents for unwind reads
// that land outside the captured stack snapshot (globals, TLS blocks,
// anything the CFA arithmetic can legitimately point at besides the
// stack).
type moduleMem struct {
	maps     *elfmap.Map
	resolver *symtab.Resolver
	time     uint64
}

func (m moduleMem) ReadMemory(addr uint64, out []byte) bool {
	entry, ok := m.maps.FindElf(addr, m.time)
	if !ok || !entry.Found {
		return false
	}
	mod, err := m.resolver.Resolve(entry.LocalPath, "")
	if err != nil {
		return false
	}
	fileAddr := addr - entry.Addr + entry.PgOff
	return mod.ReadAt(fileAddr, out)
}
