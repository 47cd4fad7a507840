// Package elfmap implements the per-process, time-versioned interval map
// from virtual address to mapped ELF file fragment (component C2 of the
// analysis pipeline). Entries are produced from MMAP/MMAP2 records and
// are never mutated once registered except to close their
// TimeOverwritten watermark when a later, overlapping mapping arrives.
package elfmap

import (
	"math"
	"sort"
)

// maxTime is the "still live" sentinel for TimeOverwritten.
const maxTime = math.MaxUint64

// Entry describes one mapped ELF fragment.
type Entry struct {
	LocalPath    string // resolved on-disk path, or "" if not yet found
	OriginalPath string // path as recorded in the MMAP record
	Addr, Len    uint64
	PgOff        uint64

	TimeAdded       uint64
	TimeOverwritten uint64 // maxTime while live

	Found bool // LocalPath resolution succeeded
}

func (e Entry) end() uint64 { return e.Addr + e.Len }

func (e Entry) liveAt(t uint64) bool {
	return e.TimeAdded <= t && t < e.TimeOverwritten
}

func (e Entry) overlaps(addr, length uint64) bool {
	return e.Addr < addr+length && addr < e.end()
}

// Map is the ELF interval map for a single PID.
type Map struct {
	// entries is kept sorted by Addr; fragments sharing the same Addr
	// live side by side until one of them is overwritten.
	entries []Entry
}

// New returns an empty Map.
func New() *Map { return &Map{} }

func (m *Map) insert(e Entry) {
	if e.Len == 0 {
		// Drop zero-length fragments (see spec's overlap-semantics
		// open question): a late-arriving MMAP exactly contained in
		// an existing one, at the same time, would otherwise produce
		// empty prefix/suffix fragments.
		return
	}
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Addr > e.Addr })
	m.entries = append(m.entries, Entry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = e
}

// exactDuplicate reports whether an identical entry (same address range,
// page offset, time, and path) is already registered.
func (m *Map) exactDuplicate(addr, length, pgoff, t uint64, localPath, originalPath string) bool {
	for _, e := range m.entries {
		if e.Addr == addr && e.Len == length && e.PgOff == pgoff &&
			e.TimeAdded == t && e.OriginalPath == originalPath && e.LocalPath == localPath {
			return true
		}
	}
	return false
}

// RegisterElf records a new mapping [addr, addr+length) with page offset
// pgoff, observed at time t, resolved to localPath (originalPath is the
// path as it appeared in the MMAP record; they differ when sysroot/debug
// search rewrote the path). It returns true if registering this mapping
// overlapped and invalidated any existing live mapping, meaning callers
// (the DWARF/symbol cache) must drop any state that assumed the old
// mapping.
//
// RegisterElf is idempotent: registering the same (addr, length, pgoff,
// t, path) twice is a no-op the second time.
func (m *Map) RegisterElf(addr, length, pgoff, t uint64, localPath, originalPath string, found bool) bool {
	if m.exactDuplicate(addr, length, pgoff, t, localPath, originalPath) {
		return false
	}

	invalidated := false
	newEnd := addr + length

	// earliest existing entry that starts after t: the new entry is
	// only visible before that entry's TimeAdded and must be split
	// around it.
	var splitAround *Entry

	// The loop only closes TimeOverwritten in place; the fragments it
	// splits off are collected in pending and inserted after it, since
	// a sorted insert would shift entries under the loop's index.
	var pending []Entry
	n := len(m.entries)
	for i := 0; i < n; i++ {
		e := &m.entries[i]
		if !e.overlaps(addr, length) {
			continue
		}

		switch {
		case t >= e.TimeAdded && e.TimeOverwritten > t:
			// e is live just before t and is overwritten at t. Its
			// non-overlapping prefix/suffix were never actually
			// unmapped, so the fragments that take over for them
			// stay live indefinitely (until something else
			// overwrites them in a later call).
			invalidated = true
			oldEnd := e.end()
			oldTimeAdded := e.TimeAdded
			oldPath, oldOrigPath, oldFound := e.LocalPath, e.OriginalPath, e.Found
			oldPgOff := e.PgOff
			e.TimeOverwritten = t

			if e.Addr < addr {
				pending = append(pending, Entry{
					LocalPath: oldPath, OriginalPath: oldOrigPath, Found: oldFound,
					Addr: e.Addr, Len: addr - e.Addr, PgOff: oldPgOff,
					TimeAdded: oldTimeAdded, TimeOverwritten: maxTime,
				})
			}
			if newEnd < oldEnd {
				pending = append(pending, Entry{
					LocalPath: oldPath, OriginalPath: oldOrigPath, Found: oldFound,
					Addr: newEnd, Len: oldEnd - newEnd, PgOff: oldPgOff + (newEnd - e.Addr),
					TimeAdded: oldTimeAdded, TimeOverwritten: maxTime,
				})
			}

		case t < e.TimeAdded:
			invalidated = true
			if splitAround == nil || e.TimeAdded < splitAround.TimeAdded {
				cp := *e
				splitAround = &cp
			}
		}
	}
	for _, f := range pending {
		m.insert(f)
	}

	if splitAround != nil {
		s := splitAround
		if addr < s.Addr {
			m.insert(Entry{
				LocalPath: localPath, OriginalPath: originalPath, Found: found,
				Addr: addr, Len: s.Addr - addr, PgOff: pgoff,
				TimeAdded: t, TimeOverwritten: s.TimeAdded,
			})
		}
		if s.end() < newEnd {
			m.insert(Entry{
				LocalPath: localPath, OriginalPath: originalPath, Found: found,
				Addr: s.end(), Len: newEnd - s.end(), PgOff: pgoff + (s.end() - addr),
				TimeAdded: t, TimeOverwritten: s.TimeAdded,
			})
		}
		return invalidated
	}

	m.insert(Entry{
		LocalPath: localPath, OriginalPath: originalPath, Found: found,
		Addr: addr, Len: length, PgOff: pgoff,
		TimeAdded: t, TimeOverwritten: maxTime,
	})
	return invalidated
}

// FindElf returns the entry live at (addr, t), if any.
//
// It performs a predecessor search on start address and then walks
// backward past fragments whose [TimeAdded, TimeOverwritten) window does
// not contain t. This is bounded in practice because only a handful of
// fragments ever share or precede a given start address for a single
// source mapping.
func (m *Map) FindElf(addr, t uint64) (Entry, bool) {
	es := m.entries
	i := sort.Search(len(es), func(i int) bool { return es[i].Addr > addr })
	for j := i - 1; j >= 0; j-- {
		e := es[j]
		if addr < e.Addr || addr >= e.end() {
			continue
		}
		if e.liveAt(t) {
			return e, true
		}
	}
	return Entry{}, false
}

// IsAddressInRange reports whether addr falls within any mapping ever
// registered, live or since overwritten. Used as a cheap reject test
// before a more expensive time-qualified lookup.
func (m *Map) IsAddressInRange(addr uint64) bool {
	for _, e := range m.entries {
		if e.Addr <= addr && addr < e.end() {
			return true
		}
	}
	return false
}

// Entries returns a snapshot of all registered fragments, live and dead,
// sorted by start address. Used by tests and diagnostics.
func (m *Map) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
