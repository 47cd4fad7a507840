package elfmap

import "testing"

func mustFind(t *testing.T, m *Map, addr, at uint64) Entry {
	t.Helper()
	e, ok := m.FindElf(addr, at)
	if !ok {
		t.Fatalf("FindElf(%d, %d): no entry, want one", addr, at)
	}
	return e
}

func mustNotFind(t *testing.T, m *Map, addr, at uint64) {
	t.Helper()
	if e, ok := m.FindElf(addr, at); ok {
		t.Fatalf("FindElf(%d, %d) = %+v, want none", addr, at, e)
	}
}

// E1: overlapping registrations fragment the older mapping.
func TestRegisterElfOverlap(t *testing.T) {
	m := New()
	m.RegisterElf(100, 20, 0, 0, "F1", "F1", true)
	inv := m.RegisterElf(105, 20, 0, 1, "F2", "F2", true)
	if !inv {
		t.Fatal("expected cache invalidation on overlap")
	}

	if got := mustFind(t, m, 110, 0); got.LocalPath != "F1" || got.Addr != 100 || got.end() != 120 {
		t.Errorf("findElf(110,0) = %+v, want F1@[100,120)", got)
	}
	if got := mustFind(t, m, 110, 1); got.LocalPath != "F2" || got.Addr != 105 || got.end() != 125 {
		t.Errorf("findElf(110,1) = %+v, want F2@[105,125)", got)
	}
	if got := mustFind(t, m, 102, 1); got.LocalPath != "F1" || got.Addr != 100 || got.end() != 105 {
		t.Errorf("findElf(102,1) = %+v, want F1 fragment @[100,105)", got)
	}
}

// E2: a late-arriving (lower time) MMAP is split around an
// already-registered later mapping.
func TestRegisterElfOutOfOrder(t *testing.T) {
	m := New()
	m.RegisterElf(100, 20, 0, 2, "C", "C", true)
	inv := m.RegisterElf(95, 20, 0, 1, "D", "D", true)
	if !inv {
		t.Fatal("expected cache invalidation")
	}

	if got := mustFind(t, m, 110, 2); got.LocalPath != "C" {
		t.Errorf("findElf(110,2) = %+v, want C", got)
	}
	if got := mustFind(t, m, 97, 1); got.LocalPath != "D" || got.Addr != 95 || got.end() != 100 {
		t.Errorf("findElf(97,1) = %+v, want D@[95,100)", got)
	}
	mustNotFind(t, m, 110, 1)
}

func TestRegisterElfIdempotent(t *testing.T) {
	m := New()
	m.RegisterElf(100, 20, 0, 0, "F1", "F1", true)
	before := len(m.Entries())
	inv := m.RegisterElf(100, 20, 0, 0, "F1", "F1", true)
	if inv {
		t.Error("re-registering an identical mapping should not invalidate caches")
	}
	if got := len(m.Entries()); got != before {
		t.Errorf("entry count changed on idempotent re-registration: %d -> %d", before, got)
	}
}

func TestRegisterElfExactOverlapSameTimeDropsZeroWidthFragments(t *testing.T) {
	m := New()
	m.RegisterElf(100, 20, 0, 0, "A", "A", true)
	// Same interval, same time, different file: spec's open question
	// says this would naively produce two zero-width fragments; they
	// must be dropped.
	m.RegisterElf(100, 20, 0, 0, "B", "B", true)

	for _, e := range m.Entries() {
		if e.Len == 0 {
			t.Errorf("zero-length fragment present: %+v", e)
		}
	}
	if got := mustFind(t, m, 110, 0); got.LocalPath != "B" {
		t.Errorf("findElf(110,0) = %+v, want B (the later registration wins)", got)
	}
}

func TestIsAddressInRange(t *testing.T) {
	m := New()
	m.RegisterElf(100, 20, 0, 0, "F1", "F1", true)
	if !m.IsAddressInRange(110) {
		t.Error("IsAddressInRange(110) = false, want true")
	}
	if m.IsAddressInRange(5) {
		t.Error("IsAddressInRange(5) = true, want false")
	}
}

func TestFindElfBoundaries(t *testing.T) {
	m := New()
	m.RegisterElf(100, 20, 0, 0, "F1", "F1", true)
	mustFind(t, m, 100, 0)
	mustNotFind(t, m, 120, 0) // half-open: addr+len is exclusive
}
