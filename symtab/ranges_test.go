package symtab

import "testing"

func TestRangeIndexGet(t *testing.T) {
	var idx rangeIndex[string]
	idx.add(100, 120, "a")
	idx.add(200, 210, "b")

	if _, _, v, ok := idx.get(110); !ok || v != "a" {
		t.Errorf("get(110) = %q, %v, want \"a\", true", v, ok)
	}
	if _, _, _, ok := idx.get(120); ok {
		t.Error("get(120) matched, want none (half-open)")
	}
	if _, _, v, ok := idx.get(205); !ok || v != "b" {
		t.Errorf("get(205) = %q, %v, want \"b\", true", v, ok)
	}
	if _, _, _, ok := idx.get(150); ok {
		t.Error("get(150) matched, want none (gap between ranges)")
	}
}

func TestRangeIndexEmpty(t *testing.T) {
	var idx rangeIndex[int]
	if _, _, _, ok := idx.get(0); ok {
		t.Error("get on empty index matched")
	}
}
