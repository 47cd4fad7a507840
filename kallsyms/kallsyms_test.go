package kallsyms

import (
	"strings"
	"testing"
)

// E3 from the testable-properties scenarios.
const sampleKallsyms = "ffffffff810002b8 T _stext\n" +
	"ffffffff81001040 t xen_hypercall_set_gdt\n" +
	"ffffffffa0000e80 T serio_interrupt\t[serio]\n"

func TestFind(t *testing.T) {
	tbl, err := Parse(strings.NewReader(sampleKallsyms))
	if err != nil {
		t.Fatal(err)
	}

	sym, ok := tbl.Find(0xffffffff81001140)
	if !ok {
		t.Fatal("expected a match")
	}
	if sym.Addr != 0xffffffff81001040 || sym.Name != "xen_hypercall_set_gdt" || sym.Module != "" {
		t.Errorf("got %+v", sym)
	}

	sym, ok = tbl.Find(0xffffffffa0000e80)
	if !ok {
		t.Fatal("expected a match")
	}
	if sym.Addr != 0xffffffffa0000e80 || sym.Name != "serio_interrupt" || sym.Module != "[serio]" {
		t.Errorf("got %+v", sym)
	}
}

func TestFindBelowFirstSymbol(t *testing.T) {
	tbl, err := Parse(strings.NewReader(sampleKallsyms))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tbl.Find(0); ok {
		t.Error("expected no match below the first symbol")
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := Parse(strings.NewReader("")); err == nil {
		t.Error("expected an error for a kallsyms stream with no symbols")
	}
}
