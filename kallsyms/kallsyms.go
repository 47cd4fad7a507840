// Package kallsyms resolves kernel-space instruction pointers using
// /proc/kallsyms (or a build-id-indexed copy of it), per spec component
// C7. It follows the parsing approach of the teacher's
// perfsession/symbolize.go (and the pack's rhysh-go-perf fork of it),
// generalized to also carry the trailing module annotation
// ("[module]") that kallsyms emits for symbols contributed by a loaded
// kernel module.
package kallsyms

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/qperfstream/qperfstream/perferr"
)

// Symbol is one resolved kernel symbol.
type Symbol struct {
	Addr   uint64
	Name   string
	Module string // e.g. "[serio]", or "" for the base kernel image
}

// functionTypes are the nm-style type letters kallsyms uses for code
// symbols; see kallsyms__parse in tools/lib/symbol/kallsyms.c.
const functionTypes = "tTwW"

// Table is a sorted kernel symbol table.
type Table struct {
	syms []Symbol
}

// Parse reads a kallsyms-formatted stream ("<addr> <type> <name>[\t[<module>]]"
// per line) and returns the function symbols it names, sorted by
// address.
func Parse(r io.Reader) (*Table, error) {
	t := &Table{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		typ := fields[1]
		if len(typ) != 1 || !strings.Contains(functionTypes, typ) {
			continue
		}
		sym := Symbol{Addr: addr, Name: fields[2]}
		if len(fields) >= 4 && strings.HasPrefix(fields[3], "[") && strings.HasSuffix(fields[3], "]") {
			sym.Module = fields[3]
		}
		t.syms = append(t.syms, sym)
	}
	if err := scanner.Err(); err != nil {
		return nil, perferr.Wrap(perferr.InvalidKallsyms, err, "reading kallsyms")
	}
	if len(t.syms) == 0 {
		return nil, perferr.New(perferr.InvalidKallsyms, "no function symbols found")
	}
	sort.Slice(t.syms, func(i, j int) bool { return t.syms[i].Addr < t.syms[j].Addr })
	return t, nil
}

// Load reads the kallsyms-formatted file at path.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, perferr.Wrap(perferr.InvalidKallsyms, err, "opening %s", path)
	}
	defer f.Close()
	t, err := Parse(f)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// LoadDefault tries /proc/kallsyms, logging and returning a nil table
// (not an error) if it is unreadable or permission-restricted, which is
// the common case for non-root users — kernel symbolization then simply
// degrades to address-only frames, per the recoverable-error taxonomy.
func LoadDefault(log *slog.Logger) *Table {
	t, err := Load("/proc/kallsyms")
	if err != nil {
		if log != nil {
			log.Warn("kernel symbols unavailable", slog.String("err", err.Error()))
		}
		return nil
	}
	return t
}

// Find returns the symbol whose address is the greatest one not
// exceeding addr — i.e. the function addr falls within, assuming
// symbols are contiguous.
func (t *Table) Find(addr uint64) (Symbol, bool) {
	if t == nil || len(t.syms) == 0 {
		return Symbol{}, false
	}
	i := sort.Search(len(t.syms), func(i int) bool { return t.syms[i].Addr > addr })
	if i == 0 {
		return Symbol{}, false
	}
	return t.syms[i-1], true
}

// String renders a symbol the way perf formats kernel frames.
func (s Symbol) String() string {
	if s.Module != "" {
		return fmt.Sprintf("%s %s", s.Name, s.Module)
	}
	return s.Name
}
