package driver

import (
	"github.com/qperfstream/qperfstream/emit"
	"github.com/qperfstream/qperfstream/stats"
	"github.com/qperfstream/qperfstream/symtab"
)

// Sink receives everything the driver decodes, symbolizes and unwinds.
// *emit.Encoder satisfies it directly (its InternString/AddLocation
// methods already match symtab's interner/store contracts); *statsSink
// wraps a stats.Counters the same way for --print-stats mode, so the
// driver's decode loop never needs to know which mode it's running in.
type Sink interface {
	symtab.StringInterner
	symtab.LocationStore

	InternAttribute(typ uint32, config uint64, name string) int32
	ThreadStart(pid, tid int, time uint64)
	ThreadEnd(pid, tid int, time uint64)
	Command(pid, tid int, time uint64, comm string)
	Lost(pid, tid int, time uint64)
	Features(hostname, osRelease, version, arch string, nrCPUs uint32, totalMemKB uint64, cmdline []string, buildIDs []string)
	Error(code int32, message string)
	Progress(fraction float64)
	EmitSample(s emit.Sample)
}

// statsSink adapts a stats.Counters to Sink for --print-stats mode:
// the decode/symbolize/unwind pipeline runs exactly as it does for the
// framed-output path (so the counters reflect real outcomes), but
// nothing is written out other than the final report.
type statsSink struct {
	counters *stats.Counters

	nextStrID int32
	nextLocID int32
	nextAttrID int32
}

func newStatsSink(c *stats.Counters) *statsSink {
	c.Enabled = true
	return &statsSink{counters: c}
}

func (s *statsSink) InternString(string) int32 {
	id := s.nextStrID
	s.nextStrID++
	return id
}

func (s *statsSink) AddLocation(symtab.Location, symtab.Symbol) int32 {
	id := s.nextLocID
	s.nextLocID++
	return id
}

func (s *statsSink) InternAttribute(uint32, uint64, string) int32 {
	id := s.nextAttrID
	s.nextAttrID++
	return id
}

func (s *statsSink) ThreadStart(pid, tid int, time uint64) {}
func (s *statsSink) ThreadEnd(pid, tid int, time uint64)   {}
func (s *statsSink) Command(pid, tid int, time uint64, comm string) {}
func (s *statsSink) Lost(pid, tid int, time uint64) {}
func (s *statsSink) Features(hostname, osRelease, version, arch string, nrCPUs uint32, totalMemKB uint64, cmdline, buildIDs []string) {
}
func (s *statsSink) Error(code int32, message string) {}
func (s *statsSink) Progress(fraction float64)         {}
func (s *statsSink) EmitSample(sample emit.Sample) {}
