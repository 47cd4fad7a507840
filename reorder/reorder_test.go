package reorder

import (
	"testing"

	"github.com/qperfstream/qperfstream/perffile"
)

func mmapAt(t uint64, addr uint64) *perffile.RecordMmap {
	r := &perffile.RecordMmap{Addr: addr, Len: 20, Filename: "a"}
	r.Time = t
	return r
}

func sampleAt(t uint64, ip uint64) *perffile.RecordSample {
	r := &perffile.RecordSample{IP: ip}
	r.Time = t
	return r
}

// TestFlushAppliesMmapBeforeLaterSample reproduces spec's E4 scenario:
// a SAMPLE at t=10 is ingested before a MMAP at t=5 that it depends on;
// after a full flush the MMAP must have been applied before the
// sample was emitted.
func TestFlushAppliesMmapBeforeLaterSample(t *testing.T) {
	var applied []uint64
	var emitted []uint64

	b := New(nil, 0,
		func(rec perffile.Record) error {
			applied = append(applied, rec.Common().Time)
			return nil
		},
		func(rec perffile.Record) error {
			emitted = append(emitted, rec.Common().Time)
			return nil
		},
	)

	if err := b.Ingest(sampleAt(10, 0x1010)); err != nil {
		t.Fatal(err)
	}
	if err := b.Ingest(mmapAt(5, 0x1000)); err != nil {
		t.Fatal(err)
	}

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	if len(applied) != 1 || applied[0] != 5 {
		t.Fatalf("applied = %v, want [5]", applied)
	}
	if len(emitted) != 1 || emitted[0] != 10 {
		t.Fatalf("emitted = %v, want [10]", emitted)
	}
}

// TestFinishedRoundFlushesOlderHalf reproduces spec's E5 scenario: two
// rounds of 100 samples each. The first FINISHED_ROUND only switches
// into rounds mode; the second flushes exactly the older half; the
// final Close flushes everything still buffered.
func TestFinishedRoundFlushesOlderHalf(t *testing.T) {
	var emitted []uint64
	b := New(nil, 1<<20,
		func(rec perffile.Record) error { return nil },
		func(rec perffile.Record) error {
			emitted = append(emitted, rec.Common().Time)
			return nil
		},
	)

	for i := uint64(0); i < 100; i++ {
		if err := b.Ingest(sampleAt(i, 0)); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.FinishedRound(); err != nil { // first round: just switches mode
		t.Fatal(err)
	}
	if len(emitted) != 0 {
		t.Fatalf("first FINISHED_ROUND flushed %d samples, want 0", len(emitted))
	}

	for i := uint64(100); i < 200; i++ {
		if err := b.Ingest(sampleAt(i, 0)); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.FinishedRound(); err != nil { // second round: flush older half
		t.Fatal(err)
	}
	if len(emitted) != 100 {
		t.Fatalf("second FINISHED_ROUND flushed %d samples, want 100", len(emitted))
	}
	for i, tm := range emitted {
		if tm != uint64(i) {
			t.Fatalf("emitted[%d] = %d, want %d", i, tm, i)
		}
	}

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if len(emitted) != 200 {
		t.Fatalf("after Close, emitted %d samples, want 200", len(emitted))
	}
}

// TestMmapTimeOrderViolationIsHardError reproduces the MMAP-after-
// watermark hard-error case: once a sample at time 10 has advanced the
// watermark, a later-arriving MMAP timestamped before it must surface
// TimeOrderViolation rather than being silently applied.
func TestMmapTimeOrderViolationIsHardError(t *testing.T) {
	b := New(nil, 0,
		func(rec perffile.Record) error { return nil },
		func(rec perffile.Record) error { return nil },
	)

	if err := b.Ingest(sampleAt(10, 0)); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	if err := b.Ingest(mmapAt(3, 0x1000)); err != nil {
		t.Fatal(err)
	}
	err := b.Close()
	if err == nil {
		t.Fatal("expected a TimeOrderViolation error")
	}
}

// TestHeuristicFlushTriggersOnSize exercises the size-based flush path
// used before any FINISHED_ROUND record has been seen.
func TestHeuristicFlushTriggersOnSize(t *testing.T) {
	var emitted int
	b := New(nil, 200,
		func(rec perffile.Record) error { return nil },
		func(rec perffile.Record) error { emitted++; return nil },
	)

	for i := uint64(0); i < 20; i++ {
		if err := b.Ingest(sampleAt(i, 0)); err != nil {
			t.Fatal(err)
		}
	}
	if emitted == 0 {
		t.Fatal("expected the size heuristic to have flushed some samples")
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
}
