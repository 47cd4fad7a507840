// Package stats accumulates pipeline counters for --print-stats mode,
// swapped in for emit.Encoder so a run reports what happened instead
// of the framed output stream. Grounded on PerfUnwind::Stats from the
// original implementation (original_source/app/perfunwind.h), adapted
// from a handful of public fields mutated in place to a Go struct with
// accessor methods matching this codebase's symbol/record names.
package stats

import "fmt"

// Counters tallies everything original_source/app/perfunwind.cpp's
// --print-stats mode reports, plus the additional per-sample
// unwind/symbolize counters spec.md's Supplemented Features call for.
type Counters struct {
	Enabled bool

	NumSamples       uint64
	NumMmaps         uint64
	NumRounds        uint64
	NumBufferFlushes uint64

	NumTimeViolatingSamples uint64
	NumTimeViolatingMmaps   uint64

	NumSamplesInRound uint
	NumMmapsInRound   uint

	MaxSamplesPerRound uint
	MaxMmapsPerRound   uint
	MaxSamplesPerFlush uint
	MaxMmapsPerFlush   uint

	MaxBufferSize             int
	TotalEventSizePerRound    int
	MaxTotalEventSizePerRound int

	MaxTime             uint64
	LastRoundTime       uint64
	MaxTimeBetweenRounds uint64

	// Per-sample unwind/symbolize outcomes (original_source's
	// analyze() increments equivalents inline; the distillation's
	// spec.md §7 "Supplemented Features" calls these out explicitly).
	SamplesUnwound        uint64
	SamplesFailedToUnwind uint64
	MmapsWithoutElf       uint64
	FramesResolvedByDWARF uint64
	FramesResolvedByELF   uint64
	FramesUnresolved      uint64
}

// AddEventTime folds one record's time into MaxTime, matching
// Stats::addEventTime.
func (s *Counters) AddEventTime(time uint64) {
	if time > s.MaxTime {
		s.MaxTime = time
	}
}

// FinishedRound folds the just-completed round's per-round counters
// into their running maxima and resets the per-round counters,
// matching Stats::finishedRound.
func (s *Counters) FinishedRound() {
	s.NumRounds++
	if s.NumSamplesInRound > s.MaxSamplesPerRound {
		s.MaxSamplesPerRound = s.NumSamplesInRound
	}
	if s.NumMmapsInRound > s.MaxMmapsPerRound {
		s.MaxMmapsPerRound = s.NumMmapsInRound
	}
	if s.TotalEventSizePerRound > s.MaxTotalEventSizePerRound {
		s.MaxTotalEventSizePerRound = s.TotalEventSizePerRound
	}
	if s.LastRoundTime != 0 && s.MaxTime > s.LastRoundTime {
		if d := s.MaxTime - s.LastRoundTime; d > s.MaxTimeBetweenRounds {
			s.MaxTimeBetweenRounds = d
		}
	}
	s.LastRoundTime = s.MaxTime
	s.NumSamplesInRound = 0
	s.NumMmapsInRound = 0
	s.TotalEventSizePerRound = 0
}

// BufferFlush folds one flush's sample/mmap counts into their running
// maxima, matching the bookkeeping at the end of flushEventBuffer.
func (s *Counters) BufferFlush(samplesFlushed, mmapsFlushed int) {
	s.NumBufferFlushes++
	if uint(samplesFlushed) > s.MaxSamplesPerFlush {
		s.MaxSamplesPerFlush = uint(samplesFlushed)
	}
	if uint(mmapsFlushed) > s.MaxMmapsPerFlush {
		s.MaxMmapsPerFlush = uint(mmapsFlushed)
	}
}

// Report renders the counters as the line-oriented "key: value" text
// the original implementation's --print-stats prints.
func (s *Counters) Report() string {
	return fmt.Sprintf(
		"samples: %d\n"+
			"mmaps: %d\n"+
			"rounds: %d\n"+
			"buffer flushes: %d\n"+
			"samples time violations: %d\n"+
			"mmaps time violations: %d\n"+
			"max samples per round: %d\n"+
			"max mmaps per round: %d\n"+
			"max samples per flush: %d\n"+
			"max mmaps per flush: %d\n"+
			"max buffer size: %d\n"+
			"max total event size per round: %d\n"+
			"max time: %d\n"+
			"max time between rounds: %d\n"+
			"samples unwound: %d\n"+
			"samples failed to unwind: %d\n"+
			"mmaps without elf: %d\n"+
			"frames resolved by dwarf: %d\n"+
			"frames resolved by elf symtab: %d\n"+
			"frames unresolved: %d\n",
		s.NumSamples, s.NumMmaps, s.NumRounds, s.NumBufferFlushes,
		s.NumTimeViolatingSamples, s.NumTimeViolatingMmaps,
		s.MaxSamplesPerRound, s.MaxMmapsPerRound,
		s.MaxSamplesPerFlush, s.MaxMmapsPerFlush,
		s.MaxBufferSize, s.MaxTotalEventSizePerRound,
		s.MaxTime, s.MaxTimeBetweenRounds,
		s.SamplesUnwound, s.SamplesFailedToUnwind, s.MmapsWithoutElf,
		s.FramesResolvedByDWARF, s.FramesResolvedByELF, s.FramesUnresolved,
	)
}
