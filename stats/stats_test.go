package stats

import "testing"

func TestFinishedRoundTracksMaxima(t *testing.T) {
	var s Counters
	s.NumSamplesInRound = 100
	s.NumMmapsInRound = 3
	s.AddEventTime(50)
	s.FinishedRound()

	if s.NumRounds != 1 {
		t.Errorf("NumRounds = %d, want 1", s.NumRounds)
	}
	if s.MaxSamplesPerRound != 100 {
		t.Errorf("MaxSamplesPerRound = %d, want 100", s.MaxSamplesPerRound)
	}
	if s.NumSamplesInRound != 0 {
		t.Errorf("NumSamplesInRound should reset to 0, got %d", s.NumSamplesInRound)
	}

	s.NumSamplesInRound = 40
	s.AddEventTime(130)
	s.FinishedRound()

	if s.MaxSamplesPerRound != 100 {
		t.Errorf("MaxSamplesPerRound should stay at the running max 100, got %d", s.MaxSamplesPerRound)
	}
	if s.MaxTimeBetweenRounds != 80 {
		t.Errorf("MaxTimeBetweenRounds = %d, want 80 (130-50)", s.MaxTimeBetweenRounds)
	}
}

func TestBufferFlushTracksMaxima(t *testing.T) {
	var s Counters
	s.BufferFlush(10, 2)
	s.BufferFlush(5, 7)

	if s.NumBufferFlushes != 2 {
		t.Errorf("NumBufferFlushes = %d, want 2", s.NumBufferFlushes)
	}
	if s.MaxSamplesPerFlush != 10 {
		t.Errorf("MaxSamplesPerFlush = %d, want 10", s.MaxSamplesPerFlush)
	}
	if s.MaxMmapsPerFlush != 7 {
		t.Errorf("MaxMmapsPerFlush = %d, want 7", s.MaxMmapsPerFlush)
	}
}
