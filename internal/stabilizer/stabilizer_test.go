package stabilizer

import (
	"math"
	"testing"
)

func feedN[T comparable](s *Stabilizer[T], obs Observation[T], n int) State[T] {
	var st State[T]
	for i := 0; i < n; i++ {
		st = s.Feed(obs)
	}
	return st
}

func TestEmptyToStable(t *testing.T) {
	tests := []struct {
		name       string
		votes      int
		wantStable bool
	}{
		{"Below consensus", 4, false},
		{"Exactly consensus", 5, true},
		{"Full window", 8, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New[int64]()
			// Interleave no-vote frames so the window is always full
			for i := 0; i < 8-tt.votes; i++ {
				s.Feed(Absent[int64]())
			}
			st := feedN(s, Vote[int64](7, 0.9, 0.1), tt.votes)

			if st.Stable != tt.wantStable {
				t.Fatalf("Stable = %v, want %v", st.Stable, tt.wantStable)
			}
			if st.Stable && st.Value != 7 {
				t.Errorf("Value = %d, want 7", st.Value)
			}
		})
	}
}

func TestStableResistsSingleDissent(t *testing.T) {
	s := New[string]()
	feedN(s, Vote("A", 0.9, 0), 8)

	st := s.Feed(Vote("B", 0.99, 0))
	if !st.Stable || st.Value != "A" {
		t.Fatalf("single B frame changed state to %+v", st)
	}

	// Keep feeding B until it holds consensus
	for i := 2; i <= 5; i++ {
		st = s.Feed(Vote("B", 0.99, 0))
	}
	if !st.Stable || st.Value != "B" {
		t.Fatalf("after 5 B frames state = %+v, want STABLE(B)", st)
	}
}

func TestDecayOnAbsence(t *testing.T) {
	s := New[string](WithWindowSize[string](8), WithConsensus[string](5))
	feedN(s, Vote("A", 0.9, 0), 8)

	for i := 1; i <= 8/2-1; i++ {
		st := s.Feed(Absent[string]())
		if !st.Stable || st.Value != "A" {
			t.Fatalf("state lost after %d absent frames: %+v", i, st)
		}
	}

	st := s.Feed(Absent[string]())
	if st.Stable {
		t.Fatalf("state survived %d absent frames: %+v", 8/2, st)
	}
}

func TestConfidenceRefresh(t *testing.T) {
	s := New[string]()
	feedN(s, Vote("A", 0.9, 0), 5)
	if got := s.State().Confidence; math.Abs(got-0.9) > 1e-9 {
		t.Fatalf("Confidence = %v, want 0.9", got)
	}

	// Lower-confidence sightings refresh without needing consensus
	st := s.Feed(Vote("A", 0.3, 0))
	want := (0.9*5 + 0.3) / 6
	if math.Abs(st.Confidence-want) > 1e-9 {
		t.Errorf("Confidence = %v, want %v", st.Confidence, want)
	}
}

func TestMinConfidenceFloor(t *testing.T) {
	s := New[string](WithMinConfidence[string](0.5))
	st := feedN(s, Vote("happy", 0.4, 0), 8)
	if st.Stable {
		t.Fatalf("votes below the floor established %+v", st)
	}
}

func TestTieBreaks(t *testing.T) {
	t.Run("Higher average confidence wins", func(t *testing.T) {
		s := New[string](WithWindowSize[string](4), WithConsensus[string](2))
		s.Feed(Vote("A", 0.6, 0))
		s.Feed(Vote("B", 0.9, 0))
		s.Feed(Vote("A", 0.6, 0))
		st := s.Feed(Vote("B", 0.9, 0))
		if st.Value != "B" {
			t.Errorf("Value = %q, want B", st.Value)
		}
	})

	t.Run("Lower distance wins on equal confidence", func(t *testing.T) {
		s := New[int64](WithWindowSize[int64](4), WithConsensus[int64](2))
		s.Feed(Vote[int64](1, 0.8, 0.20))
		s.Feed(Vote[int64](2, 0.8, 0.10))
		s.Feed(Vote[int64](1, 0.8, 0.20))
		st := s.Feed(Vote[int64](2, 0.8, 0.10))
		if st.Value != 2 {
			t.Errorf("Value = %d, want 2", st.Value)
		}
	})
}

func TestLabelerAndReset(t *testing.T) {
	s := New[int64](WithLabeler(func(id int64) string {
		if id == 3 {
			return "Ana"
		}
		return "?"
	}))
	st := feedN(s, Vote[int64](3, 0.9, 0.1), 5)
	if st.Display != "Ana" {
		t.Errorf("Display = %q, want Ana", st.Display)
	}

	s.Reset()
	if s.State().Stable {
		t.Error("Reset() kept a stable state")
	}
	// After a reset the window starts from scratch
	if st := feedN(s, Vote[int64](3, 0.9, 0.1), 4); st.Stable {
		t.Error("window was not cleared by Reset()")
	}
}

func TestConsensusClampedToWindow(t *testing.T) {
	s := New[string](WithWindowSize[string](3), WithConsensus[string](10))
	if s.Consensus() != 3 {
		t.Fatalf("Consensus() = %d, want 3", s.Consensus())
	}
	if st := feedN(s, Vote("A", 1, 0), 3); !st.Stable {
		t.Error("value never became stable")
	}
}
