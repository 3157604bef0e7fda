// Package stabilizer smooths per-frame classifications into a value that only
// changes on sustained consensus.
//
// # Algorithm
//
// A Stabilizer keeps a circular buffer of the last N observations for one
// subject. On each Feed() the observations above the confidence floor are
// grouped by value and the value with the most votes becomes the candidate
// (ties go to the higher average confidence, then the lower minimum
// distance, then the most recent vote).
//
//   - EMPTY → STABLE(v) when v holds at least Consensus votes.
//   - STABLE(v) → STABLE(w) under the same rule for w.
//   - STABLE(v) → EMPTY when at least half of the buffered frames do not
//     carry v.
//   - Otherwise a stable v keeps its place and its confidence is refreshed
//     from the frames that still carry it.
//
// The same type serves identities (owner IDs) and emotion labels.
package stabilizer

import "fmt"

// Observation is one frame's classification. Present is false for a frame
// where the classifier produced nothing, which counts as no vote.
type Observation[T comparable] struct {
	Value      T
	Confidence float64
	// Distance is the match distance for identity observations. Lower wins ties.
	Distance float64
	Present  bool
}

// Vote builds a present observation.
func Vote[T comparable](v T, confidence, distance float64) Observation[T] {
	return Observation[T]{Value: v, Confidence: confidence, Distance: distance, Present: true}
}

// Absent builds a no-vote observation.
func Absent[T comparable]() Observation[T] {
	return Observation[T]{}
}

// State is the externally visible result.
type State[T comparable] struct {
	Stable     bool    `json:"stable"`
	Value      T       `json:"value"`
	Display    string  `json:"display"`
	Confidence float64 `json:"confidence"`
}

// Stabilizer is not safe for concurrent use. Each tracked subject owns one.
type Stabilizer[T comparable] struct {
	window []Observation[T] // circular buffer
	pos    int              // next write position
	filled int              // slots in use, up to len(window)

	consensus     int
	minConfidence float64
	labeler       func(T) string

	state State[T]
}

// Option configures a Stabilizer.
type Option[T comparable] func(*Stabilizer[T])

// WithWindowSize sets the number of frames considered (default 8).
func WithWindowSize[T comparable](n int) Option[T] {
	return func(s *Stabilizer[T]) {
		if n > 0 {
			s.window = make([]Observation[T], n)
		}
	}
}

// WithConsensus sets the votes required to establish or change the value (default 5).
func WithConsensus[T comparable](n int) Option[T] {
	return func(s *Stabilizer[T]) {
		if n > 0 {
			s.consensus = n
		}
	}
}

// WithMinConfidence ignores votes below c.
func WithMinConfidence[T comparable](c float64) Option[T] {
	return func(s *Stabilizer[T]) {
		s.minConfidence = c
	}
}

// WithLabeler sets how a value is rendered into State.Display.
func WithLabeler[T comparable](fn func(T) string) Option[T] {
	return func(s *Stabilizer[T]) {
		if fn != nil {
			s.labeler = fn
		}
	}
}

// New creates a Stabilizer. A consensus larger than the window is clamped
// to the window size, otherwise no value could ever become stable.
func New[T comparable](opts ...Option[T]) *Stabilizer[T] {
	s := &Stabilizer[T]{
		window:    make([]Observation[T], 8),
		consensus: 5,
		labeler:   func(v T) string { return fmt.Sprint(v) },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.consensus > len(s.window) {
		s.consensus = len(s.window)
	}
	return s
}

// Capacity returns the window size.
func (s *Stabilizer[T]) Capacity() int { return len(s.window) }

// Consensus returns the number of votes needed to change value.
func (s *Stabilizer[T]) Consensus() int { return s.consensus }

// State returns the current stable state without feeding anything.
func (s *Stabilizer[T]) State() State[T] { return s.state }

type tally struct {
	count   int
	confSum float64
	minDist float64
	last    int
}

func (t *tally) avg() float64 { return t.confSum / float64(t.count) }

// Feed appends one observation and returns the resulting state.
func (s *Stabilizer[T]) Feed(obs Observation[T]) State[T] {
	s.window[s.pos] = obs
	s.pos = (s.pos + 1) % len(s.window)
	if s.filled < len(s.window) {
		s.filled++
	}

	votes := make(map[T]*tally, 4)
	var top T
	var topTally *tally

	// Presence of the stable value is tracked separately from votes so a
	// low-confidence sighting still refreshes it.
	carrying, carryingConf := 0, 0.0

	for i := range s.filled {
		o := s.window[(s.pos-s.filled+i+len(s.window))%len(s.window)]
		if !o.Present {
			continue
		}
		if s.state.Stable && o.Value == s.state.Value {
			carrying++
			carryingConf += o.Confidence
		}
		if o.Confidence < s.minConfidence {
			continue
		}

		t, ok := votes[o.Value]
		if !ok {
			t = &tally{minDist: o.Distance}
			votes[o.Value] = t
		}
		t.count++
		t.confSum += o.Confidence
		t.last = i
		if o.Distance < t.minDist {
			t.minDist = o.Distance
		}
	}

	for v, t := range votes {
		if topTally == nil || better(t, topTally) {
			top, topTally = v, t
		}
	}

	switch {
	case topTally != nil && topTally.count >= s.consensus && (!s.state.Stable || top != s.state.Value):
		s.state = State[T]{Stable: true, Value: top, Display: s.labeler(top), Confidence: topTally.avg()}

	case s.state.Stable && 2*(s.filled-carrying) >= s.filled:
		s.state = State[T]{}

	case s.state.Stable:
		if t, ok := votes[s.state.Value]; ok {
			s.state.Confidence = t.avg()
		} else {
			s.state.Confidence = carryingConf / float64(carrying)
		}
	}
	return s.state
}

// better reports whether a beats b as the window's top value.
func better(a, b *tally) bool {
	if a.count != b.count {
		return a.count > b.count
	}
	if a.avg() != b.avg() {
		return a.avg() > b.avg()
	}
	if a.minDist != b.minDist {
		return a.minDist < b.minDist
	}
	return a.last > b.last
}

// Reset clears the window and the stable state.
func (s *Stabilizer[T]) Reset() {
	s.pos = 0
	s.filled = 0
	clear(s.window)
	s.state = State[T]{}
}
