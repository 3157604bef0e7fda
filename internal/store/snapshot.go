package store

import (
	"time"

	"github.com/andresmejia3/bioface/internal/match"
)

// Snapshot is an immutable copy of the corpus taken in one consistent read.
// It satisfies match.Corpus and may be shared between goroutines.
type Snapshot struct {
	samples []match.Sample
	names   map[int64]string
	dim     int
	TakenAt time.Time
}

// NewSnapshot takes ownership of samples and names; callers must not modify them afterwards.
func NewSnapshot(samples []match.Sample, names map[int64]string) *Snapshot {
	if names == nil {
		names = map[int64]string{}
	}
	return &Snapshot{samples: samples, names: names, dim: commonDim(samples), TakenAt: time.Now()}
}

// commonDim returns the most frequent vector length. Ties go to the shorter one.
func commonDim(samples []match.Sample) int {
	counts := make(map[int]int)
	dim := 0
	for _, s := range samples {
		n := len(s.Vector)
		if n == 0 {
			continue
		}
		counts[n]++
		if counts[n] > counts[dim] || (counts[n] == counts[dim] && n < dim) {
			dim = n
		}
	}
	return dim
}

func (s *Snapshot) Samples() []match.Sample { return s.samples }

// OwnerName returns "" for anonymous and unknown owners alike.
func (s *Snapshot) OwnerName(id int64) string { return s.names[id] }

// Len returns the number of embeddings in the snapshot.
func (s *Snapshot) Len() int { return len(s.samples) }

// Dim returns the vector length shared by the corpus, or 0 when it is empty.
func (s *Snapshot) Dim() int { return s.dim }

// Owners returns the number of owners the snapshot knows about.
func (s *Snapshot) Owners() int { return len(s.names) }
