package match

import (
	"cmp"
	"log/slog"
	"slices"
	"strings"
)

// Sample is one stored embedding as seen by the aggregator.
type Sample struct {
	ID      int64
	OwnerID int64
	Vector  Vector
}

// Corpus is a consistent, read-only view of every stored embedding.
type Corpus interface {
	Samples() []Sample
	OwnerName(ownerID int64) string
}

// Candidate summarizes how close one owner's samples came to a query.
type Candidate struct {
	OwnerID      int64
	Name         string
	Named        bool
	MinDistance  float64
	MeanDistance float64
	SampleCount  int
}

// Report describes what happened to the corpus during one aggregation.
type Report struct {
	Compared int
	Included int
	Skipped  int
	// SkipErr is the first comparison error, kept for logging.
	SkipErr error
}

type bucket struct {
	min   float64
	sum   float64
	count int
}

// Aggregate compares query against every sample in the corpus and groups
// the ones within includeThreshold by owner. The result is sorted best first.
// A malformed corpus entry is skipped and counted, an invalid query is an error.
func Aggregate(query Vector, corpus Corpus, includeThreshold float64) ([]Candidate, Report, error) {
	var rep Report
	if err := Validate(query); err != nil {
		return nil, rep, err
	}

	buckets := make(map[int64]*bucket)
	for _, s := range corpus.Samples() {
		rep.Compared++
		d, err := Distance(query, s.Vector)
		if err != nil {
			rep.Skipped++
			if rep.SkipErr == nil {
				rep.SkipErr = err
			}
			slog.Debug("skipping embedding", "embedding_id", s.ID, "owner_id", s.OwnerID, "error", err)
			continue
		}
		if d > includeThreshold {
			continue
		}
		rep.Included++

		b, ok := buckets[s.OwnerID]
		if !ok {
			b = &bucket{min: d}
			buckets[s.OwnerID] = b
		}
		if d < b.min {
			b.min = d
		}
		b.sum += d
		b.count++
	}

	candidates := make([]Candidate, 0, len(buckets))
	for owner, b := range buckets {
		name := strings.TrimSpace(corpus.OwnerName(owner))
		candidates = append(candidates, Candidate{
			OwnerID:      owner,
			Name:         name,
			Named:        name != "",
			MinDistance:  b.min,
			MeanDistance: b.sum / float64(b.count),
			SampleCount:  b.count,
		})
	}
	SortCandidates(candidates)
	return candidates, rep, nil
}

// SortCandidates applies the canonical ordering: lowest minimum distance,
// then lowest mean distance, then most samples. Owner ID breaks exact ties
// so the order never depends on map iteration.
func SortCandidates(c []Candidate) {
	slices.SortFunc(c, compareCandidates)
}

func compareCandidates(a, b Candidate) int {
	if n := cmp.Compare(a.MinDistance, b.MinDistance); n != 0 {
		return n
	}
	if n := cmp.Compare(a.MeanDistance, b.MeanDistance); n != 0 {
		return n
	}
	if n := cmp.Compare(b.SampleCount, a.SampleCount); n != 0 {
		return n
	}
	return cmp.Compare(a.OwnerID, b.OwnerID)
}
