package match

import (
	"cmp"
	"math"
	"slices"
)

// DefaultConflictThreshold is the distance under which samples of two
// different owners are considered to describe the same face.
const DefaultConflictThreshold = 0.1

// Conflict is a sample that sits closer than the threshold to some sample
// of another owner.
type Conflict struct {
	SampleID  int64   `json:"sample_id"`
	OwnerID   int64   `json:"owner_id"`
	NearestID int64   `json:"nearest_id"`
	Distance  float64 `json:"distance"`
}

// FindConflicts checks every sample of a against b and every sample of b
// against a. Each sample reports only its nearest neighbour on the other
// side. Samples that cannot be compared are ignored. The result is sorted
// closest first.
func FindConflicts(a, b []Sample, threshold float64) []Conflict {
	var out []Conflict
	out = appendConflicts(out, a, b, threshold)
	out = appendConflicts(out, b, a, threshold)
	slices.SortStableFunc(out, func(x, y Conflict) int {
		if c := cmp.Compare(x.Distance, y.Distance); c != 0 {
			return c
		}
		return cmp.Compare(x.SampleID, y.SampleID)
	})
	return out
}

func appendConflicts(out []Conflict, from, against []Sample, threshold float64) []Conflict {
	for _, s := range from {
		best, nearest := math.Inf(1), int64(0)
		for _, o := range against {
			d, err := Distance(s.Vector, o.Vector)
			if err != nil {
				continue
			}
			if d < best {
				best, nearest = d, o.ID
			}
		}
		if best < threshold {
			out = append(out, Conflict{SampleID: s.ID, OwnerID: s.OwnerID, NearestID: nearest, Distance: best})
		}
	}
	return out
}
