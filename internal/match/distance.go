package match

import (
	"errors"
	"fmt"
	"math"
)

// normEpsilon is added to every norm before dividing so tiny vectors never blow up.
const normEpsilon = 1e-8

var (
	ErrEmptyVector       = errors.New("empty vector")
	ErrZeroVector        = errors.New("zero-norm vector")
	ErrNonFinite         = errors.New("vector contains NaN or Inf")
	ErrDimensionMismatch = errors.New("vector dimensions differ")
)

// Vector is an embedding as produced by the external generator.
type Vector []float32

// Validate reports whether v can take part in a comparison.
func Validate(v Vector) error {
	if len(v) == 0 {
		return ErrEmptyVector
	}
	var sum float64
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w (index %d)", ErrNonFinite, i)
		}
		sum += f * f
	}
	if sum == 0 {
		return ErrZeroVector
	}
	return nil
}

// Norm returns the Euclidean length of v.
func Norm(v Vector) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Distance computes the cosine distance between a and b.
// Both vectors are scaled by 1/(norm+1e-8) first, so the result is
// 0 for identical directions, 1 for orthogonal and 2 for opposite.
// Mismatched lengths are always rejected.
func Distance(a, b Vector) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}
	if err := Validate(a); err != nil {
		return 0, err
	}
	if err := Validate(b); err != nil {
		return 0, err
	}
	return distance(a, b), nil
}

// distance assumes both inputs were validated.
func distance(a, b Vector) float64 {
	var dot, sumA, sumB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		sumA += x * x
		sumB += y * y
	}
	na := math.Sqrt(sumA) + normEpsilon
	nb := math.Sqrt(sumB) + normEpsilon

	d := 1.0 - dot/(na*nb)
	// Rounding can push identical vectors a hair below 0 or opposite ones above 2.
	if d < 0 {
		return 0
	}
	if d > 2 {
		return 2
	}
	return d
}
