package match

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name string
		a    Vector
		b    Vector
		want float64
	}{
		{
			name: "Identical vectors",
			a:    Vector{1, 0},
			b:    Vector{1, 0},
			want: 0.0,
		},
		{
			name: "Orthogonal vectors",
			a:    Vector{1, 0},
			b:    Vector{0, 1},
			want: 1.0,
		},
		{
			name: "Opposite vectors",
			a:    Vector{1, 0},
			b:    Vector{-1, 0},
			want: 2.0,
		},
		{
			name: "B is unnormalized (scaled)",
			a:    Vector{1, 0},
			b:    Vector{5, 0}, // Length 5, same direction
			want: 0.0,
		},
		{
			name: "45 degrees",
			a:    Vector{1, 0},
			b:    Vector{1, 1},
			want: 1 - math.Sqrt2/2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Distance(tt.a, tt.b)
			if err != nil {
				t.Fatalf("Distance() error = %v", err)
			}
			// The norm epsilon shifts results by ~1e-8
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("Distance() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDistanceErrors(t *testing.T) {
	tests := []struct {
		name string
		a, b Vector
		want error
	}{
		{"Length mismatch", Vector{1, 0}, Vector{1, 0, 0}, ErrDimensionMismatch},
		{"Empty vectors", Vector{}, Vector{}, ErrEmptyVector},
		{"NaN", Vector{float32(math.NaN()), 1}, Vector{1, 1}, ErrNonFinite},
		{"Inf", Vector{1, 1}, Vector{float32(math.Inf(1)), 1}, ErrNonFinite},
		{"Zero vector", Vector{0, 0}, Vector{1, 0}, ErrZeroVector},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Distance(tt.a, tt.b)
			if !errors.Is(err, tt.want) {
				t.Errorf("Distance() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDistanceProperties(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	randomVec := func(dim int) Vector {
		v := make(Vector, dim)
		for i := range v {
			v[i] = float32(rng.NormFloat64())
		}
		return v
	}

	for i := 0; i < 500; i++ {
		a, b := randomVec(128), randomVec(128)

		self, err := Distance(a, a)
		if err != nil {
			t.Fatal(err)
		}
		if self > 1e-6 {
			t.Fatalf("self distance = %v, want ~0", self)
		}

		ab, _ := Distance(a, b)
		ba, _ := Distance(b, a)
		if ab != ba {
			t.Fatalf("distance not symmetric: %v != %v", ab, ba)
		}
		if ab < 0 || ab > 2 {
			t.Fatalf("distance %v out of [0, 2]", ab)
		}
	}
}
