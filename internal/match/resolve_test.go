package match

import (
	"errors"
	"testing"
)

func named(id int64, min, mean float64, count int) Candidate {
	return Candidate{OwnerID: id, Name: "owner", Named: true, MinDistance: min, MeanDistance: mean, SampleCount: count}
}

func anon(id int64, min, mean float64, count int) Candidate {
	return Candidate{OwnerID: id, MinDistance: min, MeanDistance: mean, SampleCount: count}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		candidates []Candidate
		wantReason Reason
		wantOwner  int64
		wantRule   string
	}{
		{
			name:       "No candidates",
			wantReason: NoCandidates,
		},
		{
			name:       "Single named owner above quality threshold",
			candidates: []Candidate{named(1, 0.40, 0.40, 1)},
			wantReason: BelowQuality,
			wantOwner:  1,
			wantRule:   "quality-gate",
		},
		{
			name:       "Single candidate accepted",
			candidates: []Candidate{anon(1, 0.25, 0.28, 3)},
			wantReason: Matched,
			wantOwner:  1,
			wantRule:   "single-candidate",
		},
		{
			name:       "Named owner wins over closer anonymous owner",
			candidates: []Candidate{anon(2, 0.08, 0.08, 1), named(1, 0.10, 0.10, 1)},
			wantReason: Matched,
			wantOwner:  1,
			wantRule:   "named-promotion",
		},
		{
			name:       "Named best beats anonymous second regardless of gap",
			candidates: []Candidate{named(1, 0.20, 0.20, 1), anon(2, 0.201, 0.201, 9)},
			wantReason: Matched,
			wantOwner:  1,
			wantRule:   "named-over-anonymous",
		},
		{
			name:       "Two named owners too close",
			candidates: []Candidate{named(1, 0.20, 0.20, 1), named(2, 0.21, 0.21, 1)},
			wantReason: Ambiguous,
			wantOwner:  1,
			wantRule:   "named-ambiguity",
		},
		{
			name:       "Two named owners separated by mean distance",
			candidates: []Candidate{named(1, 0.20, 0.20, 3), named(2, 0.21, 0.30, 3)},
			wantReason: Matched,
			wantOwner:  1,
			wantRule:   "named-ambiguity",
		},
		{
			name:       "Two named owners with a clear gap",
			candidates: []Candidate{named(1, 0.10, 0.10, 1), named(2, 0.25, 0.25, 1)},
			wantReason: Matched,
			wantOwner:  1,
			wantRule:   "named-ambiguity",
		},
		{
			name:       "Very close anonymous owner accepted directly",
			candidates: []Candidate{anon(1, 0.29, 0.29, 1), anon(2, 0.295, 0.295, 1)},
			wantReason: Matched,
			wantOwner:  1,
			wantRule:   "anonymous-ambiguity",
		},
		{
			name:       "Two anonymous owners too close",
			candidates: []Candidate{anon(1, 0.31, 0.31, 1), anon(2, 0.32, 0.32, 1)},
			wantReason: Ambiguous,
			wantOwner:  1,
			wantRule:   "anonymous-ambiguity",
		},
		{
			name:       "Anonymous owner at the direct-accept boundary",
			candidates: []Candidate{anon(1, 0.30, 0.30, 1), anon(2, 0.329, 0.329, 1)},
			wantReason: Ambiguous,
			wantOwner:  1,
			wantRule:   "anonymous-ambiguity",
		},
		{
			name:       "Anonymous owners separated by mean distance",
			candidates: []Candidate{anon(1, 0.31, 0.31, 2), anon(2, 0.32, 0.345, 2)},
			wantReason: Matched,
			wantOwner:  1,
			wantRule:   "anonymous-ambiguity",
		},
		{
			name:       "Inconsistent sample set rejected",
			candidates: []Candidate{named(1, 0.15, 0.40, 4)},
			wantReason: Inconsistent,
			wantOwner:  1,
			wantRule:   "single-candidate",
		},
		{
			name:       "Unsorted input is ordered before resolving",
			candidates: []Candidate{named(1, 0.25, 0.25, 1), named(2, 0.05, 0.05, 1)},
			wantReason: Matched,
			wantOwner:  2,
			wantRule:   "named-ambiguity",
		},
	}

	r := NewResolver(DefaultPolicy())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(tt.candidates)
			if got.Reason != tt.wantReason {
				t.Errorf("Reason = %v, want %v (outcome %+v)", got.Reason, tt.wantReason, got)
			}
			if got.OwnerID != tt.wantOwner {
				t.Errorf("OwnerID = %d, want %d", got.OwnerID, tt.wantOwner)
			}
			if got.Rule != tt.wantRule {
				t.Errorf("Rule = %q, want %q", got.Rule, tt.wantRule)
			}
		})
	}
}

func TestPairRulesInIsolation(t *testing.T) {
	p := DefaultPolicy()
	rules := make(map[string]Rule, len(PairRules))
	for _, r := range PairRules {
		rules[r.Name] = r
	}

	t.Run("named-promotion requires second within include threshold", func(t *testing.T) {
		pr := newPair(anon(1, 0.10, 0.10, 1), named(2, 0.50, 0.50, 1), p.Epsilon)
		if rules["named-promotion"].Applies(p, pr) {
			t.Error("promotion applied to a named owner outside the include threshold")
		}
	})

	t.Run("named-ambiguity needs every condition", func(t *testing.T) {
		// Relative gap of 20% exceeds the 15% ceiling even though the absolute gap is small.
		pr := newPair(named(1, 0.10, 0.10, 1), named(2, 0.12, 0.12, 1), p.Epsilon)
		if _, reason := rules["named-ambiguity"].Decide(p, pr); reason != Matched {
			t.Errorf("reason = %v, want matched", reason)
		}
	})

	t.Run("every pairing has exactly one rule", func(t *testing.T) {
		pairs := []Pair{
			newPair(named(1, 0.1, 0.1, 1), named(2, 0.2, 0.2, 1), p.Epsilon),
			newPair(named(1, 0.1, 0.1, 1), anon(2, 0.2, 0.2, 1), p.Epsilon),
			newPair(anon(1, 0.1, 0.1, 1), named(2, 0.2, 0.2, 1), p.Epsilon),
			newPair(anon(1, 0.1, 0.1, 1), anon(2, 0.2, 0.2, 1), p.Epsilon),
		}
		for i, pr := range pairs {
			n := 0
			for _, r := range PairRules {
				if r.Applies(p, pr) {
					n++
				}
			}
			if n != 1 {
				t.Errorf("pair %d matched %d rules, want 1", i, n)
			}
		}
	})
}

func TestEngineIdentify(t *testing.T) {
	e, err := NewEngine(DefaultPolicy())
	if err != nil {
		t.Fatal(err)
	}
	corpus := staticCorpus{
		samples: []Sample{
			{ID: 1, OwnerID: 1, Vector: at(0.10)},
			{ID: 2, OwnerID: 2, Vector: at(0.08)},
		},
		names: map[int64]string{1: "Ana"},
	}

	id, err := e.Identify(Vector{1, 0}, corpus)
	if err != nil {
		t.Fatal(err)
	}
	if !id.IsMatch() || id.OwnerID != 1 || id.Name != "Ana" {
		t.Errorf("Identify() = %+v, want match on named owner 1", id.Outcome)
	}
	if len(id.Candidates) != 2 {
		t.Errorf("expected 2 candidates, got %d", len(id.Candidates))
	}
}

// sizedCorpus reports a fixed dimension the way store snapshots do.
type sizedCorpus struct {
	staticCorpus
	dim int
}

func (c sizedCorpus) Dim() int { return c.dim }

func TestEngineRejectsQueryOfOtherLength(t *testing.T) {
	e, err := NewEngine(DefaultPolicy())
	if err != nil {
		t.Fatal(err)
	}
	corpus := sizedCorpus{
		staticCorpus: staticCorpus{samples: []Sample{{ID: 1, OwnerID: 1, Vector: Vector{1, 0, 0, 0}}}},
		dim:          4,
	}

	if _, err := e.Identify(Vector{1, 0, 0}, corpus); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("3-dim query against 4-dim corpus: err = %v, want ErrDimensionMismatch", err)
	}
	id, err := e.Identify(Vector{1, 0, 0, 0}, corpus)
	if err != nil || !id.IsMatch() {
		t.Errorf("same-length query: outcome %+v, err %v", id.Outcome, err)
	}

	// An empty corpus takes any length
	empty := sizedCorpus{}
	id, err = e.Identify(Vector{1, 0, 0}, empty)
	if err != nil || id.Reason != NoCandidates {
		t.Errorf("empty corpus: outcome %+v, err %v", id.Outcome, err)
	}
}

func TestPolicyValidate(t *testing.T) {
	p := DefaultPolicy()
	if err := p.Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	p.IncludeThreshold = 0
	if err := p.Validate(); err == nil {
		t.Error("expected error for zero include threshold")
	}
}
