package match

import (
	"fmt"
	"log/slog"
	"slices"
)

// Reason explains an Outcome. Only Matched carries an identity.
type Reason int

const (
	Matched Reason = iota
	NoCandidates
	BelowQuality
	Ambiguous
	Inconsistent
)

var reasonNames = [...]string{
	Matched:      "matched",
	NoCandidates: "no_candidates",
	BelowQuality: "below_quality",
	Ambiguous:    "ambiguous",
	Inconsistent: "inconsistent",
}

func (r Reason) String() string {
	if r < 0 || int(r) >= len(reasonNames) {
		return fmt.Sprintf("reason(%d)", int(r))
	}
	return reasonNames[r]
}

func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Reason) UnmarshalText(b []byte) error {
	for i, name := range reasonNames {
		if name == string(b) {
			*r = Reason(i)
			return nil
		}
	}
	return fmt.Errorf("unknown reason %q", b)
}

// Outcome is the result of resolving one query.
// For rejections the statistics describe the candidate that was rejected, if any.
type Outcome struct {
	Reason       Reason  `json:"reason"`
	Rule         string  `json:"rule,omitempty"`
	OwnerID      int64   `json:"owner_id,omitempty"`
	Name         string  `json:"name,omitempty"`
	Named        bool    `json:"named"`
	Distance     float64 `json:"distance"`
	MeanDistance float64 `json:"mean_distance"`
	SampleCount  int     `json:"sample_count"`
}

// IsMatch reports whether the outcome identifies an owner.
func (o Outcome) IsMatch() bool {
	return o.Reason == Matched
}

// Pair is the view the pair rules get of the two best candidates.
type Pair struct {
	Best, Second Candidate
	Gap          float64 // second.min - best.min
	RelativeGap  float64 // Gap as a percentage of best.min
	MeanGap      float64 // second.mean - best.mean
}

func newPair(best, second Candidate, eps float64) Pair {
	gap := second.MinDistance - best.MinDistance
	return Pair{
		Best:        best,
		Second:      second,
		Gap:         gap,
		RelativeGap: gap / (best.MinDistance + eps) * 100,
		MeanGap:     second.MeanDistance - best.MeanDistance,
	}
}

// Rule decides between the two best candidates. The first rule whose
// Applies returns true wins, the rest are not consulted.
type Rule struct {
	Name    string
	Applies func(p Policy, pr Pair) bool
	Decide  func(p Policy, pr Pair) (Candidate, Reason)
}

// PairRules is the default decision table. Named owners are never displaced
// by anonymous ones, the reverse swap is allowed.
var PairRules = []Rule{
	{
		Name: "named-over-anonymous",
		Applies: func(_ Policy, pr Pair) bool {
			return pr.Best.Named && !pr.Second.Named
		},
		Decide: func(_ Policy, pr Pair) (Candidate, Reason) {
			return pr.Best, Matched
		},
	},
	{
		Name: "named-promotion",
		Applies: func(p Policy, pr Pair) bool {
			return !pr.Best.Named && pr.Second.Named && pr.Second.MinDistance <= p.IncludeThreshold
		},
		Decide: func(_ Policy, pr Pair) (Candidate, Reason) {
			return pr.Second, Matched
		},
	},
	{
		Name: "named-ambiguity",
		Applies: func(_ Policy, pr Pair) bool {
			return pr.Best.Named && pr.Second.Named
		},
		Decide: func(p Policy, pr Pair) (Candidate, Reason) {
			if ambiguous(p, pr, p.NamedRelativeGap, p.NamedMeanGap) {
				return pr.Best, Ambiguous
			}
			return pr.Best, Matched
		},
	},
	{
		Name: "anonymous-ambiguity",
		Applies: func(_ Policy, pr Pair) bool {
			return !pr.Best.Named && !pr.Second.Named
		},
		Decide: func(p Policy, pr Pair) (Candidate, Reason) {
			if pr.Best.MinDistance < p.AnonymousAcceptDistance {
				return pr.Best, Matched
			}
			if ambiguous(p, pr, p.AnonymousRelativeGap, p.AnonymousMeanGap) {
				return pr.Best, Ambiguous
			}
			return pr.Best, Matched
		},
	},
}

func ambiguous(p Policy, pr Pair, relGap, meanGap float64) bool {
	return pr.Gap < p.AmbiguityGap &&
		pr.RelativeGap < relGap &&
		pr.Second.MinDistance <= p.IncludeThreshold &&
		pr.MeanGap < meanGap
}

// Resolver turns an ordered candidate list into an Outcome.
// It holds no per-call state and is safe to share.
type Resolver struct {
	Policy Policy
	Rules  []Rule
}

// NewResolver creates a Resolver using the default decision table.
func NewResolver(p Policy) *Resolver {
	return &Resolver{Policy: p, Rules: PairRules}
}

// Resolve applies the quality gate, the pair rules and the consistency check.
func (r *Resolver) Resolve(candidates []Candidate) Outcome {
	if len(candidates) == 0 {
		return Outcome{Reason: NoCandidates}
	}
	if !slices.IsSortedFunc(candidates, compareCandidates) {
		candidates = slices.Clone(candidates)
		SortCandidates(candidates)
	}

	p := r.Policy
	best := candidates[0]

	// 1. Quality gate: a best-of-bad-options is still rejected
	if best.MinDistance > p.QualityThreshold {
		return r.finish(best, BelowQuality, "quality-gate")
	}

	if len(candidates) == 1 {
		return r.finish(best, r.consistency(best, Matched), "single-candidate")
	}

	// 2. Pair rules
	pr := newPair(best, candidates[1], p.Epsilon)
	for _, rule := range r.Rules {
		if !rule.Applies(p, pr) {
			continue
		}
		winner, reason := rule.Decide(p, pr)
		slog.Debug("resolver rule",
			"rule", rule.Name,
			"best", best.OwnerID, "second", pr.Second.OwnerID,
			"gap", pr.Gap, "relative_gap", pr.RelativeGap, "mean_gap", pr.MeanGap,
			"reason", reason)
		return r.finish(winner, r.consistency(winner, reason), rule.Name)
	}

	// Unreachable with the default table, which covers every named/anonymous pairing.
	return r.finish(best, r.consistency(best, Matched), "fallback")
}

// consistency rejects a winner whose samples do not corroborate its best one.
func (r *Resolver) consistency(c Candidate, reason Reason) Reason {
	if reason != Matched {
		return reason
	}
	if c.MeanDistance-c.MinDistance > r.Policy.InconsistencySpread && c.MeanDistance > r.Policy.IncludeThreshold {
		return Inconsistent
	}
	return Matched
}

func (r *Resolver) finish(c Candidate, reason Reason, rule string) Outcome {
	return Outcome{
		Reason:       reason,
		Rule:         rule,
		OwnerID:      c.OwnerID,
		Name:         c.Name,
		Named:        c.Named,
		Distance:     c.MinDistance,
		MeanDistance: c.MeanDistance,
		SampleCount:  c.SampleCount,
	}
}
