package match

import (
	"fmt"
	"log/slog"
)

// Identification bundles a resolution with the evidence behind it.
type Identification struct {
	Outcome
	Candidates []Candidate
	Report     Report
}

// Engine runs aggregation and resolution against a corpus view.
type Engine struct {
	resolver *Resolver
}

// NewEngine validates the policy and builds an Engine around it.
func NewEngine(p Policy) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Engine{resolver: NewResolver(p)}, nil
}

// Policy returns the policy the engine was built with.
func (e *Engine) Policy() Policy {
	return e.resolver.Policy
}

// dimensioned is implemented by corpora that know the vector length their
// samples share.
type dimensioned interface {
	Dim() int
}

// Identify resolves query against corpus. The only error is an invalid
// query, including one whose length differs from a non-empty corpus.
func (e *Engine) Identify(query Vector, corpus Corpus) (Identification, error) {
	if c, ok := corpus.(dimensioned); ok {
		if d := c.Dim(); d > 0 && len(query) != d {
			return Identification{}, fmt.Errorf("%w: query has %d dimensions, corpus has %d", ErrDimensionMismatch, len(query), d)
		}
	}
	candidates, rep, err := Aggregate(query, corpus, e.resolver.Policy.IncludeThreshold)
	if err != nil {
		return Identification{}, err
	}
	if rep.Skipped > 0 {
		slog.Warn("corpus entries skipped", "skipped", rep.Skipped, "compared", rep.Compared, "error", rep.SkipErr)
	}

	out := e.resolver.Resolve(candidates)
	return Identification{Outcome: out, Candidates: candidates, Report: rep}, nil
}
