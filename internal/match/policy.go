package match

import "fmt"

// Policy holds every knob of the resolver. The defaults are the values the
// recognizer has been tuned with in production, not derived constants.
type Policy struct {
	// IncludeThreshold is the maximum distance for a sample to count at all.
	IncludeThreshold float64 `yaml:"include_threshold" json:"include_threshold"`
	// QualityThreshold rejects a best candidate whose closest sample is farther than this.
	QualityThreshold float64 `yaml:"quality_threshold" json:"quality_threshold"`
	// AmbiguityGap is the minimum distance gap required between the two best owners.
	AmbiguityGap float64 `yaml:"ambiguity_gap" json:"ambiguity_gap"`

	NamedRelativeGap float64 `yaml:"named_relative_gap" json:"named_relative_gap"` // percent
	NamedMeanGap     float64 `yaml:"named_mean_gap" json:"named_mean_gap"`

	// AnonymousAcceptDistance accepts an anonymous best owner outright when it is this close.
	AnonymousAcceptDistance float64 `yaml:"anonymous_accept_distance" json:"anonymous_accept_distance"`
	AnonymousRelativeGap    float64 `yaml:"anonymous_relative_gap" json:"anonymous_relative_gap"` // percent
	AnonymousMeanGap        float64 `yaml:"anonymous_mean_gap" json:"anonymous_mean_gap"`

	// InconsistencySpread is how far an owner's mean may drift from its best sample.
	InconsistencySpread float64 `yaml:"inconsistency_spread" json:"inconsistency_spread"`

	Epsilon float64 `yaml:"epsilon" json:"epsilon"`
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		IncludeThreshold:        0.35,
		QualityThreshold:        0.35,
		AmbiguityGap:            0.03,
		NamedRelativeGap:        15,
		NamedMeanGap:            0.05,
		AnonymousAcceptDistance: 0.30,
		AnonymousRelativeGap:    10,
		AnonymousMeanGap:        0.03,
		InconsistencySpread:     0.20,
		Epsilon:                 1e-8,
	}
}

// Validate checks that the thresholds are usable.
func (p Policy) Validate() error {
	if p.IncludeThreshold <= 0 || p.IncludeThreshold > 2 {
		return fmt.Errorf("include_threshold must be in (0, 2], got %v", p.IncludeThreshold)
	}
	if p.QualityThreshold <= 0 || p.QualityThreshold > 2 {
		return fmt.Errorf("quality_threshold must be in (0, 2], got %v", p.QualityThreshold)
	}
	if p.AmbiguityGap < 0 {
		return fmt.Errorf("ambiguity_gap must be >= 0, got %v", p.AmbiguityGap)
	}
	if p.NamedRelativeGap < 0 || p.AnonymousRelativeGap < 0 {
		return fmt.Errorf("relative gaps must be >= 0")
	}
	if p.NamedMeanGap < 0 || p.AnonymousMeanGap < 0 {
		return fmt.Errorf("mean gaps must be >= 0")
	}
	if p.InconsistencySpread < 0 {
		return fmt.Errorf("inconsistency_spread must be >= 0, got %v", p.InconsistencySpread)
	}
	if p.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be > 0, got %v", p.Epsilon)
	}
	return nil
}
