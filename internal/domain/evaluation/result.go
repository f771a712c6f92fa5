package evaluation

import (
	"time"
)

// Reading is an observation value that a threshold test consumed.
type Reading struct {
	Metric   string    `json:"metric"`
	Value    float64   `json:"value"`
	Date     time.Time `json:"date"`
	Passed   bool      `json:"passed"`
	Distance float64   `json:"distance,omitempty"`
}

// CriterionResult reports one sub-test of a multi-criteria numerator so
// partial completion can be segmented without going back to raw data.
type CriterionResult struct {
	Name     string    `json:"name"`
	Met      bool      `json:"met"`
	Reason   Reason    `json:"reason"`
	Readings []Reading `json:"readings,omitempty"`
}

// Result is the verdict for one member on one measure.
type Result struct {
	MemberID string `json:"member_id"`
	Measure  string `json:"measure"`
	Age      int    `json:"age"`
	Region   string `json:"region,omitempty"`
	Subgroup string `json:"subgroup,omitempty"`

	InDenominator     bool   `json:"in_denominator"`
	DenominatorReason Reason `json:"denominator_reason"`
	EnrollmentAssumed bool   `json:"enrollment_assumed,omitempty"`

	Excluded          bool     `json:"excluded"`
	ExclusionReason   Reason   `json:"exclusion_reason"`
	ExclusionsMatched []Reason `json:"exclusions_matched,omitempty"`

	InNumerator     bool              `json:"in_numerator"`
	NumeratorReason Reason            `json:"numerator_reason"`
	Criteria        []CriterionResult `json:"criteria,omitempty"`
	Readings        []Reading         `json:"readings,omitempty"`

	Compliant bool `json:"compliant"`
	HasGap    bool `json:"has_gap"`

	PriorityScore    float64 `json:"priority_score"`
	EstimatedValue   float64 `json:"estimated_value"`
	InterventionType string  `json:"intervention_type,omitempty"`
	BundleID         string  `json:"bundle_id,omitempty"`
}

// Eligible reports whether the member counts toward the rate divisor.
func (r *Result) Eligible() bool {
	return r.InDenominator && !r.Excluded
}

// finalize derives Compliant and HasGap from the three evaluation flags.
func (r *Result) finalize() {
	r.Compliant = r.InDenominator && !r.Excluded && r.InNumerator
	r.HasGap = r.InDenominator && !r.Excluded && !r.InNumerator
}

// CriteriaMet returns how many sub-criteria were satisfied and how many
// were evaluated.
func (r *Result) CriteriaMet() (met, total int) {
	for _, c := range r.Criteria {
		if c.Met {
			met++
		}
	}
	return met, len(r.Criteria)
}

// Outcome labels a result for metrics and reporting.
func (r *Result) Outcome() string {
	switch {
	case !r.InDenominator:
		return "not_in_denominator"
	case r.Excluded:
		return "excluded"
	case r.Compliant:
		return "compliant"
	default:
		return "gap"
	}
}
