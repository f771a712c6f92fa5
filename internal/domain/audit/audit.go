// Package audit collects the non-fatal findings raised while loading and
// evaluating a run: data quality warnings and evaluation ambiguities.
package audit

import (
	"sort"
)

// Kind classifies a finding.
type Kind string

const (
	// DataQuality marks a malformed or incomplete input row. The row is
	// skipped or the field defaulted; the run continues.
	DataQuality Kind = "data_quality"
	// Ambiguity marks a numerator rule that could not be evaluated from the
	// available data. The member is scored non-compliant.
	Ambiguity Kind = "evaluation_ambiguity"
	// EnrollmentAssumed marks a member whose missing enrollment data was
	// treated as continuously enrolled.
	EnrollmentAssumed Kind = "enrollment_assumed"
)

// Finding is one warning attached to a run.
type Finding struct {
	Kind     Kind   `json:"kind"`
	Source   string `json:"source"`
	Row      int    `json:"row,omitempty"`
	MemberID string `json:"member_id,omitempty"`
	Measure  string `json:"measure,omitempty"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

// Report is the ordered list of findings for a run.
type Report struct {
	Findings []Finding `json:"findings"`
}

// Add appends findings in order.
func (r *Report) Add(f ...Finding) {
	r.Findings = append(r.Findings, f...)
}

// Count returns the number of findings of a kind.
func (r *Report) Count(k Kind) int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == k {
			n++
		}
	}
	return n
}

// Provisional reports whether any ambiguity was recorded. Star Rating and
// ROI figures derived from a provisional run must be labelled as such.
func (r *Report) Provisional() bool {
	return r.Count(Ambiguity) > 0
}

// Summary counts findings by kind, with kinds in sorted order.
func (r *Report) Summary() []KindCount {
	counts := make(map[Kind]int)
	for _, f := range r.Findings {
		counts[f.Kind]++
	}
	out := make([]KindCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, KindCount{Kind: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// KindCount is one row of Summary.
type KindCount struct {
	Kind  Kind `json:"kind"`
	Count int  `json:"count"`
}
