// Package gaps turns open care gaps into a prioritized, dollar-valued work
// list and groups gaps that one outreach can close together.
package gaps

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/ehr/qualitystars/internal/domain/evaluation"
	"github.com/ehr/qualitystars/internal/domain/measure"
)

// Priority components. The raw sum is normalized by maxRawPriority so every
// score lies in [0, 100].
const (
	basePriority       = 100.0
	highImpactBonus    = 20.0
	partialMaxBonus    = 15.0
	outOfRangeBonus    = 10.0
	nearThresholdBonus = 15.0
	nearThresholdRatio = 0.10
	elderlyAge         = 75
	elderlyBonus       = 10.0
	seniorAge          = 65
	seniorBonus        = 5.0
	maxRawPriority     = basePriority + highImpactBonus + partialMaxBonus + elderlyBonus
	minBundleSize      = 2
)

// DefaultBundleDiscount is the cost reduction applied to a bundled outreach.
const DefaultBundleDiscount = 0.15

// bundleNamespace seeds deterministic bundle ids.
var bundleNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("qualitystars.gap-bundle"))

// Options configures a Classifier.
type Options struct {
	BundleDiscount float64
}

// Candidate is one open gap on the work list.
type Candidate struct {
	MemberID         string  `json:"member_id"`
	MeasureCode      string  `json:"measure_code"`
	Tier             int     `json:"tier"`
	Weight           float64 `json:"weight"`
	NewMeasure       bool    `json:"new_measure"`
	Age              int     `json:"age"`
	PriorityScore    float64 `json:"priority_score"`
	GrossValue       float64 `json:"gross_value"`
	InterventionCost float64 `json:"intervention_cost"`
	EstimatedValue   float64 `json:"estimated_value"`
	InterventionType string  `json:"intervention_type"`
	BundleID         string  `json:"bundle_id,omitempty"`
}

// Bundle is a set of one member's gaps closable by one intervention.
type Bundle struct {
	ID               string   `json:"bundle_id"`
	MemberID         string   `json:"member_id"`
	InterventionType string   `json:"intervention_type"`
	Measures         []string `json:"measures"`
	GrossValue       float64  `json:"gross_value"`
	Cost             float64  `json:"cost"`
	DiscountedCost   float64  `json:"discounted_cost"`
	CombinedValue    float64  `json:"combined_value"`
	PriorityScore    float64  `json:"priority_score"`
}

// WorkList is the classifier output. Candidates are sorted by priority
// descending, then estimated value descending, then member and measure.
type WorkList struct {
	Candidates []Candidate `json:"candidates"`
	Bundles    []Bundle    `json:"bundles"`
}

// Classifier scores gaps against one catalog.
type Classifier struct {
	catalog  *measure.Catalog
	discount float64
}

// NewClassifier validates the options. A zero discount means the default.
func NewClassifier(cat *measure.Catalog, opts Options) (*Classifier, error) {
	if cat == nil {
		return nil, &measure.ConfigurationError{Err: fmt.Errorf("classifier needs a catalog")}
	}
	d := opts.BundleDiscount
	if d == 0 {
		d = DefaultBundleDiscount
	}
	if d < 0 || d >= 1 {
		return nil, &measure.ConfigurationError{Err: fmt.Errorf("bundle discount %.2f outside [0,1)", d)}
	}
	return &Classifier{catalog: cat, discount: d}, nil
}

// Discount returns the bundle discount in effect.
func (c *Classifier) Discount() float64 { return c.discount }

// Classify scores every gap in results. It fills PriorityScore,
// EstimatedValue, InterventionType and BundleID on those results in place
// and returns the work list. Non-gap results are left untouched.
func (c *Classifier) Classify(results []evaluation.Result) (WorkList, error) {
	var wl WorkList
	type groupKey struct{ member, intervention string }
	groups := make(map[groupKey][]int)
	var order []groupKey

	for i := range results {
		r := &results[i]
		if !r.HasGap {
			continue
		}
		spec, ok := c.catalog.Get(r.Measure)
		if !ok {
			return WorkList{}, &measure.ConfigurationError{Measure: r.Measure, Err: fmt.Errorf("result for measure not in catalog")}
		}
		cand := c.candidate(spec, r)
		r.PriorityScore = cand.PriorityScore
		r.EstimatedValue = cand.EstimatedValue
		r.InterventionType = cand.InterventionType

		k := groupKey{r.MemberID, cand.InterventionType}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], len(wl.Candidates))
		wl.Candidates = append(wl.Candidates, cand)
	}

	bundleOf := make(map[string]string)
	for _, k := range order {
		idx := groups[k]
		if len(idx) < minBundleSize {
			continue
		}
		b := c.bundle(k.member, k.intervention, wl.Candidates, idx)
		for _, i := range idx {
			wl.Candidates[i].BundleID = b.ID
			bundleOf[wl.Candidates[i].MemberID+"\x00"+wl.Candidates[i].MeasureCode] = b.ID
		}
		wl.Bundles = append(wl.Bundles, b)
	}
	for i := range results {
		if id, ok := bundleOf[results[i].MemberID+"\x00"+results[i].Measure]; ok && results[i].HasGap {
			results[i].BundleID = id
		}
	}

	SortCandidates(wl.Candidates)
	sort.SliceStable(wl.Bundles, func(i, j int) bool {
		a, b := wl.Bundles[i], wl.Bundles[j]
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore > b.PriorityScore
		}
		if a.CombinedValue != b.CombinedValue {
			return a.CombinedValue > b.CombinedValue
		}
		return a.ID < b.ID
	})
	return wl, nil
}

func (c *Classifier) candidate(spec *measure.Spec, r *evaluation.Result) Candidate {
	outOfRange := r.NumeratorReason == evaluation.ReasonReadingOutOfRange
	gross := spec.ValuePerGap * spec.Weight
	cost := spec.Intervention.Cost
	return Candidate{
		MemberID:         r.MemberID,
		MeasureCode:      spec.Code,
		Tier:             spec.Tier,
		Weight:           spec.Weight,
		NewMeasure:       spec.NewMeasure,
		Age:              r.Age,
		PriorityScore:    Priority(spec, r),
		GrossValue:       round2(gross),
		InterventionCost: round2(cost),
		EstimatedValue:   round2(gross - cost),
		InterventionType: spec.InterventionFor(outOfRange),
	}
}

func (c *Classifier) bundle(memberID, intervention string, cands []Candidate, idx []int) Bundle {
	b := Bundle{
		ID:               BundleID(memberID, intervention),
		MemberID:         memberID,
		InterventionType: intervention,
	}
	for _, i := range idx {
		cand := cands[i]
		b.Measures = append(b.Measures, cand.MeasureCode)
		b.GrossValue += cand.GrossValue
		b.Cost += cand.InterventionCost
		if cand.PriorityScore > b.PriorityScore {
			b.PriorityScore = cand.PriorityScore
		}
	}
	sort.Strings(b.Measures)
	b.DiscountedCost = round2(b.Cost * (1 - c.discount))
	b.GrossValue = round2(b.GrossValue)
	b.Cost = round2(b.Cost)
	b.CombinedValue = round2(b.GrossValue - b.DiscountedCost)
	return b
}

// Priority scores one gap. Higher means work it sooner.
func Priority(spec *measure.Spec, r *evaluation.Result) float64 {
	raw := basePriority
	if spec.TripleWeighted() || spec.Tier == 1 {
		raw += highImpactBonus
	}
	raw += partialBonus(r)
	switch {
	case r.Age >= elderlyAge:
		raw += elderlyBonus
	case r.Age >= seniorAge:
		raw += seniorBonus
	}
	return round2(raw / maxRawPriority * 100)
}

// partialBonus rewards gaps that are partly closed already: some criteria
// met, or a reading on file that narrowly misses its threshold.
func partialBonus(r *evaluation.Result) float64 {
	if met, total := r.CriteriaMet(); total > 0 {
		return partialMaxBonus * float64(met) / float64(total)
	}
	if r.NumeratorReason != evaluation.ReasonReadingOutOfRange {
		return 0
	}
	worst := 0.0
	for _, rd := range r.Readings {
		if !rd.Passed && rd.Distance > worst {
			worst = rd.Distance
		}
	}
	if worst <= nearThresholdRatio {
		return nearThresholdBonus
	}
	return outOfRangeBonus
}

// BundleID is stable for a member and intervention type across runs.
func BundleID(memberID, intervention string) string {
	return uuid.NewSHA1(bundleNamespace, []byte(memberID+"\x00"+intervention)).String()
}

// SortCandidates applies the work list order in place.
func SortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		return Less(c[i], c[j])
	})
}

// Less is the work list order: priority desc, estimated value desc, then
// member id and measure code ascending.
func Less(a, b Candidate) bool {
	if a.PriorityScore != b.PriorityScore {
		return a.PriorityScore > b.PriorityScore
	}
	if a.EstimatedValue != b.EstimatedValue {
		return a.EstimatedValue > b.EstimatedValue
	}
	if a.MemberID != b.MemberID {
		return a.MemberID < b.MemberID
	}
	return a.MeasureCode < b.MeasureCode
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
