package aggregate

import (
	"sort"

	"github.com/ehr/qualitystars/internal/domain/evaluation"
	"github.com/ehr/qualitystars/internal/domain/measure"
)

// Tally counts one population. The zero value is an empty population.
// Add and Merge commute, so partial tallies can be combined in any order.
type Tally struct {
	Denominator int `json:"denominator_count"`
	Excluded    int `json:"exclusion_count"`
	Numerator   int `json:"numerator_count"`
	Gaps        int `json:"gap_count"`
}

// Add counts one result. Results outside the denominator are ignored.
func (t *Tally) Add(r *evaluation.Result) {
	if !r.InDenominator {
		return
	}
	t.Denominator++
	switch {
	case r.Excluded:
		t.Excluded++
	case r.InNumerator:
		t.Numerator++
	default:
		t.Gaps++
	}
}

// Merge returns the sum of two tallies.
func (t Tally) Merge(o Tally) Tally {
	return Tally{
		Denominator: t.Denominator + o.Denominator,
		Excluded:    t.Excluded + o.Excluded,
		Numerator:   t.Numerator + o.Numerator,
		Gaps:        t.Gaps + o.Gaps,
	}
}

// Eligible is the rate divisor.
func (t Tally) Eligible() int {
	return t.Denominator - t.Excluded
}

// Rate is numerator over denominator less exclusions.
func (t Tally) Rate() Rate {
	return NewRate(t.Numerator, t.Eligible())
}

// GapRate is open gaps over the eligible population.
func (t Tally) GapRate() Rate {
	return NewRate(t.Gaps, t.Eligible())
}

// KeyFunc assigns a result to a cohort within one dimension.
type KeyFunc func(r *evaluation.Result) string

// Dimension is a named cohort grouping.
type Dimension struct {
	Name string
	Key  KeyFunc
}

// Standard dimension names.
const (
	DimAgeBand  = "age_band"
	DimRegion   = "region"
	DimSubgroup = "subgroup"
)

// UnknownCohort collects results whose key attribute was blank. It is
// reported like any cohort but is not a real population group.
const UnknownCohort = "unknown"

// DefaultDimensions groups by age band, region and subgroup.
var DefaultDimensions = []Dimension{
	{Name: DimAgeBand, Key: AgeBand},
	{Name: DimRegion, Key: Region},
	{Name: DimSubgroup, Key: Subgroup},
}

// AgeBand buckets the member's measurement-year age.
func AgeBand(r *evaluation.Result) string {
	switch {
	case r.Age < 18:
		return "0-17"
	case r.Age < 45:
		return "18-44"
	case r.Age < 65:
		return "45-64"
	case r.Age < 75:
		return "65-74"
	default:
		return "75+"
	}
}

// Region keys by the member's region.
func Region(r *evaluation.Result) string { return orUnknown(r.Region) }

// Subgroup keys by the member's equity subgroup.
func Subgroup(r *evaluation.Result) string { return orUnknown(r.Subgroup) }

func orUnknown(s string) string {
	if s == "" {
		return UnknownCohort
	}
	return s
}

type cohortKey struct {
	dimension string
	key       string
}

// MeasureTally accumulates one measure overall and per cohort.
type MeasureTally struct {
	Total   Tally
	cohorts map[cohortKey]Tally
}

func newMeasureTally() *MeasureTally {
	return &MeasureTally{cohorts: make(map[cohortKey]Tally)}
}

// Aggregator tallies results by measure. It is not safe for concurrent use;
// give each worker its own and Merge them.
type Aggregator struct {
	dims      []Dimension
	byMeasure map[string]*MeasureTally
}

// New builds an aggregator over the given dimensions, or the defaults when
// none are given.
func New(dims ...Dimension) *Aggregator {
	if len(dims) == 0 {
		dims = DefaultDimensions
	}
	return &Aggregator{dims: dims, byMeasure: make(map[string]*MeasureTally)}
}

// Add counts one result overall and in each dimension.
func (a *Aggregator) Add(r *evaluation.Result) {
	mt, ok := a.byMeasure[r.Measure]
	if !ok {
		mt = newMeasureTally()
		a.byMeasure[r.Measure] = mt
	}
	mt.Total.Add(r)
	if !r.InDenominator {
		return
	}
	for _, d := range a.dims {
		k := cohortKey{d.Name, d.Key(r)}
		t := mt.cohorts[k]
		t.Add(r)
		mt.cohorts[k] = t
	}
}

// AddAll counts every result.
func (a *Aggregator) AddAll(results []evaluation.Result) {
	for i := range results {
		a.Add(&results[i])
	}
}

// Merge folds another aggregator into this one.
func (a *Aggregator) Merge(o *Aggregator) {
	for code, src := range o.byMeasure {
		dst, ok := a.byMeasure[code]
		if !ok {
			dst = newMeasureTally()
			a.byMeasure[code] = dst
		}
		dst.Total = dst.Total.Merge(src.Total)
		for k, t := range src.cohorts {
			dst.cohorts[k] = dst.cohorts[k].Merge(t)
		}
	}
}

// Tally returns the overall tally for a measure.
func (a *Aggregator) Tally(code string) Tally {
	if mt, ok := a.byMeasure[code]; ok {
		return mt.Total
	}
	return Tally{}
}

// Cohort is one stratum of a measure.
type Cohort struct {
	Dimension string `json:"dimension"`
	Key       string `json:"key"`
	Tally
	Rate Rate `json:"rate"`
}

// MeasureSummary is the population roll-up of one measure.
type MeasureSummary struct {
	Measure    string  `json:"measure"`
	Name       string  `json:"name"`
	Tier       int     `json:"tier"`
	Weight     float64 `json:"weight"`
	NewMeasure bool    `json:"new_measure"`
	Tally
	Rate    Rate     `json:"rate"`
	GapRate Rate     `json:"gap_rate"`
	Cohorts []Cohort `json:"cohort_breakdown"`
}

// RestoreRates recomputes every rate from its tally. Rates serialize as
// rounded percentages, so a summary read back from storage calls this to
// regain the exact proportions.
func (s *MeasureSummary) RestoreRates() {
	s.Rate = s.Tally.Rate()
	s.GapRate = s.Tally.GapRate()
	for i := range s.Cohorts {
		s.Cohorts[i].Rate = s.Cohorts[i].Tally.Rate()
	}
}

// CohortsFor returns the cohorts of one dimension, in key order.
func (s MeasureSummary) CohortsFor(dimension string) []Cohort {
	var out []Cohort
	for _, c := range s.Cohorts {
		if c.Dimension == dimension {
			out = append(out, c)
		}
	}
	return out
}

// Summaries returns one summary per catalog measure, in catalog order.
// Measures with no results get an undefined rate.
func (a *Aggregator) Summaries(cat *measure.Catalog) []MeasureSummary {
	out := make([]MeasureSummary, 0, len(cat.Measures()))
	for _, spec := range cat.Measures() {
		mt, ok := a.byMeasure[spec.Code]
		if !ok {
			mt = newMeasureTally()
		}
		out = append(out, summarize(spec, mt))
	}
	return out
}

func summarize(spec *measure.Spec, mt *MeasureTally) MeasureSummary {
	s := MeasureSummary{
		Measure:    spec.Code,
		Name:       spec.Name,
		Tier:       spec.Tier,
		Weight:     spec.Weight,
		NewMeasure: spec.NewMeasure,
		Tally:      mt.Total,
		Rate:       mt.Total.Rate(),
		GapRate:    mt.Total.GapRate(),
		Cohorts:    make([]Cohort, 0, len(mt.cohorts)),
	}
	for k, t := range mt.cohorts {
		s.Cohorts = append(s.Cohorts, Cohort{Dimension: k.dimension, Key: k.key, Tally: t, Rate: t.Rate()})
	}
	sort.Slice(s.Cohorts, func(i, j int) bool {
		if s.Cohorts[i].Dimension != s.Cohorts[j].Dimension {
			return s.Cohorts[i].Dimension < s.Cohorts[j].Dimension
		}
		return s.Cohorts[i].Key < s.Cohorts[j].Key
	})
	return s
}

// Summarize is the one-shot form of New, AddAll and Summaries.
func Summarize(cat *measure.Catalog, results []evaluation.Result, dims ...Dimension) []MeasureSummary {
	a := New(dims...)
	a.AddAll(results)
	return a.Summaries(cat)
}
