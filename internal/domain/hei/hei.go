// Package hei computes the Health Equity Index adjustment from the spread
// between the best- and worst-performing subgroups of each measure.
package hei

import (
	"math"
	"sort"

	"github.com/ehr/qualitystars/internal/domain/aggregate"
)

// Factor bands, in percentage points of average subgroup gap.
const (
	rewardBelow   = 3.0
	penaltyAbove  = 5.0
	RewardFactor  = 0.05
	PenaltyFloor  = -0.05
	minSubgroups  = 2
	pointsPerUnit = 100.0
)

// Options tune the adjuster.
type Options struct {
	// Dimension is the cohort dimension compared. Defaults to subgroup.
	Dimension string
	// MinCohortSize treats smaller cohorts as undefined. Defaults to 1.
	MinCohortSize int
}

// MeasureDisparity is one measure's subgroup detail.
type MeasureDisparity struct {
	Measure   string   `json:"measure"`
	Highest   string   `json:"highest_subgroup,omitempty"`
	Lowest    string   `json:"lowest_subgroup,omitempty"`
	GapPoints *float64 `json:"gap_points"`
	Subgroups int      `json:"defined_subgroups"`
	Included  bool     `json:"included"`
	// Unattributed counts eligible members with no subgroup on record. They
	// are left out of the comparison.
	Unattributed int `json:"unattributed_members"`
}

// Adjustment is the portfolio-level result.
type Adjustment struct {
	AverageGap *float64           `json:"average_gap_points"`
	Factor     float64            `json:"factor"`
	Measures   []MeasureDisparity `json:"measures"`
}

// Multiplier is the revenue multiplier, 1 + Factor.
func (a Adjustment) Multiplier() float64 {
	return 1 + a.Factor
}

// Adjust computes disparity per measure and the resulting factor. With no
// measure having two defined subgroups there is nothing to compare and the
// factor is zero.
func Adjust(summaries []aggregate.MeasureSummary, opts Options) Adjustment {
	if opts.Dimension == "" {
		opts.Dimension = aggregate.DimSubgroup
	}
	if opts.MinCohortSize < 1 {
		opts.MinCohortSize = 1
	}

	var adj Adjustment
	var total float64
	var n int
	for _, s := range summaries {
		d := disparity(s, opts)
		if d.Included {
			total += *d.GapPoints
			n++
		}
		adj.Measures = append(adj.Measures, d)
	}
	if n > 0 {
		avg := aggregate.Round2(total / float64(n))
		adj.AverageGap = &avg
		adj.Factor = FactorFor(avg)
	}
	return adj
}

func disparity(s aggregate.MeasureSummary, opts Options) MeasureDisparity {
	d := MeasureDisparity{Measure: s.Measure}
	type point struct {
		key string
		pct float64
	}
	var pts []point
	for _, c := range s.CohortsFor(opts.Dimension) {
		if c.Key == aggregate.UnknownCohort {
			d.Unattributed += c.Eligible()
			continue
		}
		if c.Eligible() < opts.MinCohortSize {
			continue
		}
		if v, ok := c.Rate.Value(); ok {
			pts = append(pts, point{c.Key, v * 100})
		}
	}
	d.Subgroups = len(pts)
	if len(pts) < minSubgroups {
		return d
	}
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].pct > pts[j].pct })
	hi, lo := pts[0], pts[len(pts)-1]
	gap := aggregate.Round2(hi.pct - lo.pct)
	d.Highest, d.Lowest = hi.key, lo.key
	d.GapPoints = &gap
	d.Included = true
	return d
}

// FactorFor converts an average gap in percentage points into the revenue
// factor: a reward below 3 points, nothing through 5, and a proportional
// penalty above 5 that never goes below PenaltyFloor.
func FactorFor(gapPoints float64) float64 {
	switch {
	case gapPoints < rewardBelow:
		return RewardFactor
	case gapPoints <= penaltyAbove:
		return 0
	}
	f := -(gapPoints - penaltyAbove) / pointsPerUnit
	return math.Max(aggregate.Round2(f*100)/100, PenaltyFloor)
}
