// Package stars converts measure rates into Star Ratings, the weighted
// portfolio rating, gap-closure projections and plan revenue.
package stars

import (
	"fmt"
	"math"

	"github.com/ehr/qualitystars/internal/domain/aggregate"
)

// Cut is one star breakpoint. A rate at or above MinPercent earns Stars.
type Cut struct {
	MinPercent float64
	Stars      float64
}

// Cuts are ordered from the highest breakpoint down.
var Cuts = []Cut{
	{90, 5.0},
	{85, 4.5},
	{75, 4.0},
	{65, 3.5},
	{50, 3.0},
	{40, 2.5},
	{25, 2.0},
	{15, 1.5},
}

// MinStars is awarded below the lowest breakpoint.
const MinStars = 1.0

// Revenue constants.
const (
	monthsPerYear    = 12
	QualityBonusRate = 0.05
	QualityBonusMin  = 4.0
)

// cutTolerance absorbs float error in num/div*100 so an exact breakpoint
// such as 17/20 still lands on 85.
const cutTolerance = 1e-9

// StarFor maps a rate to stars using the unrounded proportion; the 2 dp
// percent is for display only. Undefined rates earn no star.
func StarFor(r aggregate.Rate) (float64, bool) {
	v, ok := r.Value()
	if !ok {
		return 0, false
	}
	return StarForPercent(v * 100), true
}

// StarForPercent maps a percentage to stars. Breakpoints are inclusive.
func StarForPercent(pct float64) float64 {
	for _, c := range Cuts {
		if pct >= c.MinPercent-cutTolerance {
			return c.Stars
		}
	}
	return MinStars
}

// MeasureStar is one measure's contribution to the rating.
type MeasureStar struct {
	Measure string         `json:"measure"`
	Weight  float64        `json:"weight"`
	Rate    aggregate.Rate `json:"rate"`
	Stars   *float64       `json:"stars"`
}

// Rating is a portfolio Star Rating. WeightedAverage and Overall are nil
// when no measure has a defined rate.
type Rating struct {
	Measures        []MeasureStar `json:"measures"`
	WeightedAverage *float64      `json:"weighted_average"`
	Overall         *float64      `json:"overall"`
}

// OverallValue returns the rounded rating and whether one exists.
func (r Rating) OverallValue() (float64, bool) {
	if r.Overall == nil {
		return 0, false
	}
	return *r.Overall, true
}

// Rate stars every summary and computes the weighted average.
func Rate(summaries []aggregate.MeasureSummary) Rating {
	var rating Rating
	var sum, weights float64
	for _, s := range summaries {
		ms := MeasureStar{Measure: s.Measure, Weight: s.Weight, Rate: s.Rate}
		if star, ok := StarFor(s.Rate); ok {
			star := star
			ms.Stars = &star
			sum += star * s.Weight
			weights += s.Weight
		}
		rating.Measures = append(rating.Measures, ms)
	}
	if weights > 0 {
		avg := aggregate.Round2(sum / weights)
		overall := RoundHalf(sum / weights)
		rating.WeightedAverage = &avg
		rating.Overall = &overall
	}
	return rating
}

// WeightedAverage is Σ(stars·weight)/Σweight over the given pairs.
func WeightedAverage(stars, weights []float64) (float64, error) {
	if len(stars) != len(weights) {
		return 0, fmt.Errorf("stars and weights differ in length: %d vs %d", len(stars), len(weights))
	}
	var sum, total float64
	for i := range stars {
		sum += stars[i] * weights[i]
		total += weights[i]
	}
	if total == 0 {
		return 0, fmt.Errorf("total weight is zero")
	}
	return sum / total, nil
}

// RoundHalf rounds half-up to the nearest 0.5.
func RoundHalf(v float64) float64 {
	return math.Floor(v*2+0.5+1e-9) / 2
}

// Project recomputes summaries as if closure of each measure's open gaps
// were closed. Closed gaps are rounded half-up to whole members. The input
// is not modified.
func Project(summaries []aggregate.MeasureSummary, closure float64) ([]aggregate.MeasureSummary, error) {
	if closure < 0 || closure > 1 || math.IsNaN(closure) {
		return nil, fmt.Errorf("closure rate %v outside [0,1]", closure)
	}
	out := make([]aggregate.MeasureSummary, len(summaries))
	for i, s := range summaries {
		p := s
		p.Cohorts = nil
		closed := int(math.Floor(float64(s.Gaps)*closure + 0.5))
		p.Numerator += closed
		p.Gaps -= closed
		p.Rate = p.Tally.Rate()
		p.GapRate = p.Tally.GapRate()
		out[i] = p
	}
	return out, nil
}

// Revenue is members × benchmark PMPM × 12, raised by the quality bonus
// when the overall rating reaches QualityBonusMin.
func Revenue(members int, benchmarkPMPM float64, rating Rating) float64 {
	base := float64(members) * benchmarkPMPM * monthsPerYear
	if overall, ok := rating.OverallValue(); ok && overall >= QualityBonusMin {
		base *= 1 + QualityBonusRate
	}
	return aggregate.Round2(base)
}
