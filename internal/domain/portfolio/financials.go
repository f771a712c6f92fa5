// Package portfolio values each measure's revenue exposure and selects a
// budget-constrained set of gap-closure interventions.
package portfolio

import (
	"fmt"
	"math"

	"github.com/ehr/qualitystars/internal/domain/aggregate"
	"github.com/ehr/qualitystars/internal/domain/measure"
)

const monthsPerYear = 12

// MeasureFinancials is one measure's revenue position against a target
// closure rate. Rates are proportions in [0, 1].
type MeasureFinancials struct {
	Measure            string   `json:"measure"`
	RateDefined        bool     `json:"rate_defined"`
	CurrentRate        float64  `json:"current_rate"`
	TargetRate         float64  `json:"target_rate"`
	ValueMid           float64  `json:"value_mid"`
	CurrentRevenue     float64  `json:"current_revenue"`
	AtRiskRevenue      float64  `json:"at_risk_revenue"`
	OpportunityRevenue float64  `json:"opportunity_revenue"`
	GapsToClose        int      `json:"gaps_to_close"`
	InterventionCost   float64  `json:"intervention_cost"`
	Cost               float64  `json:"cost"`
	NetBenefit         float64  `json:"net_benefit"`
	ROIPercent         *float64 `json:"roi_percent"`
	PaybackMonths      *float64 `json:"payback_months"`
}

// Totals sums MeasureFinancials across the portfolio.
type Totals struct {
	CurrentRevenue     float64  `json:"current_revenue"`
	AtRiskRevenue      float64  `json:"at_risk_revenue"`
	OpportunityRevenue float64  `json:"opportunity_revenue"`
	Cost               float64  `json:"cost"`
	NetBenefit         float64  `json:"net_benefit"`
	ROIPercent         *float64 `json:"roi_percent"`
	PaybackMonths      *float64 `json:"payback_months"`
}

// Financials values every summarized measure against target. A measure
// with an undefined rate has no eligible members and contributes nothing.
func Financials(cat *measure.Catalog, summaries []aggregate.MeasureSummary, target float64) ([]MeasureFinancials, Totals, error) {
	if target < 0 || target > 1 || math.IsNaN(target) {
		return nil, Totals{}, fmt.Errorf("target rate %v outside [0,1]", target)
	}
	out := make([]MeasureFinancials, 0, len(summaries))
	var tot Totals
	for _, s := range summaries {
		spec, ok := cat.Get(s.Measure)
		if !ok {
			return nil, Totals{}, &measure.ConfigurationError{Measure: s.Measure, Err: fmt.Errorf("summary for measure not in catalog")}
		}
		f := measureFinancials(spec, s, target)
		tot.CurrentRevenue += f.CurrentRevenue
		tot.AtRiskRevenue += f.AtRiskRevenue
		tot.OpportunityRevenue += f.OpportunityRevenue
		tot.Cost += f.Cost
		out = append(out, f)
	}
	tot.CurrentRevenue = round2(tot.CurrentRevenue)
	tot.AtRiskRevenue = round2(tot.AtRiskRevenue)
	tot.OpportunityRevenue = round2(tot.OpportunityRevenue)
	tot.Cost = round2(tot.Cost)
	tot.NetBenefit = round2(tot.OpportunityRevenue - tot.Cost)
	tot.ROIPercent = roi(tot.NetBenefit, tot.Cost)
	tot.PaybackMonths = payback(tot.Cost, tot.OpportunityRevenue)
	return out, tot, nil
}

func measureFinancials(spec *measure.Spec, s aggregate.MeasureSummary, target float64) MeasureFinancials {
	f := MeasureFinancials{
		Measure:          spec.Code,
		TargetRate:       target,
		ValueMid:         round2(spec.ValueRange.Mid()),
		InterventionCost: spec.Intervention.Cost,
	}
	rate, ok := s.Rate.Value()
	if !ok {
		return f
	}
	f.RateDefined = true
	f.CurrentRate = rate
	f.CurrentRevenue = round2(f.ValueMid * rate)
	f.AtRiskRevenue = round2(f.ValueMid * (1 - rate))
	lift := math.Max(target-rate, 0)
	f.OpportunityRevenue = round2(f.ValueMid * lift)
	f.GapsToClose = int(math.Ceil(lift*float64(s.Eligible()) - 1e-9))
	f.Cost = round2(float64(f.GapsToClose) * spec.Intervention.Cost)
	f.NetBenefit = round2(f.OpportunityRevenue - f.Cost)
	f.ROIPercent = roi(f.NetBenefit, f.Cost)
	f.PaybackMonths = payback(f.Cost, f.OpportunityRevenue)
	return f
}

// roi is undefined when nothing is spent.
func roi(net, cost float64) *float64 {
	if cost == 0 {
		return nil
	}
	v := round2(net / cost * 100)
	return &v
}

// payback is undefined when there is no opportunity to recover cost from.
func payback(cost, opportunity float64) *float64 {
	if opportunity <= 0 {
		return nil
	}
	v := round2(cost / (opportunity / monthsPerYear))
	return &v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
