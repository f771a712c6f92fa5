package evaluation

import (
	"fmt"
	"math"
	"time"

	"github.com/ehr/qualitystars/internal/domain/measure"
	"github.com/ehr/qualitystars/internal/domain/member"
)

// ruleOutcome is the verdict of one presence or threshold rule.
type ruleOutcome struct {
	met      bool
	reason   Reason
	readings []Reading
}

// evaluateNumerator applies the measure's numerator rule to an eligible,
// non-excluded member.
func evaluateNumerator(mc *memberContext, spec *measure.Spec, res *Result) {
	switch rule := spec.Numerator.(type) {
	case measure.PresenceRule:
		out := evalPresence(mc, rule)
		res.InNumerator, res.NumeratorReason = out.met, out.reason
	case measure.ThresholdRule:
		out := evalThreshold(mc, spec.Code, rule)
		res.InNumerator, res.NumeratorReason, res.Readings = out.met, out.reason, out.readings
	case measure.MultiCriteriaRule:
		evalMultiCriteria(mc, spec.Code, rule, res)
	default:
		mc.ambiguity(spec.Code, fmt.Sprintf("no evaluator for numerator rule %T", spec.Numerator))
		res.InNumerator, res.NumeratorReason = false, ReasonInsufficientData
	}
}

func evalPresence(mc *memberContext, rule measure.PresenceRule) ruleOutcome {
	if hasProcedure(mc, rule, member.MeasurementYear(mc.year)) {
		return ruleOutcome{met: true, reason: ReasonProcedureFound}
	}
	if rule.AcceptPriorYear && hasProcedure(mc, rule, member.MeasurementYear(mc.year-1)) {
		return ruleOutcome{met: true, reason: ReasonPriorYearProcedureFound}
	}
	return ruleOutcome{reason: ReasonNoQualifyingProcedure}
}

func hasProcedure(mc *memberContext, rule measure.PresenceRule, w member.Window) bool {
	for _, c := range mc.entry.ClaimsIn(w) {
		if mc.registry.ContainsAny(rule.Concepts, c.ProcedureCodes) {
			return true
		}
	}
	return false
}

// evalThreshold compares the most recent in-year reading of each metric
// against its test. A missing reading is distinct from an out-of-range one.
func evalThreshold(mc *memberContext, code string, rule measure.ThresholdRule) ruleOutcome {
	year := member.MeasurementYear(mc.year)

	latest := make([]*member.Observation, len(rule.Tests))
	missing := 0
	for i, t := range rule.Tests {
		if o, ok := mc.entry.LatestObservation(t.Metric, year); ok {
			latest[i] = o
		} else {
			missing++
		}
	}
	if missing == len(rule.Tests) {
		return ruleOutcome{reason: ReasonNoReading}
	}
	if missing > 0 {
		return ruleOutcome{reason: ReasonNoReading, readings: readingsFor(rule, latest)}
	}

	// Every metric was read in the year; same_day then needs them all on the
	// latest reading date.
	if rule.SameDay {
		day := latestDate(latest)
		for i, t := range rule.Tests {
			onDay := mc.entry.ObservationsOn(t.Metric, day)
			if len(onDay) == 0 {
				mc.ambiguity(code, fmt.Sprintf("latest reading date %s has no %s value", day.Format("2006-01-02"), t.Metric))
				return ruleOutcome{reason: ReasonInsufficientData}
			}
			latest[i] = onDay[len(onDay)-1]
		}
	}

	readings := readingsFor(rule, latest)
	met := true
	for _, r := range readings {
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			mc.ambiguity(code, fmt.Sprintf("%s reading is not a finite number", r.Metric))
			return ruleOutcome{reason: ReasonInsufficientData, readings: readings}
		}
		if !r.Passed {
			met = false
		}
	}
	if met {
		return ruleOutcome{met: true, reason: ReasonReadingInRange, readings: readings}
	}
	return ruleOutcome{reason: ReasonReadingOutOfRange, readings: readings}
}

func latestDate(obs []*member.Observation) time.Time {
	var day time.Time
	for _, o := range obs {
		if o != nil && o.ObservationDate.After(day) {
			day = o.ObservationDate
		}
	}
	return day
}

func readingsFor(rule measure.ThresholdRule, obs []*member.Observation) []Reading {
	var out []Reading
	for i, t := range rule.Tests {
		o := obs[i]
		if o == nil {
			continue
		}
		out = append(out, Reading{
			Metric:   t.Metric,
			Value:    o.Value,
			Date:     o.ObservationDate,
			Passed:   t.Comparator.Apply(o.Value, t.Threshold),
			Distance: t.Distance(o.Value),
		})
	}
	return out
}

// evalMultiCriteria evaluates every criterion, even after one fails, so each
// is reported independently.
func evalMultiCriteria(mc *memberContext, code string, rule measure.MultiCriteriaRule, res *Result) {
	allMet := true
	ambiguous := false
	res.Criteria = make([]CriterionResult, 0, len(rule.Criteria))
	for _, c := range rule.Criteria {
		var out ruleOutcome
		switch {
		case c.Presence != nil:
			out = evalPresence(mc, *c.Presence)
		case c.Threshold != nil:
			out = evalThreshold(mc, code, *c.Threshold)
		default:
			mc.ambiguity(code, fmt.Sprintf("criterion %s has no rule", c.Name))
			out = ruleOutcome{reason: ReasonInsufficientData}
		}
		if !out.met {
			allMet = false
			if out.reason == ReasonInsufficientData {
				ambiguous = true
			}
		}
		res.Criteria = append(res.Criteria, CriterionResult{
			Name:     c.Name,
			Met:      out.met,
			Reason:   out.reason,
			Readings: out.readings,
		})
	}
	switch {
	case allMet:
		res.InNumerator, res.NumeratorReason = true, ReasonAllCriteriaMet
	case ambiguous:
		res.InNumerator, res.NumeratorReason = false, ReasonInsufficientData
	default:
		res.InNumerator, res.NumeratorReason = false, ReasonCriteriaIncomplete
	}
}
