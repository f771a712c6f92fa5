package measure

import (
	"fmt"
	"math"
	"strings"

	"github.com/ehr/qualitystars/internal/domain/codeset"
)

// RuleKind tags a numerator rule variant.
type RuleKind string

const (
	KindPresence      RuleKind = "presence"
	KindThreshold     RuleKind = "threshold"
	KindMultiCriteria RuleKind = "multi_criteria"
)

// NumeratorRule is implemented by PresenceRule, ThresholdRule and
// MultiCriteriaRule only.
type NumeratorRule interface {
	Kind() RuleKind
	CodeSets() []codeset.Concept
	sealed()
}

// PresenceRule is satisfied by one qualifying procedure code in window.
type PresenceRule struct {
	Concepts        []codeset.Concept
	AcceptPriorYear bool
}

func (PresenceRule) Kind() RuleKind { return KindPresence }
func (PresenceRule) sealed()        {}

// CodeSets returns the qualifying procedure concepts.
func (r PresenceRule) CodeSets() []codeset.Concept { return r.Concepts }

// Comparator compares a reading against a fixed threshold.
type Comparator string

const (
	LessThan       Comparator = "lt"
	LessOrEqual    Comparator = "le"
	GreaterThan    Comparator = "gt"
	GreaterOrEqual Comparator = "ge"
)

// Apply reports whether value satisfies the comparator against threshold.
func (c Comparator) Apply(value, threshold float64) bool {
	switch c {
	case LessThan:
		return value < threshold
	case LessOrEqual:
		return value <= threshold
	case GreaterThan:
		return value > threshold
	case GreaterOrEqual:
		return value >= threshold
	}
	return false
}

// Valid reports whether c is a known comparator.
func (c Comparator) Valid() bool {
	switch c {
	case LessThan, LessOrEqual, GreaterThan, GreaterOrEqual:
		return true
	}
	return false
}

// NormalizeMetric is the canonical form of an observation metric name, used
// for both catalog tests and input readings.
func NormalizeMetric(m string) string {
	return strings.ToLower(strings.TrimSpace(m))
}

// MetricTest is one comparator applied to the latest reading of a metric.
type MetricTest struct {
	Metric     string     `json:"metric"`
	Comparator Comparator `json:"comparator"`
	Threshold  float64    `json:"threshold"`
}

// Distance returns how far value is from satisfying the test, as a fraction
// of the threshold. Zero means the test passes.
func (t MetricTest) Distance(value float64) float64 {
	if t.Comparator.Apply(value, t.Threshold) || t.Threshold == 0 {
		return 0
	}
	return math.Abs(value-t.Threshold) / math.Abs(t.Threshold)
}

func (t MetricTest) String() string {
	return fmt.Sprintf("%s %s %g", t.Metric, t.Comparator, t.Threshold)
}

// ThresholdRule requires the latest in-window reading of every metric to
// satisfy its test. With SameDay set, all metrics must come from the most
// recent reading date.
type ThresholdRule struct {
	Tests   []MetricTest
	SameDay bool
}

func (ThresholdRule) Kind() RuleKind              { return KindThreshold }
func (ThresholdRule) CodeSets() []codeset.Concept { return nil }
func (ThresholdRule) sealed()                     {}

// Criterion is one named sub-test of a multi-criteria rule. Exactly one of
// Presence and Threshold is set.
type Criterion struct {
	Name      string
	Presence  *PresenceRule
	Threshold *ThresholdRule
}

// Rule returns the criterion's underlying rule.
func (c Criterion) Rule() NumeratorRule {
	if c.Presence != nil {
		return *c.Presence
	}
	if c.Threshold != nil {
		return *c.Threshold
	}
	return nil
}

// MultiCriteriaRule is the logical AND of its criteria, each reported
// separately.
type MultiCriteriaRule struct {
	Criteria []Criterion
}

func (MultiCriteriaRule) Kind() RuleKind { return KindMultiCriteria }
func (MultiCriteriaRule) sealed()        {}

// CodeSets returns the union of concepts read by the criteria, in order.
func (r MultiCriteriaRule) CodeSets() []codeset.Concept {
	var out []codeset.Concept
	for _, c := range r.Criteria {
		if rule := c.Rule(); rule != nil {
			out = append(out, rule.CodeSets()...)
		}
	}
	return out
}
