package portfolio

import (
	"fmt"
	"math"
	"sort"

	"github.com/ehr/qualitystars/internal/domain/gaps"
	"github.com/ehr/qualitystars/internal/domain/measure"
)

// Strategy orders candidate units before the greedy budget pass.
type Strategy string

const (
	StrategyTripleWeighted     Strategy = "triple_weighted"
	StrategyNewMeasurePriority Strategy = "new_measure_priority"
	StrategyMultiGapBundling   Strategy = "multi_gap_bundling"
	StrategyBalanced           Strategy = "balanced"
)

// Strategies lists every supported strategy.
var Strategies = []Strategy{
	StrategyTripleWeighted,
	StrategyNewMeasurePriority,
	StrategyMultiGapBundling,
	StrategyBalanced,
}

// ParseStrategy validates a strategy name. Empty means balanced.
func ParseStrategy(s string) (Strategy, error) {
	if s == "" {
		return StrategyBalanced, nil
	}
	for _, st := range Strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Scenario bounds a selection. A nil BudgetCap or MaxInterventions means
// no limit; a zero one selects nothing.
type Scenario struct {
	BudgetCap        *float64 `json:"budget_cap,omitempty"`
	MaxInterventions *int     `json:"max_interventions,omitempty"`
	Strategy         Strategy `json:"strategy"`
}

// Budget returns a scenario budget cap of v.
func Budget(v float64) *float64 { return &v }

// MaxCount returns a scenario intervention cap of n.
func MaxCount(n int) *int { return &n }

// Validate rejects negative limits and unknown strategies.
func (s Scenario) Validate() error {
	if s.BudgetCap != nil && *s.BudgetCap < 0 {
		return fmt.Errorf("budget cap %v is negative", *s.BudgetCap)
	}
	if s.MaxInterventions != nil && *s.MaxInterventions < 0 {
		return fmt.Errorf("max interventions %d is negative", *s.MaxInterventions)
	}
	_, err := ParseStrategy(string(s.Strategy))
	return err
}

// Unit is one outreach: a single gap, or a bundle under multi-gap bundling.
type Unit struct {
	MemberID         string   `json:"member_id"`
	Measures         []string `json:"measures"`
	BundleID         string   `json:"bundle_id,omitempty"`
	InterventionType string   `json:"intervention_type"`
	PriorityScore    float64  `json:"priority_score"`
	GrossValue       float64  `json:"gross_value"`
	Cost             float64  `json:"cost"`
	NetValue         float64  `json:"net_value"`

	triple     bool
	newMeasure bool
}

func (u Unit) measureKey() string {
	if len(u.Measures) == 0 {
		return ""
	}
	return u.Measures[0]
}

// Selection is the chosen set of units.
type Selection struct {
	Scenario      Scenario `json:"scenario"`
	Units         []Unit   `json:"units"`
	Interventions int      `json:"interventions"`
	GapsClosed    int      `json:"gaps_closed"`
	TotalCost     float64  `json:"total_cost"`
	GrossValue    float64  `json:"gross_value"`
	NetValue      float64  `json:"net_value"`
	Considered    int      `json:"considered"`
}

// Select greedily takes positive-net units in strategy order while they fit
// the budget and intervention cap. A unit that does not fit is skipped and
// cheaper units after it are still considered.
func Select(wl gaps.WorkList, sc Scenario) (Selection, error) {
	if err := sc.Validate(); err != nil {
		return Selection{}, err
	}
	if sc.Strategy == "" {
		sc.Strategy = StrategyBalanced
	}

	units := buildUnits(wl, sc.Strategy == StrategyMultiGapBundling)
	order(units, sc.Strategy)

	sel := Selection{Scenario: sc, Considered: len(units)}
	for _, u := range units {
		if u.NetValue <= 0 {
			continue
		}
		if sc.MaxInterventions != nil && sel.Interventions >= *sc.MaxInterventions {
			break
		}
		if sc.BudgetCap != nil && sel.TotalCost+u.Cost > *sc.BudgetCap+1e-9 {
			continue
		}
		sel.Units = append(sel.Units, u)
		sel.Interventions++
		sel.GapsClosed += len(u.Measures)
		sel.TotalCost += u.Cost
		sel.GrossValue += u.GrossValue
	}
	sel.TotalCost = round2(sel.TotalCost)
	sel.GrossValue = round2(sel.GrossValue)
	sel.NetValue = round2(sel.GrossValue - sel.TotalCost)
	return sel, nil
}

func buildUnits(wl gaps.WorkList, bundled bool) []Unit {
	units := make([]Unit, 0, len(wl.Candidates))
	inBundle := make(map[string]bool)
	if bundled {
		for _, b := range wl.Bundles {
			u := Unit{
				MemberID:         b.MemberID,
				Measures:         append([]string(nil), b.Measures...),
				BundleID:         b.ID,
				InterventionType: b.InterventionType,
				PriorityScore:    b.PriorityScore,
				GrossValue:       b.GrossValue,
				Cost:             b.DiscountedCost,
				NetValue:         b.CombinedValue,
			}
			inBundle[b.ID] = true
			units = append(units, u)
		}
	}
	for _, c := range wl.Candidates {
		if c.BundleID != "" && inBundle[c.BundleID] {
			continue
		}
		units = append(units, Unit{
			MemberID:         c.MemberID,
			Measures:         []string{c.MeasureCode},
			InterventionType: c.InterventionType,
			PriorityScore:    c.PriorityScore,
			GrossValue:       c.GrossValue,
			Cost:             c.InterventionCost,
			NetValue:         c.EstimatedValue,
			triple:           c.Weight == measure.WeightTriple,
			newMeasure:       c.NewMeasure,
		})
	}
	if bundled {
		flags := make(map[string]gaps.Candidate)
		for _, c := range wl.Candidates {
			flags[c.MemberID+"\x00"+c.MeasureCode] = c
		}
		for i := range units {
			if units[i].BundleID == "" {
				continue
			}
			for _, m := range units[i].Measures {
				c := flags[units[i].MemberID+"\x00"+m]
				units[i].triple = units[i].triple || c.Weight == measure.WeightTriple
				units[i].newMeasure = units[i].newMeasure || c.NewMeasure
			}
		}
	}
	return units
}

// order sorts units by the strategy's primary key, then by the work list
// tie-break: priority desc, net value desc, member id, measure code.
func order(units []Unit, st Strategy) {
	rank := func(u Unit) float64 {
		switch st {
		case StrategyTripleWeighted:
			return boolRank(u.triple)
		case StrategyNewMeasurePriority:
			return boolRank(u.newMeasure)
		case StrategyMultiGapBundling:
			return float64(len(u.Measures))
		default:
			if u.Cost <= 0 {
				return math.Inf(1)
			}
			return u.NetValue / u.Cost
		}
	}
	sort.SliceStable(units, func(i, j int) bool {
		a, b := units[i], units[j]
		if ra, rb := rank(a), rank(b); ra != rb {
			return ra > rb
		}
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore > b.PriorityScore
		}
		if a.NetValue != b.NetValue {
			return a.NetValue > b.NetValue
		}
		if a.MemberID != b.MemberID {
			return a.MemberID < b.MemberID
		}
		return a.measureKey() < b.measureKey()
	})
}

func boolRank(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
