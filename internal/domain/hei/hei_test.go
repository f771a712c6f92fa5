package hei

import (
	"testing"

	"github.com/ehr/qualitystars/internal/domain/aggregate"
)

func TestFactorFor(t *testing.T) {
	tests := []struct {
		gap  float64
		want float64
	}{
		{0, 0.05},
		{2, 0.05},
		{3, 0},
		{5, 0},
		{7, -0.02},
		{9.5, -0.045},
		{30, -0.05},
	}
	for _, tt := range tests {
		if got := FactorFor(tt.gap); got != tt.want {
			t.Errorf("FactorFor(%v) = %v, want %v", tt.gap, got, tt.want)
		}
	}
}

func cohort(key string, eligible, num int) aggregate.Cohort {
	tl := aggregate.Tally{Denominator: eligible, Numerator: num, Gaps: eligible - num}
	return aggregate.Cohort{Dimension: aggregate.DimSubgroup, Key: key, Tally: tl, Rate: tl.Rate()}
}

func TestAdjust(t *testing.T) {
	sums := []aggregate.MeasureSummary{
		{Measure: "CBP", Cohorts: []aggregate.Cohort{
			cohort("dual", 100, 70),
			cohort("lis", 100, 75),
			cohort("standard", 100, 77),
		}},
		{Measure: "EED", Cohorts: []aggregate.Cohort{
			cohort("dual", 100, 80),
			cohort("standard", 100, 87),
		}},
		{Measure: "BCS", Cohorts: []aggregate.Cohort{
			cohort("standard", 100, 90),
			cohort("dual", 0, 0),
		}},
	}
	adj := Adjust(sums, Options{})
	if adj.AverageGap == nil || *adj.AverageGap != 7 {
		t.Fatalf("expected average gap 7, got %v", adj.AverageGap)
	}
	if adj.Factor != -0.02 {
		t.Errorf("expected factor -0.02, got %v", adj.Factor)
	}
	if adj.Multiplier() != 0.98 {
		t.Errorf("expected multiplier 0.98, got %v", adj.Multiplier())
	}
	cbp := adj.Measures[0]
	if cbp.Highest != "standard" || cbp.Lowest != "dual" || !cbp.Included {
		t.Errorf("unexpected CBP detail %+v", cbp)
	}
	if bcs := adj.Measures[2]; bcs.Included || bcs.GapPoints != nil || bcs.Subgroups != 1 {
		t.Errorf("expected BCS reported but not averaged, got %+v", bcs)
	}
}

func TestAdjust_MinCohortSize(t *testing.T) {
	sums := []aggregate.MeasureSummary{
		{Measure: "EED", Cohorts: []aggregate.Cohort{
			cohort("dual", 3, 0),
			cohort("lis", 200, 180),
			cohort("standard", 200, 184),
		}},
	}
	if adj := Adjust(sums, Options{}); *adj.AverageGap != 92 {
		t.Errorf("expected small cohort to count without a minimum, got %v", *adj.AverageGap)
	}
	adj := Adjust(sums, Options{MinCohortSize: 10})
	if *adj.AverageGap != 2 || adj.Factor != 0.05 {
		t.Errorf("expected 2 point gap and reward, got %v / %v", *adj.AverageGap, adj.Factor)
	}
}

func TestAdjust_NothingToCompare(t *testing.T) {
	adj := Adjust([]aggregate.MeasureSummary{{Measure: "EED"}}, Options{})
	if adj.AverageGap != nil || adj.Factor != 0 || adj.Multiplier() != 1 {
		t.Errorf("expected neutral adjustment, got %+v", adj)
	}
}

func TestAdjust_IgnoresUnattributedMembers(t *testing.T) {
	sums := []aggregate.MeasureSummary{
		{Measure: "EED", Cohorts: []aggregate.Cohort{
			cohort("dual", 10, 8),
			cohort("standard", 10, 8),
			cohort(aggregate.UnknownCohort, 10, 1),
		}},
	}
	adj := Adjust(sums, Options{})
	if adj.AverageGap == nil || *adj.AverageGap != 0 {
		t.Fatalf("expected zero gap between real subgroups, got %v", adj.AverageGap)
	}
	if adj.Factor != RewardFactor {
		t.Errorf("expected reward factor, got %v", adj.Factor)
	}
	eed := adj.Measures[0]
	if eed.Subgroups != 2 || eed.Unattributed != 10 || eed.Lowest == aggregate.UnknownCohort {
		t.Errorf("unexpected EED detail %+v", eed)
	}

	// Unknown alongside a single real subgroup leaves nothing to compare.
	adj = Adjust([]aggregate.MeasureSummary{{Measure: "BCS", Cohorts: []aggregate.Cohort{
		cohort("dual", 10, 9),
		cohort(aggregate.UnknownCohort, 10, 2),
	}}}, Options{})
	if adj.AverageGap != nil || adj.Factor != 0 {
		t.Errorf("expected no adjustment, got %+v", adj)
	}
}
