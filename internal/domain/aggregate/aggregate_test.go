package aggregate

import (
	"encoding/json"
	"testing"

	"github.com/ehr/qualitystars/internal/domain/evaluation"
	"github.com/ehr/qualitystars/internal/domain/measure"
)

func tally(den, excl, num int) Tally {
	return Tally{Denominator: den, Excluded: excl, Numerator: num, Gaps: den - excl - num}
}

func TestTally_Rate(t *testing.T) {
	r := tally(100, 20, 40).Rate()
	if p, ok := r.Percent(); !ok || p != 50 {
		t.Errorf("expected 50%%, got %v", r)
	}

	u := tally(20, 20, 0).Rate()
	if u.Defined() {
		t.Error("expected undefined rate when every member is excluded")
	}
	if u.String() != "undefined" {
		t.Errorf("unexpected string %q", u.String())
	}
	if (Tally{}).GapRate().Defined() {
		t.Error("expected undefined gap rate for empty tally")
	}
}

func TestTally_MergeCommutes(t *testing.T) {
	a, b := tally(10, 2, 5), tally(7, 0, 1)
	if a.Merge(b) != b.Merge(a) {
		t.Error("expected merge to commute")
	}
	if got := a.Merge(Tally{}); got != a {
		t.Error("expected zero tally to be the identity")
	}
}

func TestRate_JSON(t *testing.T) {
	type row struct {
		Rate Rate `json:"rate"`
	}
	b, err := json.Marshal([]row{{NewRate(2, 3)}, {Undefined}})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `[{"rate":66.67},{"rate":null}]` {
		t.Errorf("unexpected json %s", b)
	}

	var back []row
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back[1].Rate.Defined() || !back[0].Rate.Defined() {
		t.Errorf("unexpected decoded rates %+v", back)
	}
}

func TestMeasureSummary_RestoreRatesAfterDecode(t *testing.T) {
	sum := MeasureSummary{Measure: "EED", Tally: tally(3, 0, 2)}
	sum.Cohorts = []Cohort{{Dimension: "sex", Key: "F", Tally: tally(3, 0, 1)}}
	sum.RestoreRates()

	b, err := json.Marshal(sum)
	if err != nil {
		t.Fatal(err)
	}
	var back MeasureSummary
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if v, _ := back.Rate.Value(); v == 2.0/3 {
		t.Fatal("expected the decoded rate to be rounded before restoring")
	}

	back.RestoreRates()
	if v, ok := back.Rate.Value(); !ok || v != 2.0/3 {
		t.Errorf("expected exact 2/3 after restore, got %v", v)
	}
	if v, _ := back.GapRate.Value(); v != 1.0/3 {
		t.Errorf("expected exact gap rate 1/3, got %v", v)
	}
	if v, _ := back.Cohorts[0].Rate.Value(); v != 1.0/3 {
		t.Errorf("expected exact cohort rate 1/3, got %v", v)
	}
}

func TestRateOf_NonFiniteIsUndefined(t *testing.T) {
	zero := 0.0
	if RateOf(zero / zero).Defined() {
		t.Error("expected NaN to be undefined")
	}
}

func result(memberID string, age int, region, subgroup string, den, excl, num bool) evaluation.Result {
	return evaluation.Result{
		MemberID:      memberID,
		Measure:       "EED",
		Age:           age,
		Region:        region,
		Subgroup:      subgroup,
		InDenominator: den,
		Excluded:      excl,
		InNumerator:   num,
		Compliant:     den && !excl && num,
		HasGap:        den && !excl && !num,
	}
}

func TestSummarize_CountsAndCohorts(t *testing.T) {
	cat, err := measure.Default()
	if err != nil {
		t.Fatal(err)
	}
	cat, err = cat.Select([]string{"EED", "GSD"})
	if err != nil {
		t.Fatal(err)
	}
	results := []evaluation.Result{
		result("a", 53, "north", "dual", true, false, true),
		result("b", 68, "north", "", true, false, true),
		result("c", 43, "south", "dual", true, false, false),
		result("d", 13, "south", "dual", false, false, false),
		result("e", 70, "south", "standard", true, true, false),
	}

	sums := Summarize(cat, results)
	if len(sums) != 2 || sums[0].Measure != "GSD" || sums[1].Measure != "EED" {
		t.Fatalf("expected summaries in catalog order, got %+v", sums)
	}
	eed := sums[1]
	if eed.Denominator != 4 || eed.Excluded != 1 || eed.Numerator != 2 || eed.Gaps != 1 {
		t.Errorf("unexpected tally %+v", eed.Tally)
	}
	if p, _ := eed.Rate.Percent(); p != 66.67 {
		t.Errorf("expected rate 66.67, got %v", eed.Rate)
	}
	if sums[0].Rate.Defined() {
		t.Error("expected measure with no results to have undefined rate")
	}

	subs := eed.CohortsFor(DimSubgroup)
	want := []string{"dual", "standard", "unknown"}
	if len(subs) != len(want) {
		t.Fatalf("expected %d subgroup cohorts, got %+v", len(want), subs)
	}
	for i, k := range want {
		if subs[i].Key != k {
			t.Errorf("cohort %d = %s, want %s", i, subs[i].Key, k)
		}
	}
	if subs[1].Rate.Defined() {
		t.Error("expected fully excluded cohort to be undefined")
	}
	if p, _ := subs[0].Rate.Percent(); p != 50 {
		t.Errorf("expected dual cohort 50%%, got %v", subs[0].Rate)
	}

	bands := eed.CohortsFor(DimAgeBand)
	for _, c := range bands {
		if c.Key == "0-17" {
			t.Error("members outside the denominator must not create cohorts")
		}
	}
}

func TestAggregator_MergeMatchesSinglePass(t *testing.T) {
	cat, err := measure.Default()
	if err != nil {
		t.Fatal(err)
	}
	results := []evaluation.Result{
		result("a", 53, "north", "dual", true, false, true),
		result("b", 68, "north", "lis", true, false, false),
		result("c", 43, "south", "dual", true, false, false),
		result("e", 70, "south", "standard", true, true, false),
	}
	left, right := New(), New()
	left.AddAll(results[:2])
	right.AddAll(results[2:])
	right.Merge(left)

	whole, _ := json.Marshal(Summarize(cat, results))
	merged, _ := json.Marshal(right.Summaries(cat))
	if string(whole) != string(merged) {
		t.Errorf("merged summaries differ:\n%s\n%s", whole, merged)
	}
}

func TestAgeBand(t *testing.T) {
	tests := map[int]string{10: "0-17", 18: "18-44", 45: "45-64", 64: "45-64", 65: "65-74", 75: "75+"}
	for age, want := range tests {
		if got := AgeBand(&evaluation.Result{Age: age}); got != want {
			t.Errorf("AgeBand(%d) = %s, want %s", age, got, want)
		}
	}
}
