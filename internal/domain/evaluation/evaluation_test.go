package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/qualitystars/internal/domain/audit"
	"github.com/ehr/qualitystars/internal/domain/measure"
	"github.com/ehr/qualitystars/internal/domain/member"
)

const year = 2024

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func intPtr(v int) *int { return &v }

func newTestEngine(t *testing.T, codes ...string) *Engine {
	t.Helper()
	cat, err := measure.Default()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	if len(codes) > 0 {
		if cat, err = cat.Select(codes); err != nil {
			t.Fatalf("select: %v", err)
		}
	}
	eng, err := NewEngine(cat, Options{MeasurementYear: year, Workers: 4}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng
}

func run(t *testing.T, eng *Engine, ds member.Dataset) *Outcome {
	t.Helper()
	out, err := eng.Evaluate(context.Background(), ds)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	return out
}

func find(t *testing.T, out *Outcome, memberID, code string) Result {
	t.Helper()
	for _, r := range out.Results {
		if r.MemberID == memberID && r.Measure == code {
			return r
		}
	}
	t.Fatalf("no result for %s/%s", memberID, code)
	return Result{}
}

func diabetic(id string, birth time.Time) (member.Record, member.Claim) {
	return member.Record{MemberID: id, BirthDate: birth, Sex: "F", EnrollmentMonths: intPtr(12)},
		member.Claim{MemberID: id, ServiceDate: date(year, time.February, 10), DiagnosisCodes: []string{"E11.9"}, ClaimType: "outpatient"}
}

func hypertensive(id string) member.Dataset {
	return member.Dataset{
		Members: []member.Record{{MemberID: id, BirthDate: date(1960, time.March, 1), Sex: "M", EnrollmentMonths: intPtr(12)}},
		Claims: []member.Claim{
			{MemberID: id, ServiceDate: date(year, time.January, 5), DiagnosisCodes: []string{"I10"}, ClaimType: "outpatient"},
			{MemberID: id, ServiceDate: date(year, time.April, 5), DiagnosisCodes: []string{"I10"}, ClaimType: "telehealth"},
		},
	}
}

func TestNewEngine_RejectsBadYear(t *testing.T) {
	cat, err := measure.Default()
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewEngine(cat, Options{MeasurementYear: 0}, zerolog.Nop())
	if !measure.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := NewEngine(nil, Options{MeasurementYear: year}, zerolog.Nop()); !measure.IsConfigurationError(err) {
		t.Fatalf("expected configuration error for nil catalog, got %v", err)
	}
}

func TestEvaluate_EndToEndEyeExam(t *testing.T) {
	eng := newTestEngine(t, "EED")

	ds := member.Dataset{}
	births := map[string]time.Time{
		"a": date(1971, time.June, 1), // 53
		"b": date(1956, time.June, 1), // 68
		"c": date(1981, time.June, 1), // 43
		"d": date(2011, time.June, 1), // 13
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		rec, claim := diabetic(id, births[id])
		ds.Members = append(ds.Members, rec)
		ds.Claims = append(ds.Claims, claim)
	}
	ds.Claims = append(ds.Claims,
		member.Claim{MemberID: "a", ServiceDate: date(year, time.May, 2), ProcedureCodes: []string{"92014"}, ClaimType: "outpatient"},
		member.Claim{MemberID: "b", ServiceDate: date(year-1, time.August, 9), ProcedureCodes: []string{"2022F"}, ClaimType: "outpatient"},
	)

	out := run(t, eng, ds)
	if len(out.Results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(out.Results))
	}

	var den, num, gaps int
	for _, r := range out.Results {
		if r.InDenominator {
			den++
		}
		if r.Compliant {
			num++
		}
		if r.HasGap {
			gaps++
		}
	}
	if den != 3 || num != 2 || gaps != 1 {
		t.Errorf("expected denominator 3, numerator 2, gaps 1; got %d, %d, %d", den, num, gaps)
	}

	if r := find(t, out, "d", "EED"); r.DenominatorReason != ReasonAgeOutOfRange {
		t.Errorf("expected age_out_of_range for d, got %s", r.DenominatorReason)
	}
	if r := find(t, out, "b", "EED"); r.NumeratorReason != ReasonPriorYearProcedureFound {
		t.Errorf("expected prior year procedure for b, got %s", r.NumeratorReason)
	}
	if r := find(t, out, "c", "EED"); !r.HasGap || r.NumeratorReason != ReasonNoQualifyingProcedure {
		t.Errorf("expected gap with no_qualifying_procedure for c, got %+v", r)
	}
}

func TestEvaluate_Invariants(t *testing.T) {
	eng := newTestEngine(t)
	ds := hypertensive("h1")
	rec, claim := diabetic("d1", date(1950, time.July, 4))
	ds.Members = append(ds.Members, rec, member.Record{MemberID: "x", BirthDate: date(1940, 1, 1)})
	ds.Claims = append(ds.Claims, claim,
		member.Claim{MemberID: "d1", ServiceDate: date(year, time.March, 3), DiagnosisCodes: []string{"N18.6"}, ClaimType: "outpatient"})

	out := run(t, eng, ds)
	for _, r := range out.Results {
		wantCompliant := r.InDenominator && !r.Excluded && r.InNumerator
		wantGap := r.InDenominator && !r.Excluded && !r.InNumerator
		if r.Compliant != wantCompliant || r.HasGap != wantGap {
			t.Errorf("%s/%s violates flag invariants: %+v", r.MemberID, r.Measure, r)
		}
		if r.Excluded && r.HasGap {
			t.Errorf("%s/%s excluded member reported as gap", r.MemberID, r.Measure)
		}
		if !r.InDenominator && r.ExclusionReason != ReasonNotEvaluated {
			t.Errorf("%s/%s expected exclusion not evaluated outside denominator", r.MemberID, r.Measure)
		}
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	eng := newTestEngine(t)
	ds := hypertensive("h1")
	ds.Observations = []member.Observation{
		{MemberID: "h1", ObservationDate: date(year, time.June, 1), Metric: "systolic_bp", Value: 150},
		{MemberID: "h1", ObservationDate: date(year, time.June, 1), Metric: "diastolic_bp", Value: 80},
	}
	for i := 0; i < 20; i++ {
		rec, claim := diabetic(string(rune('a'+i)), date(1950+i, time.January, 15))
		ds.Members = append(ds.Members, rec)
		ds.Claims = append(ds.Claims, claim)
	}

	first, err := json.Marshal(run(t, eng, ds))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := json.Marshal(run(t, eng, ds))
		if err != nil {
			t.Fatal(err)
		}
		if string(again) != string(first) {
			t.Fatalf("run %d output differs from first run", i+2)
		}
	}
}

func TestEvaluate_BloodPressureBoundary(t *testing.T) {
	tests := []struct {
		name      string
		sys, dia  float64
		compliant bool
		reason    Reason
	}{
		{"at 140/90 is out of range", 140, 90, false, ReasonReadingOutOfRange},
		{"139/89 is controlled", 139, 89, true, ReasonReadingInRange},
		{"systolic alone at 140", 140, 80, false, ReasonReadingOutOfRange},
		{"diastolic alone at 90", 130, 90, false, ReasonReadingOutOfRange},
	}
	eng := newTestEngine(t, "CBP")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := hypertensive("h1")
			ds.Observations = []member.Observation{
				{MemberID: "h1", ObservationDate: date(year, time.September, 1), Metric: "systolic_bp", Value: tt.sys},
				{MemberID: "h1", ObservationDate: date(year, time.September, 1), Metric: "diastolic_bp", Value: tt.dia},
			}
			r := find(t, run(t, eng, ds), "h1", "CBP")
			if r.Compliant != tt.compliant || r.NumeratorReason != tt.reason {
				t.Errorf("got compliant=%v reason=%s, want %v %s", r.Compliant, r.NumeratorReason, tt.compliant, tt.reason)
			}
			if len(r.Readings) != 2 {
				t.Errorf("expected both readings reported, got %d", len(r.Readings))
			}
		})
	}
}

func TestEvaluate_NoReadingDistinctFromOutOfRange(t *testing.T) {
	eng := newTestEngine(t, "CBP")
	r := find(t, run(t, eng, hypertensive("h1")), "h1", "CBP")
	if !r.HasGap || r.NumeratorReason != ReasonNoReading {
		t.Errorf("expected no_reading gap, got %+v", r)
	}
}

func TestEvaluate_SameDayAmbiguity(t *testing.T) {
	eng := newTestEngine(t, "CBP")
	ds := hypertensive("h1")
	ds.Observations = []member.Observation{
		{MemberID: "h1", ObservationDate: date(year, time.March, 1), Metric: "diastolic_bp", Value: 70},
		{MemberID: "h1", ObservationDate: date(year, time.May, 1), Metric: "systolic_bp", Value: 120},
	}
	out := run(t, eng, ds)
	r := find(t, out, "h1", "CBP")
	if r.InNumerator || r.NumeratorReason != ReasonInsufficientData {
		t.Errorf("expected insufficient_data, got %s", r.NumeratorReason)
	}
	if !out.Report.Provisional() {
		t.Error("expected run to be provisional")
	}
	if n := out.Report.Count(audit.Ambiguity); n != 1 {
		t.Errorf("expected 1 ambiguity, got %d", n)
	}
}

func TestEvaluate_SameDayMissingMetricIsNoReading(t *testing.T) {
	eng := newTestEngine(t, "CBP")
	ds := hypertensive("h1")
	ds.Observations = []member.Observation{
		{MemberID: "h1", ObservationDate: date(year, time.May, 1), Metric: "systolic_bp", Value: 120},
	}
	out := run(t, eng, ds)
	r := find(t, out, "h1", "CBP")
	if !r.HasGap || r.NumeratorReason != ReasonNoReading {
		t.Errorf("expected no_reading gap, got %s", r.NumeratorReason)
	}
	if len(r.Readings) != 1 || r.Readings[0].Metric != "systolic_bp" {
		t.Errorf("expected the systolic reading reported, got %+v", r.Readings)
	}
	if out.Report.Provisional() || out.Report.Count(audit.Ambiguity) != 0 {
		t.Error("a metric never read in the year is not an ambiguity")
	}
}

func TestEvaluate_LatestReadingWins(t *testing.T) {
	eng := newTestEngine(t, "GSD")
	rec, claim := diabetic("d1", date(1960, time.May, 5))
	ds := member.Dataset{
		Members: []member.Record{rec},
		Claims:  []member.Claim{claim},
		Observations: []member.Observation{
			{MemberID: "d1", ObservationDate: date(year, time.November, 1), Metric: "hba1c", Value: 8.1},
			{MemberID: "d1", ObservationDate: date(year, time.February, 1), Metric: "hba1c", Value: 10.2},
			{MemberID: "d1", ObservationDate: date(year-1, time.December, 1), Metric: "hba1c", Value: 6.0},
		},
	}
	r := find(t, run(t, eng, ds), "d1", "GSD")
	if !r.Compliant || r.Readings[0].Value != 8.1 {
		t.Errorf("expected latest in-year reading 8.1 to be compliant, got %+v", r.Readings)
	}
}

func TestEvaluate_AgeBoundaryDecember31(t *testing.T) {
	eng := newTestEngine(t, "COA")
	ds := member.Dataset{Members: []member.Record{
		{MemberID: "turns66", BirthDate: date(year-66, time.December, 31), EnrollmentMonths: intPtr(12)},
		{MemberID: "still65", BirthDate: date(year-65, time.January, 1), EnrollmentMonths: intPtr(12)},
	}}
	out := run(t, eng, ds)
	if r := find(t, out, "turns66", "COA"); !r.InDenominator || r.Age != 66 {
		t.Errorf("expected member turning 66 on Dec 31 to qualify, got age %d", r.Age)
	}
	if r := find(t, out, "still65", "COA"); r.InDenominator {
		t.Error("expected 65-year-old outside COA denominator")
	}
}

func TestEvaluate_ExclusionOrderAndOr(t *testing.T) {
	eng := newTestEngine(t, "KED")
	rec, claim := diabetic("d1", date(1950, time.April, 1))
	ds := member.Dataset{
		Members: []member.Record{rec},
		Claims: []member.Claim{
			claim,
			{MemberID: "d1", ServiceDate: date(year, time.June, 1), DiagnosisCodes: []string{"N186"}, ClaimType: "outpatient"},
			{MemberID: "d1", ServiceDate: date(year, time.July, 1), ProcedureCodes: []string{"G9473"}, ClaimType: "outpatient"},
			{MemberID: "d1", ServiceDate: date(year-1, time.July, 1), DiagnosisCodes: []string{"I50.9"}, ClaimType: "inpatient"},
			{MemberID: "d1", ServiceDate: date(year, time.August, 1), DiagnosisCodes: []string{"R54"}, ClaimType: "outpatient"},
		},
	}
	r := find(t, run(t, eng, ds), "d1", "KED")
	if !r.Excluded || r.ExclusionReason != Reason(measure.ExclusionHospice) {
		t.Fatalf("expected hospice as first reported exclusion, got %s", r.ExclusionReason)
	}
	want := []Reason{"hospice", "esrd", "advanced_illness_frailty"}
	if len(r.ExclusionsMatched) != len(want) {
		t.Fatalf("expected %v matched, got %v", want, r.ExclusionsMatched)
	}
	for i := range want {
		if r.ExclusionsMatched[i] != want[i] {
			t.Errorf("matched[%d] = %s, want %s", i, r.ExclusionsMatched[i], want[i])
		}
	}
	if r.HasGap || r.NumeratorReason != ReasonNotEvaluated {
		t.Errorf("expected excluded member to skip numerator, got %+v", r)
	}
}

func TestEvaluate_AdvancedIllnessNeedsAge66(t *testing.T) {
	eng := newTestEngine(t, "EED")
	rec, claim := diabetic("d1", date(year-60, time.April, 1))
	ds := member.Dataset{
		Members: []member.Record{rec},
		Claims: []member.Claim{
			claim,
			{MemberID: "d1", ServiceDate: date(year, time.June, 1), DiagnosisCodes: []string{"I50.9"}, ClaimType: "inpatient"},
			{MemberID: "d1", ServiceDate: date(year, time.August, 1), DiagnosisCodes: []string{"R54"}, ClaimType: "outpatient"},
		},
	}
	r := find(t, run(t, eng, ds), "d1", "EED")
	if r.Excluded {
		t.Error("expected advanced illness exclusion not to apply under 66")
	}
}

func TestEvaluate_MultiCriteriaPartial(t *testing.T) {
	eng := newTestEngine(t, "KED")
	rec, claim := diabetic("d1", date(1955, time.April, 1))
	ds := member.Dataset{
		Members: []member.Record{rec},
		Claims: []member.Claim{
			claim,
			{MemberID: "d1", ServiceDate: date(year, time.June, 1), ProcedureCodes: []string{"82565"}, ClaimType: "lab"},
		},
	}
	r := find(t, run(t, eng, ds), "d1", "KED")
	if !r.HasGap || r.NumeratorReason != ReasonCriteriaIncomplete {
		t.Fatalf("expected criteria_incomplete gap, got %s", r.NumeratorReason)
	}
	met, total := r.CriteriaMet()
	if met != 1 || total != 2 {
		t.Errorf("expected 1 of 2 criteria met, got %d of %d", met, total)
	}
	if !r.Criteria[0].Met || r.Criteria[1].Met {
		t.Errorf("expected egfr met and uacr unmet, got %+v", r.Criteria)
	}
}

func TestEvaluate_Eligibility(t *testing.T) {
	eng := newTestEngine(t, "CBP", "BCS")
	ds := hypertensive("few")
	ds.Claims = ds.Claims[:1]
	ds.Members = append(ds.Members,
		member.Record{MemberID: "short", BirthDate: date(1960, 1, 1), Sex: "F", EnrollmentMonths: intPtr(9)},
		member.Record{MemberID: "nosex", BirthDate: date(1960, 1, 1)},
		member.Record{MemberID: "male", BirthDate: date(1960, 1, 1), Sex: "M"},
		member.Record{MemberID: "assumed", BirthDate: date(1960, 1, 1), Sex: "F"},
	)
	out := run(t, eng, ds)

	tests := []struct {
		id, code string
		want     Reason
	}{
		{"few", "CBP", ReasonInsufficientEncounters},
		{"short", "CBP", ReasonNoQualifyingDiagnosis},
		{"short", "BCS", ReasonInsufficientEnrollment},
		{"nosex", "BCS", ReasonSexUnknown},
		{"male", "BCS", ReasonSexMismatch},
		{"assumed", "BCS", ReasonEligible},
	}
	for _, tt := range tests {
		if r := find(t, out, tt.id, tt.code); r.DenominatorReason != tt.want {
			t.Errorf("%s/%s: got %s, want %s", tt.id, tt.code, r.DenominatorReason, tt.want)
		}
	}
	if r := find(t, out, "assumed", "BCS"); !r.EnrollmentAssumed {
		t.Error("expected enrollment_assumed flag")
	}
	if n := out.Report.Count(audit.EnrollmentAssumed); n != 1 {
		t.Errorf("expected one enrollment finding, got %d", n)
	}
	if n := out.Report.Count(audit.DataQuality); n != 1 {
		t.Errorf("expected one sex_unknown warning, got %d", n)
	}
}

func TestEvaluate_Cancelled(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec, claim := diabetic("d1", date(1955, time.April, 1))
	_, err := eng.Evaluate(ctx, member.Dataset{Members: []member.Record{rec}, Claims: []member.Claim{claim}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
