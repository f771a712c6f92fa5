package integration

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/qualitystars/internal/domain/evaluation"
	"github.com/ehr/qualitystars/internal/domain/gaps"
	"github.com/ehr/qualitystars/internal/domain/measure"
	"github.com/ehr/qualitystars/internal/domain/member"
	"github.com/ehr/qualitystars/internal/domain/scorecard"
	"github.com/ehr/qualitystars/internal/platform/db"
	"github.com/ehr/qualitystars/pkg/pagination"
)

const year = 2024

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newService(t *testing.T) *scorecard.Service {
	t.Helper()
	cat, err := measure.Default()
	if err != nil {
		t.Fatal(err)
	}
	eng, err := evaluation.NewEngine(cat, evaluation.Options{MeasurementYear: year}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	cls, err := gaps.NewClassifier(cat, gaps.Options{})
	if err != nil {
		t.Fatal(err)
	}
	svc, err := scorecard.NewService(eng, cls, scorecard.NewRunStorePG(globalDB.Pool), scorecard.Options{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func dataset(ids ...string) member.Dataset {
	ds := member.Dataset{}
	twelve := 12
	for i, id := range ids {
		ds.Members = append(ds.Members, member.Record{
			MemberID:         id,
			BirthDate:        date(1950+i, time.March, 1),
			Sex:              "F",
			EnrollmentMonths: &twelve,
			Subgroup:         []string{"dual", "non_dual"}[i%2],
		})
		ds.Claims = append(ds.Claims, member.Claim{MemberID: id, ServiceDate: date(year, time.January, 20), DiagnosisCodes: []string{"E11.9", "I10"}, ClaimType: "outpatient"})
	}
	ds.Claims = append(ds.Claims, member.Claim{MemberID: ids[0], ServiceDate: date(year, time.June, 2), ProcedureCodes: []string{"92014"}, ClaimType: "outpatient"})
	ds.Observations = append(ds.Observations, member.Observation{MemberID: ids[0], ObservationDate: date(year, time.November, 3), Metric: "hba1c", Value: 7.2})
	return ds
}

func TestRunStore_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	run, err := svc.Run(ctx, scorecard.Request{ContractID: "H1111", Dataset: dataset("a1", "a2", "a3")})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := svc.Get(ctx, run.Snapshot.RunID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Snapshot.Fingerprint != run.Snapshot.Fingerprint || got.Snapshot.ContractID != "H1111" {
		t.Errorf("snapshot mismatch: %+v", got.Snapshot)
	}
	for i, line := range got.Snapshot.MeasureBreakdown {
		want, _ := run.Snapshot.MeasureBreakdown[i].Rate.Value()
		if v, _ := line.Rate.Value(); v != want {
			t.Errorf("%s: rate %v read back as %v", line.Measure, want, v)
		}
		want, _ = run.Snapshot.MeasureBreakdown[i].ProjectedRate.Value()
		if v, _ := line.ProjectedRate.Value(); v != want {
			t.Errorf("%s: projected rate %v read back as %v", line.Measure, want, v)
		}
	}
	if len(got.Results) != len(run.Results) {
		t.Fatalf("expected %d results, got %d", len(run.Results), len(got.Results))
	}
	for i := range run.Results {
		if got.Results[i].MemberID != run.Results[i].MemberID || got.Results[i].Measure != run.Results[i].Measure {
			t.Fatalf("result %d out of order: got %s/%s want %s/%s", i,
				got.Results[i].MemberID, got.Results[i].Measure, run.Results[i].MemberID, run.Results[i].Measure)
		}
	}
	if len(got.WorkList.Candidates) != len(run.WorkList.Candidates) {
		t.Errorf("work list not round-tripped: %d vs %d", len(got.WorkList.Candidates), len(run.WorkList.Candidates))
	}

	// Same input, same run id: the save replaces rather than duplicates.
	again, err := svc.Run(ctx, scorecard.Request{ContractID: "H1111", Dataset: dataset("a1", "a2", "a3")})
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if again.Snapshot.RunID != run.Snapshot.RunID {
		t.Errorf("expected deterministic run id")
	}
	var n int
	if err := globalDB.Pool.QueryRow(ctx, "SELECT count(*) FROM member_measure_result WHERE run_id = $1", run.Snapshot.RunID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != len(run.Results) {
		t.Errorf("expected %d stored results after rerun, got %d", len(run.Results), n)
	}
}

func TestRunStore_GetMissing(t *testing.T) {
	svc := newService(t)
	if _, err := svc.Get(context.Background(), "00000000-0000-0000-0000-000000000000"); !errors.Is(err, scorecard.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRunStore_ListByContract(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	seeds := []struct {
		contract string
		members  []string
	}{
		{"H2222", []string{"b1", "b2"}},
		{"H2222", []string{"b3", "b4"}},
		{"H3333", []string{"c1", "c2"}},
	}
	for _, s := range seeds {
		if _, err := svc.Run(ctx, scorecard.Request{ContractID: s.contract, Dataset: dataset(s.members...)}); err != nil {
			t.Fatal(err)
		}
	}

	runs, total, err := svc.List(ctx, scorecard.ListFilter{ContractID: "H2222"}, pagination.Params{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(runs) != 1 {
		t.Errorf("expected 1 of 2 runs, got %d of %d", len(runs), total)
	}
	for _, r := range runs {
		if r.ContractID != "H2222" {
			t.Errorf("unexpected contract %s", r.ContractID)
		}
	}

	runs, _, err = svc.List(ctx, scorecard.ListFilter{ContractID: "H2222", Year: year - 1}, pagination.Params{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("expected no runs for another year, got %d", len(runs))
	}
}

func TestMigrator_StatusAfterUp(t *testing.T) {
	ctx := context.Background()
	m, err := db.NewMigrator(globalDB.Pool, scorecard.Migrations(), testSchema)
	if err != nil {
		t.Fatal(err)
	}
	applied, err := m.Up(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if applied != 0 {
		t.Errorf("expected nothing pending, applied %d", applied)
	}
	statuses, err := m.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) == 0 {
		t.Fatal("expected at least one migration")
	}
	for _, s := range statuses {
		if !s.Applied || s.AppliedAt == nil {
			t.Errorf("migration %d not applied: %+v", s.Version, s)
		}
	}
}

func TestHealthHandler_Database(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)
	h := db.HealthHandler(globalDB.Pool, func() *db.PoolStats { return db.StatsOf(globalDB.Pool) })
	if err := h(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
