package scorecard

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/qualitystars/internal/domain/audit"
	"github.com/ehr/qualitystars/internal/domain/gaps"
	"github.com/ehr/qualitystars/internal/domain/portfolio"
	"github.com/ehr/qualitystars/internal/platform/middleware"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo) {
	t.Helper()
	svc, _ := newTestService(t)
	return NewHandler(svc), echo.New()
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(b)
}

func createRun(t *testing.T, h *Handler, e *echo.Echo, req Request, contract string) Snapshot {
	t.Helper()
	httpReq := httptest.NewRequest(http.MethodPost, "/api/v1/runs", jsonBody(t, req))
	httpReq.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(httpReq, rec)
	if contract != "" {
		c.Set(middleware.ContractKey, contract)
	}
	if err := h.CreateRun(c); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if c.Get(middleware.RunIDKey) != snap.RunID {
		t.Error("expected run id on the context for the access log")
	}
	return snap
}

func runContext(e *echo.Echo, target, id string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	return c, rec
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, httpErr.Code, httpErr.Message)
	}
}

func TestHandler_ListMeasures(t *testing.T) {
	h, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/measures", nil)
	rec := httptest.NewRecorder()
	if err := h.ListMeasures(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	var resp struct {
		Version  string `json:"version"`
		Measures []struct {
			Code string `json:"code"`
		} `json:"measures"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Version == "" || len(resp.Measures) != 1 || resp.Measures[0].Code != "EED" {
		t.Errorf("unexpected catalog response %s", rec.Body.String())
	}
}

func TestHandler_CreateAndGetRun(t *testing.T) {
	h, e := newTestHandler(t)
	snap := createRun(t, h, e, Request{Dataset: eyeExamDataset()}, "H1234")
	if snap.ContractID != "H1234" {
		t.Errorf("expected request scope to set contract, got %q", snap.ContractID)
	}

	c, rec := runContext(e, "/api/v1/runs/"+snap.RunID, snap.RunID)
	if err := h.GetRun(c); err != nil {
		t.Fatal(err)
	}
	var got Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.RunID != snap.RunID || got.StarRatingCurrent == nil || *got.StarRatingCurrent != 3.5 {
		t.Errorf("unexpected snapshot %+v", got)
	}

	c, _ = runContext(e, "/api/v1/runs/nope", "nope")
	expectStatus(t, h.GetRun(c), http.StatusNotFound)

	// A run is invisible from another contract's scope.
	c, _ = runContext(e, "/api/v1/runs/"+snap.RunID, snap.RunID)
	c.Set(middleware.ContractKey, "H9999")
	expectStatus(t, h.GetRun(c), http.StatusNotFound)
}

func TestHandler_CreateRun_BadRequests(t *testing.T) {
	h, e := newTestHandler(t)
	tests := []struct {
		name     string
		body     interface{}
		contract string
	}{
		{"empty dataset", Request{}, ""},
		{"unknown strategy", Request{Dataset: eyeExamDataset(), Scenario: portfolio.Scenario{Strategy: "coin_flip"}}, ""},
		{"contract mismatch", Request{ContractID: "H1111", Dataset: eyeExamDataset()}, "H2222"},
		{"malformed json", "{not json", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body *bytes.Reader
			if s, ok := tt.body.(string); ok {
				body = bytes.NewReader([]byte(s))
			} else {
				body = jsonBody(t, tt.body)
			}
			req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", body)
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			c := e.NewContext(req, httptest.NewRecorder())
			if tt.contract != "" {
				c.Set(middleware.ContractKey, tt.contract)
			}
			expectStatus(t, h.CreateRun(c), http.StatusBadRequest)
		})
	}
}

func TestHandler_CreateRun_SkipsMalformedRows(t *testing.T) {
	h, e := newTestHandler(t)
	body := `{"dataset": {
		"members": [
			{"member_id": "good", "birth_date": "1960-01-01", "sex": "F", "enrollment_months": 12},
			{"member_id": "bad", "birth_date": "1960-13-45", "sex": "F"}
		],
		"claims": [
			{"member_id": "good", "service_date": "2024-02-10", "diagnosis_codes": ["E11.9"], "claim_type": "outpatient"},
			{"member_id": "good", "service_date": "not a date", "procedure_codes": ["92014"], "claim_type": "outpatient"}
		]
	}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader([]byte(body)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.CreateRun(e.NewContext(req, rec)); err != nil {
		t.Fatalf("expected the run to succeed, got %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Members != 1 {
		t.Errorf("expected only the good member evaluated, got %d", snap.Members)
	}

	c, rec := runContext(e, "/api/v1/runs/"+snap.RunID+"/report", snap.RunID)
	if err := h.GetReport(c); err != nil {
		t.Fatal(err)
	}
	var report audit.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	fields := map[string]bool{}
	for _, f := range report.Findings {
		if f.Kind == audit.DataQuality {
			fields[f.Field] = true
		}
	}
	if !fields["birth_date"] || !fields["service_date"] {
		t.Errorf("expected birth_date and service_date findings, got %+v", report.Findings)
	}
}

func TestHandler_ListRuns(t *testing.T) {
	h, e := newTestHandler(t)
	createRun(t, h, e, Request{Dataset: eyeExamDataset()}, "H1111")
	createRun(t, h, e, Request{Dataset: eyeExamDataset()}, "H2222")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs?year=2024", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(middleware.ContractKey, "H2222")
	if err := h.ListRuns(c); err != nil {
		t.Fatal(err)
	}
	var resp struct {
		Data  []Snapshot `json:"data"`
		Total int        `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 || resp.Data[0].ContractID != "H2222" {
		t.Errorf("expected only the scoped run, got %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs?year=abc", nil)
	expectStatus(t, h.ListRuns(e.NewContext(req, httptest.NewRecorder())), http.StatusBadRequest)
}

func TestHandler_ResultsAndGaps(t *testing.T) {
	h, e := newTestHandler(t)
	snap := createRun(t, h, e, Request{Dataset: eyeExamDataset()}, "")

	c, rec := runContext(e, "/api/v1/runs/"+snap.RunID+"/results?gaps_only=true", snap.RunID)
	if err := h.ListResults(c); err != nil {
		t.Fatal(err)
	}
	var results struct {
		Data  []map[string]interface{} `json:"data"`
		Total int                      `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatal(err)
	}
	if results.Total != 1 || results.Data[0]["member_id"] != "c" {
		t.Errorf("expected one open gap for c, got %s", rec.Body.String())
	}

	c, rec = runContext(e, "/api/v1/runs/"+snap.RunID+"/results?limit=2", snap.RunID)
	if err := h.ListResults(c); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatal(err)
	}
	if results.Total != 4 || len(results.Data) != 2 {
		t.Errorf("expected page of 2 out of 4, got %d of %d", len(results.Data), results.Total)
	}

	c, rec = runContext(e, "/api/v1/runs/"+snap.RunID+"/gaps", snap.RunID)
	if err := h.ListGaps(c); err != nil {
		t.Fatal(err)
	}
	var worklist struct {
		Data    []gaps.Candidate `json:"data"`
		Bundles []gaps.Bundle    `json:"bundles"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &worklist); err != nil {
		t.Fatal(err)
	}
	if len(worklist.Data) != 1 || worklist.Data[0].MeasureCode != "EED" || worklist.Data[0].PriorityScore <= 0 {
		t.Errorf("unexpected work list %s", rec.Body.String())
	}
	if worklist.Bundles == nil {
		t.Error("expected bundles to be an empty list, not null")
	}

	c, rec = runContext(e, "/api/v1/runs/"+snap.RunID+"/report", snap.RunID)
	if err := h.GetReport(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for report, got %d", rec.Code)
	}
}

func TestHandler_AttestationNotConfigured(t *testing.T) {
	h, e := newTestHandler(t)
	snap := createRun(t, h, e, Request{Dataset: eyeExamDataset()}, "")
	c, _ := runContext(e, "/api/v1/runs/"+snap.RunID+"/attestation", snap.RunID)
	expectStatus(t, h.VerifyAttestation(c), http.StatusNotImplemented)
}
