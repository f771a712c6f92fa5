package scorecard

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/qualitystars/internal/domain/evaluation"
	"github.com/ehr/qualitystars/internal/domain/gaps"
	"github.com/ehr/qualitystars/internal/domain/measure"
	"github.com/ehr/qualitystars/internal/platform/attest"
	"github.com/ehr/qualitystars/internal/platform/middleware"
	"github.com/ehr/qualitystars/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/measures", h.ListMeasures)

	api.POST("/runs", h.CreateRun)
	api.GET("/runs", h.ListRuns)
	api.GET("/runs/:id", h.GetRun)
	api.GET("/runs/:id/results", h.ListResults)
	api.GET("/runs/:id/gaps", h.ListGaps)
	api.GET("/runs/:id/report", h.GetReport)
	api.GET("/runs/:id/attestation", h.VerifyAttestation)
}

type catalogResponse struct {
	Version     string          `json:"version"`
	Fingerprint string          `json:"fingerprint"`
	Measures    []*measure.Spec `json:"measures"`
}

func (h *Handler) ListMeasures(c echo.Context) error {
	cat := h.svc.Catalog()
	return c.JSON(http.StatusOK, catalogResponse{
		Version:     cat.Version,
		Fingerprint: cat.Fingerprint,
		Measures:    cat.Measures(),
	})
}

func (h *Handler) CreateRun(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if contract := middleware.ContractFromContext(c); contract != "" {
		if req.ContractID != "" && req.ContractID != contract {
			return echo.NewHTTPError(http.StatusBadRequest, "contract_id in body does not match request scope")
		}
		req.ContractID = contract
	}
	if len(req.Dataset.Members) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "dataset.members is empty")
	}

	run, err := h.svc.Run(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	c.Set(middleware.RunIDKey, run.Snapshot.RunID)
	return c.JSON(http.StatusCreated, run.Snapshot)
}

func (h *Handler) ListRuns(c echo.Context) error {
	f := ListFilter{ContractID: middleware.ContractFromContext(c)}
	if y := c.QueryParam("year"); y != "" {
		year, err := strconv.Atoi(y)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid year")
		}
		f.Year = year
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), f, pg)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []Snapshot{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

// loadRun fetches the path's run and hides runs outside the request's
// contract scope.
func (h *Handler) loadRun(c echo.Context) (*Run, error) {
	id := c.Param("id")
	c.Set(middleware.RunIDKey, id)
	run, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return nil, httpError(err)
	}
	if contract := middleware.ContractFromContext(c); contract != "" && run.Snapshot.ContractID != contract {
		return nil, echo.NewHTTPError(http.StatusNotFound, ErrNotFound.Error())
	}
	return run, nil
}

func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.loadRun(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run.Snapshot)
}

// ListResults pages member-measure results, optionally filtered by measure
// and to open gaps only.
func (h *Handler) ListResults(c echo.Context) error {
	run, err := h.loadRun(c)
	if err != nil {
		return err
	}
	code := c.QueryParam("measure")
	gapsOnly := c.QueryParam("gaps_only") == "true"

	filtered := make([]evaluation.Result, 0, len(run.Results))
	for _, r := range run.Results {
		if code != "" && r.Measure != code {
			continue
		}
		if gapsOnly && !r.HasGap {
			continue
		}
		filtered = append(filtered, r)
	}
	pg := pagination.FromContext(c)
	start, end := pg.Bounds(len(filtered))
	return c.JSON(http.StatusOK, pagination.NewResponse(filtered[start:end], len(filtered), pg))
}

type gapsResponse struct {
	*pagination.Response
	Bundles []gaps.Bundle `json:"bundles"`
}

// ListGaps pages the prioritized work list. Bundles are returned whole.
func (h *Handler) ListGaps(c echo.Context) error {
	run, err := h.loadRun(c)
	if err != nil {
		return err
	}
	code := c.QueryParam("measure")
	cands := make([]gaps.Candidate, 0, len(run.WorkList.Candidates))
	for _, cand := range run.WorkList.Candidates {
		if code == "" || cand.MeasureCode == code {
			cands = append(cands, cand)
		}
	}
	bundles := run.WorkList.Bundles
	if bundles == nil {
		bundles = []gaps.Bundle{}
	}
	pg := pagination.FromContext(c)
	start, end := pg.Bounds(len(cands))
	return c.JSON(http.StatusOK, gapsResponse{
		Response: pagination.NewResponse(cands[start:end], len(cands), pg),
		Bundles:  bundles,
	})
}

func (h *Handler) GetReport(c echo.Context) error {
	run, err := h.loadRun(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run.Report)
}

func (h *Handler) VerifyAttestation(c echo.Context) error {
	if _, err := h.loadRun(c); err != nil {
		return err
	}
	claims, err := h.svc.Verify(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claims)
}

// httpError maps service errors onto status codes. Configuration errors
// and anything unrecognised are a 500.
func httpError(err error) error {
	switch {
	case IsInputError(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNoSigner):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	case errors.Is(err, attest.ErrInvalid):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "run cancelled before completion")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
