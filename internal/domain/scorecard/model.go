// Package scorecard runs the full pipeline over one dataset, from member
// evaluation through Star Ratings, HEI and portfolio ROI, and keeps the
// resulting runs.
package scorecard

import (
	"time"

	"github.com/ehr/qualitystars/internal/domain/aggregate"
	"github.com/ehr/qualitystars/internal/domain/audit"
	"github.com/ehr/qualitystars/internal/domain/evaluation"
	"github.com/ehr/qualitystars/internal/domain/gaps"
	"github.com/ehr/qualitystars/internal/domain/hei"
	"github.com/ehr/qualitystars/internal/domain/member"
	"github.com/ehr/qualitystars/internal/domain/portfolio"
)

// Request is one run's input.
type Request struct {
	ContractID string             `json:"contract_id,omitempty"`
	Dataset    member.Dataset     `json:"dataset"`
	Scenario   portfolio.Scenario `json:"scenario"`
	// ClosureRate overrides the configured projection closure rate.
	ClosureRate *float64 `json:"closure_rate,omitempty"`
	// IngestFindings carries warnings raised while the dataset was read so
	// they land in the run report.
	IngestFindings []audit.Finding `json:"-"`
}

// MeasureLine is one row of the snapshot's measure breakdown.
type MeasureLine struct {
	aggregate.MeasureSummary
	Stars              *float64                    `json:"stars"`
	ProjectedNumerator int                         `json:"projected_numerator"`
	ProjectedRate      aggregate.Rate              `json:"projected_rate"`
	ProjectedStars     *float64                    `json:"projected_stars"`
	Financials         portfolio.MeasureFinancials `json:"financials"`
}

// Snapshot is the portfolio-level view of a run.
type Snapshot struct {
	RunID           string    `json:"run_id"`
	Fingerprint     string    `json:"fingerprint"`
	CatalogVersion  string    `json:"catalog_version"`
	ContractID      string    `json:"contract_id,omitempty"`
	MeasurementYear int       `json:"measurement_year"`
	Provisional     bool      `json:"provisional"`
	Members         int       `json:"members"`
	CreatedAt       time.Time `json:"created_at"`

	StarRatingCurrent        *float64 `json:"star_rating_current"`
	StarRatingProjected      *float64 `json:"star_rating_projected"`
	WeightedAverageCurrent   *float64 `json:"weighted_average_current"`
	WeightedAverageProjected *float64 `json:"weighted_average_projected"`
	ClosureRate              float64  `json:"closure_rate"`

	HEIFactor float64        `json:"hei_factor"`
	HEI       hei.Adjustment `json:"hei"`

	RevenueEstimate  float64 `json:"revenue_estimate"`
	RevenueProjected float64 `json:"revenue_projected"`

	MeasureBreakdown []MeasureLine       `json:"measure_breakdown"`
	Financials       portfolio.Totals    `json:"financials"`
	Findings         []audit.KindCount   `json:"findings"`
	Selection        portfolio.Selection `json:"selection"`

	Attestation string `json:"attestation,omitempty"`
}

// Run is everything a run produced.
type Run struct {
	Snapshot Snapshot            `json:"snapshot"`
	Results  []evaluation.Result `json:"results"`
	WorkList gaps.WorkList       `json:"work_list"`
	Report   audit.Report        `json:"report"`
}

// ListFilter narrows run listings.
type ListFilter struct {
	ContractID string
	Year       int
}

// Matches reports whether a snapshot passes the filter.
func (f ListFilter) Matches(s *Snapshot) bool {
	if f.ContractID != "" && s.ContractID != f.ContractID {
		return false
	}
	if f.Year != 0 && s.MeasurementYear != f.Year {
		return false
	}
	return true
}

// restoreRates rebuilds the exact rates of a snapshot decoded from storage.
func (s *Snapshot) restoreRates() {
	for i := range s.MeasureBreakdown {
		l := &s.MeasureBreakdown[i]
		l.RestoreRates()
		l.ProjectedRate = aggregate.NewRate(l.ProjectedNumerator, l.Eligible())
	}
}
