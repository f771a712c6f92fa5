// Package metrics registers the Prometheus collectors for catalog loading,
// evaluation runs and the HTTP surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CatalogLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stars_catalog_loads_total",
		Help: "Measure catalog loads by result",
	}, []string{"result"})

	CatalogLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stars_catalog_load_duration_seconds",
		Help:    "Duration of measure catalog parsing and validation",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	MembersEvaluated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stars_members_evaluated_total",
		Help: "Members run through the full measure evaluation chain",
	})

	MeasureOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stars_measure_outcomes_total",
		Help: "Member-measure results by measure and outcome",
	}, []string{"measure", "outcome"})

	RunFindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stars_run_findings_total",
		Help: "Data quality warnings and evaluation ambiguities raised during runs",
	}, []string{"kind"})

	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stars_runs_total",
		Help: "Evaluation runs by status",
	}, []string{"status"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stars_run_duration_seconds",
		Help:    "Wall time of a full evaluation run",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
