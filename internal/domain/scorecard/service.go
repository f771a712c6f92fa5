package scorecard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/qualitystars/internal/domain/aggregate"
	"github.com/ehr/qualitystars/internal/domain/audit"
	"github.com/ehr/qualitystars/internal/domain/evaluation"
	"github.com/ehr/qualitystars/internal/domain/gaps"
	"github.com/ehr/qualitystars/internal/domain/hei"
	"github.com/ehr/qualitystars/internal/domain/measure"
	"github.com/ehr/qualitystars/internal/domain/portfolio"
	"github.com/ehr/qualitystars/internal/domain/stars"
	"github.com/ehr/qualitystars/internal/platform/attest"
	"github.com/ehr/qualitystars/internal/platform/metrics"
	"github.com/ehr/qualitystars/pkg/pagination"
)

const (
	DefaultClosureRate   = 0.5
	DefaultBenchmarkPMPM = 1000.0
	DefaultTargetRate    = 0.75
)

// runNamespace seeds run ids derived from input fingerprints.
var runNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("qualitystars.run"))

// Options hold the portfolio assumptions applied to every run.
type Options struct {
	ClosureRate   float64
	BenchmarkPMPM float64
	TargetRate    float64
	HEI           hei.Options
}

func (o *Options) applyDefaults() {
	if o.ClosureRate == 0 {
		o.ClosureRate = DefaultClosureRate
	}
	if o.BenchmarkPMPM == 0 {
		o.BenchmarkPMPM = DefaultBenchmarkPMPM
	}
	if o.TargetRate == 0 {
		o.TargetRate = DefaultTargetRate
	}
}

func validProportion(v float64) bool {
	return v >= 0 && v <= 1 && !math.IsNaN(v)
}

// Service wires the engine, classifier and run store together.
type Service struct {
	engine     *evaluation.Engine
	classifier *gaps.Classifier
	store      RunStore
	signer     *attest.Signer
	opts       Options
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(engine *evaluation.Engine, classifier *gaps.Classifier, store RunStore, opts Options, logger zerolog.Logger) (*Service, error) {
	if engine == nil || classifier == nil || store == nil {
		return nil, fmt.Errorf("scorecard: engine, classifier and store are required")
	}
	opts.applyDefaults()
	if !validProportion(opts.ClosureRate) {
		return nil, fmt.Errorf("closure rate %v outside [0,1]", opts.ClosureRate)
	}
	if !validProportion(opts.TargetRate) {
		return nil, fmt.Errorf("target rate %v outside [0,1]", opts.TargetRate)
	}
	if opts.BenchmarkPMPM < 0 {
		return nil, fmt.Errorf("benchmark PMPM %v is negative", opts.BenchmarkPMPM)
	}
	return &Service{
		engine:     engine,
		classifier: classifier,
		store:      store,
		opts:       opts,
		logger:     logger.With().Str("component", "scorecard").Logger(),
		now:        time.Now,
	}, nil
}

// SetSigner attaches an optional attestation signer. Without one snapshots
// are left unsigned.
func (s *Service) SetSigner(sg *attest.Signer) {
	s.signer = sg
}

// Catalog returns the catalog runs are evaluated against.
func (s *Service) Catalog() *measure.Catalog {
	return s.engine.Catalog()
}

// Options returns the effective options.
func (s *Service) Options() Options {
	return s.opts
}

// Run computes a run and saves it.
func (s *Service) Run(ctx context.Context, req Request) (*Run, error) {
	run, err := s.Compute(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, run); err != nil {
		metrics.Runs.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("save run %s: %w", run.Snapshot.RunID, err)
	}
	return run, nil
}

// Compute runs the pipeline without persisting anything. Any error
// discards the partial output.
func (s *Service) Compute(ctx context.Context, req Request) (*Run, error) {
	start := s.now()
	if err := req.Scenario.Validate(); err != nil {
		return nil, &InputError{Err: err}
	}
	closure := s.opts.ClosureRate
	if req.ClosureRate != nil {
		closure = *req.ClosureRate
		if !validProportion(closure) {
			return nil, &InputError{Err: fmt.Errorf("closure rate %v outside [0,1]", closure)}
		}
	}

	fp, err := s.fingerprint(req, closure)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewSHA1(runNamespace, []byte(fp)).String()
	log := s.logger.With().Str("run_id", runID).Logger()
	log.Info().Int("members", len(req.Dataset.Members)).Str("contract_id", req.ContractID).Msg("run started")

	out, err := s.engine.Evaluate(ctx, req.Dataset)
	if err != nil {
		return nil, err
	}
	var report audit.Report
	report.Add(req.IngestFindings...)
	report.Add(out.Report.Findings...)
	for _, f := range req.IngestFindings {
		metrics.RunFindings.WithLabelValues(string(f.Kind)).Inc()
	}

	wl, err := s.classifier.Classify(out.Results)
	if err != nil {
		return nil, s.fail(log, "classify gaps", err)
	}

	cat := s.engine.Catalog()
	summaries := aggregate.Summarize(cat, out.Results, aggregate.DefaultDimensions...)
	current := stars.Rate(summaries)
	projectedSummaries, err := stars.Project(summaries, closure)
	if err != nil {
		return nil, s.fail(log, "project closure", err)
	}
	projected := stars.Rate(projectedSummaries)
	adj := hei.Adjust(summaries, s.opts.HEI)

	fin, totals, err := portfolio.Financials(cat, summaries, s.opts.TargetRate)
	if err != nil {
		return nil, s.fail(log, "value portfolio", err)
	}
	sel, err := portfolio.Select(wl, req.Scenario)
	if err != nil {
		return nil, s.fail(log, "select interventions", err)
	}

	snap := Snapshot{
		RunID:                    runID,
		Fingerprint:              fp,
		CatalogVersion:           cat.Version,
		ContractID:               req.ContractID,
		MeasurementYear:          s.engine.Year(),
		Provisional:              report.Provisional(),
		Members:                  out.Members,
		CreatedAt:                start.UTC(),
		StarRatingCurrent:        current.Overall,
		StarRatingProjected:      projected.Overall,
		WeightedAverageCurrent:   current.WeightedAverage,
		WeightedAverageProjected: projected.WeightedAverage,
		ClosureRate:              closure,
		HEIFactor:                adj.Factor,
		HEI:                      adj,
		RevenueEstimate:          aggregate.Round2(stars.Revenue(out.Members, s.opts.BenchmarkPMPM, current) * adj.Multiplier()),
		RevenueProjected:         aggregate.Round2(stars.Revenue(out.Members, s.opts.BenchmarkPMPM, projected) * adj.Multiplier()),
		Financials:               totals,
		Findings:                 report.Summary(),
		Selection:                sel,
	}
	for i, sum := range summaries {
		snap.MeasureBreakdown = append(snap.MeasureBreakdown, MeasureLine{
			MeasureSummary:     sum,
			Stars:              current.Measures[i].Stars,
			ProjectedNumerator: projectedSummaries[i].Numerator,
			ProjectedRate:      projectedSummaries[i].Rate,
			ProjectedStars:     projected.Measures[i].Stars,
			Financials:         fin[i],
		})
	}

	if s.signer != nil {
		tok, err := s.signer.Sign(attest.Subject{
			RunID:           snap.RunID,
			Fingerprint:     snap.Fingerprint,
			CatalogVersion:  snap.CatalogVersion,
			MeasurementYear: snap.MeasurementYear,
			Provisional:     snap.Provisional,
			StarRating:      snap.StarRatingCurrent,
		})
		if err != nil {
			return nil, s.fail(log, "attest run", err)
		}
		snap.Attestation = tok
	}

	elapsed := s.now().Sub(start)
	metrics.Runs.WithLabelValues("completed").Inc()
	metrics.RunDuration.Observe(elapsed.Seconds())

	evt := log.Info().
		Bool("provisional", snap.Provisional).
		Int("gaps", len(wl.Candidates)).
		Int("selected", sel.Interventions).
		Float64("hei_factor", snap.HEIFactor).
		Dur("elapsed", elapsed)
	if snap.StarRatingCurrent != nil {
		evt = evt.Float64("star_rating", *snap.StarRatingCurrent)
	}
	evt.Msg("run complete")

	return &Run{Snapshot: snap, Results: out.Results, WorkList: wl, Report: report}, nil
}

func (s *Service) fail(log zerolog.Logger, stage string, err error) error {
	metrics.Runs.WithLabelValues("failed").Inc()
	log.Error().Err(err).Str("stage", stage).Msg("run failed")
	return fmt.Errorf("%s: %w", stage, err)
}

// fingerprint hashes everything that determines a run's output.
func (s *Service) fingerprint(req Request, closure float64) (string, error) {
	payload := struct {
		Catalog    string             `json:"catalog"`
		Year       int                `json:"year"`
		Discount   float64            `json:"discount"`
		Closure    float64            `json:"closure"`
		Target     float64            `json:"target"`
		PMPM       float64            `json:"pmpm"`
		HEI        hei.Options        `json:"hei"`
		ContractID string             `json:"contract_id"`
		Scenario   portfolio.Scenario `json:"scenario"`
		Dataset    interface{}        `json:"dataset"`
	}{
		Catalog:    s.engine.Catalog().Fingerprint,
		Year:       s.engine.Year(),
		Discount:   s.classifier.Discount(),
		Closure:    closure,
		Target:     s.opts.TargetRate,
		PMPM:       s.opts.BenchmarkPMPM,
		HEI:        s.opts.HEI,
		ContractID: req.ContractID,
		Scenario:   req.Scenario,
		Dataset:    req.Dataset,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("fingerprint run input: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Get loads a stored run.
func (s *Service) Get(ctx context.Context, runID string) (*Run, error) {
	return s.store.Get(ctx, runID)
}

// List returns stored snapshots, newest first.
func (s *Service) List(ctx context.Context, f ListFilter, p pagination.Params) ([]Snapshot, int, error) {
	return s.store.List(ctx, f, p)
}

// Verify checks a stored run's attestation against its own id and
// fingerprint.
func (s *Service) Verify(ctx context.Context, runID string) (*attest.Claims, error) {
	if s.signer == nil {
		return nil, ErrNoSigner
	}
	run, err := s.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Snapshot.Attestation == "" {
		return nil, fmt.Errorf("run %s: %w", runID, attest.ErrInvalid)
	}
	claims, err := s.signer.Verify(run.Snapshot.Attestation)
	if err != nil {
		return nil, err
	}
	if !claims.Matches(run.Snapshot.RunID, run.Snapshot.Fingerprint) {
		return nil, fmt.Errorf("run %s: attestation covers another run: %w", runID, attest.ErrInvalid)
	}
	return claims, nil
}
