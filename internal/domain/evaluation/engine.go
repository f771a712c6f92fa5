// Package evaluation runs the denominator, exclusion and numerator rules of
// every catalog measure against every member of a run.
package evaluation

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/qualitystars/internal/domain/audit"
	"github.com/ehr/qualitystars/internal/domain/codeset"
	"github.com/ehr/qualitystars/internal/domain/measure"
	"github.com/ehr/qualitystars/internal/domain/member"
	"github.com/ehr/qualitystars/internal/platform/metrics"
)

// DefaultEnrollmentMinMonths is the continuous enrollment requirement.
const DefaultEnrollmentMinMonths = 12

// Options tune a run.
type Options struct {
	MeasurementYear     int
	EnrollmentMinMonths int
	Workers             int
}

// Engine evaluates datasets against one catalog. It holds no mutable state
// and may be shared across goroutines.
type Engine struct {
	catalog *measure.Catalog
	opts    Options
	logger  zerolog.Logger
}

// NewEngine checks the catalog and options. Every failure here is a
// ConfigurationError.
func NewEngine(cat *measure.Catalog, opts Options, logger zerolog.Logger) (*Engine, error) {
	if cat == nil || len(cat.Measures()) == 0 {
		return nil, &measure.ConfigurationError{Err: fmt.Errorf("catalog has no measures")}
	}
	if opts.MeasurementYear < 1900 || opts.MeasurementYear > 2200 {
		return nil, &measure.ConfigurationError{Err: fmt.Errorf("measurement year %d out of range", opts.MeasurementYear)}
	}
	for _, spec := range cat.Measures() {
		if err := cat.Registry.Require(spec.RequiredCodeSets()...); err != nil {
			return nil, &measure.ConfigurationError{Measure: spec.Code, Err: err}
		}
		if spec.Numerator == nil {
			return nil, &measure.ConfigurationError{Measure: spec.Code, Err: fmt.Errorf("no numerator rule")}
		}
	}
	if opts.EnrollmentMinMonths <= 0 {
		opts.EnrollmentMinMonths = DefaultEnrollmentMinMonths
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	return &Engine{catalog: cat, opts: opts, logger: logger}, nil
}

// Catalog returns the engine's catalog.
func (e *Engine) Catalog() *measure.Catalog { return e.catalog }

// Year returns the measurement year.
func (e *Engine) Year() int { return e.opts.MeasurementYear }

// Outcome is the full output of Evaluate.
type Outcome struct {
	Results []Result     `json:"results"`
	Report  audit.Report `json:"report"`
	Members int          `json:"members"`
}

// Evaluate indexes the dataset and evaluates each member on the worker pool.
// Results are ordered by member input order, then catalog measure order, so
// identical input yields identical output. Cancellation discards everything.
func (e *Engine) Evaluate(ctx context.Context, ds member.Dataset) (*Outcome, error) {
	start := time.Now()
	idx, findings := member.BuildIndex(ds)
	entries := idx.Entries()

	perMember := make([][]Result, len(entries))
	perFindings := make([][]audit.Finding, len(entries))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			perMember[i], perFindings[i] = e.EvaluateMember(entry)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.Runs.WithLabelValues("aborted").Inc()
		return nil, fmt.Errorf("evaluate members: %w", err)
	}

	out := &Outcome{
		Results: make([]Result, 0, len(entries)*len(e.catalog.Measures())),
		Members: len(entries),
	}
	out.Report.Add(findings...)
	for i := range entries {
		out.Results = append(out.Results, perMember[i]...)
		out.Report.Add(perFindings[i]...)
	}

	metrics.MembersEvaluated.Add(float64(len(entries)))
	for _, r := range out.Results {
		metrics.MeasureOutcomes.WithLabelValues(r.Measure, r.Outcome()).Inc()
	}
	for _, kc := range out.Report.Summary() {
		metrics.RunFindings.WithLabelValues(string(kc.Kind)).Add(float64(kc.Count))
	}

	e.logger.Info().
		Int("members", out.Members).
		Int("results", len(out.Results)).
		Int("warnings", out.Report.Count(audit.DataQuality)).
		Int("ambiguities", out.Report.Count(audit.Ambiguity)).
		Dur("elapsed", time.Since(start)).
		Msg("evaluation complete")
	return out, nil
}

// EvaluateMember runs every catalog measure for one member. It touches no
// shared mutable state.
func (e *Engine) EvaluateMember(entry *member.Entry) ([]Result, []audit.Finding) {
	mc := &memberContext{
		entry:         entry,
		year:          e.opts.MeasurementYear,
		age:           entry.Record.AgeAtYearEnd(e.opts.MeasurementYear),
		registry:      e.catalog.Registry,
		enrollmentMin: e.opts.EnrollmentMinMonths,
	}
	results := make([]Result, 0, len(e.catalog.Measures()))
	assumed := false
	for _, spec := range e.catalog.Measures() {
		res := e.evaluate(mc, spec)
		assumed = assumed || res.EnrollmentAssumed
		results = append(results, res)
	}
	if assumed {
		mc.addFinding(audit.Finding{
			Kind:    audit.EnrollmentAssumed,
			Source:  "members",
			Field:   "enrollment_months",
			Message: "enrollment data absent, member treated as continuously enrolled",
		})
	}
	return results, mc.findings
}

func (e *Engine) evaluate(mc *memberContext, spec *measure.Spec) Result {
	rec := mc.entry.Record
	res := Result{
		MemberID:        rec.MemberID,
		Measure:         spec.Code,
		Age:             mc.age,
		Region:          rec.Region,
		Subgroup:        rec.Subgroup,
		ExclusionReason: ReasonNotEvaluated,
		NumeratorReason: ReasonNotEvaluated,
	}

	evaluateEligibility(mc, spec, &res)
	if res.InDenominator {
		evaluateExclusions(mc, spec, &res)
		if !res.Excluded {
			evaluateNumerator(mc, spec, &res)
		}
	}
	res.finalize()
	return res
}

// memberContext is the per-member evaluation state owned by one worker.
type memberContext struct {
	entry         *member.Entry
	year          int
	age           int
	registry      *codeset.Registry
	enrollmentMin int
	findings      []audit.Finding
}

func (mc *memberContext) addFinding(f audit.Finding) {
	if f.MemberID == "" {
		f.MemberID = mc.entry.Record.MemberID
	}
	mc.findings = append(mc.findings, f)
}

func (mc *memberContext) ambiguity(measureCode, msg string) {
	mc.addFinding(audit.Finding{
		Kind:    audit.Ambiguity,
		Source:  "numerator",
		Measure: measureCode,
		Message: msg,
	})
}
