package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/qualitystars/internal/config"
	"github.com/ehr/qualitystars/internal/domain/evaluation"
	"github.com/ehr/qualitystars/internal/domain/gaps"
	"github.com/ehr/qualitystars/internal/domain/hei"
	"github.com/ehr/qualitystars/internal/domain/measure"
	"github.com/ehr/qualitystars/internal/domain/scorecard"
	"github.com/ehr/qualitystars/internal/platform/attest"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "stars-engine",
		Short:         "Medicare Advantage quality measure and Star Rating engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// loadConfig reads and validates configuration. Command flags are applied
// by the caller before Validate runs again where they matter.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadCatalog reads CATALOG_PATH, or the embedded catalog when unset.
func loadCatalog(path string) (*measure.Catalog, error) {
	if path == "" {
		return measure.Default()
	}
	return measure.LoadFile(path)
}

// buildService assembles the pipeline for cfg over store.
func buildService(cfg *config.Config, cat *measure.Catalog, store scorecard.RunStore, logger zerolog.Logger) (*scorecard.Service, error) {
	engine, err := evaluation.NewEngine(cat, evaluation.Options{
		MeasurementYear:     cfg.MeasurementYear,
		EnrollmentMinMonths: cfg.EnrollmentMinMonths,
		Workers:             cfg.Workers,
	}, logger)
	if err != nil {
		return nil, err
	}
	classifier, err := gaps.NewClassifier(cat, gaps.Options{BundleDiscount: cfg.BundleDiscount})
	if err != nil {
		return nil, err
	}
	svc, err := scorecard.NewService(engine, classifier, store, scorecard.Options{
		ClosureRate:   cfg.TargetClosureRate,
		BenchmarkPMPM: cfg.BenchmarkPMPM,
		TargetRate:    cfg.PortfolioTargetRate,
		HEI:           hei.Options{MinCohortSize: cfg.HEIMinCohortSize},
	}, logger)
	if err != nil {
		return nil, err
	}
	if cfg.AttestationKey != "" {
		signer, err := attest.NewSigner(cfg.AttestationKey, cfg.AttestationIssuer)
		if err != nil {
			return nil, err
		}
		svc.SetSigner(signer)
	}
	return svc, nil
}
