package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehr/qualitystars/internal/domain/measure"
	"github.com/ehr/qualitystars/internal/domain/portfolio"
	"github.com/ehr/qualitystars/internal/domain/scorecard"
	"github.com/ehr/qualitystars/internal/platform/db"
	"github.com/ehr/qualitystars/internal/platform/ingest"
)

func evaluateCmd() *cobra.Command {
	var (
		dataDir  string
		output   string
		full     bool
		persist  bool
		year     int
		contract string
		scenario portfolio.Scenario
		strategy string
		budget   float64
		maxCount int
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a CSV dataset and print the portfolio snapshot",
		Long: "Reads members.csv, claims.csv and observations.csv from --data, runs every\n" +
			"catalog measure and prints the snapshot as JSON. --full adds member results,\n" +
			"the gap work list and the run report.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if year != 0 {
				cfg.MeasurementYear = year
			}
			logger := newLogger(cfg)

			st, err := portfolio.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			scenario.Strategy = st
			if cmd.Flags().Changed("budget") {
				scenario.BudgetCap = portfolio.Budget(budget)
			}
			if cmd.Flags().Changed("max-interventions") {
				scenario.MaxInterventions = portfolio.MaxCount(maxCount)
			}

			ds, findings, err := ingest.LoadDir(dataDir)
			if err != nil {
				return err
			}
			cat, err := loadCatalog(cfg.CatalogPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var store scorecard.RunStore = scorecard.NewMemoryStore()
			if persist {
				if !cfg.HasDatabase() {
					return fmt.Errorf("--persist needs DATABASE_URL")
				}
				pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, ApplicationName: "stars-engine", Schema: cfg.DBSchema})
				if err != nil {
					return err
				}
				defer pool.Close()
				store = scorecard.NewRunStorePG(pool)
			}

			svc, err := buildService(cfg, cat, store, logger)
			if err != nil {
				return err
			}
			run, err := svc.Run(ctx, scorecard.Request{
				ContractID:     contract,
				Dataset:        ds,
				Scenario:       scenario,
				IngestFindings: findings,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer f.Close()
				out = f
			}
			var doc interface{} = run.Snapshot
			if full {
				doc = run
			}
			return writeJSON(out, doc)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data", ".", "Directory holding members.csv, claims.csv and observations.csv")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "Output file, - for stdout")
	cmd.Flags().BoolVar(&full, "full", false, "Include member results, work list and report")
	cmd.Flags().BoolVar(&persist, "persist", false, "Save the run to DATABASE_URL")
	cmd.Flags().IntVar(&year, "year", 0, "Measurement year, overrides MEASUREMENT_YEAR")
	cmd.Flags().StringVar(&contract, "contract", "", "Contract id recorded on the run")
	cmd.Flags().Float64Var(&budget, "budget", 0, "Intervention budget cap, unlimited when unset")
	cmd.Flags().IntVar(&maxCount, "max-interventions", 0, "Intervention count cap, unlimited when unset")
	cmd.Flags().StringVar(&strategy, "strategy", string(portfolio.StrategyBalanced), "Selection strategy")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the measure catalog",
	}

	var path string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog measures",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog(resolveCatalogPath(path))
			if err != nil {
				return err
			}
			return printCatalog(cmd.OutOrStdout(), cat.Version, cat.Measures())
		},
	}
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate a catalog without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog(resolveCatalogPath(path))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "catalog %s ok: %d measures, %d code sets, fingerprint %s\n",
				cat.Version, len(cat.Measures()), len(cat.Registry.Concepts()), cat.Fingerprint)
			return nil
		},
	}
	for _, c := range []*cobra.Command{listCmd, validateCmd} {
		c.Flags().StringVar(&path, "file", "", "Catalog file, defaults to CATALOG_PATH or the embedded catalog")
		cmd.AddCommand(c)
	}
	return cmd
}

// resolveCatalogPath prefers the flag, then CATALOG_PATH.
func resolveCatalogPath(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv("CATALOG_PATH")
}

func printCatalog(w io.Writer, version string, measures []*measure.Spec) error {
	fmt.Fprintf(w, "catalog %s\n", version)
	fmt.Fprintf(w, "%-6s %-50s %-5s %-7s %-6s %-7s %s\n", "CODE", "NAME", "TIER", "WEIGHT", "NEW", "AGES", "INTERVENTION")
	fmt.Fprintf(w, "%-6s %-50s %-5s %-7s %-6s %-7s %s\n", "----", "----", "----", "------", "---", "----", "------------")
	for _, m := range measures {
		ages := fmt.Sprintf("%d-%d", m.AgeMin, m.AgeMax)
		if _, err := fmt.Fprintf(w, "%-6s %-50s %-5d %-7.0f %-6t %-7s %s\n",
			m.Code, m.Name, m.Tier, m.Weight, m.NewMeasure, ages, m.Intervention.Type); err != nil {
			return err
		}
	}
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the run store",
	}

	var dir string
	open := func(ctx context.Context) (*db.Migrator, func(), error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, nil, err
		}
		if !cfg.HasDatabase() {
			return nil, nil, fmt.Errorf("DATABASE_URL is required")
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, ApplicationName: "stars-engine-migrate"})
		if err != nil {
			return nil, nil, err
		}
		var files fs.FS = scorecard.Migrations()
		if dir != "" {
			files = os.DirFS(dir)
		}
		m, err := db.NewMigrator(pool, files, cfg.DBSchema)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return m, pool.Close, nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, closeFn, err := open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := m.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, closeFn, err := open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := m.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "-------", "----", "------", "----------")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().StringVar(&dir, "dir", "", "Migrations directory, defaults to the embedded set")
		cmd.AddCommand(c)
	}
	return cmd
}
