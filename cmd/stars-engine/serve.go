package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/qualitystars/internal/config"
	"github.com/ehr/qualitystars/internal/domain/scorecard"
	"github.com/ehr/qualitystars/internal/platform/db"
	"github.com/ehr/qualitystars/internal/platform/metrics"
	"github.com/ehr/qualitystars/internal/platform/middleware"
)

const shutdownTimeout = 10 * time.Second

var version = "dev"

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the quality run API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending migrations before serving")
	return cmd
}

func runServer(migrate bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	logger.Info().Str("catalog_version", cat.Version).Int("measures", len(cat.Measures())).Msg("catalog loaded")

	ctx := context.Background()
	var (
		store  scorecard.RunStore
		pinger db.Pinger
		stats  func() *db.PoolStats
	)
	if cfg.HasDatabase() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			ApplicationName: "stars-engine",
			Schema:          cfg.DBSchema,
		})
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")

		if migrate {
			m, err := db.NewMigrator(pool, scorecard.Migrations(), cfg.DBSchema)
			if err != nil {
				return err
			}
			n, err := m.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			logger.Info().Int("applied", n).Msg("migrations applied")
		}
		store = scorecard.NewRunStorePG(pool)
		pinger = pool
		stats = func() *db.PoolStats { return db.StatsOf(pool) }
	} else {
		logger.Warn().Msg("DATABASE_URL not set, runs are kept in memory only")
		store = scorecard.NewMemoryStore()
	}

	svc, err := buildService(cfg, cat, store, logger)
	if err != nil {
		return err
	}
	e := newRouter(cfg, svc, pinger, stats, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newRouter wires middleware and routes. pinger may be nil when runs are
// held in memory, in which case /health/db reports the store as memory.
func newRouter(cfg *config.Config, svc *scorecard.Service, pinger db.Pinger, stats func() *db.PoolStats, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader, middleware.ContractHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.RunBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/health", "/metrics"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":          "ok",
			"version":         version,
			"catalog_version": svc.Catalog().Version,
		})
	})
	if pinger != nil {
		e.GET("/health/db", db.HealthHandler(pinger, stats))
	} else {
		e.GET("/health/db", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{"status": "ok", "store": "memory"})
		})
	}
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := e.Group("/api/v1", middleware.Contract())
	scorecard.NewHandler(svc).RegisterRoutes(api)
	return e
}
