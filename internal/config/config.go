package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string   `mapstructure:"DB_SCHEMA"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RunBodyLimit   string        `mapstructure:"RUN_BODY_LIMIT"`

	CatalogPath         string  `mapstructure:"CATALOG_PATH"`
	MeasurementYear     int     `mapstructure:"MEASUREMENT_YEAR"`
	Workers             int     `mapstructure:"WORKERS"`
	EnrollmentMinMonths int     `mapstructure:"ENROLLMENT_MIN_MONTHS"`
	BundleDiscount      float64 `mapstructure:"BUNDLE_DISCOUNT"`
	HEIMinCohortSize    int     `mapstructure:"HEI_MIN_COHORT_SIZE"`
	BenchmarkPMPM       float64 `mapstructure:"BENCHMARK_PMPM"`
	TargetClosureRate   float64 `mapstructure:"TARGET_CLOSURE_RATE"`
	PortfolioTargetRate float64 `mapstructure:"PORTFOLIO_TARGET_RATE"`

	AttestationKey    string `mapstructure:"ATTESTATION_KEY"`
	AttestationIssuer string `mapstructure:"ATTESTATION_ISSUER"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA", "CORS_ORIGINS",
	"REQUEST_TIMEOUT", "BODY_LIMIT", "RUN_BODY_LIMIT",
	"CATALOG_PATH", "MEASUREMENT_YEAR", "WORKERS", "ENROLLMENT_MIN_MONTHS", "BUNDLE_DISCOUNT",
	"HEI_MIN_COHORT_SIZE", "BENCHMARK_PMPM", "TARGET_CLOSURE_RATE", "PORTFOLIO_TARGET_RATE",
	"ATTESTATION_KEY", "ATTESTATION_ISSUER",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

// Load reads the environment, falling back to an optional .env file. The
// measurement year defaults to the last complete calendar year.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("RUN_BODY_LIMIT", "64M")
	v.SetDefault("MEASUREMENT_YEAR", time.Now().Year()-1)
	v.SetDefault("WORKERS", 0)
	v.SetDefault("ENROLLMENT_MIN_MONTHS", 12)
	v.SetDefault("BUNDLE_DISCOUNT", 0.15)
	v.SetDefault("HEI_MIN_COHORT_SIZE", 1)
	v.SetDefault("BENCHMARK_PMPM", 1000)
	v.SetDefault("TARGET_CLOSURE_RATE", 0.5)
	v.SetDefault("PORTFOLIO_TARGET_RATE", 0.75)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = nil
	for _, o := range strings.Split(v.GetString("CORS_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// HasDatabase reports whether runs should be persisted to postgres.
func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

// Validate checks ranges and cross-field rules. In production an
// attestation key is required so every published rating is signed.
func (c *Config) Validate() error {
	if c.MeasurementYear < 1900 || c.MeasurementYear > 2200 {
		return fmt.Errorf("MEASUREMENT_YEAR %d is out of range", c.MeasurementYear)
	}
	if c.Workers < 0 {
		return fmt.Errorf("WORKERS must not be negative, got %d", c.Workers)
	}
	if c.EnrollmentMinMonths < 1 || c.EnrollmentMinMonths > 12 {
		return fmt.Errorf("ENROLLMENT_MIN_MONTHS must be between 1 and 12, got %d", c.EnrollmentMinMonths)
	}
	if c.BundleDiscount < 0 || c.BundleDiscount >= 1 {
		return fmt.Errorf("BUNDLE_DISCOUNT must be in [0, 1), got %v", c.BundleDiscount)
	}
	if c.HEIMinCohortSize < 1 {
		return fmt.Errorf("HEI_MIN_COHORT_SIZE must be at least 1, got %d", c.HEIMinCohortSize)
	}
	if c.BenchmarkPMPM <= 0 {
		return fmt.Errorf("BENCHMARK_PMPM must be positive, got %v", c.BenchmarkPMPM)
	}
	if c.TargetClosureRate < 0 || c.TargetClosureRate > 1 {
		return fmt.Errorf("TARGET_CLOSURE_RATE must be in [0, 1], got %v", c.TargetClosureRate)
	}
	if c.PortfolioTargetRate < 0 || c.PortfolioTargetRate > 1 {
		return fmt.Errorf("PORTFOLIO_TARGET_RATE must be in [0, 1], got %v", c.PortfolioTargetRate)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}

	if c.IsProduction() && c.AttestationKey == "" {
		return fmt.Errorf("ATTESTATION_KEY is required in production")
	}
	if c.AttestationKey != "" {
		keyBytes, err := hex.DecodeString(c.AttestationKey)
		if err != nil {
			return fmt.Errorf("ATTESTATION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) < 32 {
			return fmt.Errorf("ATTESTATION_KEY must be at least 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
