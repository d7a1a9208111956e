package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Elisa-Alvarez/Starlight/pkg/billing"
)

const (
	envDevelopment = "development"
	envStaging     = "staging"
	envProduction  = "production"

	backendPostgres  = "postgres"
	backendFirestore = "firestore"
	backendMemory    = "memory"
)

// Config is the process configuration, read from the environment
type Config struct {
	App     AppConfig
	HTTP    HTTPConfig
	Storage StorageConfig
	Cache   CacheConfig
	Billing BillingConfig
	Quota   QuotaConfig
}

type AppConfig struct {
	Env      string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

type HTTPConfig struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	RequestTimeout  time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"10s"`
}

type StorageConfig struct {
	Backend            string `env:"STORAGE_BACKEND" envDefault:"postgres"`
	DatabaseURL        string `env:"DATABASE_URL"`
	PGMaxConns         int32  `env:"PG_MAX_CONNS" envDefault:"10"`
	PGMinConns         int32  `env:"PG_MIN_CONNS" envDefault:"2"`
	PGMigrate          bool   `env:"PG_MIGRATE" envDefault:"true"`
	FirestoreProjectID string `env:"FIRESTORE_PROJECT_ID"`
}

type CacheConfig struct {
	RedisURL string        `env:"REDIS_URL"`
	TTL      time.Duration `env:"CACHE_TTL" envDefault:"5m"`
	LRUSize  int           `env:"CACHE_LRU_SIZE" envDefault:"10000"`
}

type BillingConfig struct {
	WebhookSecret   string        `env:"REVENUECAT_WEBHOOK_SECRET"`
	TestMode        bool          `env:"BILLING_TEST_MODE"`
	SignatureHeader string        `env:"WEBHOOK_SIGNATURE_HEADER" envDefault:"X-Signature"`
	Timeout         time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"5s"`
	RateLimit       int           `env:"WEBHOOK_RATE_LIMIT" envDefault:"50"`
}

type QuotaConfig struct {
	FreeDailyLimit int    `env:"FREE_DAILY_LIMIT" envDefault:"3"`
	PaidDailyLimit int    `env:"PAID_DAILY_LIMIT" envDefault:"50"`
	TrialDays      int    `env:"TRIAL_DAYS" envDefault:"3"`
	LifetimeMarker string `env:"LIFETIME_MARKER" envDefault:"lifetime"`
	FailOpen       bool   `env:"QUOTA_FAIL_OPEN"`
}

// Validate implements config.Validator
func (c *Config) Validate() error {
	var errs []error

	switch c.App.Env {
	case envDevelopment, envStaging, envProduction:
	default:
		errs = append(errs, fmt.Errorf("APP_ENV must be development, staging or production, got %q", c.App.Env))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.App.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	switch c.Storage.Backend {
	case backendPostgres:
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case backendFirestore:
		if c.Storage.FirestoreProjectID == "" {
			errs = append(errs, errors.New("FIRESTORE_PROJECT_ID is required for the firestore backend"))
		}
	case backendMemory:
		if c.App.Env == envProduction {
			errs = append(errs, errors.New("the memory backend cannot run in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be postgres, firestore or memory, got %q", c.Storage.Backend))
	}

	// replicas only see each other's cache invalidations through Redis
	if c.App.Env == envProduction && c.Cache.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required in production"))
	}

	if strings.TrimSpace(c.Billing.WebhookSecret) == "" && !c.Billing.TestMode {
		errs = append(errs, fmt.Errorf("REVENUECAT_WEBHOOK_SECRET: %w", billing.ErrSecretNotConfigured))
	}
	if c.Billing.TestMode && c.App.Env == envProduction {
		errs = append(errs, billing.ErrTestModeInProduction)
	}
	if c.Billing.RateLimit <= 0 {
		errs = append(errs, errors.New("WEBHOOK_RATE_LIMIT must be positive"))
	}

	if c.Quota.FreeDailyLimit <= 0 {
		errs = append(errs, errors.New("FREE_DAILY_LIMIT must be positive"))
	}
	if c.Quota.PaidDailyLimit <= 0 {
		errs = append(errs, errors.New("PAID_DAILY_LIMIT must be positive"))
	}
	if c.Quota.TrialDays < 0 {
		errs = append(errs, errors.New("TRIAL_DAYS cannot be negative"))
	}

	return errors.Join(errs...)
}
