package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"

	"capmatch-digest/internal/domain"
)

// AppConfig describes the environment-driven configuration of all binaries.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`

	// DigestTZ is the fixed reference time zone for the daily date boundary.
	// Never wall-clock-local: worker instances must agree on the window.
	DigestTZ string `envconfig:"DIGEST_TZ" default:"America/New_York"`

	PGDSN     string `envconfig:"PG_DSN"`
	RedisAddr string `envconfig:"REDIS_ADDR"`
	RabbitURL string `envconfig:"RABBITMQ_URL"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	OpsAddr     string `envconfig:"OPS_ADDR" default:":8080"`

	Run struct {
		Workers     int           `envconfig:"DIGEST_WORKERS" default:"4"`
		UserTimeout time.Duration `envconfig:"DIGEST_USER_TIMEOUT" default:"30s"`
		// CutoffHour is the local hour (in DigestTZ) at which the scheduler
		// enqueues the previous day's digests.
		CutoffHour int `envconfig:"DIGEST_CUTOFF_HOUR" default:"7"`
		// SkipClaims bypasses idempotency enforcement. Test-only; Validate
		// rejects it outside dev.
		SkipClaims bool `envconfig:"DIGEST_SKIP_CLAIMS" default:"false"`
		// MaxJobAttempts caps how often a failing per-user job is re-enqueued
		// before the worker drops it.
		MaxJobAttempts int `envconfig:"DIGEST_JOB_MAX_ATTEMPTS" default:"3"`
	} `envconfig:""`

	Queues struct {
		Digest string `envconfig:"DIGEST_QUEUE_KEY" default:"digest_jobs"`
	} `envconfig:""`

	Resend struct {
		APIKey        string `envconfig:"RESEND_API_KEY"`
		From          string `envconfig:"EMAIL_FROM" default:"notifications@capmatch.com"`
		TestMode      bool   `envconfig:"RESEND_TEST_MODE" default:"true"`
		TestRecipient string `envconfig:"RESEND_TEST_RECIPIENT"`
		ForceTo       string `envconfig:"RESEND_FORCE_TO_EMAIL"`
		DryRun        bool   `envconfig:"DIGEST_EMAIL_DRY_RUN" default:"false"`
	} `envconfig:""`
}

// Load reads the config from the environment.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// Validate fails fast on misconfiguration, before any claims are made.
func (c AppConfig) Validate() error {
	if c.PGDSN == "" {
		return &domain.ConfigError{Field: "PG_DSN", Reason: "required"}
	}
	if _, err := time.LoadLocation(c.DigestTZ); err != nil {
		return &domain.ConfigError{Field: "DIGEST_TZ", Reason: "unknown time zone " + c.DigestTZ}
	}
	if c.Run.Workers <= 0 {
		return &domain.ConfigError{Field: "DIGEST_WORKERS", Reason: "must be positive"}
	}
	if c.Run.CutoffHour < 0 || c.Run.CutoffHour > 23 {
		return &domain.ConfigError{Field: "DIGEST_CUTOFF_HOUR", Reason: "must be between 0 and 23"}
	}
	if c.Run.MaxJobAttempts <= 0 {
		return &domain.ConfigError{Field: "DIGEST_JOB_MAX_ATTEMPTS", Reason: "must be positive"}
	}
	if c.Run.SkipClaims && c.AppEnv != "dev" {
		return &domain.ConfigError{Field: "DIGEST_SKIP_CLAIMS", Reason: "claim bypass is test-only and forbidden outside dev"}
	}
	if !c.Resend.DryRun && c.Resend.APIKey == "" {
		return &domain.ConfigError{Field: "RESEND_API_KEY", Reason: "required unless DIGEST_EMAIL_DRY_RUN is set"}
	}
	return nil
}

// Location returns the parsed reference zone. Call Validate first.
func (c AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.DigestTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}
