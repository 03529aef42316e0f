package config

import (
	"errors"
	"testing"
	"time"

	"capmatch-digest/internal/domain"
)

func validConfig() AppConfig {
	var cfg AppConfig
	cfg.AppEnv = "dev"
	cfg.DigestTZ = "America/New_York"
	cfg.PGDSN = "postgres://localhost/capmatch"
	cfg.Run.Workers = 4
	cfg.Run.UserTimeout = 30 * time.Second
	cfg.Run.CutoffHour = 7
	cfg.Run.MaxJobAttempts = 3
	cfg.Resend.APIKey = "key"
	return cfg
}

func TestValidateOK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"missing dsn", func(c *AppConfig) { c.PGDSN = "" }},
		{"bad tz", func(c *AppConfig) { c.DigestTZ = "Mars/Olympus" }},
		{"zero workers", func(c *AppConfig) { c.Run.Workers = 0 }},
		{"bad cutoff", func(c *AppConfig) { c.Run.CutoffHour = 24 }},
		{"zero job attempts", func(c *AppConfig) { c.Run.MaxJobAttempts = 0 }},
		{"missing resend key", func(c *AppConfig) { c.Resend.APIKey = "" }},
	}
	for _, tc := range cases {
		cfg := validConfig()
		tc.mutate(&cfg)
		err := cfg.Validate()
		var cfgErr *domain.ConfigError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("%s: expected ConfigError, got %v", tc.name, err)
		}
	}
}

func TestValidateClaimBypassOnlyInDev(t *testing.T) {
	cfg := validConfig()
	cfg.Run.SkipClaims = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("claim bypass must be allowed in dev: %v", err)
	}

	cfg.AppEnv = "prod"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("claim bypass must be rejected outside dev")
	}
}

func TestValidateDryRunNeedsNoKey(t *testing.T) {
	cfg := validConfig()
	cfg.Resend.APIKey = ""
	cfg.Resend.DryRun = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("dry run must not require an API key: %v", err)
	}
}
