package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Controller.Address = "0x1111111111111111111111111111111111111111"
	cfg.Controller.HMACSecret = "secret"
	cfg.Breaker.AgentAddress = "0x2222222222222222222222222222222222222222"
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "batch" }, "unknown mode"},
		{"missing controller", func(c *Config) { c.Controller.Address = "" }, "address must be set"},
		{"bad agent address", func(c *Config) { c.Breaker.AgentAddress = "nope" }, "not a hex address"},
		{"no auth material", func(c *Config) {
			c.Controller.HMACSecret = ""
			c.Controller.EncryptedKeyPath = ""
		}, "hmac_secret or encrypted_key_path"},
		{"keyfile without password", func(c *Config) {
			c.Controller.EncryptedKeyPath = "/tmp/key.enc"
			c.Controller.KeyPassword = ""
		}, "key_password is required"},
		{"zero tick spacing", func(c *Config) { c.Engine.TickSpacing = 0 }, "tick_spacing"},
		{"zero budget", func(c *Config) { c.Guard.BudgetCeiling = 0 }, "budget_ceiling"},
		{"recovery above high", func(c *Config) {
			c.Breaker.HighRiskLevel = 50
			c.Breaker.RecoveryRiskLevel = 60
		}, "recovery_risk_level"},
		{"postgres without host", func(c *Config) {
			c.Postgres.Enabled = true
			c.Postgres.Host = ""
		}, "postgres: host"},
		{"redis without addr", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Addr = ""
		}, "redis: addr"},
		{"negative rate limit", func(c *Config) { c.Server.SignalRateLimit = -1 }, "signal_rate_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RANGEKEEPER_MODE", "monitor")
	t.Setenv("RANGEKEEPER_GUARD_BUDGET_CEILING", "250000")
	t.Setenv("RANGEKEEPER_BREAKER_MAX_SIGNAL_AGE", "90s")
	t.Setenv("RANGEKEEPER_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RANGEKEEPER_REDIS_ENABLED", "true")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	if cfg.Mode != "monitor" {
		t.Errorf("mode = %q, want monitor", cfg.Mode)
	}
	if cfg.Guard.BudgetCeiling != 250000 {
		t.Errorf("budget ceiling = %d, want 250000", cfg.Guard.BudgetCeiling)
	}
	if cfg.Breaker.MaxSignalAge.Duration != 90*time.Second {
		t.Errorf("max signal age = %v, want 90s", cfg.Breaker.MaxSignalAge.Duration)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Errorf("cors origins = %v", cfg.Server.CORSOrigins)
	}
	if !cfg.Redis.Enabled {
		t.Error("redis should be enabled")
	}
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "hunter2"
	cfg.Redis.Password = "hunter2"
	cfg.Server.APIKey = "hunter2"
	cfg.Notify.TelegramToken = "hunter2"

	red := RedactedConfig(&cfg)

	for name, got := range map[string]string{
		"hmac secret":       red.Controller.HMACSecret,
		"postgres password": red.Postgres.Password,
		"redis password":    red.Redis.Password,
		"api key":           red.Server.APIKey,
		"telegram token":    red.Notify.TelegramToken,
	} {
		if got != "***" {
			t.Errorf("%s not redacted: %q", name, got)
		}
	}

	// The original must stay untouched.
	if cfg.Postgres.Password != "hunter2" {
		t.Error("redaction mutated the source config")
	}
}
