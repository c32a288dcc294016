// Package config defines the top-level configuration for the rangekeeper
// custody service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by RANGEKEEPER_* environment
// variables.
type Config struct {
	Controller ControllerConfig `toml:"controller"`
	Engine     EngineConfig     `toml:"engine"`
	Guard      GuardConfig      `toml:"guard"`
	Breaker    BreakerConfig    `toml:"breaker"`
	Identity   IdentityConfig   `toml:"identity"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// ControllerConfig holds the automation controller's identity and the
// secret used to authenticate signal submissions.
type ControllerConfig struct {
	Address          string `toml:"address"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	HMACSecret       string `toml:"hmac_secret"`
}

// EngineConfig describes the managed pool and the local execution engine.
type EngineConfig struct {
	Currency0   string `toml:"currency0"`
	Currency1   string `toml:"currency1"`
	Fee         uint32 `toml:"fee"` // hundredths of a bip
	TickSpacing int32  `toml:"tick_spacing"`
	Hooks       string `toml:"hooks"`

	// InitialReserve funds the local engine's settlement reserve per
	// currency. Ignored when a remote engine is wired in.
	InitialReserve0 int64 `toml:"initial_reserve0"`
	InitialReserve1 int64 `toml:"initial_reserve1"`
	DustTolerance   int64 `toml:"dust_tolerance"`
}

// GuardConfig holds the action guard's resource budget.
type GuardConfig struct {
	BudgetCeiling uint64 `toml:"budget_ceiling"`
}

// BreakerConfig holds the circuit breaker thresholds.
type BreakerConfig struct {
	AgentAddress      string   `toml:"agent_address"`
	MaxSignalAge      duration `toml:"max_signal_age"`
	HighRiskLevel     int      `toml:"high_risk_level"`
	RecoveryRiskLevel int      `toml:"recovery_risk_level"`
}

// IdentityConfig is the static owner/identity allowlist used when no
// external identity oracle is wired in. Keys are owner addresses, values
// identity reference hashes.
type IdentityConfig struct {
	Allowed map[string]string `toml:"allowed"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`

	// SignalRateLimit throttles signal submissions per client IP within
	// SignalRateWindow. Zero disables throttling. Requires Redis.
	SignalRateLimit  int      `toml:"signal_rate_limit"`
	SignalRateWindow duration `toml:"signal_rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			Fee:             3000,
			TickSpacing:     60,
			InitialReserve0: 10_000_000,
			InitialReserve1: 10_000_000,
			DustTolerance:   2,
		},
		Guard: GuardConfig{
			BudgetCeiling: 100_000,
		},
		Breaker: BreakerConfig{
			MaxSignalAge:      duration{5 * time.Minute},
			HighRiskLevel:     90,
			RecoveryRiskLevel: 30,
		},
		Identity: IdentityConfig{
			Allowed: map[string]string{},
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "rangekeeper",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Server: ServerConfig{
			Enabled:          true,
			Port:             8000,
			CORSOrigins:      []string{"http://localhost:3000", "http://localhost:5173"},
			SignalRateLimit:  120,
			SignalRateWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"breaker_tripped", "breaker_cleared", "insolvency", "reposition"},
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and
// returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Controller — serve mode needs a controller identity and a way to
	// authenticate signals.
	if c.Mode == "serve" {
		if c.Controller.Address == "" {
			errs = append(errs, "controller: address must be set for mode serve")
		} else if !common.IsHexAddress(c.Controller.Address) {
			errs = append(errs, fmt.Sprintf("controller: address %q is not a hex address", c.Controller.Address))
		}
		if c.Controller.HMACSecret == "" && c.Controller.EncryptedKeyPath == "" {
			errs = append(errs, "controller: either hmac_secret or encrypted_key_path must be set for mode serve")
		}
		if c.Controller.EncryptedKeyPath != "" && c.Controller.KeyPassword == "" {
			errs = append(errs, "controller: key_password is required when encrypted_key_path is set")
		}
		if c.Breaker.AgentAddress == "" {
			errs = append(errs, "breaker: agent_address must be set for mode serve")
		} else if !common.IsHexAddress(c.Breaker.AgentAddress) {
			errs = append(errs, fmt.Sprintf("breaker: agent_address %q is not a hex address", c.Breaker.AgentAddress))
		}
	}

	// Engine
	if c.Engine.Currency0 != "" && !common.IsHexAddress(c.Engine.Currency0) {
		errs = append(errs, fmt.Sprintf("engine: currency0 %q is not a hex address", c.Engine.Currency0))
	}
	if c.Engine.Currency1 != "" && !common.IsHexAddress(c.Engine.Currency1) {
		errs = append(errs, fmt.Sprintf("engine: currency1 %q is not a hex address", c.Engine.Currency1))
	}
	if c.Engine.Hooks != "" && !common.IsHexAddress(c.Engine.Hooks) {
		errs = append(errs, fmt.Sprintf("engine: hooks %q is not a hex address", c.Engine.Hooks))
	}
	if c.Engine.TickSpacing <= 0 {
		errs = append(errs, fmt.Sprintf("engine: tick_spacing must be positive, got %d", c.Engine.TickSpacing))
	}
	if c.Engine.DustTolerance < 0 {
		errs = append(errs, "engine: dust_tolerance must be >= 0")
	}

	// Guard
	if c.Guard.BudgetCeiling == 0 {
		errs = append(errs, "guard: budget_ceiling must be > 0")
	}

	// Breaker thresholds
	if c.Breaker.MaxSignalAge.Duration <= 0 {
		errs = append(errs, "breaker: max_signal_age must be positive")
	}
	if c.Breaker.HighRiskLevel < 1 || c.Breaker.HighRiskLevel > 99 {
		errs = append(errs, fmt.Sprintf("breaker: high_risk_level must be 1-99, got %d", c.Breaker.HighRiskLevel))
	}
	if c.Breaker.RecoveryRiskLevel < 0 || c.Breaker.RecoveryRiskLevel >= c.Breaker.HighRiskLevel {
		errs = append(errs, fmt.Sprintf("breaker: recovery_risk_level must be below high_risk_level, got %d", c.Breaker.RecoveryRiskLevel))
	}

	// Identity allowlist entries must parse.
	for owner, ref := range c.Identity.Allowed {
		if !common.IsHexAddress(owner) {
			errs = append(errs, fmt.Sprintf("identity: owner %q is not a hex address", owner))
		}
		if ref == "" {
			errs = append(errs, fmt.Sprintf("identity: owner %q has an empty identity ref", owner))
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.SignalRateLimit < 0 {
			errs = append(errs, "server: signal_rate_limit must be >= 0")
		}
		if c.Server.SignalRateLimit > 0 && c.Server.SignalRateWindow.Duration <= 0 {
			errs = append(errs, "server: signal_rate_window must be positive when signal_rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
