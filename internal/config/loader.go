package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies RANGEKEEPER_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known RANGEKEEPER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Controller ──
	setStr(&cfg.Controller.Address, "RANGEKEEPER_CONTROLLER_ADDRESS")
	setStr(&cfg.Controller.EncryptedKeyPath, "RANGEKEEPER_CONTROLLER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Controller.KeyPassword, "RANGEKEEPER_CONTROLLER_KEY_PASSWORD")
	setStr(&cfg.Controller.HMACSecret, "RANGEKEEPER_CONTROLLER_HMAC_SECRET")

	// ── Engine ──
	setStr(&cfg.Engine.Currency0, "RANGEKEEPER_ENGINE_CURRENCY0")
	setStr(&cfg.Engine.Currency1, "RANGEKEEPER_ENGINE_CURRENCY1")
	setUint32(&cfg.Engine.Fee, "RANGEKEEPER_ENGINE_FEE")
	setInt32(&cfg.Engine.TickSpacing, "RANGEKEEPER_ENGINE_TICK_SPACING")
	setStr(&cfg.Engine.Hooks, "RANGEKEEPER_ENGINE_HOOKS")
	setInt64(&cfg.Engine.InitialReserve0, "RANGEKEEPER_ENGINE_INITIAL_RESERVE0")
	setInt64(&cfg.Engine.InitialReserve1, "RANGEKEEPER_ENGINE_INITIAL_RESERVE1")
	setInt64(&cfg.Engine.DustTolerance, "RANGEKEEPER_ENGINE_DUST_TOLERANCE")

	// ── Guard ──
	setUint64(&cfg.Guard.BudgetCeiling, "RANGEKEEPER_GUARD_BUDGET_CEILING")

	// ── Breaker ──
	setStr(&cfg.Breaker.AgentAddress, "RANGEKEEPER_BREAKER_AGENT_ADDRESS")
	setDuration(&cfg.Breaker.MaxSignalAge, "RANGEKEEPER_BREAKER_MAX_SIGNAL_AGE")
	setInt(&cfg.Breaker.HighRiskLevel, "RANGEKEEPER_BREAKER_HIGH_RISK_LEVEL")
	setInt(&cfg.Breaker.RecoveryRiskLevel, "RANGEKEEPER_BREAKER_RECOVERY_RISK_LEVEL")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "RANGEKEEPER_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "RANGEKEEPER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "RANGEKEEPER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "RANGEKEEPER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "RANGEKEEPER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "RANGEKEEPER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "RANGEKEEPER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "RANGEKEEPER_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "RANGEKEEPER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "RANGEKEEPER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "RANGEKEEPER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "RANGEKEEPER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "RANGEKEEPER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "RANGEKEEPER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "RANGEKEEPER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "RANGEKEEPER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "RANGEKEEPER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "RANGEKEEPER_REDIS_TLS_ENABLED")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "RANGEKEEPER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "RANGEKEEPER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "RANGEKEEPER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "RANGEKEEPER_SERVER_API_KEY")
	setInt(&cfg.Server.SignalRateLimit, "RANGEKEEPER_SERVER_SIGNAL_RATE_LIMIT")
	setDuration(&cfg.Server.SignalRateWindow, "RANGEKEEPER_SERVER_SIGNAL_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "RANGEKEEPER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "RANGEKEEPER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "RANGEKEEPER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "RANGEKEEPER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "RANGEKEEPER_MODE")
	setStr(&cfg.LogLevel, "RANGEKEEPER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint32(dst *uint32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*dst = uint32(n)
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
