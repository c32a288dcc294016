package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-labs/rangekeeper/internal/breaker"
	"github.com/custodia-labs/rangekeeper/internal/cache/redis"
	"github.com/custodia-labs/rangekeeper/internal/config"
	"github.com/custodia-labs/rangekeeper/internal/custody"
	"github.com/custodia-labs/rangekeeper/internal/domain"
	"github.com/custodia-labs/rangekeeper/internal/engine/sim"
	"github.com/custodia-labs/rangekeeper/internal/notify"
	"github.com/custodia-labs/rangekeeper/internal/store/postgres"
)

// Dependencies bundles everything the application modes need to operate.
// It is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Core
	Pool       domain.PoolEngine
	Book       *custody.PositionBook
	Guard      *custody.ActionGuard
	Engine     *custody.SettlementEngine
	Breaker    *breaker.CircuitBreaker
	Oracle     domain.IdentityOracle
	ManagedKey domain.PoolKey
	Controller common.Address

	// Stores (nil when Postgres is disabled)
	Snapshots domain.PositionSnapshotStore
	Events    domain.BreakerEventStore

	// Caches (nil when Redis is disabled)
	BreakerCache domain.BreakerCache
	EventBus     domain.EventBus
	LockManager  domain.LockManager
	RateLimiter  domain.RateLimiter

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Controller: common.HexToAddress(cfg.Controller.Address),
		ManagedKey: managedPoolKey(cfg),
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		deps.Snapshots = postgres.NewSnapshotStore(pgClient)
		deps.Events = postgres.NewBreakerEventStore(pgClient)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.BreakerCache = redis.NewBreakerCache(redisClient)
		deps.EventBus = redis.NewEventBus(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
	}

	// --- Pool engine (local simulation) ---
	pool := sim.New(logger, cfg.Engine.DustTolerance)
	pool.Fund(deps.ManagedKey.Currency0, big.NewInt(cfg.Engine.InitialReserve0))
	pool.Fund(deps.ManagedKey.Currency1, big.NewInt(cfg.Engine.InitialReserve1))
	deps.Pool = pool

	// --- Custody core ---
	deps.Book = custody.NewPositionBook()
	deps.Guard = custody.NewActionGuard(logger, cfg.Guard.BudgetCeiling)
	deps.Engine = custody.NewSettlementEngine(logger, pool, deps.Guard, deps.Book, deps.Controller)
	pool.RegisterHandler(deps.Engine)

	// --- Identity oracle ---
	allowed := make(map[common.Address]common.Hash, len(cfg.Identity.Allowed))
	for owner, ref := range cfg.Identity.Allowed {
		allowed[common.HexToAddress(owner)] = common.HexToHash(ref)
	}
	deps.Oracle = breaker.NewStaticIdentityOracle(allowed)

	// --- Circuit breaker ---
	deps.Breaker = breaker.New(logger, breaker.Config{
		AgentAddress:      common.HexToAddress(cfg.Breaker.AgentAddress),
		Controller:        deps.Controller,
		MaxSignalAge:      cfg.Breaker.MaxSignalAge.Duration,
		HighRiskLevel:     uint8(cfg.Breaker.HighRiskLevel),
		RecoveryRiskLevel: uint8(cfg.Breaker.RecoveryRiskLevel),
	}, deps.Engine, deps.Oracle, deps.BreakerCache, deps.Events)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// managedPoolKey builds the configured pool key. Empty addresses are left
// zero, which is fine for native-currency pools. Currencies are swapped into
// canonical order when the config lists them backwards.
func managedPoolKey(cfg *config.Config) domain.PoolKey {
	key := domain.PoolKey{
		Currency0:   common.HexToAddress(cfg.Engine.Currency0),
		Currency1:   common.HexToAddress(cfg.Engine.Currency1),
		Fee:         cfg.Engine.Fee,
		TickSpacing: cfg.Engine.TickSpacing,
		Hooks:       common.HexToAddress(cfg.Engine.Hooks),
	}
	if !key.Ordered() {
		key.Currency0, key.Currency1 = key.Currency1, key.Currency0
	}
	return key
}
