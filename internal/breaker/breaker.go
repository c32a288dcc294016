// Package breaker validates agent risk signals and gates pool activity
// while volatility is extreme.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-labs/rangekeeper/internal/domain"
)

// Config holds the breaker thresholds. Risk levels are on the agent's
// 0..100 scale.
type Config struct {
	// AgentAddress is the only address allowed to submit signals.
	AgentAddress common.Address
	// Controller is the address the breaker acts as when repositioning.
	Controller common.Address
	// MaxSignalAge rejects signals older than this.
	MaxSignalAge time.Duration
	// HighRiskLevel rejects signals above it without tripping.
	HighRiskLevel uint8
	// RecoveryRiskLevel clears emergency mode once an accepted signal
	// falls below it.
	RecoveryRiskLevel uint8
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MaxSignalAge:      5 * time.Minute,
		HighRiskLevel:     90,
		RecoveryRiskLevel: 30,
	}
}

// extremeRiskLevel trips emergency mode outright.
const extremeRiskLevel = 100

// Repositioner is the slice of the settlement engine the breaker drives.
type Repositioner interface {
	ExecuteControllerAction(ctx context.Context, caller common.Address, pool domain.PoolKey, tickLower, tickUpper int32, liquidity *big.Int, owner common.Address) error
	Position(owner common.Address) domain.Position
	PoolOf(owner common.Address) (domain.PoolKey, bool)
}

// CircuitBreaker validates one-shot agent signals, trips on extreme risk
// and forwards accepted recommendations to the controller entry point.
// Signals are never retained as live state; only the breaker flags and the
// last accepted payload (for the duplicate short-circuit) survive a call.
type CircuitBreaker struct {
	logger *slog.Logger
	cfg    Config
	engine Repositioner
	oracle domain.IdentityOracle
	cache  domain.BreakerCache     // optional mirror
	events domain.BreakerEventStore // optional audit

	now func() time.Time

	mu             sync.Mutex
	emergency      bool
	lastRiskLevel  uint8
	lastRiskUpdate time.Time
	lastAccepted   *domain.AgentSignal
}

// New builds a breaker. cache and events may be nil; mirroring and audit
// are then skipped.
func New(logger *slog.Logger, cfg Config, engine Repositioner, oracle domain.IdentityOracle, cache domain.BreakerCache, events domain.BreakerEventStore) *CircuitBreaker {
	return &CircuitBreaker{
		logger: logger.With(slog.String("component", "circuit_breaker")),
		cfg:    cfg,
		engine: engine,
		oracle: oracle,
		cache:  cache,
		events: events,
		now:    time.Now,
	}
}

// State returns the current breaker flags.
func (b *CircuitBreaker) State() domain.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.BreakerState{
		EmergencyMode:  b.emergency,
		LastRiskLevel:  b.lastRiskLevel,
		LastRiskUpdate: b.lastRiskUpdate,
	}
}

// CheckSwapAllowed gates swap routing. While emergency mode is active every
// pool is blocked.
func (b *CircuitBreaker) CheckSwapAllowed(ctx context.Context, pool domain.PoolID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.emergency {
		return fmt.Errorf("breaker: swaps blocked for pool %s: %w", pool.Hex(), domain.ErrCircuitBreakerActive)
	}
	return nil
}

// ProcessSignal runs the full validation chain for one signal and, when it
// passes, repositions the owner into the recommended range. The signal is
// consumed either way.
func (b *CircuitBreaker) ProcessSignal(ctx context.Context, agent, owner common.Address, sig domain.AgentSignal) error {
	if agent != b.cfg.AgentAddress {
		b.record(ctx, domain.BreakerEventRejected, sig, owner, "unauthorized agent")
		return fmt.Errorf("breaker: agent %s: %w", agent.Hex(), domain.ErrNotAuthorizedAgent)
	}
	if b.now().Sub(sig.Timestamp) > b.cfg.MaxSignalAge {
		b.record(ctx, domain.BreakerEventRejected, sig, owner, "stale")
		return fmt.Errorf("breaker: signal from %s: %w", sig.Timestamp.Format(time.RFC3339), domain.ErrStaleSignal)
	}

	b.mu.Lock()
	if b.lastAccepted != nil && sig.Equal(*b.lastAccepted) {
		b.mu.Unlock()
		b.logger.DebugContext(ctx, "duplicate signal dropped",
			slog.String("owner", owner.Hex()),
			slog.Int("risk_level", int(sig.RiskLevel)))
		return nil
	}

	if sig.RiskLevel >= extremeRiskLevel {
		b.emergency = true
		b.lastRiskLevel = sig.RiskLevel
		b.lastRiskUpdate = b.now()
		b.mu.Unlock()
		b.mirror(ctx)
		b.record(ctx, domain.BreakerEventTripped, sig, owner, "extreme volatility")
		b.logger.WarnContext(ctx, "circuit breaker tripped",
			slog.String("owner", owner.Hex()),
			slog.Int("risk_level", int(sig.RiskLevel)))
		return fmt.Errorf("breaker: risk level %d: %w", sig.RiskLevel, domain.ErrExtremeVolatility)
	}
	if sig.RiskLevel > b.cfg.HighRiskLevel {
		b.mu.Unlock()
		b.record(ctx, domain.BreakerEventRejected, sig, owner, "risk too high")
		return fmt.Errorf("breaker: risk level %d over %d: %w", sig.RiskLevel, b.cfg.HighRiskLevel, domain.ErrRiskTooHigh)
	}

	// Accepted: refresh the risk clock, maybe clear emergency mode.
	b.lastRiskLevel = sig.RiskLevel
	b.lastRiskUpdate = b.now()
	cleared := false
	if b.emergency && sig.RiskLevel < b.cfg.RecoveryRiskLevel {
		b.emergency = false
		cleared = true
	}
	stillEmergency := b.emergency
	b.mu.Unlock()

	b.mirror(ctx)
	if cleared {
		b.record(ctx, domain.BreakerEventCleared, sig, owner, "risk recovered")
		b.logger.InfoContext(ctx, "circuit breaker cleared",
			slog.Int("risk_level", int(sig.RiskLevel)))
	}
	if stillEmergency {
		b.record(ctx, domain.BreakerEventRejected, sig, owner, "emergency mode active")
		return fmt.Errorf("breaker: reposition blocked: %w", domain.ErrCircuitBreakerActive)
	}

	ok, err := b.oracle.IsAuthorized(ctx, owner, sig.IdentityRef)
	if err != nil {
		return fmt.Errorf("breaker: identity check: %w", err)
	}
	if !ok {
		b.record(ctx, domain.BreakerEventRejected, sig, owner, "identity not authorized")
		return fmt.Errorf("breaker: identity %s for %s: %w", sig.IdentityRef.Hex(), owner.Hex(), domain.ErrNotAuthorizedAgent)
	}

	pool, ok := b.engine.PoolOf(owner)
	if !ok {
		b.record(ctx, domain.BreakerEventRejected, sig, owner, "no live position")
		return fmt.Errorf("breaker: owner %s: %w", owner.Hex(), domain.ErrNoPositionToWithdraw)
	}
	current := b.engine.Position(owner)
	if err := b.engine.ExecuteControllerAction(ctx, b.cfg.Controller, pool,
		sig.RecommendedLower, sig.RecommendedUpper, current.Liquidity, owner); err != nil {
		return err
	}

	b.mu.Lock()
	accepted := sig
	b.lastAccepted = &accepted
	b.mu.Unlock()
	b.record(ctx, domain.BreakerEventAccepted, sig, owner, "repositioned")
	b.logger.InfoContext(ctx, "signal accepted",
		slog.String("owner", owner.Hex()),
		slog.Int("risk_level", int(sig.RiskLevel)),
		slog.Int("tick_lower", int(sig.RecommendedLower)),
		slog.Int("tick_upper", int(sig.RecommendedUpper)))
	return nil
}

// mirror copies the breaker flags into the shared cache. Best effort.
func (b *CircuitBreaker) mirror(ctx context.Context) {
	if b.cache == nil {
		return
	}
	if err := b.cache.SetState(ctx, b.State()); err != nil {
		b.logger.WarnContext(ctx, "breaker cache update failed", slog.String("error", err.Error()))
	}
}

// record appends an audit event. Best effort.
func (b *CircuitBreaker) record(ctx context.Context, kind domain.BreakerEventKind, sig domain.AgentSignal, owner common.Address, reason string) {
	if b.events == nil {
		return
	}
	event := domain.BreakerEvent{
		Kind:      kind,
		RiskLevel: sig.RiskLevel,
		Reason:    reason,
		Owner:     owner,
		CreatedAt: b.now(),
	}
	if err := b.events.Insert(ctx, event); err != nil {
		b.logger.WarnContext(ctx, "breaker event insert failed", slog.String("error", err.Error()))
	}
}
