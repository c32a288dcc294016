package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-labs/rangekeeper/internal/breaker"
	"github.com/custodia-labs/rangekeeper/internal/domain"
	"github.com/custodia-labs/rangekeeper/internal/notify"
)

// SignalService feeds authenticated agent signals into the circuit breaker
// and fans the outcome out to the event bus and alert channels.
type SignalService struct {
	breaker  *breaker.CircuitBreaker
	bus      domain.EventBus  // optional
	notifier *notify.Notifier // optional
	logger   *slog.Logger
}

// NewSignalService creates a SignalService. bus and notifier may be nil.
func NewSignalService(cb *breaker.CircuitBreaker, bus domain.EventBus, notifier *notify.Notifier, logger *slog.Logger) *SignalService {
	return &SignalService{
		breaker:  cb,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "signal_service")),
	}
}

// State returns the current breaker flags.
func (s *SignalService) State() domain.BreakerState {
	return s.breaker.State()
}

// CheckSwapAllowed gates swap routing on the breaker.
func (s *SignalService) CheckSwapAllowed(ctx context.Context, pool domain.PoolID) error {
	return s.breaker.CheckSwapAllowed(ctx, pool)
}

// Submit runs one signal through the breaker. The breaker's verdict is
// returned unchanged; state transitions additionally raise alerts and bus
// events.
func (s *SignalService) Submit(ctx context.Context, agent, owner common.Address, sig domain.AgentSignal) error {
	before := s.breaker.State()
	err := s.breaker.ProcessSignal(ctx, agent, owner, sig)
	after := s.breaker.State()

	if after.EmergencyMode != before.EmergencyMode {
		s.publishTransition(ctx, after, sig, owner)
	}
	return err
}

// publishTransition announces a breaker trip or clear.
func (s *SignalService) publishTransition(ctx context.Context, state domain.BreakerState, sig domain.AgentSignal, owner common.Address) {
	kind := domain.BreakerEventCleared
	if state.EmergencyMode {
		kind = domain.BreakerEventTripped
	}

	if s.bus != nil {
		evt, _ := json.Marshal(map[string]any{
			"event":          "breaker_" + string(kind),
			"emergency_mode": state.EmergencyMode,
			"risk_level":     int(sig.RiskLevel),
			"owner":          owner.Hex(),
		})
		if err := s.bus.Publish(ctx, "breaker", evt); err != nil {
			s.logger.WarnContext(ctx, "breaker event publish failed", slog.String("error", err.Error()))
		}
	}

	if s.notifier != nil {
		event, ok := notify.BreakerEventType(kind)
		if !ok {
			return
		}
		title, message := notify.FormatBreakerEvent(domain.BreakerEvent{
			Kind:      kind,
			RiskLevel: sig.RiskLevel,
			Owner:     owner,
		})
		if err := s.notifier.Notify(ctx, event, title, message); err != nil {
			s.logger.WarnContext(ctx, "breaker alert failed", slog.String("error", err.Error()))
		}
	}
}

// IsTransientRejection reports whether the breaker error leaves the system
// able to accept future signals from the same agent. Callers map these to
// 4xx responses instead of 5xx.
func IsTransientRejection(err error) bool {
	return errors.Is(err, domain.ErrStaleSignal) ||
		errors.Is(err, domain.ErrRiskTooHigh) ||
		errors.Is(err, domain.ErrExtremeVolatility) ||
		errors.Is(err, domain.ErrCircuitBreakerActive) ||
		errors.Is(err, domain.ErrNotAuthorizedAgent) ||
		errors.Is(err, domain.ErrNoPositionToWithdraw)
}
