package custody

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/custodia-labs/rangekeeper/internal/domain"
)

// Action tags the custody operation currently in flight.
type Action uint8

const (
	ActionNone Action = iota
	ActionReposition
	ActionDeposit
	ActionWithdraw
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionReposition:
		return "reposition"
	case ActionDeposit:
		return "deposit"
	case ActionWithdraw:
		return "withdraw"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Fixed resource costs per pool-engine operation, in abstract units.
const (
	CostModifyLiquidity uint64 = 20_000
	CostSettle          uint64 = 8_000
	CostTake            uint64 = 9_000
	CostCurrencyDelta   uint64 = 1_000
)

// ActionGuard tags the operation in flight and meters its resource use.
// One action at a time; a second top-level entry is rejected. Controller
// actions carry an enforced budget, self-service actions an advisory one.
type ActionGuard struct {
	logger  *slog.Logger
	ceiling uint64

	mu       sync.Mutex
	current  Action
	used     uint64
	enforced bool
	warned   bool
}

// NewActionGuard builds a guard with the given budget ceiling.
func NewActionGuard(logger *slog.Logger, ceiling uint64) *ActionGuard {
	return &ActionGuard{
		logger:  logger.With(slog.String("component", "action_guard")),
		ceiling: ceiling,
	}
}

// Begin claims the guard for an action and returns the release func. The
// caller must defer end so the tag resets on every exit path.
func (g *ActionGuard) Begin(action Action, enforced bool) (end func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != ActionNone {
		return nil, fmt.Errorf("guard: %s requested while %s in progress: %w",
			action, g.current, domain.ErrActionInProgress)
	}
	g.current = action
	g.used = 0
	g.enforced = enforced
	g.warned = false
	return g.release, nil
}

func (g *ActionGuard) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current = ActionNone
	g.used = 0
	g.enforced = false
	g.warned = false
}

// Current returns the action tag in flight.
func (g *ActionGuard) Current() Action {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Charge records resource consumption for the current action. Past the
// ceiling an enforced budget fails; an advisory one logs once and continues.
func (g *ActionGuard) Charge(n uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == ActionNone {
		return fmt.Errorf("guard: charge with no action in progress: %w", domain.ErrActionInProgress)
	}
	g.used += n
	if g.used <= g.ceiling {
		return nil
	}
	if g.enforced {
		return fmt.Errorf("guard: %s used %d of %d: %w",
			g.current, g.used, g.ceiling, domain.ErrResourceBudgetExceeded)
	}
	if !g.warned {
		g.warned = true
		g.logger.Warn("advisory resource budget exceeded",
			slog.String("action", g.current.String()),
			slog.Uint64("used", g.used),
			slog.Uint64("ceiling", g.ceiling))
	}
	return nil
}

// Used returns the units consumed by the current action.
func (g *ActionGuard) Used() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.used
}
