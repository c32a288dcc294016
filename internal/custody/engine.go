package custody

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/custodia-labs/rangekeeper/internal/domain"
)

// Residual per-currency dust forgiven after settlement. Liquidity math
// rounds against the custodian by at most one unit per modification.
var solvencyTolerance = big.NewInt(2)

// transientContext carries one settlement session across the unlock
// boundary. It never outlives the top-level call that created it.
type transientContext struct {
	token     uuid.UUID
	action    Action
	owner     common.Address
	pool      domain.PoolKey
	tickLower int32
	tickUpper int32
	delta     *big.Int // liquidity to add, or to remove for withdrawals
}

// SettlementEngine executes custody actions against the external pool
// engine. Every top-level entry stages a transient context, requests an
// unlock, applies the liquidity change inside the callback and reconciles
// all currency deltas before the session closes. Any failure aborts the
// whole session.
type SettlementEngine struct {
	logger     *slog.Logger
	pool       domain.PoolEngine
	guard      *ActionGuard
	book       *PositionBook
	controller common.Address

	mu      sync.Mutex
	pending *transientContext
}

var _ domain.UnlockHandler = (*SettlementEngine)(nil)

// NewSettlementEngine wires the engine to its pool backend. controller is
// the only address allowed to reposition other owners.
func NewSettlementEngine(logger *slog.Logger, pool domain.PoolEngine, guard *ActionGuard, book *PositionBook, controller common.Address) *SettlementEngine {
	return &SettlementEngine{
		logger:     logger.With(slog.String("component", "settlement_engine")),
		pool:       pool,
		guard:      guard,
		book:       book,
		controller: controller,
	}
}

// Position returns the owner's current position. Never fails.
func (e *SettlementEngine) Position(owner common.Address) domain.Position {
	return e.book.Get(owner)
}

// PoolOf returns the pool the owner holds live liquidity in.
func (e *SettlementEngine) PoolOf(owner common.Address) (domain.PoolKey, bool) {
	return e.book.PoolOf(owner)
}

// Controller returns the authorized controller address.
func (e *SettlementEngine) Controller() common.Address {
	return e.controller
}

// Deposit adds owner liquidity in the given range. Self-service: the
// resource budget is advisory. Depositing into the currently tracked range
// merges; a different range replaces the tracked one.
func (e *SettlementEngine) Deposit(ctx context.Context, owner common.Address, pool domain.PoolKey, amount *big.Int, tickLower, tickUpper int32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("custody: deposit amount must be positive: %w", domain.ErrInvalidAmount)
	}
	if err := ValidateTickRange(tickLower, tickUpper, pool.TickSpacing); err != nil {
		return err
	}
	return e.execute(ctx, &transientContext{
		action:    ActionDeposit,
		owner:     owner,
		pool:      pool,
		tickLower: tickLower,
		tickUpper: tickUpper,
		delta:     new(big.Int).Set(amount),
	}, false)
}

// Withdraw removes owner liquidity from the tracked range. An amount of
// zero, or one above the current balance, withdraws the full position.
func (e *SettlementEngine) Withdraw(ctx context.Context, owner common.Address, pool domain.PoolKey, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.book.Get(owner)
	if !current.IsActive() {
		return fmt.Errorf("custody: withdraw for %s: %w", owner.Hex(), domain.ErrNoPositionToWithdraw)
	}
	tracked, ok := e.book.PoolOf(owner)
	if !ok || tracked.ID() != pool.ID() {
		return fmt.Errorf("custody: withdraw for %s: pool %s not held: %w",
			owner.Hex(), pool.ID().Hex(), domain.ErrNoPositionToWithdraw)
	}

	amt := new(big.Int)
	if amount != nil {
		amt.Set(amount)
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("custody: withdraw amount must not be negative: %w", domain.ErrInvalidAmount)
	}
	if amt.Sign() == 0 || amt.Cmp(current.Liquidity) > 0 {
		amt.Set(current.Liquidity)
	}
	return e.execute(ctx, &transientContext{
		action:    ActionWithdraw,
		owner:     owner,
		pool:      pool,
		tickLower: current.TickLower,
		tickUpper: current.TickUpper,
		delta:     amt,
	}, false)
}

// ExecuteControllerAction repositions an owner's liquidity into a new
// range. Controller only; the resource budget is enforced.
func (e *SettlementEngine) ExecuteControllerAction(ctx context.Context, caller common.Address, pool domain.PoolKey, tickLower, tickUpper int32, liquidity *big.Int, owner common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.controller {
		return fmt.Errorf("custody: caller %s: %w", caller.Hex(), domain.ErrOnlyController)
	}
	if err := ValidateTickRange(tickLower, tickUpper, pool.TickSpacing); err != nil {
		return err
	}
	amt := new(big.Int)
	if liquidity != nil {
		if liquidity.Sign() < 0 {
			return fmt.Errorf("custody: reposition liquidity must not be negative: %w", domain.ErrInvalidAmount)
		}
		amt.Set(liquidity)
	}
	return e.execute(ctx, &transientContext{
		action:    ActionReposition,
		owner:     owner,
		pool:      pool,
		tickLower: tickLower,
		tickUpper: tickUpper,
		delta:     amt,
	}, true)
}

// execute requires e.mu held. It stages tc, requests the unlock and lets
// UnlockCallback do the rest.
func (e *SettlementEngine) execute(ctx context.Context, tc *transientContext, enforced bool) error {
	unlocked, err := e.pool.IsUnlocked(ctx)
	if err != nil {
		return fmt.Errorf("custody: query unlock state: %w", err)
	}
	if unlocked {
		return fmt.Errorf("custody: %s: %w", tc.action, domain.ErrManagerAlreadyUnlocked)
	}

	end, err := e.guard.Begin(tc.action, enforced)
	if err != nil {
		return err
	}
	defer end()

	tc.token = uuid.New()
	e.pending = tc
	defer func() { e.pending = nil }()

	start := time.Now()
	if _, err := e.pool.Unlock(ctx, tc.token[:]); err != nil {
		e.logger.WarnContext(ctx, "settlement aborted",
			slog.String("action", tc.action.String()),
			slog.String("owner", tc.owner.Hex()),
			slog.String("error", err.Error()))
		return err
	}
	e.logger.InfoContext(ctx, "settlement complete",
		slog.String("action", tc.action.String()),
		slog.String("owner", tc.owner.Hex()),
		slog.Uint64("resource_used", e.guard.Used()),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// UnlockCallback is invoked by the pool engine inside the unlock this
// engine requested. data must be the staged session token; anything else
// is not the pool manager answering our session.
func (e *SettlementEngine) UnlockCallback(ctx context.Context, data []byte) ([]byte, error) {
	tc := e.pending
	if tc == nil || !bytes.Equal(data, tc.token[:]) {
		return nil, fmt.Errorf("custody: unlock callback: %w", domain.ErrOnlyPoolManager)
	}

	next, err := e.apply(ctx, tc)
	if err != nil {
		return nil, err
	}
	if err := e.reconcile(ctx, tc); err != nil {
		return nil, err
	}

	next.LastUpdated = time.Now().UTC()
	word, err := PackPosition(next)
	if err != nil {
		return nil, err
	}
	e.book.set(tc.owner, tc.pool, next)
	return word[:], nil
}

// apply dispatches the staged action and returns the position to record.
func (e *SettlementEngine) apply(ctx context.Context, tc *transientContext) (domain.Position, error) {
	current := e.book.Get(tc.owner)

	switch tc.action {
	case ActionDeposit:
		if err := e.modify(ctx, tc.pool, tc.tickLower, tc.tickUpper, tc.delta); err != nil {
			return domain.Position{}, err
		}
		liquidity := new(big.Int).Set(tc.delta)
		if current.IsActive() && current.SameRange(tc.tickLower, tc.tickUpper) {
			liquidity.Add(liquidity, current.Liquidity)
		}
		return domain.Position{
			TickLower: tc.tickLower,
			TickUpper: tc.tickUpper,
			Liquidity: liquidity,
			Status:    domain.PositionStatusActive,
		}, nil

	case ActionWithdraw:
		if err := e.modify(ctx, tc.pool, tc.tickLower, tc.tickUpper, new(big.Int).Neg(tc.delta)); err != nil {
			return domain.Position{}, err
		}
		remaining := new(big.Int).Sub(current.Liquidity, tc.delta)
		if remaining.Sign() <= 0 {
			return domain.ZeroPosition(), nil
		}
		return domain.Position{
			TickLower: tc.tickLower,
			TickUpper: tc.tickUpper,
			Liquidity: remaining,
			Status:    domain.PositionStatusActive,
		}, nil

	case ActionReposition:
		if current.IsActive() {
			retract := new(big.Int).Neg(current.Liquidity)
			if err := e.modify(ctx, tc.pool, current.TickLower, current.TickUpper, retract); err != nil {
				return domain.Position{}, err
			}
		}
		if tc.delta.Sign() == 0 {
			return domain.ZeroPosition(), nil
		}
		if err := e.modify(ctx, tc.pool, tc.tickLower, tc.tickUpper, tc.delta); err != nil {
			return domain.Position{}, err
		}
		return domain.Position{
			TickLower: tc.tickLower,
			TickUpper: tc.tickUpper,
			Liquidity: new(big.Int).Set(tc.delta),
			Status:    domain.PositionStatusActive,
		}, nil

	default:
		return domain.Position{}, fmt.Errorf("custody: unlock callback with action %s: %w",
			tc.action, domain.ErrOnlyPoolManager)
	}
}

func (e *SettlementEngine) modify(ctx context.Context, pool domain.PoolKey, tickLower, tickUpper int32, delta *big.Int) error {
	if err := e.guard.Charge(CostModifyLiquidity); err != nil {
		return err
	}
	if _, err := e.pool.ModifyLiquidity(ctx, pool, tickLower, tickUpper, delta); err != nil {
		return fmt.Errorf("custody: modify liquidity: %w", err)
	}
	return nil
}

// reconcile nets out both currencies: every debt is paid before any credit
// is taken, and credits go straight to the owner. Residual dust within the
// tolerance is forgiven; anything larger fails the session.
func (e *SettlementEngine) reconcile(ctx context.Context, tc *transientContext) error {
	currencies := [2]domain.Currency{tc.pool.Currency0, tc.pool.Currency1}

	for _, c := range currencies {
		delta, err := e.currencyDelta(ctx, c)
		if err != nil {
			return err
		}
		if delta.Sign() < 0 {
			if err := e.guard.Charge(CostSettle); err != nil {
				return err
			}
			if err := e.pool.Settle(ctx, c, new(big.Int).Neg(delta)); err != nil {
				return fmt.Errorf("custody: settle %s: %w", c.Hex(), err)
			}
		}
	}
	for _, c := range currencies {
		delta, err := e.currencyDelta(ctx, c)
		if err != nil {
			return err
		}
		if delta.Sign() > 0 {
			if err := e.guard.Charge(CostTake); err != nil {
				return err
			}
			if err := e.pool.Take(ctx, c, tc.owner, delta); err != nil {
				return fmt.Errorf("custody: take %s: %w", c.Hex(), err)
			}
		}
	}

	d0, err := e.currencyDelta(ctx, currencies[0])
	if err != nil {
		return err
	}
	d1, err := e.currencyDelta(ctx, currencies[1])
	if err != nil {
		return err
	}
	if new(big.Int).Abs(d0).Cmp(solvencyTolerance) > 0 ||
		new(big.Int).Abs(d1).Cmp(solvencyTolerance) > 0 {
		return &domain.InsolventError{Delta0: d0, Delta1: d1}
	}
	return nil
}

func (e *SettlementEngine) currencyDelta(ctx context.Context, c domain.Currency) (*big.Int, error) {
	if err := e.guard.Charge(CostCurrencyDelta); err != nil {
		return nil, err
	}
	delta, err := e.pool.CurrencyDelta(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("custody: currency delta %s: %w", c.Hex(), err)
	}
	return delta, nil
}
