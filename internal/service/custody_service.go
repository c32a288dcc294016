// Package service composes the custody engine and circuit breaker with
// persistence, eventing and notifications.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-labs/rangekeeper/internal/custody"
	"github.com/custodia-labs/rangekeeper/internal/domain"
	"github.com/custodia-labs/rangekeeper/internal/notify"
)

// repositionLockKey serialises controller repositions across replicas.
const repositionLockKey = "controller:reposition"

// repositionLockTTL bounds how long a crashed replica can hold the lock.
const repositionLockTTL = 30 * time.Second

// CustodyService wraps the settlement engine with snapshot persistence,
// event publication and alerting. The engine stays authoritative; every
// side channel here is best-effort.
type CustodyService struct {
	engine    *custody.SettlementEngine
	snapshots domain.PositionSnapshotStore // optional
	bus       domain.EventBus              // optional
	locks     domain.LockManager           // optional
	notifier  *notify.Notifier             // optional
	logger    *slog.Logger
}

// NewCustodyService creates a CustodyService. snapshots, bus, locks and
// notifier may each be nil; the corresponding side effect is then skipped.
func NewCustodyService(
	engine *custody.SettlementEngine,
	snapshots domain.PositionSnapshotStore,
	bus domain.EventBus,
	locks domain.LockManager,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *CustodyService {
	return &CustodyService{
		engine:    engine,
		snapshots: snapshots,
		bus:       bus,
		locks:     locks,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "custody_service")),
	}
}

// Position returns the owner's current position from the live book.
func (s *CustodyService) Position(owner common.Address) domain.Position {
	return s.engine.Position(owner)
}

// PoolOf returns the pool the owner holds live liquidity in.
func (s *CustodyService) PoolOf(owner common.Address) (domain.PoolKey, bool) {
	return s.engine.PoolOf(owner)
}

// History returns persisted snapshots for the owner, newest first. It
// returns domain.ErrNotFound when no snapshot store is wired.
func (s *CustodyService) History(ctx context.Context, owner common.Address, opts domain.ListOpts) ([]domain.PositionSnapshot, error) {
	if s.snapshots == nil {
		return nil, domain.ErrNotFound
	}
	return s.snapshots.ListHistory(ctx, owner, opts)
}

// Deposit adds owner liquidity and records the settled position.
func (s *CustodyService) Deposit(ctx context.Context, owner common.Address, pool domain.PoolKey, amount *big.Int, tickLower, tickUpper int32) error {
	if err := s.engine.Deposit(ctx, owner, pool, amount, tickLower, tickUpper); err != nil {
		s.reportFailure(ctx, "deposit", owner, err)
		return err
	}
	s.afterSettlement(ctx, "deposit", owner, pool)
	return nil
}

// Withdraw removes owner liquidity and records the settled position.
func (s *CustodyService) Withdraw(ctx context.Context, owner common.Address, pool domain.PoolKey, amount *big.Int) error {
	if err := s.engine.Withdraw(ctx, owner, pool, amount); err != nil {
		s.reportFailure(ctx, "withdraw", owner, err)
		return err
	}
	s.afterSettlement(ctx, "withdraw", owner, pool)
	return nil
}

// Reposition migrates an owner's liquidity into a new range on behalf of
// the controller. When a lock manager is wired, the distributed lock is
// taken first so only one replica drives the pool engine at a time.
func (s *CustodyService) Reposition(ctx context.Context, caller common.Address, pool domain.PoolKey, tickLower, tickUpper int32, liquidity *big.Int, owner common.Address) error {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, repositionLockKey, repositionLockTTL)
		if err != nil {
			return fmt.Errorf("service: reposition lock: %w", err)
		}
		defer unlock()
	}

	if err := s.engine.ExecuteControllerAction(ctx, caller, pool, tickLower, tickUpper, liquidity, owner); err != nil {
		s.reportFailure(ctx, "reposition", owner, err)
		return err
	}
	s.afterSettlement(ctx, "reposition", owner, pool)

	if s.notifier != nil {
		title, message := notify.FormatReposition(owner.Hex(), tickLower, tickUpper)
		if err := s.notifier.Notify(ctx, notify.EventReposition, title, message); err != nil {
			s.logger.WarnContext(ctx, "reposition alert failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// afterSettlement persists the settled position and publishes the change.
func (s *CustodyService) afterSettlement(ctx context.Context, action string, owner common.Address, pool domain.PoolKey) {
	pos := s.engine.Position(owner)

	if s.snapshots != nil {
		word, err := custody.PackPosition(pos)
		if err != nil {
			s.logger.ErrorContext(ctx, "snapshot pack failed",
				slog.String("owner", owner.Hex()),
				slog.String("error", err.Error()))
		} else {
			snap := domain.PositionSnapshot{
				Owner:     owner,
				PoolID:    pool.ID(),
				Packed:    word,
				TickLower: pos.TickLower,
				TickUpper: pos.TickUpper,
				Liquidity: pos.Liquidity.String(),
				Status:    pos.Status,
				SettledAt: pos.LastUpdated,
			}
			if err := s.snapshots.Upsert(ctx, snap); err != nil {
				s.logger.WarnContext(ctx, "snapshot persist failed",
					slog.String("owner", owner.Hex()),
					slog.String("error", err.Error()))
			}
		}
	}

	if s.bus != nil {
		evt, _ := json.Marshal(map[string]any{
			"event":      "position_settled",
			"action":     action,
			"owner":      owner.Hex(),
			"pool_id":    pool.ID().Hex(),
			"tick_lower": pos.TickLower,
			"tick_upper": pos.TickUpper,
			"liquidity":  pos.Liquidity.String(),
			"status":     int(pos.Status),
		})
		if err := s.bus.Publish(ctx, "positions", evt); err != nil {
			s.logger.WarnContext(ctx, "position event publish failed",
				slog.String("owner", owner.Hex()),
				slog.String("error", err.Error()))
		}
	}
}

// reportFailure raises an insolvency alert when a settlement aborts with a
// residual over the tolerance. Other failures are already surfaced to the
// caller and logged by the engine.
func (s *CustodyService) reportFailure(ctx context.Context, action string, owner common.Address, err error) {
	var insolvent *domain.InsolventError
	if !errors.As(err, &insolvent) {
		return
	}
	s.logger.ErrorContext(ctx, "settlement insolvent",
		slog.String("action", action),
		slog.String("owner", owner.Hex()),
		slog.String("delta0", insolvent.Delta0.String()),
		slog.String("delta1", insolvent.Delta1.String()))

	if s.notifier != nil {
		title, message := notify.FormatInsolvency(owner.Hex(), err)
		if alertErr := s.notifier.Notify(ctx, notify.EventInsolvency, title, message); alertErr != nil {
			s.logger.WarnContext(ctx, "insolvency alert failed", slog.String("error", alertErr.Error()))
		}
	}
}
