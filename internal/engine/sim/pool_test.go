package sim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-labs/rangekeeper/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPoolKey() domain.PoolKey {
	return domain.PoolKey{
		Currency0:   common.HexToAddress("0x0000000000000000000000000000000000000001"),
		Currency1:   common.HexToAddress("0x0000000000000000000000000000000000000002"),
		Fee:         3000,
		TickSpacing: 60,
	}
}

// handlerFunc adapts a func to domain.UnlockHandler.
type handlerFunc func(ctx context.Context, data []byte) ([]byte, error)

func (f handlerFunc) UnlockCallback(ctx context.Context, data []byte) ([]byte, error) {
	return f(ctx, data)
}

func TestUnlockRequiresHandler(t *testing.T) {
	p := New(testLogger(), 2)
	if _, err := p.Unlock(context.Background(), nil); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("Unlock = %v, want ErrNoHandler", err)
	}
}

func TestOperationsRequireUnlock(t *testing.T) {
	p := New(testLogger(), 2)
	ctx := context.Background()
	key := testPoolKey()

	if _, err := p.ModifyLiquidity(ctx, key, -60, 60, big.NewInt(100)); !errors.Is(err, ErrNotUnlocked) {
		t.Errorf("ModifyLiquidity = %v, want ErrNotUnlocked", err)
	}
	if err := p.Settle(ctx, key.Currency0, big.NewInt(1)); !errors.Is(err, ErrNotUnlocked) {
		t.Errorf("Settle = %v, want ErrNotUnlocked", err)
	}
	if err := p.Take(ctx, key.Currency0, common.Address{}, big.NewInt(1)); !errors.Is(err, ErrNotUnlocked) {
		t.Errorf("Take = %v, want ErrNotUnlocked", err)
	}
}

func TestUnlockSettleCycle(t *testing.T) {
	p := New(testLogger(), 2)
	ctx := context.Background()
	key := testPoolKey()
	p.Fund(key.Currency0, big.NewInt(10_000))
	p.Fund(key.Currency1, big.NewInt(10_000))

	p.RegisterHandler(handlerFunc(func(ctx context.Context, data []byte) ([]byte, error) {
		if unlocked, _ := p.IsUnlocked(ctx); !unlocked {
			t.Error("not unlocked inside callback")
		}
		delta, err := p.ModifyLiquidity(ctx, key, -60, 60, big.NewInt(1000))
		if err != nil {
			return nil, err
		}
		if delta.Amount0.Cmp(big.NewInt(-500)) != 0 || delta.Amount1.Cmp(big.NewInt(-500)) != 0 {
			t.Errorf("delta = (%s, %s), want (-500, -500)", delta.Amount0, delta.Amount1)
		}
		if err := p.Settle(ctx, key.Currency0, big.NewInt(500)); err != nil {
			return nil, err
		}
		if err := p.Settle(ctx, key.Currency1, big.NewInt(500)); err != nil {
			return nil, err
		}
		return []byte("ok"), nil
	}))

	res, err := p.Unlock(ctx, nil)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if string(res) != "ok" {
		t.Errorf("result = %q, want ok", res)
	}
	if unlocked, _ := p.IsUnlocked(ctx); unlocked {
		t.Error("still unlocked after session")
	}
	if got := p.RangeLiquidity(key, -60, 60); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("range liquidity = %s, want 1000", got)
	}
}

func TestUnlockRejectsUnsettledSession(t *testing.T) {
	p := New(testLogger(), 2)
	ctx := context.Background()
	key := testPoolKey()

	p.RegisterHandler(handlerFunc(func(ctx context.Context, data []byte) ([]byte, error) {
		_, err := p.ModifyLiquidity(ctx, key, -60, 60, big.NewInt(1000))
		return nil, err
	}))

	if _, err := p.Unlock(ctx, nil); err == nil {
		t.Fatal("Unlock with unsettled deltas succeeded")
	}
	// Rolled back whole.
	if got := p.RangeLiquidity(key, -60, 60); got.Sign() != 0 {
		t.Errorf("range liquidity = %s after rollback, want 0", got)
	}
}

func TestUnlockForgivesDust(t *testing.T) {
	p := New(testLogger(), 2)
	ctx := context.Background()
	key := testPoolKey()
	p.Fund(key.Currency0, big.NewInt(10_000))
	p.Fund(key.Currency1, big.NewInt(10_000))

	p.RegisterHandler(handlerFunc(func(ctx context.Context, data []byte) ([]byte, error) {
		if _, err := p.ModifyLiquidity(ctx, key, -60, 60, big.NewInt(1000)); err != nil {
			return nil, err
		}
		// Short-pay currency1 by 2 units: inside tolerance.
		if err := p.Settle(ctx, key.Currency0, big.NewInt(500)); err != nil {
			return nil, err
		}
		return nil, p.Settle(ctx, key.Currency1, big.NewInt(498))
	}))

	if _, err := p.Unlock(ctx, nil); err != nil {
		t.Fatalf("Unlock with 2-unit dust = %v, want nil", err)
	}
}

func TestSettleRequiresReserve(t *testing.T) {
	p := New(testLogger(), 2)
	ctx := context.Background()
	key := testPoolKey()

	p.RegisterHandler(handlerFunc(func(ctx context.Context, data []byte) ([]byte, error) {
		return nil, p.Settle(ctx, key.Currency0, big.NewInt(1))
	}))

	if _, err := p.Unlock(ctx, nil); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Unlock = %v, want ErrInsufficientFunds", err)
	}
}

func TestTakeCreditsRecipient(t *testing.T) {
	p := New(testLogger(), 2)
	ctx := context.Background()
	key := testPoolKey()
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	// Seed a range so removal produces credits.
	p.Fund(key.Currency0, big.NewInt(10_000))
	p.Fund(key.Currency1, big.NewInt(10_000))
	p.RegisterHandler(handlerFunc(func(ctx context.Context, data []byte) ([]byte, error) {
		if _, err := p.ModifyLiquidity(ctx, key, -60, 60, big.NewInt(1000)); err != nil {
			return nil, err
		}
		if err := p.Settle(ctx, key.Currency0, big.NewInt(500)); err != nil {
			return nil, err
		}
		return nil, p.Settle(ctx, key.Currency1, big.NewInt(500))
	}))
	if _, err := p.Unlock(ctx, nil); err != nil {
		t.Fatalf("seed unlock: %v", err)
	}

	p.RegisterHandler(handlerFunc(func(ctx context.Context, data []byte) ([]byte, error) {
		if _, err := p.ModifyLiquidity(ctx, key, -60, 60, big.NewInt(-1000)); err != nil {
			return nil, err
		}
		if err := p.Take(ctx, key.Currency0, recipient, big.NewInt(500)); err != nil {
			return nil, err
		}
		return nil, p.Take(ctx, key.Currency1, recipient, big.NewInt(500))
	}))
	if _, err := p.Unlock(ctx, nil); err != nil {
		t.Fatalf("withdraw unlock: %v", err)
	}

	if got := p.BalanceOf(recipient, key.Currency0); got.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("recipient balance0 = %s, want 500", got)
	}
}

func TestRangeUnderflow(t *testing.T) {
	p := New(testLogger(), 2)
	ctx := context.Background()
	key := testPoolKey()

	p.RegisterHandler(handlerFunc(func(ctx context.Context, data []byte) ([]byte, error) {
		_, err := p.ModifyLiquidity(ctx, key, -60, 60, big.NewInt(-1))
		return nil, err
	}))

	if _, err := p.Unlock(ctx, nil); !errors.Is(err, ErrRangeUnderflow) {
		t.Fatalf("Unlock = %v, want ErrRangeUnderflow", err)
	}
}

func TestReentrantUnlock(t *testing.T) {
	p := New(testLogger(), 2)
	ctx := context.Background()

	p.RegisterHandler(handlerFunc(func(ctx context.Context, data []byte) ([]byte, error) {
		if _, err := p.Unlock(ctx, nil); !errors.Is(err, domain.ErrManagerAlreadyUnlocked) {
			t.Errorf("nested Unlock = %v, want ErrManagerAlreadyUnlocked", err)
		}
		return nil, nil
	}))

	if _, err := p.Unlock(ctx, nil); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}
