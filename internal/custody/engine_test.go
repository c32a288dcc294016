package custody

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-labs/rangekeeper/internal/domain"
	"github.com/custodia-labs/rangekeeper/internal/engine/sim"
)

var (
	testController = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	testOwner      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testStranger   = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func testPoolKey() domain.PoolKey {
	return domain.PoolKey{
		Currency0:   common.HexToAddress("0x0000000000000000000000000000000000000001"),
		Currency1:   common.HexToAddress("0x0000000000000000000000000000000000000002"),
		Fee:         3000,
		TickSpacing: 60,
	}
}

func newTestEngine(t *testing.T, ceiling uint64) (*SettlementEngine, *sim.Pool, domain.PoolKey) {
	t.Helper()
	logger := testLogger()
	pool := sim.New(logger, 2)
	eng := NewSettlementEngine(logger, pool, NewActionGuard(logger, ceiling), NewPositionBook(), testController)
	pool.RegisterHandler(eng)

	key := testPoolKey()
	pool.Fund(key.Currency0, big.NewInt(1_000_000))
	pool.Fund(key.Currency1, big.NewInt(1_000_000))
	return eng, pool, key
}

func TestDepositCreatesPosition(t *testing.T) {
	eng, pool, key := newTestEngine(t, 100_000)
	ctx := context.Background()

	if err := eng.Deposit(ctx, testOwner, key, big.NewInt(1000), -60, 60); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	pos := eng.Position(testOwner)
	if !pos.IsActive() {
		t.Fatal("position not active after deposit")
	}
	if pos.TickLower != -60 || pos.TickUpper != 60 {
		t.Errorf("range = [%d, %d], want [-60, 60]", pos.TickLower, pos.TickUpper)
	}
	if pos.Liquidity.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("liquidity = %s, want 1000", pos.Liquidity)
	}
	if pos.LastUpdated.IsZero() {
		t.Error("LastUpdated not set")
	}

	if got, ok := eng.PoolOf(testOwner); !ok || got.ID() != key.ID() {
		t.Errorf("PoolOf = (%v, %v), want tracked pool", got.ID(), ok)
	}
	if got := pool.RangeLiquidity(key, -60, 60); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("pool range liquidity = %s, want 1000", got)
	}
	// The deposit cost 1000 units split across both reserves.
	if got := pool.Reserve(key.Currency0); got.Cmp(big.NewInt(999_500)) != 0 {
		t.Errorf("reserve0 = %s, want 999500", got)
	}
	if got := pool.Reserve(key.Currency1); got.Cmp(big.NewInt(999_500)) != 0 {
		t.Errorf("reserve1 = %s, want 999500", got)
	}
}

func TestDepositSameRangeMerges(t *testing.T) {
	eng, _, key := newTestEngine(t, 100_000)
	ctx := context.Background()

	if err := eng.Deposit(ctx, testOwner, key, big.NewInt(1000), -60, 60); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	if err := eng.Deposit(ctx, testOwner, key, big.NewInt(500), -60, 60); err != nil {
		t.Fatalf("second deposit: %v", err)
	}

	pos := eng.Position(testOwner)
	if pos.Liquidity.Cmp(big.NewInt(1500)) != 0 {
		t.Errorf("liquidity = %s, want 1500", pos.Liquidity)
	}
}

func TestDepositNewRangeReplacesTracked(t *testing.T) {
	eng, _, key := newTestEngine(t, 100_000)
	ctx := context.Background()

	if err := eng.Deposit(ctx, testOwner, key, big.NewInt(1000), -60, 60); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	if err := eng.Deposit(ctx, testOwner, key, big.NewInt(500), -120, 120); err != nil {
		t.Fatalf("second deposit: %v", err)
	}

	pos := eng.Position(testOwner)
	if pos.TickLower != -120 || pos.TickUpper != 120 {
		t.Errorf("range = [%d, %d], want [-120, 120]", pos.TickLower, pos.TickUpper)
	}
	if pos.Liquidity.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("liquidity = %s, want 500", pos.Liquidity)
	}
}

func TestDepositValidatesTicks(t *testing.T) {
	eng, _, key := newTestEngine(t, 100_000)
	ctx := context.Background()

	err := eng.Deposit(ctx, testOwner, key, big.NewInt(1000), -55, 55)
	if !errors.Is(err, domain.ErrInvalidTickRange) {
		t.Fatalf("Deposit(-55, 55) = %v, want ErrInvalidTickRange", err)
	}
	if eng.Position(testOwner).IsActive() {
		t.Error("position recorded despite invalid range")
	}
	// The guard must have been released on the error path.
	if err := eng.Deposit(ctx, testOwner, key, big.NewInt(1000), -60, 60); err != nil {
		t.Fatalf("Deposit after failure: %v", err)
	}
}

func TestDepositRejectsNonPositiveAmount(t *testing.T) {
	eng, _, key := newTestEngine(t, 100_000)
	ctx := context.Background()

	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		if err := eng.Deposit(ctx, testOwner, key, amount, -60, 60); !errors.Is(err, domain.ErrInvalidAmount) {
			t.Errorf("Deposit(%v) = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestWithdrawFull(t *testing.T) {
	eng, pool, key := newTestEngine(t, 100_000)
	ctx := context.Background()

	if err := eng.Deposit(ctx, testOwner, key, big.NewInt(1000), -60, 60); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := eng.Withdraw(ctx, testOwner, key, big.NewInt(0)); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	pos := eng.Position(testOwner)
	if pos.IsActive() {
		t.Error("position still active after full withdraw")
	}
	if pos.Liquidity.Sign() != 0 {
		t.Errorf("liquidity = %s, want 0", pos.Liquidity)
	}
	if _, ok := eng.PoolOf(testOwner); ok {
		t.Error("PoolOf still tracks a pool after full withdraw")
	}
	// Withdrawn funds go straight to the owner.
	if got := pool.BalanceOf(testOwner, key.Currency0); got.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("owner balance0 = %s, want 500", got)
	}
	if got := pool.BalanceOf(testOwner, key.Currency1); got.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("owner balance1 = %s, want 500", got)
	}
}

func TestWithdrawPartial(t *testing.T) {
	eng, pool, key := newTestEngine(t, 100_000)
	ctx := context.Background()

	if err := eng.Deposit(ctx, testOwner, key, big.NewInt(1000), -60, 60); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := eng.Withdraw(ctx, testOwner, key, big.NewInt(400)); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	pos := eng.Position(testOwner)
	if !pos.IsActive() {
		t.Fatal("position inactive after partial withdraw")
	}
	if pos.Liquidity.Cmp(big.NewInt(600)) != 0 {
		t.Errorf("liquidity = %s, want 600", pos.Liquidity)
	}
	if got := pool.BalanceOf(testOwner, key.Currency0); got.Cmp(big.NewInt(200)) != 0 {
		t.Errorf("owner balance0 = %s, want 200", got)
	}
}

func TestWithdrawOverBalanceWithdrawsAll(t *testing.T) {
	eng, _, key := newTestEngine(t, 100_000)
	ctx := context.Background()

	if err := eng.Deposit(ctx, testOwner, key, big.NewInt(1000), -60, 60); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := eng.Withdraw(ctx, testOwner, key, big.NewInt(5000)); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if eng.Position(testOwner).IsActive() {
		t.Error("position still active")
	}
}

func TestWithdrawWithoutPosition(t *testing.T) {
	eng, _, key := newTestEngine(t, 100_000)
	ctx := context.Background()

	err := eng.Withdraw(ctx, testOwner, key, big.NewInt(100))
	if !errors.Is(err, domain.ErrNoPositionToWithdraw) {
		t.Fatalf("Withdraw = %v, want ErrNoPositionToWithdraw", err)
	}
}

func TestControllerReposition(t *testing.T) {
	eng, pool, key := newTestEngine(t, 100_000)
	ctx := context.Background()

	if err := eng.Deposit(ctx, testOwner, key, big.NewInt(1000), -60, 60); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := eng.ExecuteControllerAction(ctx, testController, key, -120, 120, big.NewInt(1000), testOwner); err != nil {
		t.Fatalf("ExecuteControllerAction: %v", err)
	}

	pos := eng.Position(testOwner)
	if pos.TickLower != -120 || pos.TickUpper != 120 {
		t.Errorf("range = [%d, %d], want [-120, 120]", pos.TickLower, pos.TickUpper)
	}
	if pos.Liquidity.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("liquidity = %s, want 1000", pos.Liquidity)
	}
	if got := pool.RangeLiquidity(key, -60, 60); got.Sign() != 0 {
		t.Errorf("old range still holds %s", got)
	}
	if got := pool.RangeLiquidity(key, -120, 120); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("new range holds %s, want 1000", got)
	}
}

func TestRepositionRequiresController(t *testing.T) {
	eng, _, key := newTestEngine(t, 100_000)
	ctx := context.Background()

	err := eng.ExecuteControllerAction(ctx, testStranger, key, -120, 120, big.NewInt(1000), testOwner)
	if !errors.Is(err, domain.ErrOnlyController) {
		t.Fatalf("ExecuteControllerAction = %v, want ErrOnlyController", err)
	}
}

func TestRepositionEnforcedBudgetRollsBack(t *testing.T) {
	// Enough budget for the deposit (advisory anyway) but not for the two
	// liquidity modifications a reposition needs.
	eng, pool, key := newTestEngine(t, 30_000)
	ctx := context.Background()

	if err := eng.Deposit(ctx, testOwner, key, big.NewInt(1000), -60, 60); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	err := eng.ExecuteControllerAction(ctx, testController, key, -120, 120, big.NewInt(1000), testOwner)
	if !errors.Is(err, domain.ErrResourceBudgetExceeded) {
		t.Fatalf("ExecuteControllerAction = %v, want ErrResourceBudgetExceeded", err)
	}

	// Aborted session: tracked position and pool state are untouched.
	pos := eng.Position(testOwner)
	if pos.TickLower != -60 || pos.TickUpper != 60 || pos.Liquidity.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("position mutated by failed reposition: [%d, %d] %s", pos.TickLower, pos.TickUpper, pos.Liquidity)
	}
	if got := pool.RangeLiquidity(key, -60, 60); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("pool range = %s, want 1000 after rollback", got)
	}
	if got := pool.RangeLiquidity(key, -120, 120); got.Sign() != 0 {
		t.Errorf("new range holds %s after rollback, want 0", got)
	}
}

func TestUnlockCallbackRejectsForeignData(t *testing.T) {
	eng, _, _ := newTestEngine(t, 100_000)

	_, err := eng.UnlockCallback(context.Background(), []byte("not-a-session-token"))
	if !errors.Is(err, domain.ErrOnlyPoolManager) {
		t.Fatalf("UnlockCallback = %v, want ErrOnlyPoolManager", err)
	}
}

// fakePool lets tests control unlock state and settlement residuals.
type fakePool struct {
	handler     domain.UnlockHandler
	preUnlocked bool
	skim        int64 // short-paid on every settle
	unlocked    bool
	deltas      map[domain.Currency]*big.Int
}

func (f *fakePool) IsUnlocked(ctx context.Context) (bool, error) {
	return f.preUnlocked || f.unlocked, nil
}

func (f *fakePool) Unlock(ctx context.Context, data []byte) ([]byte, error) {
	f.unlocked = true
	f.deltas = make(map[domain.Currency]*big.Int)
	defer func() { f.unlocked = false }()
	return f.handler.UnlockCallback(ctx, data)
}

func (f *fakePool) ModifyLiquidity(ctx context.Context, pool domain.PoolKey, tickLower, tickUpper int32, liquidityDelta *big.Int) (domain.BalanceDelta, error) {
	abs := new(big.Int).Abs(liquidityDelta)
	half := new(big.Int).Rsh(abs, 1)
	rest := new(big.Int).Sub(abs, half)
	if liquidityDelta.Sign() > 0 {
		rest.Neg(rest)
		half.Neg(half)
	}
	f.add(pool.Currency0, rest)
	f.add(pool.Currency1, half)
	return domain.BalanceDelta{Amount0: rest, Amount1: half}, nil
}

func (f *fakePool) CurrencyDelta(ctx context.Context, currency domain.Currency) (*big.Int, error) {
	if d, ok := f.deltas[currency]; ok {
		return new(big.Int).Set(d), nil
	}
	return new(big.Int), nil
}

func (f *fakePool) Settle(ctx context.Context, currency domain.Currency, amount *big.Int) error {
	credited := new(big.Int).Sub(amount, big.NewInt(f.skim))
	f.add(currency, credited)
	return nil
}

func (f *fakePool) Take(ctx context.Context, currency domain.Currency, to common.Address, amount *big.Int) error {
	f.add(currency, new(big.Int).Neg(amount))
	return nil
}

func (f *fakePool) add(currency domain.Currency, amount *big.Int) {
	if d, ok := f.deltas[currency]; ok {
		d.Add(d, amount)
		return
	}
	f.deltas[currency] = new(big.Int).Set(amount)
}

func newFakeEngine(t *testing.T, fake *fakePool) *SettlementEngine {
	t.Helper()
	logger := testLogger()
	eng := NewSettlementEngine(logger, fake, NewActionGuard(logger, 1_000_000), NewPositionBook(), testController)
	fake.handler = eng
	return eng
}

func TestEntryWhileAlreadyUnlocked(t *testing.T) {
	fake := &fakePool{preUnlocked: true}
	eng := newFakeEngine(t, fake)

	err := eng.Deposit(context.Background(), testOwner, testPoolKey(), big.NewInt(1000), -60, 60)
	if !errors.Is(err, domain.ErrManagerAlreadyUnlocked) {
		t.Fatalf("Deposit = %v, want ErrManagerAlreadyUnlocked", err)
	}
}

func TestSolvencyResidualTolerance(t *testing.T) {
	tests := []struct {
		name       string
		skim       int64
		wantInsolv bool
	}{
		{"residual 0 settles", 0, false},
		{"residual 1 forgiven", 1, false},
		{"residual 2 forgiven", 2, false},
		{"residual 3 fails", 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakePool{skim: tt.skim}
			eng := newFakeEngine(t, fake)
			key := testPoolKey()

			err := eng.Deposit(context.Background(), testOwner, key, big.NewInt(1000), -60, 60)
			if tt.wantInsolv {
				var insolv *domain.InsolventError
				if !errors.As(err, &insolv) {
					t.Fatalf("Deposit = %v, want *domain.InsolventError", err)
				}
				if insolv.Delta0.Cmp(big.NewInt(-tt.skim)) != 0 {
					t.Errorf("Delta0 = %s, want %d", insolv.Delta0, -tt.skim)
				}
				if eng.Position(testOwner).IsActive() {
					t.Error("position recorded despite insolvent settlement")
				}
				return
			}
			if err != nil {
				t.Fatalf("Deposit = %v, want nil", err)
			}
			if !eng.Position(testOwner).IsActive() {
				t.Error("position not recorded")
			}
		})
	}
}
