package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-labs/rangekeeper/internal/domain"
)

var (
	testAgent      = common.HexToAddress("0x0000000000000000000000000000000000000a9e")
	testController = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	testOwner      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testIdentity   = common.HexToHash("0x01")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEngine records reposition calls.
type fakeEngine struct {
	position domain.Position
	pool     domain.PoolKey
	hasPool  bool

	calls []repositionCall
	err   error
}

type repositionCall struct {
	caller    common.Address
	tickLower int32
	tickUpper int32
	liquidity *big.Int
	owner     common.Address
}

func (f *fakeEngine) ExecuteControllerAction(ctx context.Context, caller common.Address, pool domain.PoolKey, tickLower, tickUpper int32, liquidity *big.Int, owner common.Address) error {
	f.calls = append(f.calls, repositionCall{caller, tickLower, tickUpper, liquidity, owner})
	return f.err
}

func (f *fakeEngine) Position(owner common.Address) domain.Position {
	return f.position
}

func (f *fakeEngine) PoolOf(owner common.Address) (domain.PoolKey, bool) {
	return f.pool, f.hasPool
}

// fakeOracle authorizes a fixed owner/identity pair.
type fakeOracle struct {
	owner    common.Address
	identity common.Hash
	err      error
}

func (f *fakeOracle) IsAuthorized(ctx context.Context, owner common.Address, identityRef common.Hash) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return owner == f.owner && identityRef == f.identity, nil
}

func activeEngine() *fakeEngine {
	return &fakeEngine{
		position: domain.Position{
			TickLower: -60,
			TickUpper: 60,
			Liquidity: big.NewInt(1000),
			Status:    domain.PositionStatusActive,
		},
		pool: domain.PoolKey{
			Currency0:   common.HexToAddress("0x0000000000000000000000000000000000000001"),
			Currency1:   common.HexToAddress("0x0000000000000000000000000000000000000002"),
			Fee:         3000,
			TickSpacing: 60,
		},
		hasPool: true,
	}
}

func newTestBreaker(engine *fakeEngine) (*CircuitBreaker, *time.Time) {
	cfg := DefaultConfig()
	cfg.AgentAddress = testAgent
	cfg.Controller = testController
	b := New(testLogger(), cfg, engine, &fakeOracle{owner: testOwner, identity: testIdentity}, nil, nil)

	now := time.Unix(1_700_000_000, 0).UTC()
	b.now = func() time.Time { return now }
	return b, &now
}

func freshSignal(risk uint8, now time.Time) domain.AgentSignal {
	return domain.AgentSignal{
		CurrentPrice:     1_050_000,
		Volatility:       200_000,
		RecommendedLower: -120,
		RecommendedUpper: 120,
		RiskLevel:        risk,
		IdentityRef:      testIdentity,
		Timestamp:        now.Add(-time.Second),
	}
}

func TestAcceptedSignalRepositions(t *testing.T) {
	engine := activeEngine()
	b, now := newTestBreaker(engine)

	if err := b.ProcessSignal(context.Background(), testAgent, testOwner, freshSignal(40, *now)); err != nil {
		t.Fatalf("ProcessSignal: %v", err)
	}

	if len(engine.calls) != 1 {
		t.Fatalf("reposition calls = %d, want 1", len(engine.calls))
	}
	call := engine.calls[0]
	if call.caller != testController {
		t.Errorf("caller = %s, want controller", call.caller.Hex())
	}
	if call.tickLower != -120 || call.tickUpper != 120 {
		t.Errorf("range = [%d, %d], want [-120, 120]", call.tickLower, call.tickUpper)
	}
	if call.liquidity.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("liquidity = %s, want the owner's current 1000", call.liquidity)
	}
	if call.owner != testOwner {
		t.Errorf("owner = %s, want %s", call.owner.Hex(), testOwner.Hex())
	}

	state := b.State()
	if state.EmergencyMode {
		t.Error("emergency mode set by accepted signal")
	}
	if state.LastRiskLevel != 40 {
		t.Errorf("LastRiskLevel = %d, want 40", state.LastRiskLevel)
	}
	if !state.LastRiskUpdate.Equal(*now) {
		t.Errorf("LastRiskUpdate = %v, want %v", state.LastRiskUpdate, *now)
	}
}

func TestUnauthorizedAgent(t *testing.T) {
	engine := activeEngine()
	b, now := newTestBreaker(engine)

	err := b.ProcessSignal(context.Background(), testOwner, testOwner, freshSignal(40, *now))
	if !errors.Is(err, domain.ErrNotAuthorizedAgent) {
		t.Fatalf("ProcessSignal = %v, want ErrNotAuthorizedAgent", err)
	}
	if len(engine.calls) != 0 {
		t.Error("unauthorized signal repositioned")
	}
}

func TestStaleSignal(t *testing.T) {
	engine := activeEngine()
	b, now := newTestBreaker(engine)

	sig := freshSignal(40, *now)
	sig.Timestamp = now.Add(-6 * time.Minute)

	err := b.ProcessSignal(context.Background(), testAgent, testOwner, sig)
	if !errors.Is(err, domain.ErrStaleSignal) {
		t.Fatalf("ProcessSignal = %v, want ErrStaleSignal", err)
	}
	if len(engine.calls) != 0 {
		t.Error("stale signal repositioned")
	}
	if got := b.State().LastRiskUpdate; !got.IsZero() {
		t.Errorf("stale signal refreshed risk clock to %v", got)
	}
}

func TestExtremeRiskTripsBreaker(t *testing.T) {
	engine := activeEngine()
	b, now := newTestBreaker(engine)

	err := b.ProcessSignal(context.Background(), testAgent, testOwner, freshSignal(100, *now))
	if !errors.Is(err, domain.ErrExtremeVolatility) {
		t.Fatalf("ProcessSignal = %v, want ErrExtremeVolatility", err)
	}
	if !b.State().EmergencyMode {
		t.Error("breaker not tripped at risk level 100")
	}
	if len(engine.calls) != 0 {
		t.Error("extreme signal repositioned")
	}
}

func TestHighRiskRejectedWithoutTransition(t *testing.T) {
	engine := activeEngine()
	b, now := newTestBreaker(engine)

	err := b.ProcessSignal(context.Background(), testAgent, testOwner, freshSignal(95, *now))
	if !errors.Is(err, domain.ErrRiskTooHigh) {
		t.Fatalf("ProcessSignal = %v, want ErrRiskTooHigh", err)
	}
	if b.State().EmergencyMode {
		t.Error("high-but-not-extreme signal tripped the breaker")
	}
	if len(engine.calls) != 0 {
		t.Error("rejected signal repositioned")
	}
}

func TestRecoveryClearsBreaker(t *testing.T) {
	engine := activeEngine()
	b, now := newTestBreaker(engine)
	ctx := context.Background()

	if err := b.ProcessSignal(ctx, testAgent, testOwner, freshSignal(100, *now)); !errors.Is(err, domain.ErrExtremeVolatility) {
		t.Fatalf("trip = %v, want ErrExtremeVolatility", err)
	}

	// Moderate risk while tripped: accepted for the clock, no clear, no
	// reposition.
	err := b.ProcessSignal(ctx, testAgent, testOwner, freshSignal(50, *now))
	if !errors.Is(err, domain.ErrCircuitBreakerActive) {
		t.Fatalf("moderate during emergency = %v, want ErrCircuitBreakerActive", err)
	}
	if !b.State().EmergencyMode {
		t.Error("emergency cleared above the recovery threshold")
	}

	// Below the recovery threshold: clears and repositions.
	if err := b.ProcessSignal(ctx, testAgent, testOwner, freshSignal(20, *now)); err != nil {
		t.Fatalf("recovery signal = %v, want nil", err)
	}
	if b.State().EmergencyMode {
		t.Error("emergency not cleared below recovery threshold")
	}
	if len(engine.calls) != 1 {
		t.Errorf("reposition calls = %d, want 1", len(engine.calls))
	}
}

func TestSwapGating(t *testing.T) {
	engine := activeEngine()
	b, now := newTestBreaker(engine)
	ctx := context.Background()
	pool := engine.pool.ID()

	if err := b.CheckSwapAllowed(ctx, pool); err != nil {
		t.Fatalf("CheckSwapAllowed before trip = %v, want nil", err)
	}

	if err := b.ProcessSignal(ctx, testAgent, testOwner, freshSignal(100, *now)); !errors.Is(err, domain.ErrExtremeVolatility) {
		t.Fatalf("trip = %v", err)
	}
	if err := b.CheckSwapAllowed(ctx, pool); !errors.Is(err, domain.ErrCircuitBreakerActive) {
		t.Fatalf("CheckSwapAllowed during emergency = %v, want ErrCircuitBreakerActive", err)
	}
	// Any pool, not just the one that tripped it.
	other := common.HexToHash("0xdead")
	if err := b.CheckSwapAllowed(ctx, other); !errors.Is(err, domain.ErrCircuitBreakerActive) {
		t.Fatalf("CheckSwapAllowed other pool = %v, want ErrCircuitBreakerActive", err)
	}

	if err := b.ProcessSignal(ctx, testAgent, testOwner, freshSignal(20, *now)); err != nil {
		t.Fatalf("recovery = %v", err)
	}
	if err := b.CheckSwapAllowed(ctx, pool); err != nil {
		t.Fatalf("CheckSwapAllowed after recovery = %v, want nil", err)
	}
}

func TestDuplicateSignalShortCircuits(t *testing.T) {
	engine := activeEngine()
	b, now := newTestBreaker(engine)
	ctx := context.Background()

	sig := freshSignal(40, *now)
	if err := b.ProcessSignal(ctx, testAgent, testOwner, sig); err != nil {
		t.Fatalf("first signal: %v", err)
	}
	// Same payload, later timestamp: dropped without touching the engine.
	dup := sig
	dup.Timestamp = now.Add(time.Second)
	if err := b.ProcessSignal(ctx, testAgent, testOwner, dup); err != nil {
		t.Fatalf("duplicate signal = %v, want nil", err)
	}
	if len(engine.calls) != 1 {
		t.Errorf("reposition calls = %d, want 1", len(engine.calls))
	}
}

func TestIdentityOracleRejection(t *testing.T) {
	engine := activeEngine()
	b, now := newTestBreaker(engine)

	sig := freshSignal(40, *now)
	sig.IdentityRef = common.HexToHash("0x02")

	err := b.ProcessSignal(context.Background(), testAgent, testOwner, sig)
	if !errors.Is(err, domain.ErrNotAuthorizedAgent) {
		t.Fatalf("ProcessSignal = %v, want ErrNotAuthorizedAgent", err)
	}
	if len(engine.calls) != 0 {
		t.Error("unauthorized identity repositioned")
	}
}

func TestSignalForOwnerWithoutPosition(t *testing.T) {
	engine := activeEngine()
	engine.hasPool = false
	b, now := newTestBreaker(engine)

	err := b.ProcessSignal(context.Background(), testAgent, testOwner, freshSignal(40, *now))
	if !errors.Is(err, domain.ErrNoPositionToWithdraw) {
		t.Fatalf("ProcessSignal = %v, want ErrNoPositionToWithdraw", err)
	}
}

func TestEngineFailurePropagates(t *testing.T) {
	engine := activeEngine()
	engine.err = domain.ErrResourceBudgetExceeded
	b, now := newTestBreaker(engine)

	err := b.ProcessSignal(context.Background(), testAgent, testOwner, freshSignal(40, *now))
	if !errors.Is(err, domain.ErrResourceBudgetExceeded) {
		t.Fatalf("ProcessSignal = %v, want engine error", err)
	}
	// A failed reposition must not poison the duplicate cache.
	engine.err = nil
	if err := b.ProcessSignal(context.Background(), testAgent, testOwner, freshSignal(40, *now)); err != nil {
		t.Fatalf("retry after engine failure = %v, want nil", err)
	}
	if len(engine.calls) != 2 {
		t.Errorf("reposition calls = %d, want 2", len(engine.calls))
	}
}
