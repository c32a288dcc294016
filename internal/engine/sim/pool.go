// Package sim provides an in-process pool engine with flash accounting.
// It backs local custody mode and the settlement tests; a remote engine
// satisfies the same interface in production deployments.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-labs/rangekeeper/internal/domain"
)

var (
	ErrNoHandler         = errors.New("sim: no unlock handler registered")
	ErrNotUnlocked       = errors.New("sim: not inside an unlock")
	ErrInsufficientFunds = errors.New("sim: insufficient reserve")
	ErrRangeUnderflow    = errors.New("sim: removing more liquidity than held")
)

// rangeKey identifies a liquidity range within a pool.
type rangeKey struct {
	pool      domain.PoolID
	tickLower int32
	tickUpper int32
}

// Pool is a single-custodian pool engine. Liquidity modifications accrue
// currency deltas that must net out, within the dust tolerance, before the
// unlock closes. State is journaled at unlock entry and restored whole on
// any failure.
type Pool struct {
	logger    *slog.Logger
	tolerance *big.Int

	mu       sync.Mutex
	unlocked bool
	handler  domain.UnlockHandler

	ranges   map[rangeKey]*big.Int          // liquidity per range
	reserves map[domain.Currency]*big.Int   // custodian funds available for Settle
	balances map[common.Address]balanceMap  // amounts taken out, per recipient
	deltas   map[domain.Currency]*big.Int   // session deltas, caller perspective
}

type balanceMap map[domain.Currency]*big.Int

// New builds an empty pool engine forgiving residual dust up to tolerance.
func New(logger *slog.Logger, tolerance int64) *Pool {
	return &Pool{
		logger:    logger.With(slog.String("component", "sim_pool")),
		tolerance: big.NewInt(tolerance),
		ranges:    make(map[rangeKey]*big.Int),
		reserves:  make(map[domain.Currency]*big.Int),
		balances:  make(map[common.Address]balanceMap),
	}
}

var _ domain.PoolEngine = (*Pool)(nil)

// RegisterHandler sets the callback target for Unlock.
func (p *Pool) RegisterHandler(h domain.UnlockHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Fund credits the custodian's reserve for a currency. Settle draws from
// this reserve.
func (p *Pool) Fund(currency domain.Currency, amount *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addTo(p.reserves, currency, amount)
}

// Reserve returns the custodian's remaining reserve for a currency.
func (p *Pool) Reserve(currency domain.Currency) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.reserves[currency]; ok {
		return new(big.Int).Set(r)
	}
	return new(big.Int)
}

// BalanceOf returns the total amount taken to a recipient for a currency.
func (p *Pool) BalanceOf(recipient common.Address, currency domain.Currency) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.balances[recipient][currency]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// RangeLiquidity returns the liquidity held in a range.
func (p *Pool) RangeLiquidity(pool domain.PoolKey, tickLower, tickUpper int32) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.ranges[rangeKey{pool.ID(), tickLower, tickUpper}]; ok {
		return new(big.Int).Set(l)
	}
	return new(big.Int)
}

// IsUnlocked reports whether a session is open.
func (p *Pool) IsUnlocked(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unlocked, nil
}

// Unlock opens a session, invokes the handler and verifies settlement.
// Residual dust within the tolerance is written off against the reserve;
// anything larger, or any handler error, rolls the whole session back.
func (p *Pool) Unlock(ctx context.Context, data []byte) ([]byte, error) {
	p.mu.Lock()
	if p.unlocked {
		p.mu.Unlock()
		return nil, domain.ErrManagerAlreadyUnlocked
	}
	if p.handler == nil {
		p.mu.Unlock()
		return nil, ErrNoHandler
	}
	p.unlocked = true
	p.deltas = make(map[domain.Currency]*big.Int)
	journal := p.snapshot()
	p.mu.Unlock()

	result, err := p.handler.UnlockCallback(ctx, data)
	if err == nil {
		err = p.verifySettlement()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.unlocked = false
	p.deltas = nil
	if err != nil {
		p.restore(journal)
		return nil, err
	}
	return result, nil
}

// ModifyLiquidity adds or removes range liquidity. The amounts follow a
// fixed even split between the two currencies, rounded so that adding and
// then removing the same delta nets to zero.
func (p *Pool) ModifyLiquidity(ctx context.Context, pool domain.PoolKey, tickLower, tickUpper int32, liquidityDelta *big.Int) (domain.BalanceDelta, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.unlocked {
		return domain.ZeroDelta(), ErrNotUnlocked
	}
	if liquidityDelta == nil || liquidityDelta.Sign() == 0 {
		return domain.ZeroDelta(), nil
	}
	if tickLower >= tickUpper || tickLower < domain.MinTick || tickUpper > domain.MaxTick {
		return domain.ZeroDelta(), fmt.Errorf("sim: range [%d, %d]: %w", tickLower, tickUpper, domain.ErrInvalidTickRange)
	}

	key := rangeKey{pool.ID(), tickLower, tickUpper}
	held := p.ranges[key]
	if held == nil {
		held = new(big.Int)
	}
	next := new(big.Int).Add(held, liquidityDelta)
	if next.Sign() < 0 {
		return domain.ZeroDelta(), fmt.Errorf("sim: range [%d, %d] holds %s: %w",
			tickLower, tickUpper, held, ErrRangeUnderflow)
	}
	p.ranges[key] = next

	// amount1 = floor(|delta|/2), amount0 = the rest; sign follows delta.
	abs := new(big.Int).Abs(liquidityDelta)
	half := new(big.Int).Rsh(abs, 1)
	rest := new(big.Int).Sub(abs, half)
	if liquidityDelta.Sign() > 0 {
		rest.Neg(rest)
		half.Neg(half)
	}
	delta := domain.BalanceDelta{Amount0: rest, Amount1: half}

	p.addTo(p.deltas, pool.Currency0, delta.Amount0)
	p.addTo(p.deltas, pool.Currency1, delta.Amount1)
	return delta, nil
}

// CurrencyDelta returns the session delta for a currency.
func (p *Pool) CurrencyDelta(ctx context.Context, currency domain.Currency) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.unlocked {
		return nil, ErrNotUnlocked
	}
	if d, ok := p.deltas[currency]; ok {
		return new(big.Int).Set(d), nil
	}
	return new(big.Int), nil
}

// Settle pays amount of currency from the custodian's reserve.
func (p *Pool) Settle(ctx context.Context, currency domain.Currency, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.unlocked {
		return ErrNotUnlocked
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("sim: settle amount %s: %w", amount, domain.ErrInvalidAmount)
	}
	reserve := p.reserves[currency]
	if reserve == nil || reserve.Cmp(amount) < 0 {
		return fmt.Errorf("sim: settle %s of %s: %w", amount, currency.Hex(), ErrInsufficientFunds)
	}
	reserve.Sub(reserve, amount)
	p.addTo(p.deltas, currency, amount)
	return nil
}

// Take transfers amount of currency to the recipient, consuming credit.
func (p *Pool) Take(ctx context.Context, currency domain.Currency, to common.Address, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.unlocked {
		return ErrNotUnlocked
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("sim: take amount %s: %w", amount, domain.ErrInvalidAmount)
	}
	if p.balances[to] == nil {
		p.balances[to] = make(balanceMap)
	}
	p.addTo(p.balances[to], currency, amount)
	p.addTo(p.deltas, currency, new(big.Int).Neg(amount))
	return nil
}

func (p *Pool) verifySettlement() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for currency, delta := range p.deltas {
		if new(big.Int).Abs(delta).Cmp(p.tolerance) > 0 {
			return fmt.Errorf("sim: currency %s delta %s unsettled: %w",
				currency.Hex(), delta, domain.ErrInvalidAmount)
		}
		if delta.Sign() != 0 {
			p.logger.Debug("dust written off",
				slog.String("currency", currency.Hex()),
				slog.String("delta", delta.String()))
		}
	}
	return nil
}

type journal struct {
	ranges   map[rangeKey]*big.Int
	reserves map[domain.Currency]*big.Int
	balances map[common.Address]balanceMap
}

// snapshot copies all mutable state. Requires p.mu held.
func (p *Pool) snapshot() *journal {
	j := &journal{
		ranges:   make(map[rangeKey]*big.Int, len(p.ranges)),
		reserves: make(map[domain.Currency]*big.Int, len(p.reserves)),
		balances: make(map[common.Address]balanceMap, len(p.balances)),
	}
	for k, v := range p.ranges {
		j.ranges[k] = new(big.Int).Set(v)
	}
	for k, v := range p.reserves {
		j.reserves[k] = new(big.Int).Set(v)
	}
	for addr, bm := range p.balances {
		cp := make(balanceMap, len(bm))
		for c, v := range bm {
			cp[c] = new(big.Int).Set(v)
		}
		j.balances[addr] = cp
	}
	return j
}

// restore rolls state back to the journal. Requires p.mu held.
func (p *Pool) restore(j *journal) {
	p.ranges = j.ranges
	p.reserves = j.reserves
	p.balances = j.balances
}

func (p *Pool) addTo(m map[domain.Currency]*big.Int, currency domain.Currency, amount *big.Int) {
	current, ok := m[currency]
	if !ok {
		current = new(big.Int)
		m[currency] = current
	}
	current.Add(current, amount)
}
