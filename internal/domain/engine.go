package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PoolEngine is the external pool execution engine the custodian settles
// against. Deltas follow the flash-accounting convention: negative amounts
// are owed by the caller to the engine, positive amounts are owed to the
// caller. All currency debts must net out before the unlock closes.
type PoolEngine interface {
	// Unlock opens a settlement session and invokes the registered handler
	// with data. The session must net to zero across all currencies.
	Unlock(ctx context.Context, data []byte) ([]byte, error)

	// IsUnlocked reports whether a settlement session is currently open.
	IsUnlocked(ctx context.Context) (bool, error)

	// ModifyLiquidity adds (positive delta) or removes (negative delta)
	// liquidity in the given tick range. Only valid inside an unlock.
	ModifyLiquidity(ctx context.Context, pool PoolKey, tickLower, tickUpper int32, liquidityDelta *big.Int) (BalanceDelta, error)

	// CurrencyDelta returns the caller's outstanding delta for a currency
	// in the current session.
	CurrencyDelta(ctx context.Context, currency Currency) (*big.Int, error)

	// Settle pays amount of currency to the engine, reducing a debt.
	Settle(ctx context.Context, currency Currency, amount *big.Int) error

	// Take transfers amount of currency from the engine to recipient,
	// consuming a credit.
	Take(ctx context.Context, currency Currency, to common.Address, amount *big.Int) error
}

// UnlockHandler receives the callback inside a pool-engine unlock.
type UnlockHandler interface {
	UnlockCallback(ctx context.Context, data []byte) ([]byte, error)
}

// IdentityOracle answers whether an identity reference resolves to an owner.
// Resolution itself is out of scope; the custodian only checks membership.
type IdentityOracle interface {
	IsAuthorized(ctx context.Context, owner common.Address, identityRef common.Hash) (bool, error)
}
