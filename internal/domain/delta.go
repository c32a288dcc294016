package domain

import "math/big"

// BalanceDelta is the pair of per-currency balance changes produced by a
// liquidity modification. Positive values are owed to the caller, negative
// values are owed by the caller to the pool engine.
type BalanceDelta struct {
	Amount0 *big.Int
	Amount1 *big.Int
}

// ZeroDelta returns a delta with both amounts set to zero.
func ZeroDelta() BalanceDelta {
	return BalanceDelta{Amount0: new(big.Int), Amount1: new(big.Int)}
}

// NewBalanceDelta builds a delta from int64 amounts.
func NewBalanceDelta(amount0, amount1 int64) BalanceDelta {
	return BalanceDelta{
		Amount0: big.NewInt(amount0),
		Amount1: big.NewInt(amount1),
	}
}

// Add returns the element-wise sum of d and other.
func (d BalanceDelta) Add(other BalanceDelta) BalanceDelta {
	return BalanceDelta{
		Amount0: new(big.Int).Add(d.Amount0, other.Amount0),
		Amount1: new(big.Int).Add(d.Amount1, other.Amount1),
	}
}

// Neg returns the element-wise negation of d.
func (d BalanceDelta) Neg() BalanceDelta {
	return BalanceDelta{
		Amount0: new(big.Int).Neg(d.Amount0),
		Amount1: new(big.Int).Neg(d.Amount1),
	}
}

// IsZero reports whether both amounts are zero.
func (d BalanceDelta) IsZero() bool {
	return d.Amount0.Sign() == 0 && d.Amount1.Sign() == 0
}
