package domain

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrLockHeld               = errors.New("lock already held")
	ErrContextDone            = errors.New("context cancelled")
	ErrInvalidTickRange       = errors.New("invalid tick range")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrNoPositionToWithdraw   = errors.New("no position to withdraw")
	ErrStaleSignal            = errors.New("signal is stale")
	ErrRiskTooHigh            = errors.New("risk level too high")
	ErrExtremeVolatility      = errors.New("extreme volatility detected")
	ErrCircuitBreakerActive   = errors.New("circuit breaker active")
	ErrNotAuthorizedAgent     = errors.New("not an authorized agent")
	ErrOnlyController         = errors.New("caller is not the controller")
	ErrOnlyPoolManager        = errors.New("caller is not the pool manager")
	ErrManagerAlreadyUnlocked = errors.New("pool manager already unlocked")
	ErrActionInProgress       = errors.New("custody action already in progress")
	ErrResourceBudgetExceeded = errors.New("resource budget exceeded")
)

// InsolventError reports non-zero residual currency deltas after settlement.
// Both residuals are captured so operators can see which side failed.
type InsolventError struct {
	Delta0 *big.Int
	Delta1 *big.Int
}

func (e *InsolventError) Error() string {
	return fmt.Sprintf("insolvent after settlement: delta0=%s delta1=%s", e.Delta0, e.Delta1)
}

// CastError reports a numeric narrowing that would lose information.
type CastError struct {
	Value string // decimal rendering of the offending value
	Bits  int    // target width
}

func (e *CastError) Error() string {
	return fmt.Sprintf("value %s does not fit in %d bits", e.Value, e.Bits)
}

// NewCastError builds a CastError from a big integer value.
func NewCastError(v *big.Int, bits int) *CastError {
	return &CastError{Value: v.String(), Bits: bits}
}
