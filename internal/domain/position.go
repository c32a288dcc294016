package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PositionStatus tracks whether an owner holds live liquidity.
type PositionStatus uint8

const (
	PositionStatusInactive PositionStatus = 0
	PositionStatusActive   PositionStatus = 1
)

// Position is an owner's tick-range liquidity claim. An owner holds at most
// one position, in at most one pool. Liquidity fits in 128 bits; the ticks
// fit in 24 bits each.
type Position struct {
	TickLower   int32
	TickUpper   int32
	Liquidity   *big.Int
	LastUpdated time.Time
	Status      PositionStatus
}

// ZeroPosition returns the position of an owner with no holdings.
func ZeroPosition() Position {
	return Position{Liquidity: new(big.Int), Status: PositionStatusInactive}
}

// IsActive reports whether the position holds live liquidity.
func (p Position) IsActive() bool {
	return p.Status == PositionStatusActive
}

// SameRange reports whether the position covers exactly [lower, upper).
func (p Position) SameRange(lower, upper int32) bool {
	return p.TickLower == lower && p.TickUpper == upper
}

// PositionSnapshot is a persisted mirror of a settled position, keyed by
// owner. It exists for audit and restart, not for settlement.
type PositionSnapshot struct {
	Owner      common.Address
	PoolID     PoolID
	Packed     [32]byte
	TickLower  int32
	TickUpper  int32
	Liquidity  string // decimal, uint128 range
	Status     PositionStatus
	SettledAt  time.Time
	RecordedAt time.Time
}
