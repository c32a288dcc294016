package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AgentSignal is a single risk advisory from the off-chain monitoring agent.
// Signals are consumed once and never retained as live state.
type AgentSignal struct {
	CurrentPrice     int64 // fixed-point price, 1e6 units
	Volatility       int64 // fixed-point annualized volatility, 1e6 units
	RecommendedLower int32
	RecommendedUpper int32
	RiskLevel        uint8 // 0..100
	IdentityRef      common.Hash
	Timestamp        time.Time
}

// Price returns the display price from fixed-point units.
func (s AgentSignal) Price() float64 {
	return float64(s.CurrentPrice) / 1e6
}

// Equal reports whether two signals carry identical payloads. Used by the
// duplicate short-circuit; timestamp is deliberately excluded so a re-sent
// signal still counts as a duplicate.
func (s AgentSignal) Equal(other AgentSignal) bool {
	return s.CurrentPrice == other.CurrentPrice &&
		s.Volatility == other.Volatility &&
		s.RecommendedLower == other.RecommendedLower &&
		s.RecommendedUpper == other.RecommendedUpper &&
		s.RiskLevel == other.RiskLevel &&
		s.IdentityRef == other.IdentityRef
}

// BreakerState mirrors the circuit breaker's shared cell.
type BreakerState struct {
	EmergencyMode  bool
	LastRiskLevel  uint8
	LastRiskUpdate time.Time
}

// BreakerEvent is a persisted audit record of a breaker decision.
type BreakerEvent struct {
	ID        int64
	Kind      BreakerEventKind
	RiskLevel uint8
	Reason    string
	Owner     common.Address
	CreatedAt time.Time
}

// BreakerEventKind labels the audit record.
type BreakerEventKind string

const (
	BreakerEventTripped  BreakerEventKind = "tripped"
	BreakerEventCleared  BreakerEventKind = "cleared"
	BreakerEventRejected BreakerEventKind = "rejected"
	BreakerEventAccepted BreakerEventKind = "accepted"
)
