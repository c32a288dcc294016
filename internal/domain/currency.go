package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Currency identifies an asset held by the custodian. The zero value is the
// native currency.
type Currency = common.Address

// Global tick bounds shared by every pool regardless of spacing.
const (
	MinTick = -887272
	MaxTick = 887272
)

// Canonical tick spacings by fee tier.
const (
	TickSpacingStable   = 10 // 0.05% fee tier
	TickSpacingStandard = 60 // 0.30% fee tier
	TickSpacingVolatile = 200 // 1.00% fee tier
)

// PoolKey identifies a pool on the external execution engine. Currency0 must
// sort below Currency1.
type PoolKey struct {
	Currency0   Currency       `json:"currency0"`
	Currency1   Currency       `json:"currency1"`
	Fee         uint32         `json:"fee"` // hundredths of a bip
	TickSpacing int32          `json:"tickSpacing"`
	Hooks       common.Address `json:"hooks"`
}

// PoolID is the keccak hash of the encoded pool key.
type PoolID = common.Hash

// ID derives the pool identifier from the key fields.
func (k PoolKey) ID() PoolID {
	buf := make([]byte, 0, 20+20+4+4+20)
	buf = append(buf, k.Currency0.Bytes()...)
	buf = append(buf, k.Currency1.Bytes()...)
	buf = append(buf,
		byte(k.Fee>>24), byte(k.Fee>>16), byte(k.Fee>>8), byte(k.Fee))
	s := uint32(k.TickSpacing)
	buf = append(buf,
		byte(s>>24), byte(s>>16), byte(s>>8), byte(s))
	buf = append(buf, k.Hooks.Bytes()...)
	return crypto.Keccak256Hash(buf)
}

// Ordered reports whether the key's currencies are in canonical order.
func (k PoolKey) Ordered() bool {
	return k.Currency0.Cmp(k.Currency1) < 0
}
