package custody

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-labs/rangekeeper/internal/domain"
)

// PositionBook is the authoritative in-memory position record. Reads never
// fail: an unknown owner holds the zero position. Writes are reserved for
// the settlement engine in this package.
type PositionBook struct {
	mu        sync.RWMutex
	positions map[common.Address]domain.Position
	pools     map[common.Address]domain.PoolKey
}

// NewPositionBook builds an empty book.
func NewPositionBook() *PositionBook {
	return &PositionBook{
		positions: make(map[common.Address]domain.Position),
		pools:     make(map[common.Address]domain.PoolKey),
	}
}

// Get returns the owner's position, zero-valued for unknown owners.
func (b *PositionBook) Get(owner common.Address) domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.positions[owner]
	if !ok {
		return domain.ZeroPosition()
	}
	return pos
}

// PoolOf returns the single pool the owner is active in.
func (b *PositionBook) PoolOf(owner common.Address) (domain.PoolKey, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	key, ok := b.pools[owner]
	return key, ok
}

// Owners returns every owner with a recorded position.
func (b *PositionBook) Owners() []common.Address {
	b.mu.RLock()
	defer b.mu.RUnlock()
	owners := make([]common.Address, 0, len(b.positions))
	for owner := range b.positions {
		owners = append(owners, owner)
	}
	return owners
}

// set records the settled position. Inactive positions drop the pool link
// so PoolOf only answers for live liquidity.
func (b *PositionBook) set(owner common.Address, pool domain.PoolKey, pos domain.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[owner] = pos
	if pos.IsActive() {
		b.pools[owner] = pool
	} else {
		delete(b.pools, owner)
	}
}
