package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionSnapshotStore persists the audit mirror of settled positions. The
// in-memory position book stays authoritative; this store only trails it.
type PositionSnapshotStore interface {
	Upsert(ctx context.Context, snap PositionSnapshot) error
	GetLatest(ctx context.Context, owner common.Address) (PositionSnapshot, error)
	ListHistory(ctx context.Context, owner common.Address, opts ListOpts) ([]PositionSnapshot, error)
	ListActive(ctx context.Context, opts ListOpts) ([]PositionSnapshot, error)
	Count(ctx context.Context) (int64, error)
}

// BreakerEventStore persists an append-only breaker audit log.
type BreakerEventStore interface {
	Insert(ctx context.Context, event BreakerEvent) error
	ListRecent(ctx context.Context, limit int) ([]BreakerEvent, error)
	CountByKind(ctx context.Context, kind BreakerEventKind, since time.Time) (int64, error)
}
