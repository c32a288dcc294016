package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/custodia-labs/rangekeeper/internal/domain"
)

// SnapshotStore implements domain.PositionSnapshotStore on PostgreSQL. Rows
// are append-only; the latest row per owner mirrors the in-memory book.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a SnapshotStore backed by the given client.
func NewSnapshotStore(client *Client) *SnapshotStore {
	return &SnapshotStore{pool: client.Pool()}
}

const snapshotCols = `
	owner_address, pool_id, packed, tick_lower, tick_upper,
	liquidity, status, settled_at, recorded_at`

// Upsert appends a snapshot row for the owner. The history is kept; readers
// that want the current state take the most recent row.
func (s *SnapshotStore) Upsert(ctx context.Context, snap domain.PositionSnapshot) error {
	query := `
		INSERT INTO position_snapshots (
			owner_address, pool_id, packed, tick_lower, tick_upper,
			liquidity, status, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, query,
		snap.Owner.Hex(),
		snap.PoolID.Hex(),
		snap.Packed[:],
		snap.TickLower,
		snap.TickUpper,
		snap.Liquidity,
		int16(snap.Status),
		snap.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert snapshot for %s: %w", snap.Owner.Hex(), err)
	}
	return nil
}

// GetLatest returns the most recent snapshot for the owner, or
// domain.ErrNotFound when the owner has never settled.
func (s *SnapshotStore) GetLatest(ctx context.Context, owner common.Address) (domain.PositionSnapshot, error) {
	query := `
		SELECT ` + snapshotCols + `
		FROM position_snapshots
		WHERE owner_address = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1`

	row := s.pool.QueryRow(ctx, query, owner.Hex())
	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PositionSnapshot{}, domain.ErrNotFound
		}
		return domain.PositionSnapshot{}, fmt.Errorf("postgres: get latest snapshot for %s: %w", owner.Hex(), err)
	}
	return snap, nil
}

// ListHistory returns snapshots for the owner, newest first.
func (s *SnapshotStore) ListHistory(ctx context.Context, owner common.Address, opts domain.ListOpts) ([]domain.PositionSnapshot, error) {
	query := `
		SELECT ` + snapshotCols + `
		FROM position_snapshots
		WHERE owner_address = $1`
	args := []any{owner.Hex()}

	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND recorded_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND recorded_at <= $%d", len(args))
	}

	query += " ORDER BY recorded_at DESC, id DESC"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history for %s: %w", owner.Hex(), err)
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

// ListActive returns the latest snapshot per owner, restricted to owners
// whose latest snapshot is active.
func (s *SnapshotStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.PositionSnapshot, error) {
	query := `
		SELECT owner_address, pool_id, packed, tick_lower, tick_upper,
		       liquidity, status, settled_at, recorded_at
		FROM (
			SELECT DISTINCT ON (owner_address) ` + snapshotCols + `
			FROM position_snapshots
			ORDER BY owner_address, recorded_at DESC, id DESC
		) latest
		WHERE status = 1
		ORDER BY recorded_at DESC`
	args := []any{}

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active snapshots: %w", err)
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

// Count returns the total number of snapshot rows.
func (s *SnapshotStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM position_snapshots").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count snapshots: %w", err)
	}
	return count, nil
}

func scanSnapshot(row pgx.Row) (domain.PositionSnapshot, error) {
	var (
		snap   domain.PositionSnapshot
		owner  string
		poolID string
		packed []byte
		status int16
	)
	err := row.Scan(
		&owner,
		&poolID,
		&packed,
		&snap.TickLower,
		&snap.TickUpper,
		&snap.Liquidity,
		&status,
		&snap.SettledAt,
		&snap.RecordedAt,
	)
	if err != nil {
		return domain.PositionSnapshot{}, err
	}

	snap.Owner = common.HexToAddress(owner)
	snap.PoolID = common.HexToHash(poolID)
	snap.Status = domain.PositionStatus(status)
	copy(snap.Packed[:], packed)
	return snap, nil
}

func scanSnapshots(rows pgx.Rows) ([]domain.PositionSnapshot, error) {
	var snaps []domain.PositionSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot row: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate snapshot rows: %w", err)
	}
	return snaps, nil
}
