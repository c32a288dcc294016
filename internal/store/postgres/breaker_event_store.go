package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/custodia-labs/rangekeeper/internal/domain"
)

// BreakerEventStore implements domain.BreakerEventStore on PostgreSQL.
type BreakerEventStore struct {
	pool *pgxpool.Pool
}

// NewBreakerEventStore creates a BreakerEventStore backed by the given client.
func NewBreakerEventStore(client *Client) *BreakerEventStore {
	return &BreakerEventStore{pool: client.Pool()}
}

// Insert appends one breaker audit record.
func (s *BreakerEventStore) Insert(ctx context.Context, event domain.BreakerEvent) error {
	query := `
		INSERT INTO breaker_events (kind, risk_level, reason, owner_address)
		VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, query,
		string(event.Kind),
		int16(event.RiskLevel),
		event.Reason,
		event.Owner.Hex(),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert breaker event: %w", err)
	}
	return nil
}

// ListRecent returns the most recent breaker events, newest first.
func (s *BreakerEventStore) ListRecent(ctx context.Context, limit int) ([]domain.BreakerEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, kind, risk_level, reason, owner_address, created_at
		FROM breaker_events
		ORDER BY created_at DESC, id DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list breaker events: %w", err)
	}
	defer rows.Close()

	return scanBreakerEvents(rows)
}

// CountByKind returns the number of events of the given kind recorded at or
// after the given time.
func (s *BreakerEventStore) CountByKind(ctx context.Context, kind domain.BreakerEventKind, since time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM breaker_events WHERE kind = $1 AND created_at >= $2",
		string(kind), since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count breaker events by kind %s: %w", kind, err)
	}
	return count, nil
}

func scanBreakerEvents(rows pgx.Rows) ([]domain.BreakerEvent, error) {
	var events []domain.BreakerEvent
	for rows.Next() {
		var (
			event     domain.BreakerEvent
			kind      string
			riskLevel int16
			owner     string
		)
		if err := rows.Scan(&event.ID, &kind, &riskLevel, &event.Reason, &owner, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan breaker event row: %w", err)
		}
		event.Kind = domain.BreakerEventKind(kind)
		event.RiskLevel = uint8(riskLevel)
		event.Owner = common.HexToAddress(owner)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate breaker event rows: %w", err)
	}
	return events, nil
}
