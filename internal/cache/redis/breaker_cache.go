package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/rangekeeper/internal/domain"
)

// breakerStateKey is the hash holding the mirrored breaker state. A single
// key is enough: the breaker guards one pool engine per deployment.
const breakerStateKey = "rangekeeper:breaker:state"

// BreakerCache implements domain.BreakerCache using a Redis hash. The
// in-process breaker remains authoritative; the cache exists so dashboards
// and sibling replicas can read the swap gate without an RPC to this process.
type BreakerCache struct {
	rdb *redis.Client
}

// NewBreakerCache creates a BreakerCache backed by the given Client.
func NewBreakerCache(c *Client) *BreakerCache {
	return &BreakerCache{rdb: c.Underlying()}
}

// SetState mirrors the breaker state into Redis.
func (bc *BreakerCache) SetState(ctx context.Context, state domain.BreakerState) error {
	fields := map[string]interface{}{
		"emergency_mode":   strconv.FormatBool(state.EmergencyMode),
		"last_risk_level":  strconv.FormatUint(uint64(state.LastRiskLevel), 10),
		"last_risk_update": strconv.FormatInt(state.LastRiskUpdate.UnixNano(), 10),
	}
	if err := bc.rdb.HSet(ctx, breakerStateKey, fields).Err(); err != nil {
		return fmt.Errorf("redis: set breaker state: %w", err)
	}
	return nil
}

// GetState reads the mirrored breaker state. It returns domain.ErrNotFound
// when no state has been mirrored yet.
func (bc *BreakerCache) GetState(ctx context.Context) (domain.BreakerState, error) {
	vals, err := bc.rdb.HGetAll(ctx, breakerStateKey).Result()
	if err != nil {
		return domain.BreakerState{}, fmt.Errorf("redis: get breaker state: %w", err)
	}
	if len(vals) == 0 {
		return domain.BreakerState{}, domain.ErrNotFound
	}

	var state domain.BreakerState

	if raw, ok := vals["emergency_mode"]; ok {
		emergency, err := strconv.ParseBool(raw)
		if err != nil {
			return domain.BreakerState{}, fmt.Errorf("redis: parse emergency_mode: %w", err)
		}
		state.EmergencyMode = emergency
	}

	if raw, ok := vals["last_risk_level"]; ok {
		level, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			return domain.BreakerState{}, fmt.Errorf("redis: parse last_risk_level: %w", err)
		}
		state.LastRiskLevel = uint8(level)
	}

	if raw, ok := vals["last_risk_update"]; ok {
		nanos, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.BreakerState{}, fmt.Errorf("redis: parse last_risk_update: %w", err)
		}
		state.LastRiskUpdate = time.Unix(0, nanos)
	}

	return state, nil
}

// Compile-time interface check.
var _ domain.BreakerCache = (*BreakerCache)(nil)
