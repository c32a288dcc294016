package domain

import (
	"context"
	"time"
)

// BreakerCache mirrors the circuit breaker state into shared storage so
// dashboards and sibling replicas can read the swap gate without holding the
// breaker's own mutex.
type BreakerCache interface {
	SetState(ctx context.Context, state BreakerState) error
	GetState(ctx context.Context) (BreakerState, error)
}

// EventBus publishes custody and breaker events for live consumers.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// LockManager provides distributed locking. Controller actions take the
// lock so only one replica repositions at a time.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter throttles inbound requests per key over a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
