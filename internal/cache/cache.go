// Package cache provides optional read-side caching for query results.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Provider is the read-side cache. Implementations must be safe for
// concurrent use. A miss is (false, nil), never an error.
type Provider interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// RollupKey builds the cache key for a rollup range query.
func RollupKey(entityID string, from, to time.Time, limit int) string {
	return fmt.Sprintf("rollups:%s:%d:%d:%d", entityID, from.UnixMilli(), to.UnixMilli(), limit)
}

// CorrelationKey builds the cache key for a correlation lookup.
func CorrelationKey(eventID string) string {
	return fmt.Sprintf("correlations:%s", eventID)
}

// Noop is the disabled cache. Every Get misses and every Set is dropped.
type Noop struct{}

// NewNoop returns the disabled cache.
func NewNoop() *Noop { return &Noop{} }

func (*Noop) Get(ctx context.Context, key string, dest interface{}) (bool, error) { return false, nil }
func (*Noop) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return nil
}
func (*Noop) Invalidate(ctx context.Context, key string) error { return nil }
func (*Noop) Ping(ctx context.Context) error                   { return nil }
func (*Noop) Close() error                                     { return nil }
