// Package cache provides the key-value store the aggregation pipeline
// parks its snapshots in. Values are JSON-serialized; every key carries a
// TTL. Callers must treat store errors as cache misses; the pipeline can
// always re-fetch from upstream.
package cache

import (
	"context"
	"time"
)

// TTL sentinels, matching Redis semantics.
const (
	TTLNone    = time.Duration(-1) // key exists but has no expiry
	TTLMissing = time.Duration(-2) // key does not exist
)

// Store is the cache contract shared by the Redis and in-memory backends.
//
//go:generate mockgen -package=aggregate_test -destination=../aggregate/mock_store_test.go -source=cache.go Store
type Store interface {
	// Get unmarshals the value at key into dest and reports whether the
	// key was present and unexpired.
	Get(ctx context.Context, key string, dest any) (bool, error)
	// Set marshals value and stores it under key for ttl. A non-positive
	// ttl stores the value without expiry.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	// DelPattern removes every key matching a redis-style glob pattern.
	DelPattern(ctx context.Context, pattern string) error
	Exists(ctx context.Context, key string) (bool, error)
	// TTL returns the remaining lifetime of key, or one of the TTL
	// sentinels.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
