// Package cache defines the fast key-value layer contract.
//
// The cache is used for health-check liveness, campaign pause flags, and
// short-TTL job progress mirrors. Running without a cache is a supported,
// explicit degraded mode: rate limiting and pause flags fall back to
// process-local state.
package cache

import (
	"context"
	"time"
)

// Cache is the fast key-value contract consumed by the engine.
//
// Implementations must be safe for concurrent use.
type Cache interface {
	// Ping verifies cache reachability. Used by the health probe.
	Ping(ctx context.Context) error

	// Get returns the value for key.
	//
	// Returns:
	//   - string: The stored value
	//   - error: types.ErrCacheMiss if the key is absent or expired
	Get(ctx context.Context, key string) (string, error)

	// SetEx stores value under key with a TTL.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
