package cache

import (
	"context"
	"sync"
	"time"

	"github.com/avylove/bulkmail/types"
)

// Local is an in-process Cache implementation.
//
// It backs single-process deployments that run without a cache server, and
// doubles as the cache fake in tests. Expiry is checked lazily on Get.
type Local struct {
	mu      sync.Mutex
	entries map[string]localEntry
	now     func() time.Time
}

type localEntry struct {
	value     string
	expiresAt time.Time
}

// Compile-time assertion that Local implements Cache.
var _ Cache = (*Local)(nil)

// NewLocal creates an empty in-process cache.
//
// Returns:
//   - *Local: A new cache instance
func NewLocal() *Local {
	return &Local{
		entries: make(map[string]localEntry),
		now:     time.Now,
	}
}

// Ping always succeeds; the process-local cache is its own process.
func (l *Local) Ping(_ context.Context) error {
	return nil
}

// Get returns the value for key, honoring expiry.
func (l *Local) Get(_ context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return "", types.ErrCacheMiss
	}

	if !e.expiresAt.IsZero() && l.now().After(e.expiresAt) {
		delete(l.entries, key)
		return "", types.ErrCacheMiss
	}

	return e.value, nil
}

// SetEx stores value under key with a TTL. A non-positive TTL stores the
// value without expiry.
func (l *Local) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := localEntry{value: value}
	if ttl > 0 {
		e.expiresAt = l.now().Add(ttl)
	}
	l.entries[key] = e

	return nil
}

// Delete removes key.
func (l *Local) Delete(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.entries, key)

	return nil
}

// SetClock overrides the time source. Test helper.
func (l *Local) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.now = now
}
