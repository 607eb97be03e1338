package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avylove/bulkmail/cache"
	"github.com/avylove/bulkmail/types"
)

const pauseKeyPrefix = "pause:"

// DefaultPauseTTL bounds how long a pause flag lives in the cache before it
// must be refreshed by the control plane.
const DefaultPauseTTL = 24 * time.Hour

// PauseRegistry tracks externally paused campaigns.
//
// With a cache layer configured, flags live under "pause:<jobID>" so an
// external control plane can set and clear them. Without a cache the
// registry degrades explicitly to process-local state.
type PauseRegistry struct {
	cache  cache.Cache // nil for process-local operation
	ttl    time.Duration
	logger types.Logger

	mu    sync.Mutex
	local map[string]struct{}
}

// NewPauseRegistry creates a pause registry.
//
// Parameters:
//   - c: Cache layer, nil for process-local operation
//   - logger: Structured logger
//
// Returns:
//   - *PauseRegistry: A new registry instance
func NewPauseRegistry(c cache.Cache, logger types.Logger) *PauseRegistry {
	r := &PauseRegistry{
		cache:  c,
		ttl:    DefaultPauseTTL,
		logger: logger,
		local:  make(map[string]struct{}),
	}

	if c == nil {
		logger.Warn("no cache layer configured: pause flags are process-local only")
	}

	return r
}

// Pause marks a job as paused.
func (r *PauseRegistry) Pause(ctx context.Context, jobID string) error {
	if r.cache != nil {
		return r.cache.SetEx(ctx, pauseKeyPrefix+jobID, "1", r.ttl)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.local[jobID] = struct{}{}

	return nil
}

// Resume clears a job's pause flag.
func (r *PauseRegistry) Resume(ctx context.Context, jobID string) error {
	if r.cache != nil {
		return r.cache.Delete(ctx, pauseKeyPrefix+jobID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.local, jobID)

	return nil
}

// Paused reports whether a job is currently paused.
//
// A cache lookup failure other than a miss is treated as not paused and
// logged; pausing is a control-plane convenience, not a safety invariant.
func (r *PauseRegistry) Paused(ctx context.Context, jobID string) bool {
	if r.cache != nil {
		_, err := r.cache.Get(ctx, pauseKeyPrefix+jobID)
		if err == nil {
			return true
		}
		if !errors.Is(err, types.ErrCacheMiss) {
			r.logger.Warn("pause flag lookup failed", "jobID", jobID, "error", err)
		}

		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, paused := r.local[jobID]

	return paused
}
