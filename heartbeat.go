package bulkmail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avylove/bulkmail/store"
	"github.com/avylove/bulkmail/types"
)

// jobHeartbeat refreshes last_heartbeat on an active job document while its
// chunks are being processed.
//
// Chunk completion already advances last_heartbeat, but a single large chunk
// can take long enough that an observer would mistake the worker for dead.
// The ticker proves liveness between chunk boundaries; the recovery scanner
// and dashboards read the timestamp, never this process.
type jobHeartbeat struct {
	store    store.DocumentStore
	jobID    string
	interval time.Duration
	logger   types.Logger
	metrics  types.MetricsCollector

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	ticker  *time.Ticker
}

// newJobHeartbeat creates a heartbeat ticker for one job.
func newJobHeartbeat(
	st store.DocumentStore,
	jobID string,
	interval time.Duration,
	logger types.Logger,
	metrics types.MetricsCollector,
) *jobHeartbeat {
	return &jobHeartbeat{
		store:    st,
		jobID:    jobID,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins heartbeating in the background.
//
// Beats once immediately, then at the configured interval until Stop.
//
// Parameters:
//   - ctx: Context for cancellation
//
// Returns:
//   - error: types.ErrAlreadyStarted if already running, or the initial
//     beat's store failure
func (h *jobHeartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return types.ErrAlreadyStarted
	}

	if err := h.beat(ctx); err != nil {
		return fmt.Errorf("failed to publish initial heartbeat: %w", err)
	}

	h.started = true
	h.ticker = time.NewTicker(h.interval)

	go h.loop()

	return nil
}

// Stop stops the heartbeat ticker.
//
// Blocks until the background goroutine exits.
//
// Returns:
//   - error: types.ErrNotStarted if not running
func (h *jobHeartbeat) Stop() error {
	h.mu.Lock()

	if !h.started {
		h.mu.Unlock()

		return types.ErrNotStarted
	}

	h.started = false
	h.ticker.Stop()
	close(h.stopCh)
	h.mu.Unlock()

	<-h.doneCh

	return nil
}

func (h *jobHeartbeat) loop() {
	defer close(h.doneCh)

	for {
		select {
		case <-h.stopCh:
			return
		case <-h.ticker.C:
			// Each beat gets its own deadline so a hung store call cannot
			// wedge the loop past the next tick.
			ctx, cancel := context.WithTimeout(context.Background(), h.interval)
			if err := h.beat(ctx); err != nil {
				h.logger.Warn("job heartbeat failed", "jobID", h.jobID, "error", err)
			}
			cancel()
		}
	}
}

// beat writes the current timestamp to the job document.
func (h *jobHeartbeat) beat(ctx context.Context) error {
	now := time.Now().UTC()

	err := h.store.UpdateJob(ctx, h.jobID, store.JobUpdate{
		Set: map[string]any{
			"last_heartbeat": now,
			"updated_at":     now,
		},
	})

	h.metrics.RecordJobHeartbeat(h.jobID, err == nil)

	return err
}
