// Package store defines the document store contract consumed by the
// ingestion pipeline and dispatch loop.
//
// The engine treats the record store as a generic document store: it needs
// find-one, atomic partial updates ($set/$inc with upsert), bulk upserts
// keyed by (email, list), and counting. The mongo subpackage provides the
// production implementation; the bulkmail testing package provides an
// in-memory one.
package store

import (
	"context"

	"github.com/avylove/bulkmail/types"
)

// JobUpdate describes one atomic partial update to a job document.
//
// Set and Inc are applied in a single store operation so that concurrent
// chunk completions cannot clobber each other's counters. Full-document
// overwrites are deliberately not expressible through this type.
type JobUpdate struct {
	// Set maps field names to replacement values.
	Set map[string]any

	// Inc maps field names to increments (may be negative).
	Inc map[string]int64
}

// Empty reports whether the update would change nothing.
func (u JobUpdate) Empty() bool {
	return len(u.Set) == 0 && len(u.Inc) == 0
}

// DocumentStore is the persistence contract for jobs, subscribers, and dead
// letters.
//
// Implementations must be safe for concurrent use. All methods honor context
// cancellation and deadlines.
type DocumentStore interface {
	// Ping verifies store reachability. Used by the health probe.
	Ping(ctx context.Context) error

	// CreateJob inserts a new upload job document.
	CreateJob(ctx context.Context, job *types.UploadJob) error

	// GetJob returns the job with the given id.
	//
	// Returns:
	//   - *types.UploadJob: The job document
	//   - error: types.ErrJobNotFound if no such job exists
	GetJob(ctx context.Context, jobID string) (*types.UploadJob, error)

	// UpdateJob applies one atomic partial update to the job document.
	//
	// Returns:
	//   - error: types.ErrJobNotFound if no such job exists
	UpdateJob(ctx context.Context, jobID string, update JobUpdate) error

	// BulkUpsertSubscribers writes records as idempotent upserts keyed by
	// (email, list). Re-applying the same records is a no-op with respect to
	// the final stored state.
	//
	// Returns:
	//   - int64: Number of records applied (matched + newly inserted)
	//   - error: Transport or write error; partial application is possible
	BulkUpsertSubscribers(ctx context.Context, records []types.SubscriberRecord) (int64, error)

	// CountSubscribers returns the number of stored subscribers in a list.
	CountSubscribers(ctx context.Context, list string) (int64, error)

	// InsertDeadLetter persists a dead-letter record for offline handling.
	InsertDeadLetter(ctx context.Context, rec *types.DeadLetterRecord) error
}
