package testing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avylove/bulkmail/store"
	"github.com/avylove/bulkmail/types"
)

// MemoryStore is an in-memory store.DocumentStore implementation.
//
// It mirrors the semantics the engine relies on: find-one by job id, atomic
// partial job updates, and idempotent subscriber upserts keyed by
// (email, list). Failure injection hooks let tests exercise partial-failure
// paths.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[string]*types.UploadJob
	subscribers map[string]types.SubscriberRecord
	deadLetters []types.DeadLetterRecord

	pingErr         error
	failBulkUpserts int
	failJobUpdates  int
}

// Compile-time assertion that MemoryStore implements DocumentStore.
var _ store.DocumentStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory document store.
//
// Returns:
//   - *MemoryStore: A new store instance
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*types.UploadJob),
		subscribers: make(map[string]types.SubscriberRecord),
	}
}

// Ping returns the injected ping error, if any.
func (m *MemoryStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pingErr
}

// SetPingError makes subsequent Ping calls fail with err (nil to clear).
func (m *MemoryStore) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pingErr = err
}

// FailNextBulkUpserts makes the next n BulkUpsertSubscribers calls fail.
func (m *MemoryStore) FailNextBulkUpserts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failBulkUpserts = n
}

// FailNextJobUpdates makes the next n UpdateJob calls fail.
func (m *MemoryStore) FailNextJobUpdates(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failJobUpdates = n
}

// CreateJob inserts a new job document.
func (m *MemoryStore) CreateJob(_ context.Context, job *types.UploadJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.JobID]; exists {
		return fmt.Errorf("job %s already exists", job.JobID)
	}

	clone := *job
	m.jobs[job.JobID] = &clone

	return nil
}

// GetJob returns a copy of the job with the given id.
func (m *MemoryStore) GetJob(_ context.Context, jobID string) (*types.UploadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, types.ErrJobNotFound
	}

	clone := *job

	return &clone, nil
}

// UpdateJob applies one atomic partial update to the job document.
func (m *MemoryStore) UpdateJob(_ context.Context, jobID string, update store.JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failJobUpdates > 0 {
		m.failJobUpdates--
		return fmt.Errorf("injected job update failure for %s", jobID)
	}

	job, ok := m.jobs[jobID]
	if !ok {
		return types.ErrJobNotFound
	}

	for field, value := range update.Set {
		applySet(job, field, value)
	}
	for field, delta := range update.Inc {
		applyInc(job, field, delta)
	}

	return nil
}

func applySet(job *types.UploadJob, field string, value any) {
	switch field {
	case "status":
		switch v := value.(type) {
		case types.JobStatus:
			job.Status = v
		case string:
			job.Status = types.JobStatus(v)
		}
	case "list_name":
		if v, ok := value.(string); ok {
			job.ListName = v
		}
	case "total_records":
		if v, ok := toInt64(value); ok {
			job.TotalRecords = v
		}
	case "processed_records":
		if v, ok := toInt64(value); ok {
			job.ProcessedRecords = v
		}
	case "total_chunks":
		if v, ok := toInt64(value); ok {
			job.TotalChunks = int(v)
		}
	case "records_per_second":
		if v, ok := value.(float64); ok {
			job.RecordsPerSecond = v
		}
	case "recovered_by":
		if v, ok := value.(string); ok {
			job.RecoveredBy = v
		}
	case "last_heartbeat":
		if v, ok := value.(time.Time); ok {
			job.LastHeartbeat = v
		}
	case "last_error":
		if v, ok := value.(string); ok {
			job.LastError = v
		}
	case "updated_at":
		if v, ok := value.(time.Time); ok {
			job.UpdatedAt = v
		}
	}
}

func applyInc(job *types.UploadJob, field string, delta int64) {
	switch field {
	case "processed_records":
		job.ProcessedRecords += delta
	case "completed_chunks":
		job.CompletedChunks += int(delta)
	case "failed_chunks":
		job.FailedChunks += int(delta)
	case "total_chunks":
		job.TotalChunks += int(delta)
	case "recovery_attempts":
		job.RecoveryAttempts += int(delta)
	}
}

func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	}

	return 0, false
}

// BulkUpsertSubscribers applies idempotent upserts keyed by (email, list).
func (m *MemoryStore) BulkUpsertSubscribers(_ context.Context, records []types.SubscriberRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failBulkUpserts > 0 {
		m.failBulkUpserts--
		return 0, fmt.Errorf("injected bulk upsert failure")
	}

	for _, r := range records {
		m.subscribers[r.Key()] = r
	}

	return int64(len(records)), nil
}

// CountSubscribers returns the number of stored subscribers in a list.
func (m *MemoryStore) CountSubscribers(_ context.Context, list string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, r := range m.subscribers {
		if r.List == list {
			n++
		}
	}

	return n, nil
}

// InsertDeadLetter appends a dead-letter record.
func (m *MemoryStore) InsertDeadLetter(_ context.Context, rec *types.DeadLetterRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deadLetters = append(m.deadLetters, *rec)

	return nil
}

// DeadLetters returns a copy of all persisted dead-letter records.
func (m *MemoryStore) DeadLetters() []types.DeadLetterRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.DeadLetterRecord, len(m.deadLetters))
	copy(out, m.deadLetters)

	return out
}

// Subscriber returns the stored record for (email, list), if present.
func (m *MemoryStore) Subscriber(email, list string) (types.SubscriberRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.subscribers[email+"|"+list]

	return r, ok
}
