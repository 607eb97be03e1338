package types

import "time"

// JobStatus enumerates the lifecycle states of an upload job.
type JobStatus string

// Upload job lifecycle states.
//
// A job is created as JobPending, moves to JobProcessing when chunking
// begins, and terminates in exactly one of JobCompleted,
// JobPartiallyCompleted, or JobFailed.
const (
	JobPending            JobStatus = "pending"
	JobProcessing         JobStatus = "processing"
	JobCompleted          JobStatus = "completed"
	JobPartiallyCompleted JobStatus = "partially_completed"
	JobFailed             JobStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobPartiallyCompleted || s == JobFailed
}

// UploadJob is the persistent bookkeeping record for one subscriber list
// upload. It is created when an upload is accepted and mutated exclusively
// by the chunk processor and the recovery scanner as chunks complete.
//
// Invariants:
//   - ProcessedRecords is monotonically non-decreasing
//   - ProcessedRecords never exceeds TotalRecords
//   - once Status is terminal, the job is never mutated again
type UploadJob struct {
	JobID            string    `bson:"job_id" json:"job_id"`
	ListName         string    `bson:"list_name" json:"list_name"`
	TotalRecords     int64     `bson:"total_records" json:"total_records"`
	ProcessedRecords int64     `bson:"processed_records" json:"processed_records"`
	Status           JobStatus `bson:"status" json:"status"`
	TotalChunks      int       `bson:"total_chunks" json:"total_chunks"`
	CompletedChunks  int       `bson:"completed_chunks" json:"completed_chunks"`
	FailedChunks     int       `bson:"failed_chunks" json:"failed_chunks"`
	RecordsPerSecond float64   `bson:"records_per_second" json:"records_per_second"`
	RecoveryAttempts int       `bson:"recovery_attempts" json:"recovery_attempts"`
	RecoveredBy      string    `bson:"recovered_by,omitempty" json:"recovered_by,omitempty"`
	LastHeartbeat    time.Time `bson:"last_heartbeat" json:"last_heartbeat"`
	LastError        string    `bson:"last_error,omitempty" json:"last_error,omitempty"`
	CreatedAt        time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time `bson:"updated_at" json:"updated_at"`
}

// Progress returns the fraction of processed records in [0.0, 1.0].
//
// Returns:
//   - float64: ProcessedRecords / TotalRecords, 0 when TotalRecords is 0
func (j *UploadJob) Progress() float64 {
	if j.TotalRecords <= 0 {
		return 0
	}

	p := float64(j.ProcessedRecords) / float64(j.TotalRecords)
	if p > 1 {
		p = 1
	}

	return p
}

// RemainingRecords returns how many records are still unprocessed.
func (j *UploadJob) RemainingRecords() int64 {
	r := j.TotalRecords - j.ProcessedRecords
	if r < 0 {
		return 0
	}

	return r
}
