package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations must be non-blocking, handle failures gracefully, and be
// safe for concurrent use; methods are called from batch workers and
// background goroutines.
//
// This interface composes smaller, domain-focused interfaces so components
// only depend on the slice they record.
type MetricsCollector interface {
	DispatchMetrics
	IngestMetrics
	GateMetrics
}

// DispatchMetrics defines metrics for the campaign send loop.
type DispatchMetrics interface {
	// RecordSendOutcome records one finished dispatch unit by outcome
	// ("submitted", "rate_limited", "failed").
	RecordSendOutcome(status string)

	// RecordSendLatency records the transport call latency in seconds for a
	// single attempt.
	RecordSendLatency(seconds float64)

	// RecordDeadLetter records a unit converted to a dead-letter record.
	RecordDeadLetter()
}

// IngestMetrics defines metrics for chunk splitting, processing, and recovery.
type IngestMetrics interface {
	// RecordUpsertedRecords records successfully upserted subscriber records.
	RecordUpsertedRecords(count int)

	// RecordSkippedRecords records malformed records skipped during a split
	// or chunk run.
	RecordSkippedRecords(count int)

	// RecordChunkDuration records the wall-clock seconds spent on one chunk.
	RecordChunkDuration(seconds float64)

	// RecordRecoveredRecords records records restored by a recovery pass.
	RecordRecoveredRecords(count int)

	// RecordJobHeartbeat records a job heartbeat publish attempt.
	//
	// Parameters:
	//   - jobID: The job whose last_heartbeat was updated
	//   - success: true if the store update succeeded
	RecordJobHeartbeat(jobID string, success bool)
}

// GateMetrics defines metrics for the admission controller, rate limiter,
// and health probe.
type GateMetrics interface {
	// RecordAdmissionRejection records a rejected batch by reason
	// ("system_unhealthy", "queue_overloaded", "campaign_paused").
	RecordAdmissionRejection(reason string)

	// RecordRateLimitRejection records a rate-limit rejection by window
	// ("minute", "hour", "day").
	RecordRateLimitRejection(window string)

	// SetActiveTasks sets the current in-flight batch task count (gauge).
	SetActiveTasks(count int)

	// RecordHealthSample records the result of one health check sample.
	RecordHealthSample(check string, healthy bool)
}
