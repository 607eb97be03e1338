package metrics

import "github.com/avylove/bulkmail/types"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. Useful for testing or when external
// metrics collection is used.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
//
// Returns:
//   - *NopMetrics: A new no-op metrics collector instance
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// DispatchMetrics implementation

// RecordSendOutcome discards the send outcome metric.
func (n *NopMetrics) RecordSendOutcome(_ /* status */ string) {
	// No-op
}

// RecordSendLatency discards the send latency metric.
func (n *NopMetrics) RecordSendLatency(_ /* seconds */ float64) {
	// No-op
}

// RecordDeadLetter discards the dead letter counter.
func (n *NopMetrics) RecordDeadLetter() {
	// No-op
}

// IngestMetrics implementation

// RecordUpsertedRecords discards the upserted record counter.
func (n *NopMetrics) RecordUpsertedRecords(_ /* count */ int) {
	// No-op
}

// RecordSkippedRecords discards the skipped record counter.
func (n *NopMetrics) RecordSkippedRecords(_ /* count */ int) {
	// No-op
}

// RecordChunkDuration discards the chunk duration metric.
func (n *NopMetrics) RecordChunkDuration(_ /* seconds */ float64) {
	// No-op
}

// RecordRecoveredRecords discards the recovered record counter.
func (n *NopMetrics) RecordRecoveredRecords(_ /* count */ int) {
	// No-op
}

// RecordJobHeartbeat discards the job heartbeat metric.
func (n *NopMetrics) RecordJobHeartbeat(_ /* jobID */ string, _ /* success */ bool) {
	// No-op
}

// GateMetrics implementation

// RecordAdmissionRejection discards the admission rejection counter.
func (n *NopMetrics) RecordAdmissionRejection(_ /* reason */ string) {
	// No-op
}

// RecordRateLimitRejection discards the rate-limit rejection counter.
func (n *NopMetrics) RecordRateLimitRejection(_ /* window */ string) {
	// No-op
}

// SetActiveTasks discards the active task gauge.
func (n *NopMetrics) SetActiveTasks(_ /* count */ int) {
	// No-op
}

// RecordHealthSample discards the health sample metric.
func (n *NopMetrics) RecordHealthSample(_ /* check */ string, _ /* healthy */ bool) {
	// No-op
}
