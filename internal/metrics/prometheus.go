package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/avylove/bulkmail/types"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
//
// Collectors are registered lazily on first use so that constructing the
// collector never panics on duplicate registration in tests.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	sendOutcomes        *prometheus.CounterVec
	sendLatency         prometheus.Histogram
	deadLetters         prometheus.Counter
	upsertedRecords     prometheus.Counter
	skippedRecords      prometheus.Counter
	chunkDuration       prometheus.Histogram
	recoveredRecords    prometheus.Counter
	jobHeartbeats       *prometheus.CounterVec
	admissionRejections *prometheus.CounterVec
	rateLimitRejections *prometheus.CounterVec
	activeTasks         prometheus.Gauge
	healthSamples       *prometheus.CounterVec
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer interface (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Prometheus metrics namespace (defaults to "bulkmail" if empty)
//
// Returns:
//   - *PrometheusCollector: A MetricsCollector implementation using Prometheus
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "bulkmail"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.sendOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "dispatch",
			Name:      "send_outcomes_total",
			Help:      "Total finished dispatch units by outcome (submitted, rate_limited, failed).",
		}, []string{"status"})

		p.sendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "dispatch",
			Name:      "send_latency_seconds",
			Help:      "Latency of individual transport send attempts in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms .. ~5s
		})

		p.deadLetters = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "dispatch",
			Name:      "dead_letters_total",
			Help:      "Total units converted to dead-letter records.",
		})

		p.upsertedRecords = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "ingest",
			Name:      "upserted_records_total",
			Help:      "Total subscriber records successfully upserted.",
		})

		p.skippedRecords = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "ingest",
			Name:      "skipped_records_total",
			Help:      "Total malformed subscriber records skipped.",
		})

		p.chunkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "ingest",
			Name:      "chunk_duration_seconds",
			Help:      "Wall-clock duration of chunk processing in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms .. ~51s
		})

		p.recoveredRecords = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "recovery",
			Name:      "recovered_records_total",
			Help:      "Total subscriber records restored by recovery passes.",
		})

		p.jobHeartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "ingest",
			Name:      "job_heartbeats_total",
			Help:      "Total job heartbeat publish attempts by result.",
		}, []string{"result"})

		p.admissionRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "admission",
			Name:      "rejections_total",
			Help:      "Total rejected batches by reason.",
		}, []string{"reason"})

		p.rateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Total rate-limit rejections by window (minute, hour, day).",
		}, []string{"window"})

		p.activeTasks = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "admission",
			Name:      "active_tasks",
			Help:      "Current number of in-flight batch tasks.",
		})

		p.healthSamples = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "health",
			Name:      "samples_total",
			Help:      "Total health check samples by check and result.",
		}, []string{"check", "result"})

		collectors := []prometheus.Collector{
			p.sendOutcomes, p.sendLatency, p.deadLetters,
			p.upsertedRecords, p.skippedRecords, p.chunkDuration,
			p.recoveredRecords, p.jobHeartbeats,
			p.admissionRejections, p.rateLimitRejections,
			p.activeTasks, p.healthSamples,
		}
		for _, c := range collectors {
			if err := p.reg.Register(c); err != nil {
				// Duplicate registration is tolerated so multiple engines can
				// share one registry in tests.
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					panic(err)
				}
			}
		}
	})
}

// RecordSendOutcome increments the dispatch outcome counter.
func (p *PrometheusCollector) RecordSendOutcome(status string) {
	p.ensureRegistered()
	p.sendOutcomes.WithLabelValues(status).Inc()
}

// RecordSendLatency observes one transport attempt latency.
func (p *PrometheusCollector) RecordSendLatency(seconds float64) {
	p.ensureRegistered()
	p.sendLatency.Observe(seconds)
}

// RecordDeadLetter increments the dead-letter counter.
func (p *PrometheusCollector) RecordDeadLetter() {
	p.ensureRegistered()
	p.deadLetters.Inc()
}

// RecordUpsertedRecords adds to the upserted record counter.
func (p *PrometheusCollector) RecordUpsertedRecords(count int) {
	p.ensureRegistered()
	p.upsertedRecords.Add(float64(count))
}

// RecordSkippedRecords adds to the skipped record counter.
func (p *PrometheusCollector) RecordSkippedRecords(count int) {
	p.ensureRegistered()
	p.skippedRecords.Add(float64(count))
}

// RecordChunkDuration observes one chunk processing duration.
func (p *PrometheusCollector) RecordChunkDuration(seconds float64) {
	p.ensureRegistered()
	p.chunkDuration.Observe(seconds)
}

// RecordRecoveredRecords adds to the recovered record counter.
func (p *PrometheusCollector) RecordRecoveredRecords(count int) {
	p.ensureRegistered()
	p.recoveredRecords.Add(float64(count))
}

// RecordJobHeartbeat increments the job heartbeat counter by result.
func (p *PrometheusCollector) RecordJobHeartbeat(_ string, success bool) {
	p.ensureRegistered()
	p.jobHeartbeats.WithLabelValues(resultLabel(success)).Inc()
}

// RecordAdmissionRejection increments the admission rejection counter.
func (p *PrometheusCollector) RecordAdmissionRejection(reason string) {
	p.ensureRegistered()
	p.admissionRejections.WithLabelValues(reason).Inc()
}

// RecordRateLimitRejection increments the rate-limit rejection counter.
func (p *PrometheusCollector) RecordRateLimitRejection(window string) {
	p.ensureRegistered()
	p.rateLimitRejections.WithLabelValues(window).Inc()
}

// SetActiveTasks sets the active task gauge.
func (p *PrometheusCollector) SetActiveTasks(count int) {
	p.ensureRegistered()
	p.activeTasks.Set(float64(count))
}

// RecordHealthSample increments the health sample counter.
func (p *PrometheusCollector) RecordHealthSample(check string, healthy bool) {
	p.ensureRegistered()
	p.healthSamples.WithLabelValues(check, resultLabel(healthy)).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}

	return "failure"
}
