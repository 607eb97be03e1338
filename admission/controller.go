// Package admission gates batch work against live system health.
//
// The controller implements a soft degrade-and-retry policy: a rejected
// batch is not aborted but shrunk, and callers re-check before the next
// unit of work.
package admission

import (
	"context"
	"sync/atomic"

	"github.com/avylove/bulkmail/types"
)

// Rejection reasons reported in Decision.Reason.
const (
	ReasonSystemUnhealthy = "system_unhealthy"
	ReasonQueueOverloaded = "queue_overloaded"
	ReasonCampaignPaused  = "campaign_paused"
)

// HealthSource provides system health snapshots. Implemented by
// health.Probe.
type HealthSource interface {
	Snapshot(ctx context.Context) types.SystemHealth
}

// Config holds admission thresholds and degrade factors.
type Config struct {
	// MaxActiveTasks is the in-flight batch ceiling. Default 10.
	MaxActiveTasks int

	// MinBatchSize is the floor for degraded batch sizes. Default 10.
	MinBatchSize int

	// Degrade factors applied by OptimalBatchSize per rejection cause.
	// Defaults: memory 0.25, cpu 0.75, overload 0.5, fallback 0.5.
	MemoryPressureFactor float64
	CPUPressureFactor    float64
	OverloadFactor       float64
	DefaultFactor        float64
}

// SetDefaults fills in missing configuration values.
func (c *Config) SetDefaults() {
	if c.MaxActiveTasks == 0 {
		c.MaxActiveTasks = 10
	}
	if c.MinBatchSize == 0 {
		c.MinBatchSize = 10
	}
	if c.MemoryPressureFactor == 0 {
		c.MemoryPressureFactor = 0.25
	}
	if c.CPUPressureFactor == 0 {
		c.CPUPressureFactor = 0.75
	}
	if c.OverloadFactor == 0 {
		c.OverloadFactor = 0.5
	}
	if c.DefaultFactor == 0 {
		c.DefaultFactor = 0.5
	}
}

// Decision is the result of one admission check.
type Decision struct {
	// Allowed is true when the batch may proceed.
	Allowed bool

	// Reason names the first failed check when Allowed is false.
	Reason string

	// FailingChecks names the unhealthy checks for system_unhealthy
	// rejections.
	FailingChecks []string

	// Health is the snapshot the decision was based on.
	Health types.SystemHealth
}

// Controller decides whether batch work may start.
//
// All methods are safe for concurrent use.
type Controller struct {
	cfg     Config
	health  HealthSource
	pause   *PauseRegistry
	logger  types.Logger
	metrics types.MetricsCollector

	active atomic.Int64
}

// New creates an admission controller.
//
// Parameters:
//   - cfg: Thresholds and degrade factors (defaults applied)
//   - health: Health snapshot source
//   - pause: Pause flag registry
//   - logger: Structured logger
//   - metrics: Metrics collector
//
// Returns:
//   - *Controller: A new controller instance
func New(cfg Config, health HealthSource, pause *PauseRegistry, logger types.Logger, metrics types.MetricsCollector) *Controller {
	cfg.SetDefaults()

	return &Controller{
		cfg:     cfg,
		health:  health,
		pause:   pause,
		logger:  logger,
		metrics: metrics,
	}
}

// CanProcessBatch decides whether a batch of the given size may proceed.
//
// Checks are evaluated in order: system health, active-task ceiling, pause
// flag. The first failure wins and names the reason.
//
// Parameters:
//   - ctx: Context bounding the health snapshot and pause lookup
//   - size: Requested batch size (informational, recorded in logs)
//   - jobID: Campaign/job identifier for the pause check, "" to skip
//
// Returns:
//   - Decision: The admission decision with its reason and health snapshot
func (c *Controller) CanProcessBatch(ctx context.Context, size int, jobID string) Decision {
	h := c.health.Snapshot(ctx)

	if !h.OverallHealthy {
		failing := h.FailingChecks()
		c.metrics.RecordAdmissionRejection(ReasonSystemUnhealthy)
		c.logger.Warn("batch rejected: system unhealthy",
			"size", size, "jobID", jobID, "failing", failing)

		return Decision{Reason: ReasonSystemUnhealthy, FailingChecks: failing, Health: h}
	}

	if int(c.active.Load()) >= c.cfg.MaxActiveTasks {
		c.metrics.RecordAdmissionRejection(ReasonQueueOverloaded)
		c.logger.Warn("batch rejected: queue overloaded",
			"size", size, "jobID", jobID, "active", c.active.Load(), "max", c.cfg.MaxActiveTasks)

		return Decision{Reason: ReasonQueueOverloaded, Health: h}
	}

	if jobID != "" && c.pause.Paused(ctx, jobID) {
		c.metrics.RecordAdmissionRejection(ReasonCampaignPaused)
		c.logger.Info("batch rejected: campaign paused", "jobID", jobID)

		return Decision{Reason: ReasonCampaignPaused, Health: h}
	}

	return Decision{Allowed: true, Health: h}
}

// OptimalBatchSize shrinks a requested batch size according to the current
// admission decision.
//
// Degrade factors: 25% of requested under memory pressure, 75% under CPU
// pressure, 50% under queue overload, 50% otherwise. The result never drops
// below MinBatchSize (but never exceeds the request).
//
// Parameters:
//   - ctx: Context bounding the underlying admission check
//   - requested: The batch size the caller wants
//   - jobID: Campaign/job identifier for the pause check, "" to skip
//
// Returns:
//   - int: A safe batch size to attempt now
func (c *Controller) OptimalBatchSize(ctx context.Context, requested int, jobID string) int {
	d := c.CanProcessBatch(ctx, requested, jobID)
	if d.Allowed {
		return requested
	}

	factor := c.cfg.DefaultFactor

	switch d.Reason {
	case ReasonSystemUnhealthy:
		switch {
		case !d.Health.CheckHealthy(types.CheckMemory):
			factor = c.cfg.MemoryPressureFactor
		case !d.Health.CheckHealthy(types.CheckCPU):
			factor = c.cfg.CPUPressureFactor
		}
	case ReasonQueueOverloaded:
		factor = c.cfg.OverloadFactor
	}

	size := int(float64(requested) * factor)
	if size < c.cfg.MinBatchSize {
		size = c.cfg.MinBatchSize
	}
	if size > requested {
		size = requested
	}

	c.logger.Debug("batch size degraded",
		"requested", requested, "granted", size, "reason", d.Reason)

	return size
}

// BeginTask registers one in-flight batch task.
func (c *Controller) BeginTask() {
	n := c.active.Add(1)
	c.metrics.SetActiveTasks(int(n))
}

// EndTask unregisters one in-flight batch task.
func (c *Controller) EndTask() {
	n := c.active.Add(-1)
	if n < 0 {
		// Unbalanced EndTask; clamp rather than wedge admission open.
		c.active.Store(0)
		n = 0
	}
	c.metrics.SetActiveTasks(int(n))
}

// ActiveTasks returns the current in-flight batch task count.
func (c *Controller) ActiveTasks() int {
	return int(c.active.Load())
}
