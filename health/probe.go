// Package health samples system resource usage and dependency liveness.
//
// The probe produces point-in-time types.SystemHealth snapshots and caches
// them for a configurable interval so that concurrent batch workers do not
// cause probe storms under load.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/avylove/bulkmail/types"
)

// Pinger is the minimal liveness contract the probe needs from the document
// store and the cache layer.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds probe thresholds and timing.
//
// A check is healthy when its sampled value is strictly below its threshold,
// except memory which allows equality (memory <= threshold).
type Config struct {
	// MemoryMaxPercent is the maximum healthy memory usage. Default 85.
	MemoryMaxPercent float64

	// DiskMaxPercent is the maximum healthy disk usage. Default 90.
	DiskMaxPercent float64

	// CPUMaxPercent is the maximum healthy CPU usage. Default 90.
	CPUMaxPercent float64

	// DBPingMax is the maximum healthy document-store ping latency. Default 100ms.
	DBPingMax time.Duration

	// CachePingMax is the maximum healthy cache ping latency. Default 50ms.
	CachePingMax time.Duration

	// CacheInterval is how long a snapshot is served before re-sampling.
	// Default 30s.
	CacheInterval time.Duration

	// CPUSampleWindow is the CPU sampling duration. Default 1s.
	CPUSampleWindow time.Duration

	// DiskPath is the mount point sampled for disk usage. Default "/".
	DiskPath string
}

// SetDefaults fills in missing configuration values.
func (c *Config) SetDefaults() {
	if c.MemoryMaxPercent == 0 {
		c.MemoryMaxPercent = 85
	}
	if c.DiskMaxPercent == 0 {
		c.DiskMaxPercent = 90
	}
	if c.CPUMaxPercent == 0 {
		c.CPUMaxPercent = 90
	}
	if c.DBPingMax == 0 {
		c.DBPingMax = 100 * time.Millisecond
	}
	if c.CachePingMax == 0 {
		c.CachePingMax = 50 * time.Millisecond
	}
	if c.CacheInterval == 0 {
		c.CacheInterval = 30 * time.Second
	}
	if c.CPUSampleWindow == 0 {
		c.CPUSampleWindow = time.Second
	}
	if c.DiskPath == "" {
		c.DiskPath = "/"
	}
}

// Probe samples system health on demand with snapshot caching.
//
// Concurrency: Snapshot serializes sampling under a mutex; callers arriving
// within CacheInterval of the last sample receive the cached snapshot.
type Probe struct {
	cfg     Config
	db      Pinger
	cache   Pinger // nil when no cache layer is configured
	logger  types.Logger
	metrics types.MetricsCollector

	mu        sync.Mutex
	cached    types.SystemHealth
	hasCached bool

	// Samplers are swappable for tests.
	now        func() time.Time
	memPercent func(ctx context.Context) (float64, error)
	cpuPercent func(ctx context.Context) (float64, error)
	diskUsed   func(ctx context.Context) (float64, error)
}

// New creates a health probe.
//
// Parameters:
//   - cfg: Thresholds and timing (defaults applied)
//   - db: Document store pinger
//   - cache: Cache pinger, nil for single-process deployments without a cache
//   - logger: Structured logger
//   - metrics: Metrics collector
//
// Returns:
//   - *Probe: A new probe instance
func New(cfg Config, db Pinger, cache Pinger, logger types.Logger, metrics types.MetricsCollector) *Probe {
	cfg.SetDefaults()

	p := &Probe{
		cfg:     cfg,
		db:      db,
		cache:   cache,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}

	p.memPercent = func(ctx context.Context) (float64, error) {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return 0, err
		}

		return vm.UsedPercent, nil
	}
	p.cpuPercent = func(ctx context.Context) (float64, error) {
		// Blocking sample over the configured window.
		percents, err := cpu.PercentWithContext(ctx, p.cfg.CPUSampleWindow, false)
		if err != nil {
			return 0, err
		}
		if len(percents) == 0 {
			return 0, fmt.Errorf("no cpu sample returned")
		}

		return percents[0], nil
	}
	p.diskUsed = func(ctx context.Context) (float64, error) {
		usage, err := disk.UsageWithContext(ctx, p.cfg.DiskPath)
		if err != nil {
			return 0, err
		}

		return usage.UsedPercent, nil
	}

	return p
}

// Snapshot returns the current system health, serving a cached snapshot when
// one newer than CacheInterval exists.
//
// Probe failures never surface as errors; a failing dependency marks its
// check unhealthy with the error recorded in Info.
//
// Parameters:
//   - ctx: Context bounding dependency pings and samples
//
// Returns:
//   - types.SystemHealth: Point-in-time (possibly cached) snapshot
func (p *Probe) Snapshot(ctx context.Context) types.SystemHealth {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hasCached && p.now().Sub(p.cached.Timestamp) < p.cfg.CacheInterval {
		return p.cached
	}

	snapshot := p.sample(ctx)
	p.cached = snapshot
	p.hasCached = true

	if !snapshot.OverallHealthy {
		p.logger.Warn("system health degraded", "failing", snapshot.FailingChecks())
	}

	return snapshot
}

// Invalidate discards the cached snapshot so the next Snapshot re-samples.
func (p *Probe) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.hasCached = false
}

func (p *Probe) sample(ctx context.Context) types.SystemHealth {
	checks := make(map[types.CheckName]types.HealthCheck, 5)

	checks[types.CheckMemory] = p.percentCheck(ctx, p.memPercent, p.cfg.MemoryMaxPercent, true)
	checks[types.CheckDisk] = p.percentCheck(ctx, p.diskUsed, p.cfg.DiskMaxPercent, false)
	checks[types.CheckCPU] = p.percentCheck(ctx, p.cpuPercent, p.cfg.CPUMaxPercent, false)
	checks[types.CheckDatabase] = p.pingCheck(ctx, p.db, p.cfg.DBPingMax)

	if p.cache != nil {
		checks[types.CheckCache] = p.pingCheck(ctx, p.cache, p.cfg.CachePingMax)
	} else {
		// No cache layer configured: a supported degraded mode, not a failure.
		checks[types.CheckCache] = types.HealthCheck{Healthy: true, Info: "not configured"}
	}

	overall := true
	for name, c := range checks {
		p.metrics.RecordHealthSample(string(name), c.Healthy)
		overall = overall && c.Healthy
	}

	return types.SystemHealth{
		Timestamp:      p.now(),
		OverallHealthy: overall,
		Checks:         checks,
	}
}

// percentCheck samples a percent-used value and compares it to a threshold.
// inclusive controls whether equality counts as healthy.
func (p *Probe) percentCheck(ctx context.Context, sampler func(context.Context) (float64, error), threshold float64, inclusive bool) types.HealthCheck {
	value, err := sampler(ctx)
	if err != nil {
		return types.HealthCheck{Healthy: false, Info: err.Error()}
	}

	healthy := value < threshold
	if inclusive {
		healthy = value <= threshold
	}

	return types.HealthCheck{
		Healthy: healthy,
		Info:    fmt.Sprintf("%.1f%% used (threshold %.0f%%)", value, threshold),
	}
}

func (p *Probe) pingCheck(ctx context.Context, target Pinger, maxLatency time.Duration) types.HealthCheck {
	pingCtx, cancel := context.WithTimeout(ctx, maxLatency*4)
	defer cancel()

	start := p.now()
	err := target.Ping(pingCtx)
	latency := p.now().Sub(start)

	if err != nil {
		return types.HealthCheck{Healthy: false, Info: fmt.Sprintf("ping failed: %v", err)}
	}

	return types.HealthCheck{
		Healthy: latency < maxLatency,
		Info:    fmt.Sprintf("ping %s (threshold %s)", latency.Round(time.Microsecond), maxLatency),
	}
}
