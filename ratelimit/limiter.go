// Package ratelimit enforces per-identifier send ceilings over sliding
// minute, hour, and day windows.
//
// The limiter is process-local shared state: counters live in memory and are
// serialized per identifier. Deployments that run multiple sender processes
// must give each process its own quota slice; the engine logs this mode
// explicitly when constructed without a cache layer.
package ratelimit

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/avylove/bulkmail/types"
)

// DefaultIdentifier is used when callers do not partition by tenant.
const DefaultIdentifier = "global"

// Window names reported in Decision.Window and metrics.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
)

// Window spans.
const (
	minuteSpan = time.Minute
	hourSpan   = time.Hour
	daySpan    = 24 * time.Hour
)

// Limits holds send ceilings per window.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// Config holds limiter defaults and administrative bounds.
type Config struct {
	// Defaults are the initial limits. Default 100/min, 3600/hour, 50000/day.
	Defaults Limits

	// Min and Max bound administrative overrides via SetLimits.
	// Defaults: Min 1/1/1, Max 10x the default limits.
	Min Limits
	Max Limits
}

// SetDefaults fills in missing configuration values.
func (c *Config) SetDefaults() {
	if c.Defaults.PerMinute == 0 {
		c.Defaults.PerMinute = 100
	}
	if c.Defaults.PerHour == 0 {
		c.Defaults.PerHour = 3600
	}
	if c.Defaults.PerDay == 0 {
		c.Defaults.PerDay = 50000
	}
	if c.Min.PerMinute == 0 {
		c.Min.PerMinute = 1
	}
	if c.Min.PerHour == 0 {
		c.Min.PerHour = 1
	}
	if c.Min.PerDay == 0 {
		c.Min.PerDay = 1
	}
	if c.Max.PerMinute == 0 {
		c.Max.PerMinute = c.Defaults.PerMinute * 10
	}
	if c.Max.PerHour == 0 {
		c.Max.PerHour = c.Defaults.PerHour * 10
	}
	if c.Max.PerDay == 0 {
		c.Max.PerDay = c.Defaults.PerDay * 10
	}
}

// Decision is the result of one rate-limit check.
//
// A disallowed decision is an expected outcome, not an error: callers wait
// RetryAfter and re-check.
type Decision struct {
	// Allowed is true when one more send may proceed now.
	Allowed bool

	// Window names the first violated window when Allowed is false.
	Window string

	// RetryAfter is how long until the violated window frees a slot.
	RetryAfter time.Duration

	// Remaining holds the free slots per window after this check.
	Remaining Limits
}

// windows is the per-identifier sliding state: three FIFO timestamp queues.
type windows struct {
	mu     sync.Mutex
	minute []time.Time
	hour   []time.Time
	day    []time.Time
}

// Limiter maintains sliding per-identifier send windows.
//
// All methods are safe for concurrent use; each identifier's queues are
// guarded by their own mutex so independent tenants never contend.
type Limiter struct {
	cfg     Config
	ids     *xsync.Map[string, *windows]
	logger  types.Logger
	metrics types.MetricsCollector

	limitsMu sync.RWMutex
	limits   Limits

	now func() time.Time
}

// New creates a rate limiter.
//
// Parameters:
//   - cfg: Defaults and administrative bounds (defaults applied)
//   - logger: Structured logger
//   - metrics: Metrics collector
//
// Returns:
//   - *Limiter: A new limiter instance
func New(cfg Config, logger types.Logger, metrics types.MetricsCollector) *Limiter {
	cfg.SetDefaults()

	return &Limiter{
		cfg:     cfg,
		ids:     xsync.NewMap[string, *windows](),
		logger:  logger,
		metrics: metrics,
		limits:  cfg.Defaults,
		now:     time.Now,
	}
}

// Limits returns the current send ceilings.
func (l *Limiter) Limits() Limits {
	l.limitsMu.RLock()
	defer l.limitsMu.RUnlock()

	return l.limits
}

// SetLimits overrides the send ceilings at runtime, clamped to the
// configured min/max bounds.
//
// Parameters:
//   - limits: New ceilings; zero fields keep their current value
//
// Returns:
//   - Limits: The effective ceilings after clamping
func (l *Limiter) SetLimits(limits Limits) Limits {
	l.limitsMu.Lock()
	defer l.limitsMu.Unlock()

	if limits.PerMinute != 0 {
		l.limits.PerMinute = clamp(limits.PerMinute, l.cfg.Min.PerMinute, l.cfg.Max.PerMinute)
	}
	if limits.PerHour != 0 {
		l.limits.PerHour = clamp(limits.PerHour, l.cfg.Min.PerHour, l.cfg.Max.PerHour)
	}
	if limits.PerDay != 0 {
		l.limits.PerDay = clamp(limits.PerDay, l.cfg.Min.PerDay, l.cfg.Max.PerDay)
	}

	l.logger.Info("rate limits updated",
		"perMinute", l.limits.PerMinute, "perHour", l.limits.PerHour, "perDay", l.limits.PerDay)

	return l.limits
}

// Check decides whether one more unit may be sent now for the identifier.
//
// Expired timestamps are evicted before counting. Windows are checked in
// order minute, hour, day; the first exceeded window wins and determines
// RetryAfter (the time until that window's oldest entry leaves it).
//
// Parameters:
//   - identifier: Tenant key, "" for DefaultIdentifier
//
// Returns:
//   - Decision: The rate-limit decision
func (l *Limiter) Check(identifier string) Decision {
	if identifier == "" {
		identifier = DefaultIdentifier
	}

	limits := l.Limits()
	w := l.entry(identifier)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	w.evict(now)

	checks := []struct {
		window string
		span   time.Duration
		queue  []time.Time
		limit  int
	}{
		{WindowMinute, minuteSpan, w.minute, limits.PerMinute},
		{WindowHour, hourSpan, w.hour, limits.PerHour},
		{WindowDay, daySpan, w.day, limits.PerDay},
	}

	remaining := Limits{
		PerMinute: max(0, limits.PerMinute-len(w.minute)),
		PerHour:   max(0, limits.PerHour-len(w.hour)),
		PerDay:    max(0, limits.PerDay-len(w.day)),
	}

	for _, c := range checks {
		if len(c.queue) < c.limit {
			continue
		}

		retryAfter := c.span
		if len(c.queue) > 0 {
			retryAfter = c.queue[0].Add(c.span).Sub(now)
			if retryAfter < 0 {
				retryAfter = 0
			}
		}

		l.metrics.RecordRateLimitRejection(c.window)
		l.logger.Debug("rate limit exceeded",
			"identifier", identifier, "window", c.window, "retryAfter", retryAfter)

		return Decision{Window: c.window, RetryAfter: retryAfter, Remaining: remaining}
	}

	return Decision{Allowed: true, Remaining: remaining}
}

// RecordSend appends the current timestamp to all three windows for the
// identifier. Call only after a provider send attempt was actually made,
// never speculatively.
//
// Parameters:
//   - identifier: Tenant key, "" for DefaultIdentifier
func (l *Limiter) RecordSend(identifier string) {
	if identifier == "" {
		identifier = DefaultIdentifier
	}

	w := l.entry(identifier)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	w.minute = append(w.minute, now)
	w.hour = append(w.hour, now)
	w.day = append(w.day, now)
}

// entry returns the windows for an identifier, creating them if needed.
func (l *Limiter) entry(identifier string) *windows {
	if w, ok := l.ids.Load(identifier); ok {
		return w
	}

	w, _ := l.ids.LoadOrStore(identifier, &windows{})

	return w
}

// evict drops timestamps older than each window span. Caller holds w.mu.
func (w *windows) evict(now time.Time) {
	w.minute = evictBefore(w.minute, now.Add(-minuteSpan))
	w.hour = evictBefore(w.hour, now.Add(-hourSpan))
	w.day = evictBefore(w.day, now.Add(-daySpan))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}

	return v
}

func evictBefore(queue []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(queue) && !queue[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return queue
	}
	if i == len(queue) {
		return queue[:0]
	}

	// Copy down so the backing array does not grow without bound.
	n := copy(queue, queue[i:])

	return queue[:n]
}
