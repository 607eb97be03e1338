package bulkmail

import (
	"github.com/avylove/bulkmail/cache"
	"github.com/avylove/bulkmail/types"
)

// Option configures an Engine with optional dependencies.
type Option func(*engineOptions)

// engineOptions holds optional Engine configuration.
type engineOptions struct {
	logger  types.Logger
	metrics types.MetricsCollector
	cache   cache.Cache
}

// WithLogger sets a logger.
//
// Parameters:
//   - logger: Logger implementation
//
// Returns:
//   - Option: Functional option for New
//
// Example:
//
//	logger := mySlogAdapter
//	eng, _ := bulkmail.New(cfg, st, sender, bulkmail.WithLogger(logger))
func WithLogger(logger types.Logger) Option {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithMetrics sets a metrics collector.
//
// Parameters:
//   - metrics: MetricsCollector implementation
//
// Returns:
//   - Option: Functional option for New
//
// Example:
//
//	metrics := myPrometheusCollector
//	eng, _ := bulkmail.New(cfg, st, sender, bulkmail.WithMetrics(metrics))
func WithMetrics(metrics types.MetricsCollector) Option {
	return func(o *engineOptions) {
		o.metrics = metrics
	}
}

// WithCache sets a cache layer.
//
// The cache carries pause flags, the short-TTL job progress mirror, and the
// cache health check. Without it the engine runs with process-local pause
// state and logs that mode explicitly.
//
// Parameters:
//   - c: Cache implementation
//
// Returns:
//   - Option: Functional option for New
//
// Example:
//
//	rc, _ := redis.Dial(ctx, "localhost:6379")
//	eng, _ := bulkmail.New(cfg, st, sender, bulkmail.WithCache(rc))
func WithCache(c cache.Cache) Option {
	return func(o *engineOptions) {
		o.cache = c
	}
}
