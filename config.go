package bulkmail

import (
	"fmt"
	"time"

	"github.com/avylove/bulkmail/admission"
	"github.com/avylove/bulkmail/health"
	"github.com/avylove/bulkmail/ingest"
	"github.com/avylove/bulkmail/ratelimit"
	"github.com/avylove/bulkmail/recovery"
	"github.com/avylove/bulkmail/types"
)

// IngestConfig configures the ingestion pipeline.
type IngestConfig struct {
	// RootDir is the base directory holding processing/, chunks/, and
	// completed/. Required.
	RootDir string `yaml:"rootDir"`

	// ChunkSize is the number of records per chunk file.
	// Default ingest.DefaultChunkSize.
	ChunkSize int `yaml:"chunkSize"`

	// Processor holds sub-batch and admission-retry settings.
	Processor ingest.ProcessorConfig `yaml:"processor"`
}

// DispatchConfig configures the send loop.
type DispatchConfig struct {
	// MaxEmailRetries is how many times one unit is retried after its first
	// failed attempt before becoming a dead letter. Default 3.
	MaxEmailRetries int `yaml:"maxEmailRetries"`

	// RetryBackoffBase is the first retry delay; each further retry doubles
	// it. Default 1s.
	RetryBackoffBase time.Duration `yaml:"retryBackoffBase"`

	// RetryBackoffMax caps the doubled backoff. Default 30s.
	RetryBackoffMax time.Duration `yaml:"retryBackoffMax"`

	// InterSendDelay is the fixed pause between units in a batch.
	// Default 100ms.
	InterSendDelay time.Duration `yaml:"interSendDelay"`

	// RateIdentifier partitions rate-limit quota. Default
	// ratelimit.DefaultIdentifier.
	RateIdentifier string `yaml:"rateIdentifier"`

	// AdmissionRetryDelay is the wait between admission re-checks when a
	// batch is deferred. Default 5s.
	AdmissionRetryDelay time.Duration `yaml:"admissionRetryDelay"`
}

// Config is the configuration for the Engine.
//
// All duration fields accept standard Go duration strings like "30s", "5m".
type Config struct {
	// Health configures the system health probe.
	Health health.Config `yaml:"health"`

	// Admission configures batch admission control.
	Admission admission.Config `yaml:"admission"`

	// RateLimit configures send ceilings.
	RateLimit ratelimit.Config `yaml:"rateLimit"`

	// Ingest configures the splitter and chunk processor.
	Ingest IngestConfig `yaml:"ingest"`

	// Recovery configures the crash recovery scanner.
	Recovery recovery.Config `yaml:"recovery"`

	// Dispatch configures the send loop.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// HeartbeatInterval is how often the active job's last_heartbeat is
	// refreshed while it is being ingested. Default 10s.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	// JobStatsTTL is the lifetime of the cached job progress mirror.
	// Default 30s.
	JobStatsTTL time.Duration `yaml:"jobStatsTtl"`
}

// DefaultConfig returns a configuration with production defaults. RootDir
// must still be set by the caller.
//
// Returns:
//   - *Config: Configuration with defaults applied
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()

	return cfg
}

// SetDefaults fills in missing configuration values. Safe to call on a
// partially populated config.
func (c *Config) SetDefaults() {
	c.Health.SetDefaults()
	c.Admission.SetDefaults()
	c.RateLimit.SetDefaults()
	c.Recovery.SetDefaults()
	c.Ingest.Processor.SetDefaults()

	if c.Ingest.ChunkSize <= 0 {
		c.Ingest.ChunkSize = ingest.DefaultChunkSize
	}
	if c.Dispatch.MaxEmailRetries <= 0 {
		c.Dispatch.MaxEmailRetries = 3
	}
	if c.Dispatch.RetryBackoffBase <= 0 {
		c.Dispatch.RetryBackoffBase = time.Second
	}
	if c.Dispatch.RetryBackoffMax <= 0 {
		c.Dispatch.RetryBackoffMax = 30 * time.Second
	}
	if c.Dispatch.InterSendDelay <= 0 {
		c.Dispatch.InterSendDelay = 100 * time.Millisecond
	}
	if c.Dispatch.RateIdentifier == "" {
		c.Dispatch.RateIdentifier = ratelimit.DefaultIdentifier
	}
	if c.Dispatch.AdmissionRetryDelay <= 0 {
		c.Dispatch.AdmissionRetryDelay = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.JobStatsTTL <= 0 {
		c.JobStatsTTL = 30 * time.Second
	}
}

// Validate checks the configuration for invalid values.
//
// Returns:
//   - error: types.ErrInvalidConfig wrapped with the offending field
func (c *Config) Validate() error {
	if c.Ingest.RootDir == "" {
		return fmt.Errorf("%w: ingest root dir is required", types.ErrInvalidConfig)
	}
	if c.Ingest.ChunkSize < 0 {
		return fmt.Errorf("%w: chunk size must not be negative", types.ErrInvalidConfig)
	}
	if c.Ingest.Processor.SubBatchSize > ingest.MaxSubBatchSize {
		return fmt.Errorf("%w: sub-batch size exceeds %d", types.ErrInvalidConfig, ingest.MaxSubBatchSize)
	}
	if c.Dispatch.RetryBackoffMax < c.Dispatch.RetryBackoffBase {
		return fmt.Errorf("%w: retry backoff max below base", types.ErrInvalidConfig)
	}

	return nil
}

// TestConfig returns a configuration tuned for fast tests: small chunks,
// millisecond waits, no inter-send pacing to speak of.
//
// Parameters:
//   - rootDir: Ingest base directory, typically t.TempDir()
//
// Returns:
//   - *Config: Fast-timing configuration
func TestConfig(rootDir string) *Config {
	cfg := &Config{
		Health: health.Config{
			// Generous thresholds so real host load never flakes a test.
			MemoryMaxPercent: 100,
			DiskMaxPercent:   100,
			CPUMaxPercent:    100,
			DBPingMax:        time.Second,
			CachePingMax:     time.Second,
			CacheInterval:    time.Millisecond,
			CPUSampleWindow:  time.Millisecond,
		},
		Ingest: IngestConfig{
			RootDir:   rootDir,
			ChunkSize: 10,
			Processor: ingest.ProcessorConfig{
				SubBatchSize:        5,
				AdmissionRetryDelay: time.Millisecond,
			},
		},
		Dispatch: DispatchConfig{
			RetryBackoffBase:    time.Millisecond,
			RetryBackoffMax:     5 * time.Millisecond,
			InterSendDelay:      time.Millisecond,
			AdmissionRetryDelay: time.Millisecond,
		},
		HeartbeatInterval: 10 * time.Millisecond,
		JobStatsTTL:       time.Second,
	}
	cfg.SetDefaults()

	return cfg
}
