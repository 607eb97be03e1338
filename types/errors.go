package types

import "errors"

// Sentinel errors for the bulkmail engine.
//
// These errors provide type-safe error checking using errors.Is() and
// errors.As(). Components use these for known error conditions and wrap
// external errors with context using fmt.Errorf("...: %w", err).

// Engine errors - Public API errors returned by the Engine.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrStoreRequired is returned when the document store is nil.
	ErrStoreRequired = errors.New("document store is required")

	// ErrTransportRequired is returned when the outbound transport is nil.
	ErrTransportRequired = errors.New("outbound transport is required")

	// ErrAlreadyStarted is returned when Start is called on a running engine.
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrNotStarted is returned when operations require a started engine.
	ErrNotStarted = errors.New("engine not started")
)

// Ingestion errors - ChunkSplitter and ChunkProcessor errors.
var (
	// ErrNoJobMetadata is returned when an upload artifact carries no
	// resolvable job id or target list, making its chunks unusable.
	ErrNoJobMetadata = errors.New("upload artifact has no job metadata")

	// ErrInvalidEmail is returned when a subscriber email cannot be
	// normalized to a usable address.
	ErrInvalidEmail = errors.New("invalid email address")

	// ErrChunkNotFound is returned when a chunk file does not exist.
	ErrChunkNotFound = errors.New("chunk file not found")

	// ErrJobNotFound is returned when a job document does not exist.
	ErrJobNotFound = errors.New("upload job not found")
)

// Recovery errors - RecoveryScanner errors.
var (
	// ErrRecoveryAttemptsExceeded is returned when a job has been retried by
	// the recovery scanner more times than the configured cap. The job is
	// marked failed instead of being retried forever.
	ErrRecoveryAttemptsExceeded = errors.New("recovery attempts exceeded")
)

// Cache errors - fast key-value layer errors.
var (
	// ErrCacheMiss is returned when a key is absent from the cache.
	ErrCacheMiss = errors.New("cache miss")
)
