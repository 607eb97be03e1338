// Package recovery scans the upload filesystem for work stranded by a crash
// and drives it back through the ingestion pipeline.
//
// Two kinds of stranded state exist: whole artifacts still sitting in
// processing/, and orphaned chunk directories whose artifact was already
// split. Both are resumable because chunk processing is idempotent; the
// scanner's job is to find them, cap how often a job may be retried, and
// leave the filesystem quiescent afterwards.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avylove/bulkmail/ingest"
	"github.com/avylove/bulkmail/store"
	"github.com/avylove/bulkmail/types"
)

// DefaultMaxRecoveryAttempts caps how many times a job may be re-driven
// before it is marked failed for good.
const DefaultMaxRecoveryAttempts = 3

// Config holds recovery scanner settings.
type Config struct {
	// MaxRecoveryAttempts caps recovery retries per job.
	// Default DefaultMaxRecoveryAttempts.
	MaxRecoveryAttempts int

	// WorkerID is stamped on recovered jobs as recovered_by.
	// Defaults to "recovery:<hostname>".
	WorkerID string
}

// SetDefaults fills in missing configuration values.
func (c *Config) SetDefaults() {
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = DefaultMaxRecoveryAttempts
	}
	if c.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "unknown"
		}
		c.WorkerID = "recovery:" + host
	}
}

// Report summarizes one scanner pass.
type Report struct {
	// ArtifactsFound counts whole artifacts found in processing/.
	ArtifactsFound int

	// ChunkDirsFound counts orphaned per-job chunk directories.
	ChunkDirsFound int

	// ChunksFound counts chunk files across all orphaned directories.
	ChunksFound int

	// JobsRecovered counts jobs driven to a terminal state this pass.
	JobsRecovered int

	// JobsFailed counts jobs abandoned at the retry cap or skipped on error.
	JobsFailed int

	// RecordsRecovered counts subscriber records written this pass.
	// Always zero for a dry scan.
	RecordsRecovered int64
}

// Scanner finds and resumes stranded upload work.
type Scanner struct {
	layout    *ingest.Layout
	splitter  *ingest.Splitter
	processor *ingest.Processor
	store     store.DocumentStore
	cfg       Config
	logger    types.Logger
	metrics   types.MetricsCollector

	now func() time.Time
}

// NewScanner creates a recovery scanner.
//
// Parameters:
//   - layout: Filesystem layout shared with the ingestion pipeline
//   - splitter: Splitter used to re-split stranded artifacts
//   - processor: Processor used to re-run stranded chunks
//   - st: Document store for job bookkeeping
//   - cfg: Scanner settings (defaults applied)
//   - logger: Structured logger
//   - metrics: Metrics collector
//
// Returns:
//   - *Scanner: A new scanner instance
func NewScanner(
	layout *ingest.Layout,
	splitter *ingest.Splitter,
	processor *ingest.Processor,
	st store.DocumentStore,
	cfg Config,
	logger types.Logger,
	metrics types.MetricsCollector,
) *Scanner {
	cfg.SetDefaults()

	return &Scanner{
		layout:    layout,
		splitter:  splitter,
		processor: processor,
		store:     st,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Scan inventories stranded work without touching anything.
//
// Returns:
//   - *Report: Counts of artifacts, chunk directories, and chunk files
//   - error: Filesystem listing failure
func (s *Scanner) Scan(_ context.Context) (*Report, error) {
	report := &Report{}

	artifacts, err := s.listArtifacts()
	if err != nil {
		return nil, err
	}
	report.ArtifactsFound = len(artifacts)

	dirs, err := s.listChunkJobs()
	if err != nil {
		return nil, err
	}

	for _, jobID := range dirs {
		chunks, err := s.layout.ListChunkFiles(jobID)
		if err != nil {
			return nil, err
		}
		if len(chunks) == 0 {
			continue
		}

		report.ChunkDirsFound++
		report.ChunksFound += len(chunks)
	}

	return report, nil
}

// Recover drives all stranded work back through the pipeline.
//
// Artifacts in processing/ are re-split and processed; orphaned chunk
// directories are processed in lexical job order. Failures are isolated per
// job: one broken upload never blocks the others. Each recovered job is
// stamped with the scanner's worker id, and a job that has already burned
// through its retry budget is marked failed instead of being retried forever.
//
// Parameters:
//   - ctx: Context for cancellation
//
// Returns:
//   - *Report: What was found and what was recovered
//   - error: Filesystem listing failure or context cancellation; per-job
//     failures are reflected in the report, not returned
func (s *Scanner) Recover(ctx context.Context) (*Report, error) {
	report := &Report{}

	artifacts, err := s.listArtifacts()
	if err != nil {
		return nil, err
	}
	report.ArtifactsFound = len(artifacts)

	handled := make(map[string]struct{})

	for _, artifact := range artifacts {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		jobID, err := s.recoverArtifact(ctx, artifact, report)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}

			s.logger.Error("artifact recovery failed",
				"artifact", filepath.Base(artifact), "error", err)
			report.JobsFailed++
		}
		if jobID != "" {
			handled[jobID] = struct{}{}
		}
	}

	dirs, err := s.listChunkJobs()
	if err != nil {
		return nil, err
	}

	for _, jobID := range dirs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, done := handled[jobID]; done {
			continue
		}

		chunks, err := s.layout.ListChunkFiles(jobID)
		if err != nil {
			s.logger.Error("chunk dir listing failed", "jobID", jobID, "error", err)
			report.JobsFailed++

			continue
		}
		if len(chunks) == 0 {
			_ = s.layout.RemoveChunkDirIfEmpty(jobID)

			continue
		}

		report.ChunkDirsFound++
		report.ChunksFound += len(chunks)

		if err := s.recoverChunks(ctx, jobID, chunks, report); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}

			s.logger.Error("chunk recovery failed", "jobID", jobID, "error", err)
			report.JobsFailed++
		}
	}

	s.logger.Info("recovery pass complete",
		"artifacts", report.ArtifactsFound,
		"chunkDirs", report.ChunkDirsFound,
		"jobsRecovered", report.JobsRecovered,
		"jobsFailed", report.JobsFailed,
		"recordsRecovered", report.RecordsRecovered)

	return report, nil
}

// recoverArtifact resumes one whole artifact from processing/.
//
// Returns the job id once it is known so the chunk-dir pass can skip it.
func (s *Scanner) recoverArtifact(ctx context.Context, artifact string, report *Report) (string, error) {
	result, err := s.splitter.Split(ctx, artifact)
	if err != nil {
		return "", err
	}

	jobID := result.JobID

	job, err := s.ensureJob(ctx, result)
	if err != nil {
		return jobID, err
	}

	if job.Status.Terminal() {
		// Stale leftovers from a job that already finished elsewhere.
		s.logger.Warn("artifact for terminal job, archiving",
			"jobID", jobID, "status", job.Status)
		s.cleanup(artifact, jobID)

		return jobID, nil
	}

	if err := s.claimAttempt(ctx, job); err != nil {
		if errors.Is(err, types.ErrRecoveryAttemptsExceeded) {
			s.cleanup(artifact, jobID)
			report.JobsFailed++

			return jobID, nil
		}

		return jobID, err
	}

	totalChunks := job.CompletedChunks + job.FailedChunks + len(result.ChunkPaths)
	err = s.store.UpdateJob(ctx, jobID, store.JobUpdate{
		Set: map[string]any{"total_chunks": totalChunks, "updated_at": s.now().UTC()},
	})
	if err != nil {
		return jobID, err
	}

	report.ChunksFound += len(result.ChunkPaths)

	summary, err := s.processor.ProcessJob(ctx, jobID, result.ListName, result.ChunkPaths)
	report.RecordsRecovered += summary.RecordsWritten
	s.metrics.RecordRecoveredRecords(int(summary.RecordsWritten))
	if err != nil {
		return jobID, err
	}

	if err := s.processor.FinalizeJob(ctx, jobID, s.cfg.WorkerID); err != nil {
		return jobID, err
	}

	s.cleanup(artifact, jobID)
	report.JobsRecovered++

	return jobID, nil
}

// recoverChunks resumes one orphaned chunk directory.
func (s *Scanner) recoverChunks(ctx context.Context, jobID string, chunks []string, report *Report) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("no job document for chunk dir %s: %w", jobID, err)
	}

	if job.Status.Terminal() {
		s.logger.Warn("chunk dir for terminal job, removing",
			"jobID", jobID, "status", job.Status)
		s.cleanup("", jobID)

		return nil
	}

	if err := s.claimAttempt(ctx, job); err != nil {
		if errors.Is(err, types.ErrRecoveryAttemptsExceeded) {
			s.cleanup("", jobID)
			report.JobsFailed++

			return nil
		}

		return err
	}

	summary, err := s.processor.ProcessJob(ctx, jobID, job.ListName, chunks)
	report.RecordsRecovered += summary.RecordsWritten
	s.metrics.RecordRecoveredRecords(int(summary.RecordsWritten))
	if err != nil {
		return err
	}

	if err := s.processor.FinalizeJob(ctx, jobID, s.cfg.WorkerID); err != nil {
		return err
	}

	s.cleanup("", jobID)
	report.JobsRecovered++

	return nil
}

// claimAttempt burns one recovery attempt for the job.
//
// Returns:
//   - error: types.ErrRecoveryAttemptsExceeded when the cap is hit (the job
//     has been marked failed), or a store failure recording the attempt
func (s *Scanner) claimAttempt(ctx context.Context, job *types.UploadJob) error {
	if job.RecoveryAttempts >= s.cfg.MaxRecoveryAttempts {
		s.logger.Error("recovery attempts exhausted, failing job",
			"jobID", job.JobID, "attempts", job.RecoveryAttempts)

		err := s.store.UpdateJob(ctx, job.JobID, store.JobUpdate{
			Set: map[string]any{
				"status":     types.JobFailed,
				"last_error": fmt.Sprintf("%v after %d tries", types.ErrRecoveryAttemptsExceeded, job.RecoveryAttempts),
				"updated_at": s.now().UTC(),
			},
		})
		if err != nil {
			return err
		}

		return fmt.Errorf("job %s: %w", job.JobID, types.ErrRecoveryAttemptsExceeded)
	}

	err := s.store.UpdateJob(ctx, job.JobID, store.JobUpdate{
		Inc: map[string]int64{"recovery_attempts": 1},
		Set: map[string]any{
			"status":     types.JobProcessing,
			"updated_at": s.now().UTC(),
		},
	})
	if err != nil {
		return err
	}

	return nil
}

// ensureJob returns the job for a split artifact, creating the document from
// the artifact metadata when the crash happened before the job was persisted.
func (s *Scanner) ensureJob(ctx context.Context, result *ingest.SplitResult) (*types.UploadJob, error) {
	job, err := s.store.GetJob(ctx, result.JobID)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, types.ErrJobNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	job = &types.UploadJob{
		JobID:        result.JobID,
		ListName:     result.ListName,
		TotalRecords: result.TotalRecords,
		Status:       types.JobPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.logger.Warn("job document missing, recreating from artifact metadata",
		"jobID", result.JobID, "list", result.ListName)

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	return job, nil
}

// cleanup archives the artifact (when given) and removes the job's chunk
// directory. Failures are logged only; the next pass retries them.
func (s *Scanner) cleanup(artifact, jobID string) {
	if artifact != "" {
		if err := s.layout.MoveToCompleted(artifact); err != nil {
			s.logger.Warn("failed to archive artifact", "artifact", artifact, "error", err)
		}
	}

	if err := os.RemoveAll(s.layout.ChunkDir(jobID)); err != nil {
		s.logger.Warn("failed to remove chunk dir", "jobID", jobID, "error", err)
	}
}

// listArtifacts returns the JSON artifacts waiting in processing/, sorted.
func (s *Scanner) listArtifacts() ([]string, error) {
	dir := s.layout.ProcessingDir()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read processing dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}

	return paths, nil
}

// listChunkJobs returns the job ids that have a chunk directory, sorted.
func (s *Scanner) listChunkJobs() ([]string, error) {
	entries, err := os.ReadDir(s.layout.ChunkRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read chunk root: %w", err)
	}

	var jobs []string
	for _, e := range entries {
		if e.IsDir() {
			jobs = append(jobs, e.Name())
		}
	}

	return jobs, nil
}
