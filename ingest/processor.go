package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/avylove/bulkmail/admission"
	"github.com/avylove/bulkmail/store"
	"github.com/avylove/bulkmail/types"
)

// Sub-batch sizing for bulk upserts.
const (
	DefaultSubBatchSize = 1000
	MaxSubBatchSize     = 15000
)

// DefaultAdmissionRetryDelay is how long the processor waits before
// re-checking admission after a refused batch.
const DefaultAdmissionRetryDelay = 5 * time.Second

// Gate is the admission contract the processor consults at every chunk
// boundary. admission.Controller satisfies it.
type Gate interface {
	CanProcessBatch(ctx context.Context, batchSize int, jobID string) admission.Decision
	OptimalBatchSize(ctx context.Context, requested int, jobID string) int
}

// ProcessorConfig holds chunk processing settings.
type ProcessorConfig struct {
	// SubBatchSize is the number of records per bulk upsert.
	// Default DefaultSubBatchSize, capped at MaxSubBatchSize.
	SubBatchSize int

	// AdmissionRetryDelay is the wait between admission re-checks when the
	// gate refuses a batch. Default DefaultAdmissionRetryDelay.
	AdmissionRetryDelay time.Duration
}

// SetDefaults fills in missing configuration values.
func (c *ProcessorConfig) SetDefaults() {
	if c.SubBatchSize <= 0 {
		c.SubBatchSize = DefaultSubBatchSize
	}
	if c.SubBatchSize > MaxSubBatchSize {
		c.SubBatchSize = MaxSubBatchSize
	}
	if c.AdmissionRetryDelay <= 0 {
		c.AdmissionRetryDelay = DefaultAdmissionRetryDelay
	}
}

// JobSummary aggregates the outcome of processing a job's chunks.
type JobSummary struct {
	RecordsWritten  int64
	RecordsSkipped  int64
	ChunksCompleted int
	ChunksFailed    int
}

// Processor applies chunk files to the document store as idempotent bulk
// upserts and keeps the job document's progress accurate.
//
// Every mutation of the job document goes through a single atomic partial
// update per chunk, so a crash between chunks loses at most the not-yet
// deleted chunk's progress, which re-running the chunk restores without
// double counting records.
type Processor struct {
	store   store.DocumentStore
	layout  *Layout
	cfg     ProcessorConfig
	gate    Gate // nil disables admission checks
	logger  types.Logger
	metrics types.MetricsCollector

	now func() time.Time
}

// NewProcessor creates a chunk processor.
//
// Parameters:
//   - st: Document store for upserts and job bookkeeping
//   - layout: Filesystem layout the chunks live in
//   - cfg: Processing settings (defaults applied)
//   - gate: Admission gate, nil to process unconditionally
//   - logger: Structured logger
//   - metrics: Metrics collector
//
// Returns:
//   - *Processor: A new processor instance
func NewProcessor(
	st store.DocumentStore,
	layout *Layout,
	cfg ProcessorConfig,
	gate Gate,
	logger types.Logger,
	metrics types.MetricsCollector,
) *Processor {
	cfg.SetDefaults()

	return &Processor{
		store:   st,
		layout:  layout,
		cfg:     cfg,
		gate:    gate,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// ProcessChunk applies one chunk file to the store.
//
// Records are normalized first; invalid ones are skipped and counted, never
// fatal. Valid records are upserted in sub-batches, and a failed sub-batch is
// logged and skipped so one bad batch cannot sink the chunk. After the
// upserts, job progress is advanced in one atomic update (processed_records
// capped so it never exceeds total_records) and only then is the chunk file
// deleted. Any error before that update leaves the chunk on disk for the
// recovery scanner; re-running it is safe because upserts are idempotent.
//
// Parameters:
//   - ctx: Context for cancellation
//   - chunkPath: Path of the chunk file
//   - list: List name the records belong to
//   - jobID: Owning upload job
//
// Returns:
//   - int64: Records successfully upserted
//   - error: Chunk read/parse failure, total upsert failure, or a job
//     bookkeeping failure (chunk retained in all cases)
func (p *Processor) ProcessChunk(ctx context.Context, chunkPath, list, jobID string) (int64, error) {
	start := p.now()

	data, err := os.ReadFile(chunkPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", types.ErrChunkNotFound, chunkPath)
		}

		return 0, fmt.Errorf("failed to read chunk %s: %w", chunkPath, err)
	}

	var payload chunkPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return 0, fmt.Errorf("failed to parse chunk %s: %w", chunkPath, err)
	}

	valid := make([]types.SubscriberRecord, 0, len(payload.Subscribers))

	var skipped int64
	for i := range payload.Subscribers {
		rec := payload.Subscribers[i]
		rec.List = list

		if err := rec.Normalize(); err != nil {
			skipped++

			continue
		}

		valid = append(valid, rec)
	}

	subBatch := p.subBatchSize(ctx, jobID)

	var written int64
	for off := 0; off < len(valid); off += subBatch {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		end := min(off+subBatch, len(valid))

		n, err := p.store.BulkUpsertSubscribers(ctx, valid[off:end])
		if err != nil {
			p.logger.Warn("sub-batch upsert failed",
				"jobID", jobID, "chunk", filepath.Base(chunkPath),
				"offset", off, "size", end-off, "error", err)

			continue
		}

		written += n
	}

	if len(valid) > 0 && written == 0 {
		return 0, fmt.Errorf("all sub-batches failed for chunk %s", filepath.Base(chunkPath))
	}

	elapsed := p.now().Sub(start)

	if err := p.advanceJob(ctx, jobID, written, elapsed); err != nil {
		// Progress not recorded; keep the chunk so recovery can redo it.
		return written, fmt.Errorf("failed to update job %s: %w", jobID, err)
	}

	if err := os.Remove(chunkPath); err != nil {
		p.logger.Warn("failed to delete processed chunk",
			"chunk", chunkPath, "error", err)
	}

	p.metrics.RecordUpsertedRecords(int(written))
	p.metrics.RecordSkippedRecords(int(skipped))
	p.metrics.RecordChunkDuration(elapsed.Seconds())

	p.logger.Info("chunk processed",
		"jobID", jobID,
		"chunk", filepath.Base(chunkPath),
		"written", written,
		"skipped", skipped,
		"duration", elapsed)

	return written, nil
}

// advanceJob applies one atomic progress update after a chunk's upserts.
func (p *Processor) advanceJob(ctx context.Context, jobID string, written int64, elapsed time.Duration) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	inc := min(written, job.RemainingRecords())

	rps := float64(written)
	if secs := elapsed.Seconds(); secs > 0 {
		rps = float64(written) / secs
	}

	now := p.now().UTC()

	return p.store.UpdateJob(ctx, jobID, store.JobUpdate{
		Inc: map[string]int64{
			"processed_records": inc,
			"completed_chunks":  1,
		},
		Set: map[string]any{
			"records_per_second": rps,
			"last_heartbeat":     now,
			"updated_at":         now,
		},
	})
}

// subBatchSize returns the configured sub-batch size, shrunk by the admission
// gate under resource pressure.
func (p *Processor) subBatchSize(ctx context.Context, jobID string) int {
	size := p.cfg.SubBatchSize
	if p.gate == nil {
		return size
	}

	if degraded := p.gate.OptimalBatchSize(ctx, size, jobID); degraded < size {
		p.logger.Debug("sub-batch size degraded by admission",
			"jobID", jobID, "requested", size, "granted", degraded)

		return degraded
	}

	return size
}

// ProcessJob runs a job's chunk files in index order.
//
// The admission gate is consulted before every chunk; a refused batch defers
// processing rather than dropping it, re-checking on an interval until the
// gate admits the work or the context ends. A chunk that fails is isolated:
// its failure is recorded on the job and the remaining chunks still run.
//
// Parameters:
//   - ctx: Context for cancellation
//   - jobID: Owning upload job
//   - list: List name the records belong to
//   - chunkPaths: Chunk files in index order
//
// Returns:
//   - *JobSummary: Per-chunk outcome counts, valid even on early return
//   - error: Context cancellation only; chunk failures are in the summary
func (p *Processor) ProcessJob(ctx context.Context, jobID, list string, chunkPaths []string) (*JobSummary, error) {
	summary := &JobSummary{}

	for _, path := range chunkPaths {
		if err := p.waitForAdmission(ctx, jobID); err != nil {
			return summary, err
		}

		written, err := p.ProcessChunk(ctx, path, list, jobID)
		summary.RecordsWritten += written

		if err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}

			p.logger.Error("chunk failed",
				"jobID", jobID, "chunk", filepath.Base(path), "error", err)

			p.markChunkFailed(ctx, jobID)
			summary.ChunksFailed++

			continue
		}

		summary.ChunksCompleted++
	}

	return summary, nil
}

// waitForAdmission blocks until the gate admits a batch for the job.
func (p *Processor) waitForAdmission(ctx context.Context, jobID string) error {
	if p.gate == nil {
		return nil
	}

	for {
		d := p.gate.CanProcessBatch(ctx, p.cfg.SubBatchSize, jobID)
		if d.Allowed {
			return nil
		}

		p.logger.Debug("batch deferred by admission",
			"jobID", jobID, "reason", d.Reason, "failingChecks", d.FailingChecks)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.AdmissionRetryDelay):
		}
	}
}

// markChunkFailed records one failed chunk on the job document.
func (p *Processor) markChunkFailed(ctx context.Context, jobID string) {
	err := p.store.UpdateJob(ctx, jobID, store.JobUpdate{
		Inc: map[string]int64{"failed_chunks": 1},
		Set: map[string]any{"updated_at": p.now().UTC()},
	})
	if err != nil {
		p.logger.Error("failed to record chunk failure", "jobID", jobID, "error", err)
	}
}

// FinalizeJob moves a job to its terminal state once all chunks are done.
//
// A job with failed chunks terminates as partially completed with a
// last_error note; otherwise it completes. Already-terminal jobs are left
// untouched so finalize is safe to call twice.
//
// Parameters:
//   - ctx: Context for cancellation
//   - jobID: Job to finalize
//   - recoveredBy: Recovery marker to stamp on the job, "" for none
//
// Returns:
//   - error: Store failure or types.ErrJobNotFound
func (p *Processor) FinalizeJob(ctx context.Context, jobID, recoveredBy string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status.Terminal() {
		return nil
	}

	set := map[string]any{
		"status":     types.JobCompleted,
		"updated_at": p.now().UTC(),
	}

	if job.FailedChunks > 0 {
		set["status"] = types.JobPartiallyCompleted
		set["last_error"] = fmt.Sprintf("%d of %d chunks failed", job.FailedChunks, job.TotalChunks)
	}

	if recoveredBy != "" {
		set["recovered_by"] = recoveredBy
	}

	if err := p.store.UpdateJob(ctx, jobID, store.JobUpdate{Set: set}); err != nil {
		return err
	}

	p.logger.Info("job finalized",
		"jobID", jobID,
		"status", set["status"],
		"failedChunks", job.FailedChunks)

	return nil
}
