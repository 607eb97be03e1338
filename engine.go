package bulkmail

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avylove/bulkmail/admission"
	"github.com/avylove/bulkmail/cache"
	"github.com/avylove/bulkmail/health"
	"github.com/avylove/bulkmail/ingest"
	"github.com/avylove/bulkmail/ratelimit"
	"github.com/avylove/bulkmail/recovery"
	"github.com/avylove/bulkmail/store"
	"github.com/avylove/bulkmail/transport"
	"github.com/avylove/bulkmail/types"

	ilogger "github.com/avylove/bulkmail/internal/logger"
	"github.com/avylove/bulkmail/internal/metrics"
)

// jobStatsKeyPrefix keys the short-TTL job progress mirror in the cache.
const jobStatsKeyPrefix = "jobstats:"

// Engine is the bulk email processing engine: ingestion of subscriber upload
// artifacts, crash recovery, and the rate-limited dispatch loop.
//
// An Engine is safe for concurrent use. Construct it with New, call Start
// before submitting work, and Stop when done.
type Engine struct {
	cfg     *Config
	store   store.DocumentStore
	sender  transport.Sender
	cache   cache.Cache // nil when not configured
	logger  types.Logger
	metrics types.MetricsCollector

	layout    *ingest.Layout
	probe     *health.Probe
	pause     *admission.PauseRegistry
	admission *admission.Controller
	limiter   *ratelimit.Limiter
	splitter  *ingest.Splitter
	processor *ingest.Processor
	scanner   *recovery.Scanner

	mu      sync.Mutex
	started bool

	now func() time.Time
}

// New creates an Engine.
//
// Parameters:
//   - cfg: Engine configuration (defaults applied, then validated)
//   - st: Document store for jobs, subscribers, and dead letters
//   - sender: Email transport
//   - opts: Optional logger, metrics collector, and cache layer
//
// Returns:
//   - *Engine: A new engine instance
//   - error: types.ErrInvalidConfig, types.ErrStoreRequired, or
//     types.ErrTransportRequired
func New(cfg *Config, st store.DocumentStore, sender transport.Sender, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, types.ErrStoreRequired
	}
	if sender == nil {
		return nil, types.ErrTransportRequired
	}

	o := &engineOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = ilogger.NewNop()
	}
	if o.metrics == nil {
		o.metrics = metrics.NewNop()
	}

	e := &Engine{
		cfg:     cfg,
		store:   st,
		sender:  sender,
		cache:   o.cache,
		logger:  o.logger,
		metrics: o.metrics,
		now:     time.Now,
	}

	var cachePinger health.Pinger
	if e.cache != nil {
		cachePinger = e.cache
	}

	e.layout = ingest.NewLayout(cfg.Ingest.RootDir)
	e.probe = health.New(cfg.Health, st, cachePinger, e.logger, e.metrics)
	e.pause = admission.NewPauseRegistry(e.cache, e.logger)
	e.admission = admission.New(cfg.Admission, e.probe, e.pause, e.logger, e.metrics)
	e.limiter = ratelimit.New(cfg.RateLimit, e.logger, e.metrics)
	e.splitter = ingest.NewSplitter(e.layout, cfg.Ingest.ChunkSize, e.logger, e.metrics)
	e.processor = ingest.NewProcessor(st, e.layout, cfg.Ingest.Processor, e.admission, e.logger, e.metrics)
	e.scanner = recovery.NewScanner(e.layout, e.splitter, e.processor, st, cfg.Recovery, e.logger, e.metrics)

	return e, nil
}

// Start prepares the engine for work: creates the upload directories and
// verifies the document store is reachable.
//
// Parameters:
//   - ctx: Context for cancellation and deadline
//
// Returns:
//   - error: types.ErrAlreadyStarted, a directory failure, or a store ping
//     failure
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return types.ErrAlreadyStarted
	}

	if err := e.layout.EnsureDirs(); err != nil {
		return err
	}

	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("document store unreachable: %w", err)
	}

	e.started = true
	e.logger.Info("engine started", "rootDir", e.cfg.Ingest.RootDir, "cache", e.cache != nil)

	return nil
}

// Stop shuts the engine down.
//
// Returns:
//   - error: types.ErrNotStarted if the engine is not running
func (e *Engine) Stop(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return types.ErrNotStarted
	}

	e.started = false
	e.logger.Info("engine stopped")

	return nil
}

func (e *Engine) requireStarted() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return types.ErrNotStarted
	}

	return nil
}

// CreateUploadJob mints a job document for an accepted upload.
//
// Parameters:
//   - ctx: Context for cancellation
//   - listName: Subscriber list the upload belongs to
//   - totalRecords: Record count declared by the upload
//
// Returns:
//   - *types.UploadJob: The created job, status pending
//   - error: Store failure
func (e *Engine) CreateUploadJob(ctx context.Context, listName string, totalRecords int64) (*types.UploadJob, error) {
	now := e.now().UTC()
	job := &types.UploadJob{
		JobID:        uuid.NewString(),
		ListName:     listName,
		TotalRecords: totalRecords,
		Status:       types.JobPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	e.logger.Info("upload job created", "jobID", job.JobID, "list", listName, "records", totalRecords)
	e.refreshJobStats(ctx, job.JobID)

	return job, nil
}

// Job returns the current job document.
func (e *Engine) Job(ctx context.Context, jobID string) (*types.UploadJob, error) {
	return e.store.GetJob(ctx, jobID)
}

// IngestArtifact runs one pending-upload artifact through the full pipeline:
// split into chunks, process every chunk, finalize the job, archive the
// artifact.
//
// A job heartbeat ticker runs for the duration so observers can tell a slow
// job from a dead worker. On a context cancellation the artifact and any
// unprocessed chunks stay on disk for the recovery scanner.
//
// Parameters:
//   - ctx: Context for cancellation
//   - artifactPath: Artifact file, typically under the processing directory
//
// Returns:
//   - *ingest.JobSummary: Per-chunk outcome counts
//   - error: types.ErrNotStarted, split failure, missing job document, or
//     context cancellation
func (e *Engine) IngestArtifact(ctx context.Context, artifactPath string) (*ingest.JobSummary, error) {
	if err := e.requireStarted(); err != nil {
		return nil, err
	}

	e.admission.BeginTask()
	defer e.admission.EndTask()

	result, err := e.splitter.Split(ctx, artifactPath)
	if err != nil {
		return nil, err
	}

	jobID := result.JobID

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("job %s is already %s", jobID, job.Status)
	}

	totalChunks := job.CompletedChunks + job.FailedChunks + len(result.ChunkPaths)
	err = e.store.UpdateJob(ctx, jobID, store.JobUpdate{
		Set: map[string]any{
			"status":       types.JobProcessing,
			"total_chunks": totalChunks,
			"updated_at":   e.now().UTC(),
		},
	})
	if err != nil {
		return nil, err
	}

	hb := newJobHeartbeat(e.store, jobID, e.cfg.HeartbeatInterval, e.logger, e.metrics)
	beating := hb.Start(ctx) == nil
	if !beating {
		e.logger.Warn("job heartbeat unavailable", "jobID", jobID)
	}

	summary, err := e.processor.ProcessJob(ctx, jobID, result.ListName, result.ChunkPaths)

	if beating {
		_ = hb.Stop()
	}

	e.refreshJobStats(context.WithoutCancel(ctx), jobID)

	if err != nil {
		// Leave the artifact and remaining chunks for recovery.
		return summary, err
	}

	if err := e.processor.FinalizeJob(ctx, jobID, ""); err != nil {
		return summary, err
	}

	if err := e.layout.MoveToCompleted(artifactPath); err != nil {
		e.logger.Warn("failed to archive artifact", "artifact", artifactPath, "error", err)
	}
	if err := e.layout.RemoveChunkDirIfEmpty(jobID); err != nil {
		e.logger.Warn("failed to remove chunk dir", "jobID", jobID, "error", err)
	}

	e.refreshJobStats(ctx, jobID)

	return summary, nil
}

// SendBatch dispatches a batch of email units for one campaign.
//
// The batch as a whole is gated by admission control, including the
// campaign's pause flag; a refused batch is deferred and re-checked rather
// than dropped, so a pause set via PauseJob takes effect at the next batch
// boundary. Units are dispatched in order with a fixed inter-send delay.
// Per-unit outcomes are returned even when the batch is cut short by
// cancellation. Rate-limited outcomes are the caller's to requeue: the unit
// never reached the transport, so it is not dead-lettered and consumes no
// quota.
//
// Parameters:
//   - ctx: Context for cancellation
//   - campaignID: Campaign the batch belongs to, checked against the pause
//     flag; "" skips the pause check
//   - batch: Email units to dispatch
//
// Returns:
//   - []types.DispatchOutcome: One outcome per dispatched unit
//   - error: types.ErrNotStarted or context cancellation
func (e *Engine) SendBatch(ctx context.Context, campaignID string, batch []types.EmailMessage) ([]types.DispatchOutcome, error) {
	if err := e.requireStarted(); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}

	if err := e.waitForAdmission(ctx, len(batch), campaignID); err != nil {
		return nil, err
	}

	e.admission.BeginTask()
	defer e.admission.EndTask()

	outcomes := make([]types.DispatchOutcome, 0, len(batch))

	for i, msg := range batch {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		outcomes = append(outcomes, e.sendOne(ctx, msg))

		if i < len(batch)-1 {
			if err := sleepCtx(ctx, e.cfg.Dispatch.InterSendDelay); err != nil {
				return outcomes, err
			}
		}
	}

	return outcomes, nil
}

// waitForAdmission blocks until admission control admits a batch.
func (e *Engine) waitForAdmission(ctx context.Context, size int, campaignID string) error {
	for {
		d := e.admission.CanProcessBatch(ctx, size, campaignID)
		if d.Allowed {
			return nil
		}

		e.logger.Debug("batch deferred by admission",
			"size", size, "campaign", campaignID, "reason", d.Reason, "failingChecks", d.FailingChecks)

		if err := sleepCtx(ctx, e.cfg.Dispatch.AdmissionRetryDelay); err != nil {
			return err
		}
	}
}

// sendOne dispatches a single unit: rate-limit gate, transport send with
// exponential backoff, dead-letter conversion when the retry budget is gone.
func (e *Engine) sendOne(ctx context.Context, msg types.EmailMessage) types.DispatchOutcome {
	id := e.cfg.Dispatch.RateIdentifier

	d := e.limiter.Check(id)
	if !d.Allowed {
		// One context-aware wait for the window to free a slot, then one
		// re-check. A second disallow becomes an outcome, not a stall.
		if err := sleepCtx(ctx, d.RetryAfter); err == nil {
			d = e.limiter.Check(id)
		}
		if !d.Allowed {
			e.metrics.RecordSendOutcome(string(types.OutcomeRateLimited))

			return types.DispatchOutcome{
				Status:    types.OutcomeRateLimited,
				Recipient: msg.Recipient,
				Error:     fmt.Sprintf("rate limited on %s window", d.Window),
				Timestamp: e.now().UTC(),
			}
		}
	}

	var (
		lastErr     error
		firstFailed time.Time
		attempts    int
	)

	for attempt := 0; attempt <= e.cfg.Dispatch.MaxEmailRetries; attempt++ {
		start := e.now()
		attempts = attempt + 1

		msgID, err := e.sender.Send(ctx, msg)
		if err == nil {
			e.limiter.RecordSend(id)
			e.metrics.RecordSendOutcome(string(types.OutcomeSubmitted))
			e.metrics.RecordSendLatency(e.now().Sub(start).Seconds())

			return types.DispatchOutcome{
				Status:    types.OutcomeSubmitted,
				Recipient: msg.Recipient,
				MessageID: msgID,
				Attempts:  attempts,
				Timestamp: e.now().UTC(),
			}
		}

		lastErr = err
		if firstFailed.IsZero() {
			firstFailed = e.now().UTC()
		}

		e.logger.Warn("send attempt failed",
			"recipient", msg.Recipient, "attempt", attempts, "error", err)

		if attempt < e.cfg.Dispatch.MaxEmailRetries {
			if err := sleepCtx(ctx, e.backoff(attempt)); err != nil {
				break
			}
		}
	}

	e.deadLetter(ctx, msg, lastErr, attempts, firstFailed)

	return types.DispatchOutcome{
		Status:    types.OutcomeFailed,
		Recipient: msg.Recipient,
		Error:     lastErr.Error(),
		Attempts:  attempts,
		Timestamp: e.now().UTC(),
	}
}

// backoff returns the delay before retry number attempt+1.
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.Dispatch.RetryBackoffBase << attempt
	if d > e.cfg.Dispatch.RetryBackoffMax || d <= 0 {
		d = e.cfg.Dispatch.RetryBackoffMax
	}

	return d
}

// deadLetter preserves an exhausted unit for offline handling.
func (e *Engine) deadLetter(ctx context.Context, msg types.EmailMessage, cause error, attempts int, firstFailed time.Time) {
	rec := &types.DeadLetterRecord{
		OriginalPayload: msg,
		FailureReason:   cause.Error(),
		AttemptCount:    attempts,
		FirstFailedAt:   firstFailed,
		LastFailedAt:    e.now().UTC(),
	}

	if err := e.store.InsertDeadLetter(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Error("failed to persist dead letter",
			"recipient", msg.Recipient, "error", err)
	}

	e.metrics.RecordDeadLetter()
	e.metrics.RecordSendOutcome(string(types.OutcomeFailed))
	e.logger.Error("unit exhausted retry budget, dead lettered",
		"recipient", msg.Recipient, "attempts", attempts, "error", cause)
}

// PauseJob sets the external pause flag for an upload job or a send
// campaign. Batches already in flight finish; the next batch boundary (a
// chunk during ingestion, a SendBatch call during dispatch) observes the
// flag.
func (e *Engine) PauseJob(ctx context.Context, jobID string) error {
	return e.pause.Pause(ctx, jobID)
}

// ResumeJob clears a job's pause flag.
func (e *Engine) ResumeJob(ctx context.Context, jobID string) error {
	return e.pause.Resume(ctx, jobID)
}

// Health returns the current system health snapshot, cached per the probe's
// interval.
func (e *Engine) Health(ctx context.Context) types.SystemHealth {
	return e.probe.Snapshot(ctx)
}

// RateLimits returns the current send ceilings.
func (e *Engine) RateLimits() ratelimit.Limits {
	return e.limiter.Limits()
}

// SetRateLimits overrides the send ceilings at runtime, clamped to the
// configured bounds. Zero fields keep their current value.
func (e *Engine) SetRateLimits(limits ratelimit.Limits) ratelimit.Limits {
	return e.limiter.SetLimits(limits)
}

// ScanRecovery inventories stranded work without touching it.
func (e *Engine) ScanRecovery(ctx context.Context) (*recovery.Report, error) {
	return e.scanner.Scan(ctx)
}

// Recover drives stranded uploads back through the pipeline.
//
// Returns:
//   - *recovery.Report: What was found and recovered
//   - error: types.ErrNotStarted or a filesystem listing failure
func (e *Engine) Recover(ctx context.Context) (*recovery.Report, error) {
	if err := e.requireStarted(); err != nil {
		return nil, err
	}

	return e.scanner.Recover(ctx)
}

// refreshJobStats mirrors the job document into the cache under a short TTL
// so dashboards can poll progress without hitting the store. Best effort.
func (e *Engine) refreshJobStats(ctx context.Context, jobID string) {
	if e.cache == nil {
		return
	}

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		e.logger.Warn("job stats refresh failed", "jobID", jobID, "error", err)

		return
	}

	data, err := json.Marshal(job)
	if err != nil {
		return
	}

	if err := e.cache.SetEx(ctx, jobStatsKeyPrefix+jobID, string(data), e.cfg.JobStatsTTL); err != nil {
		e.logger.Warn("job stats refresh failed", "jobID", jobID, "error", err)
	}
}

// sleepCtx waits for d or until the context ends, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
