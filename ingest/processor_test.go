package ingest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avylove/bulkmail/admission"
	"github.com/avylove/bulkmail/internal/logger"
	"github.com/avylove/bulkmail/internal/metrics"
	bulktest "github.com/avylove/bulkmail/testing"
	"github.com/avylove/bulkmail/types"
)

func newTestProcessor(st *bulktest.MemoryStore, l *Layout, cfg ProcessorConfig, gate Gate) *Processor {
	return NewProcessor(st, l, cfg, gate, logger.NewNop(), metrics.NewNop())
}

func seedJob(t *testing.T, st *bulktest.MemoryStore, jobID string, total int64) {
	t.Helper()

	require.NoError(t, st.CreateJob(t.Context(), &types.UploadJob{
		JobID:        jobID,
		ListName:     "newsletter",
		TotalRecords: total,
		Status:       types.JobProcessing,
		CreatedAt:    time.Now().UTC(),
	}))
}

// writeChunkFile stages a chunk with the given emails, mkdir included.
func writeChunkFile(t *testing.T, l *Layout, jobID string, index int, emails []string) string {
	t.Helper()

	recs := make([]types.SubscriberRecord, len(emails))
	for i, e := range emails {
		recs[i] = types.SubscriberRecord{Email: e}
	}

	require.NoError(t, os.MkdirAll(l.ChunkDir(jobID), 0o755))

	path := l.ChunkFile(jobID, index)
	require.NoError(t, writeChunk(path, recs))

	return path
}

func TestProcessor_ProcessChunk(t *testing.T) {
	t.Run("upserts records and advances the job", func(t *testing.T) {
		st := bulktest.NewMemoryStore()
		l := newTestLayout(t)
		p := newTestProcessor(st, l, ProcessorConfig{}, nil)
		seedJob(t, st, "job-1", 3)
		chunk := writeChunkFile(t, l, "job-1", 0, []string{
			"A@Example.com", "b@example.com", "c@example.com",
		})

		written, err := p.ProcessChunk(t.Context(), chunk, "newsletter", "job-1")
		require.NoError(t, err)
		require.Equal(t, int64(3), written)

		// Normalization applied before persistence
		rec, ok := st.Subscriber("a@example.com", "newsletter")
		require.True(t, ok)
		require.NotEmpty(t, rec.EmailHash)
		require.Equal(t, types.SubscriberUnconfirmed, rec.Status)

		job, err := st.GetJob(t.Context(), "job-1")
		require.NoError(t, err)
		require.Equal(t, int64(3), job.ProcessedRecords)
		require.Equal(t, 1, job.CompletedChunks)
		require.False(t, job.LastHeartbeat.IsZero())

		// Chunk deleted only after bookkeeping succeeded
		require.NoFileExists(t, chunk)
	})

	t.Run("skips invalid records without failing the chunk", func(t *testing.T) {
		st := bulktest.NewMemoryStore()
		l := newTestLayout(t)
		p := newTestProcessor(st, l, ProcessorConfig{}, nil)
		seedJob(t, st, "job-1", 3)
		chunk := writeChunkFile(t, l, "job-1", 0, []string{
			"a@example.com", "not-an-email", "c@example.com",
		})

		written, err := p.ProcessChunk(t.Context(), chunk, "newsletter", "job-1")
		require.NoError(t, err)
		require.Equal(t, int64(2), written)

		job, err := st.GetJob(t.Context(), "job-1")
		require.NoError(t, err)
		require.Equal(t, int64(2), job.ProcessedRecords)
	})

	t.Run("failed sub-batch is skipped, rest of chunk lands", func(t *testing.T) {
		st := bulktest.NewMemoryStore()
		l := newTestLayout(t)
		p := newTestProcessor(st, l, ProcessorConfig{SubBatchSize: 2}, nil)
		seedJob(t, st, "job-1", 6)
		chunk := writeChunkFile(t, l, "job-1", 0, []string{
			"a@example.com", "b@example.com", "c@example.com",
			"d@example.com", "e@example.com", "f@example.com",
		})

		st.FailNextBulkUpserts(1)

		written, err := p.ProcessChunk(t.Context(), chunk, "newsletter", "job-1")
		require.NoError(t, err)
		require.Equal(t, int64(4), written)

		job, err := st.GetJob(t.Context(), "job-1")
		require.NoError(t, err)
		require.Equal(t, int64(4), job.ProcessedRecords)
		require.NoFileExists(t, chunk)
	})

	t.Run("all sub-batches failing fails the chunk and keeps it", func(t *testing.T) {
		st := bulktest.NewMemoryStore()
		l := newTestLayout(t)
		p := newTestProcessor(st, l, ProcessorConfig{SubBatchSize: 2}, nil)
		seedJob(t, st, "job-1", 4)
		chunk := writeChunkFile(t, l, "job-1", 0, []string{
			"a@example.com", "b@example.com", "c@example.com", "d@example.com",
		})

		st.FailNextBulkUpserts(10)

		_, err := p.ProcessChunk(t.Context(), chunk, "newsletter", "job-1")
		require.Error(t, err)
		require.FileExists(t, chunk)
	})

	t.Run("bookkeeping failure keeps the chunk, rerun does not double count", func(t *testing.T) {
		st := bulktest.NewMemoryStore()
		l := newTestLayout(t)
		p := newTestProcessor(st, l, ProcessorConfig{}, nil)
		seedJob(t, st, "job-1", 3)
		chunk := writeChunkFile(t, l, "job-1", 0, []string{
			"a@example.com", "b@example.com", "c@example.com",
		})

		st.FailNextJobUpdates(1)

		_, err := p.ProcessChunk(t.Context(), chunk, "newsletter", "job-1")
		require.Error(t, err)
		require.FileExists(t, chunk, "chunk must survive a bookkeeping failure")

		// Recovery re-runs the chunk; upserts are idempotent and the counter
		// cap stops processed_records at total_records.
		written, err := p.ProcessChunk(t.Context(), chunk, "newsletter", "job-1")
		require.NoError(t, err)
		require.Equal(t, int64(3), written)

		job, err := st.GetJob(t.Context(), "job-1")
		require.NoError(t, err)
		require.Equal(t, int64(3), job.ProcessedRecords)

		n, err := st.CountSubscribers(t.Context(), "newsletter")
		require.NoError(t, err)
		require.Equal(t, int64(3), n)
	})

	t.Run("processed count never exceeds total records", func(t *testing.T) {
		st := bulktest.NewMemoryStore()
		l := newTestLayout(t)
		p := newTestProcessor(st, l, ProcessorConfig{}, nil)
		seedJob(t, st, "job-1", 3)
		chunk := writeChunkFile(t, l, "job-1", 0, []string{
			"a@example.com", "b@example.com", "c@example.com",
			"d@example.com", "e@example.com",
		})

		_, err := p.ProcessChunk(t.Context(), chunk, "newsletter", "job-1")
		require.NoError(t, err)

		job, err := st.GetJob(t.Context(), "job-1")
		require.NoError(t, err)
		require.Equal(t, int64(3), job.ProcessedRecords)
	})

	t.Run("unparseable chunk fails and is kept", func(t *testing.T) {
		st := bulktest.NewMemoryStore()
		l := newTestLayout(t)
		p := newTestProcessor(st, l, ProcessorConfig{}, nil)
		seedJob(t, st, "job-1", 3)

		require.NoError(t, os.MkdirAll(l.ChunkDir("job-1"), 0o755))
		chunk := l.ChunkFile("job-1", 0)
		require.NoError(t, os.WriteFile(chunk, []byte("{broken"), 0o644))

		_, err := p.ProcessChunk(t.Context(), chunk, "newsletter", "job-1")
		require.Error(t, err)
		require.FileExists(t, chunk)
	})

	t.Run("missing chunk", func(t *testing.T) {
		st := bulktest.NewMemoryStore()
		l := newTestLayout(t)
		p := newTestProcessor(st, l, ProcessorConfig{}, nil)
		seedJob(t, st, "job-1", 3)

		_, err := p.ProcessChunk(t.Context(), l.ChunkFile("job-1", 0), "newsletter", "job-1")
		require.ErrorIs(t, err, types.ErrChunkNotFound)
	})
}

// blockingGate refuses the first n checks, then admits everything.
type blockingGate struct {
	refusals int
	checks   int
}

func (g *blockingGate) CanProcessBatch(_ context.Context, _ int, _ string) admission.Decision {
	g.checks++
	if g.checks <= g.refusals {
		return admission.Decision{Reason: admission.ReasonSystemUnhealthy}
	}

	return admission.Decision{Allowed: true}
}

func (g *blockingGate) OptimalBatchSize(_ context.Context, requested int, _ string) int {
	return requested
}

func TestProcessor_ProcessJob(t *testing.T) {
	t.Run("processes chunks in order and reports totals", func(t *testing.T) {
		st := bulktest.NewMemoryStore()
		l := newTestLayout(t)
		p := newTestProcessor(st, l, ProcessorConfig{}, nil)
		seedJob(t, st, "job-1", 4)

		c0 := writeChunkFile(t, l, "job-1", 0, []string{"a@example.com", "b@example.com"})
		c1 := writeChunkFile(t, l, "job-1", 1, []string{"c@example.com", "d@example.com"})

		summary, err := p.ProcessJob(t.Context(), "job-1", "newsletter", []string{c0, c1})
		require.NoError(t, err)
		require.Equal(t, int64(4), summary.RecordsWritten)
		require.Equal(t, 2, summary.ChunksCompleted)
		require.Zero(t, summary.ChunksFailed)
	})

	t.Run("a failing chunk does not sink the rest", func(t *testing.T) {
		st := bulktest.NewMemoryStore()
		l := newTestLayout(t)
		p := newTestProcessor(st, l, ProcessorConfig{}, nil)
		seedJob(t, st, "job-1", 4)

		require.NoError(t, os.MkdirAll(l.ChunkDir("job-1"), 0o755))
		bad := l.ChunkFile("job-1", 0)
		require.NoError(t, os.WriteFile(bad, []byte("{broken"), 0o644))
		good := writeChunkFile(t, l, "job-1", 1, []string{"a@example.com", "b@example.com"})

		summary, err := p.ProcessJob(t.Context(), "job-1", "newsletter", []string{bad, good})
		require.NoError(t, err)
		require.Equal(t, 1, summary.ChunksCompleted)
		require.Equal(t, 1, summary.ChunksFailed)

		job, err := st.GetJob(t.Context(), "job-1")
		require.NoError(t, err)
		require.Equal(t, 1, job.FailedChunks)
		require.Equal(t, int64(2), job.ProcessedRecords)
	})

	t.Run("defers work until the gate admits it", func(t *testing.T) {
		st := bulktest.NewMemoryStore()
		l := newTestLayout(t)
		gate := &blockingGate{refusals: 2}
		p := newTestProcessor(st, l, ProcessorConfig{AdmissionRetryDelay: time.Millisecond}, gate)
		seedJob(t, st, "job-1", 1)
		chunk := writeChunkFile(t, l, "job-1", 0, []string{"a@example.com"})

		summary, err := p.ProcessJob(t.Context(), "job-1", "newsletter", []string{chunk})
		require.NoError(t, err)
		require.Equal(t, 1, summary.ChunksCompleted)
		require.Equal(t, 3, gate.checks, "two refusals then one admit")
	})

	t.Run("cancellation stops between admission retries", func(t *testing.T) {
		st := bulktest.NewMemoryStore()
		l := newTestLayout(t)
		gate := &blockingGate{refusals: 1 << 30}
		p := newTestProcessor(st, l, ProcessorConfig{AdmissionRetryDelay: time.Millisecond}, gate)
		seedJob(t, st, "job-1", 1)
		chunk := writeChunkFile(t, l, "job-1", 0, []string{"a@example.com"})

		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()

		_, err := p.ProcessJob(ctx, "job-1", "newsletter", []string{chunk})
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.FileExists(t, chunk)
	})
}

func TestProcessor_FinalizeJob(t *testing.T) {
	t.Run("completes a clean job", func(t *testing.T) {
		st := bulktest.NewMemoryStore()
		l := newTestLayout(t)
		p := newTestProcessor(st, l, ProcessorConfig{}, nil)
		seedJob(t, st, "job-1", 2)

		require.NoError(t, p.FinalizeJob(t.Context(), "job-1", ""))

		job, err := st.GetJob(t.Context(), "job-1")
		require.NoError(t, err)
		require.Equal(t, types.JobCompleted, job.Status)
		require.Empty(t, job.RecoveredBy)
	})

	t.Run("failed chunks yield partial completion", func(t *testing.T) {
		st := bulktest.NewMemoryStore()
		l := newTestLayout(t)
		p := newTestProcessor(st, l, ProcessorConfig{}, nil)
		seedJob(t, st, "job-1", 2)

		p.markChunkFailed(t.Context(), "job-1")

		require.NoError(t, p.FinalizeJob(t.Context(), "job-1", "worker-7"))

		job, err := st.GetJob(t.Context(), "job-1")
		require.NoError(t, err)
		require.Equal(t, types.JobPartiallyCompleted, job.Status)
		require.Contains(t, job.LastError, "1 of")
		require.Equal(t, "worker-7", job.RecoveredBy)
	})

	t.Run("terminal jobs are never mutated again", func(t *testing.T) {
		st := bulktest.NewMemoryStore()
		l := newTestLayout(t)
		p := newTestProcessor(st, l, ProcessorConfig{}, nil)
		seedJob(t, st, "job-1", 2)

		require.NoError(t, p.FinalizeJob(t.Context(), "job-1", ""))
		require.NoError(t, p.FinalizeJob(t.Context(), "job-1", "worker-7"))

		job, err := st.GetJob(t.Context(), "job-1")
		require.NoError(t, err)
		require.Equal(t, types.JobCompleted, job.Status)
		require.Empty(t, job.RecoveredBy, "second finalize must be a no-op")
	})

	t.Run("unknown job", func(t *testing.T) {
		st := bulktest.NewMemoryStore()
		l := newTestLayout(t)
		p := newTestProcessor(st, l, ProcessorConfig{}, nil)

		require.ErrorIs(t, p.FinalizeJob(t.Context(), "nope", ""), types.ErrJobNotFound)
	})
}
