package recovery

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avylove/bulkmail/ingest"
	"github.com/avylove/bulkmail/internal/logger"
	"github.com/avylove/bulkmail/internal/metrics"
	"github.com/avylove/bulkmail/store"
	bulktest "github.com/avylove/bulkmail/testing"
	"github.com/avylove/bulkmail/types"
)

type fixture struct {
	store    *bulktest.MemoryStore
	layout   *ingest.Layout
	splitter *ingest.Splitter
	proc     *ingest.Processor
	scanner  *Scanner
}

func newFixture(t *testing.T, chunkSize int) *fixture {
	t.Helper()

	st := bulktest.NewMemoryStore()
	l := ingest.NewLayout(t.TempDir())
	require.NoError(t, l.EnsureDirs())

	log := logger.NewNop()
	m := metrics.NewNop()

	splitter := ingest.NewSplitter(l, chunkSize, log, m)
	proc := ingest.NewProcessor(st, l, ingest.ProcessorConfig{}, nil, log, m)
	scanner := NewScanner(l, splitter, proc, st, Config{WorkerID: "recovery:test"}, log, m)

	return &fixture{store: st, layout: l, splitter: splitter, proc: proc, scanner: scanner}
}

func (f *fixture) writeArtifact(t *testing.T, jobID string, processed, n int) string {
	t.Helper()

	entries := make([]string, n)
	for i := 0; i < n; i++ {
		entries[i] = fmt.Sprintf(`{"email":"user%d@example.com"}`, i)
	}

	body := fmt.Sprintf(
		`{"job_id":%q,"list_name":"newsletter","total_records":%d,"processed_count":%d,"subscribers":[%s]}`,
		jobID, n, processed, strings.Join(entries, ","))

	path := filepath.Join(f.layout.ProcessingDir(), jobID+".json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	return path
}

func (f *fixture) seedJob(t *testing.T, jobID string, total int64, attempts int) {
	t.Helper()

	require.NoError(t, f.store.CreateJob(t.Context(), &types.UploadJob{
		JobID:            jobID,
		ListName:         "newsletter",
		TotalRecords:     total,
		Status:           types.JobProcessing,
		RecoveryAttempts: attempts,
		CreatedAt:        time.Now().UTC(),
	}))
}

func TestScanner_Scan(t *testing.T) {
	f := newFixture(t, 2)
	f.writeArtifact(t, "job-1", 0, 5)
	f.seedJob(t, "job-2", 4, 0)

	// Orphaned chunk dir for job-2
	require.NoError(t, os.MkdirAll(f.layout.ChunkDir("job-2"), 0o755))
	for i := 0; i < 2; i++ {
		require.NoError(t, os.WriteFile(f.layout.ChunkFile("job-2", i),
			[]byte(`{"subscribers":[{"email":"x@example.com"}]}`), 0o644))
	}

	report, err := f.scanner.Scan(t.Context())
	require.NoError(t, err)

	require.Equal(t, 1, report.ArtifactsFound)
	require.Equal(t, 1, report.ChunkDirsFound)
	require.Equal(t, 2, report.ChunksFound)
	require.Zero(t, report.RecordsRecovered, "dry scan must not process anything")

	// Dry scan mutates nothing
	require.FileExists(t, filepath.Join(f.layout.ProcessingDir(), "job-1.json"))
	job, err := f.store.GetJob(t.Context(), "job-2")
	require.NoError(t, err)
	require.Zero(t, job.RecoveryAttempts)
}

func TestScanner_Recover_WholeArtifact(t *testing.T) {
	f := newFixture(t, 2)
	artifact := f.writeArtifact(t, "job-1", 0, 5)
	f.seedJob(t, "job-1", 5, 0)

	report, err := f.scanner.Recover(t.Context())
	require.NoError(t, err)

	require.Equal(t, 1, report.ArtifactsFound)
	require.Equal(t, 1, report.JobsRecovered)
	require.Zero(t, report.JobsFailed)
	require.Equal(t, int64(5), report.RecordsRecovered)

	job, err := f.store.GetJob(t.Context(), "job-1")
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, job.Status)
	require.Equal(t, int64(5), job.ProcessedRecords)
	require.Equal(t, 3, job.TotalChunks)
	require.Equal(t, 1, job.RecoveryAttempts)
	require.Equal(t, "recovery:test", job.RecoveredBy)

	// Filesystem is quiescent afterwards
	require.NoFileExists(t, artifact)
	require.FileExists(t, filepath.Join(f.layout.CompletedDir(), "job-1.json"))
	require.NoDirExists(t, f.layout.ChunkDir("job-1"))

	n, err := f.store.CountSubscribers(t.Context(), "newsletter")
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}

func TestScanner_Recover_SkipsProcessedPrefix(t *testing.T) {
	f := newFixture(t, 10)
	f.writeArtifact(t, "job-1", 3, 5)
	f.seedJob(t, "job-1", 5, 0)

	// The first three records were already processed before the crash.
	require.NoError(t, f.store.UpdateJob(t.Context(), "job-1", store.JobUpdate{
		Set: map[string]any{"processed_records": int64(3)},
	}))

	report, err := f.scanner.Recover(t.Context())
	require.NoError(t, err)
	require.Equal(t, int64(2), report.RecordsRecovered)

	job, err := f.store.GetJob(t.Context(), "job-1")
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, job.Status)
	require.Equal(t, int64(5), job.ProcessedRecords, "no double counting past the prefix")
}

func TestScanner_Recover_OrphanChunkDir(t *testing.T) {
	f := newFixture(t, 2)
	f.seedJob(t, "job-1", 4, 0)

	// Split happened before the crash; the artifact is gone.
	artifact := f.writeArtifact(t, "job-1", 0, 4)
	_, err := f.splitter.Split(t.Context(), artifact)
	require.NoError(t, err)
	require.NoError(t, os.Remove(artifact))

	report, err := f.scanner.Recover(t.Context())
	require.NoError(t, err)

	require.Zero(t, report.ArtifactsFound)
	require.Equal(t, 1, report.ChunkDirsFound)
	require.Equal(t, 2, report.ChunksFound)
	require.Equal(t, 1, report.JobsRecovered)
	require.Equal(t, int64(4), report.RecordsRecovered)

	job, err := f.store.GetJob(t.Context(), "job-1")
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, job.Status)
	require.NoDirExists(t, f.layout.ChunkDir("job-1"))
}

func TestScanner_Recover_RecreatesMissingJob(t *testing.T) {
	f := newFixture(t, 10)
	f.writeArtifact(t, "job-1", 0, 3)
	// No job document: the crash happened before it was persisted.

	report, err := f.scanner.Recover(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, report.JobsRecovered)

	job, err := f.store.GetJob(t.Context(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "newsletter", job.ListName)
	require.Equal(t, int64(3), job.TotalRecords)
	require.Equal(t, types.JobCompleted, job.Status)
}

func TestScanner_Recover_OrphanDirWithoutJobFails(t *testing.T) {
	f := newFixture(t, 2)

	require.NoError(t, os.MkdirAll(f.layout.ChunkDir("ghost"), 0o755))
	require.NoError(t, os.WriteFile(f.layout.ChunkFile("ghost", 0),
		[]byte(`{"subscribers":[{"email":"x@example.com"}]}`), 0o644))

	report, err := f.scanner.Recover(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, report.JobsFailed)
	require.Zero(t, report.JobsRecovered)
}

func TestScanner_Recover_AttemptCap(t *testing.T) {
	f := newFixture(t, 2)
	artifact := f.writeArtifact(t, "job-1", 0, 4)
	f.seedJob(t, "job-1", 4, DefaultMaxRecoveryAttempts)

	report, err := f.scanner.Recover(t.Context())
	require.NoError(t, err)

	require.Equal(t, 1, report.JobsFailed)
	require.Zero(t, report.JobsRecovered)
	require.Zero(t, report.RecordsRecovered, "no processing past the cap")

	job, err := f.store.GetJob(t.Context(), "job-1")
	require.NoError(t, err)
	require.Equal(t, types.JobFailed, job.Status)
	require.Contains(t, job.LastError, types.ErrRecoveryAttemptsExceeded.Error())

	// The cap surfaces as a sentinel callers can detect.
	require.ErrorIs(t, f.scanner.claimAttempt(t.Context(), job), types.ErrRecoveryAttemptsExceeded)

	// Leftovers are cleared so the next pass finds nothing.
	require.NoFileExists(t, artifact)
	require.NoDirExists(t, f.layout.ChunkDir("job-1"))
}

func TestScanner_Recover_CountsAttempts(t *testing.T) {
	f := newFixture(t, 2)
	f.writeArtifact(t, "job-1", 0, 4)
	f.seedJob(t, "job-1", 4, 1)

	_, err := f.scanner.Recover(t.Context())
	require.NoError(t, err)

	job, err := f.store.GetJob(t.Context(), "job-1")
	require.NoError(t, err)
	require.Equal(t, 2, job.RecoveryAttempts)
}

func TestScanner_Recover_TerminalJobLeftoversArchived(t *testing.T) {
	f := newFixture(t, 2)
	artifact := f.writeArtifact(t, "job-1", 0, 4)

	require.NoError(t, f.store.CreateJob(t.Context(), &types.UploadJob{
		JobID:        "job-1",
		ListName:     "newsletter",
		TotalRecords: 4,
		Status:       types.JobCompleted,
	}))

	report, err := f.scanner.Recover(t.Context())
	require.NoError(t, err)

	require.Zero(t, report.JobsRecovered)
	require.Zero(t, report.JobsFailed)
	require.Zero(t, report.RecordsRecovered)
	require.NoFileExists(t, artifact)

	job, err := f.store.GetJob(t.Context(), "job-1")
	require.NoError(t, err)
	require.Zero(t, job.RecoveryAttempts, "terminal jobs are never retried")
}

func TestScanner_Recover_IsolatesBrokenArtifacts(t *testing.T) {
	f := newFixture(t, 2)

	// Artifact with no metadata prefix cannot be recovered.
	require.NoError(t, os.WriteFile(
		filepath.Join(f.layout.ProcessingDir(), "broken.json"),
		[]byte(`{"subscribers":[]}`), 0o644))

	f.writeArtifact(t, "job-2", 0, 3)
	f.seedJob(t, "job-2", 3, 0)

	report, err := f.scanner.Recover(t.Context())
	require.NoError(t, err)

	require.Equal(t, 2, report.ArtifactsFound)
	require.Equal(t, 1, report.JobsRecovered)
	require.Equal(t, 1, report.JobsFailed)

	job, err := f.store.GetJob(t.Context(), "job-2")
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, job.Status)
}

// A crash between chunks loses no records and counts none twice.
func TestScanner_Recover_ResumesAfterCrashMidJob(t *testing.T) {
	f := newFixture(t, 2)
	f.seedJob(t, "job-1", 6, 0)
	artifact := f.writeArtifact(t, "job-1", 0, 6)

	// First run: split, process one chunk, then "crash".
	result, err := f.splitter.Split(t.Context(), artifact)
	require.NoError(t, err)
	require.Len(t, result.ChunkPaths, 3)

	_, err = f.proc.ProcessChunk(t.Context(), result.ChunkPaths[0], "newsletter", "job-1")
	require.NoError(t, err)

	job, err := f.store.GetJob(t.Context(), "job-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), job.ProcessedRecords)

	// Second process: the scanner drives the job to completion.
	_, err = f.scanner.Recover(t.Context())
	require.NoError(t, err)

	job, err = f.store.GetJob(t.Context(), "job-1")
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, job.Status)
	require.Equal(t, int64(6), job.ProcessedRecords, "exactly total, never more")

	n, err := f.store.CountSubscribers(t.Context(), "newsletter")
	require.NoError(t, err)
	require.Equal(t, int64(6), n)
}
