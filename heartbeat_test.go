package bulkmail

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avylove/bulkmail/internal/logger"
	"github.com/avylove/bulkmail/internal/metrics"
	bulktest "github.com/avylove/bulkmail/testing"
	"github.com/avylove/bulkmail/types"
)

func newTestHeartbeat(t *testing.T, interval time.Duration) (*jobHeartbeat, *bulktest.MemoryStore) {
	t.Helper()

	st := bulktest.NewMemoryStore()
	require.NoError(t, st.CreateJob(t.Context(), &types.UploadJob{
		JobID:        "job-1",
		ListName:     "newsletter",
		TotalRecords: 10,
		Status:       types.JobProcessing,
	}))

	return newJobHeartbeat(st, "job-1", interval, logger.NewNop(), metrics.NewNop()), st
}

func TestJobHeartbeat(t *testing.T) {
	t.Run("beats immediately and then on the interval", func(t *testing.T) {
		hb, st := newTestHeartbeat(t, 5*time.Millisecond)

		require.NoError(t, hb.Start(t.Context()))

		first, err := st.GetJob(t.Context(), "job-1")
		require.NoError(t, err)
		require.False(t, first.LastHeartbeat.IsZero(), "initial beat is synchronous")

		require.Eventually(t, func() bool {
			job, err := st.GetJob(t.Context(), "job-1")

			return err == nil && job.LastHeartbeat.After(first.LastHeartbeat)
		}, time.Second, time.Millisecond)

		require.NoError(t, hb.Stop())
	})

	t.Run("double start", func(t *testing.T) {
		hb, _ := newTestHeartbeat(t, time.Minute)

		require.NoError(t, hb.Start(t.Context()))
		require.ErrorIs(t, hb.Start(t.Context()), types.ErrAlreadyStarted)
		require.NoError(t, hb.Stop())
	})

	t.Run("stop without start", func(t *testing.T) {
		hb, _ := newTestHeartbeat(t, time.Minute)

		require.ErrorIs(t, hb.Stop(), types.ErrNotStarted)
	})

	t.Run("missing job fails the initial beat", func(t *testing.T) {
		st := bulktest.NewMemoryStore()
		hb := newJobHeartbeat(st, "ghost", time.Minute, logger.NewNop(), metrics.NewNop())

		require.ErrorIs(t, hb.Start(t.Context()), types.ErrJobNotFound)
	})
}
