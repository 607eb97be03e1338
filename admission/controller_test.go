package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avylove/bulkmail/internal/logger"
	"github.com/avylove/bulkmail/internal/metrics"
	"github.com/avylove/bulkmail/types"
)

// stubHealth returns a fixed snapshot.
type stubHealth struct {
	snapshot types.SystemHealth
}

func (s *stubHealth) Snapshot(_ context.Context) types.SystemHealth {
	return s.snapshot
}

func healthyChecks() map[types.CheckName]types.HealthCheck {
	return map[types.CheckName]types.HealthCheck{
		types.CheckMemory:   {Healthy: true},
		types.CheckDisk:     {Healthy: true},
		types.CheckCPU:      {Healthy: true},
		types.CheckDatabase: {Healthy: true},
		types.CheckCache:    {Healthy: true},
	}
}

func newController(t *testing.T, cfg Config, health HealthSource) *Controller {
	t.Helper()

	pause := NewPauseRegistry(nil, logger.NewNop())

	return New(cfg, health, pause, logger.NewNop(), metrics.NewNop())
}

func unhealthy(checks ...types.CheckName) *stubHealth {
	all := healthyChecks()
	for _, c := range checks {
		all[c] = types.HealthCheck{Healthy: false, Info: "over threshold"}
	}

	return &stubHealth{snapshot: types.SystemHealth{
		Timestamp: time.Now(),
		Checks:    all,
	}}
}

func healthy() *stubHealth {
	return &stubHealth{snapshot: types.SystemHealth{
		Timestamp:      time.Now(),
		OverallHealthy: true,
		Checks:         healthyChecks(),
	}}
}

func TestController_CanProcessBatch(t *testing.T) {
	t.Run("allows when healthy and idle", func(t *testing.T) {
		c := newController(t, Config{}, healthy())

		d := c.CanProcessBatch(t.Context(), 100, "job-1")

		require.True(t, d.Allowed)
		require.Empty(t, d.Reason)
	})

	t.Run("rejects unhealthy system naming failing checks", func(t *testing.T) {
		c := newController(t, Config{}, unhealthy(types.CheckMemory, types.CheckDatabase))

		d := c.CanProcessBatch(t.Context(), 100, "job-1")

		require.False(t, d.Allowed)
		require.Equal(t, ReasonSystemUnhealthy, d.Reason)
		require.Equal(t, []string{"memory", "database"}, d.FailingChecks)
	})

	t.Run("rejects when task ceiling reached", func(t *testing.T) {
		c := newController(t, Config{MaxActiveTasks: 2}, healthy())
		c.BeginTask()
		c.BeginTask()

		d := c.CanProcessBatch(t.Context(), 100, "")

		require.False(t, d.Allowed)
		require.Equal(t, ReasonQueueOverloaded, d.Reason)

		c.EndTask()

		d = c.CanProcessBatch(t.Context(), 100, "")
		require.True(t, d.Allowed)
	})

	t.Run("rejects paused campaign", func(t *testing.T) {
		ctx := t.Context()
		c := newController(t, Config{}, healthy())

		require.NoError(t, c.pause.Pause(ctx, "job-7"))

		d := c.CanProcessBatch(ctx, 100, "job-7")
		require.False(t, d.Allowed)
		require.Equal(t, ReasonCampaignPaused, d.Reason)

		// Other jobs are unaffected
		d = c.CanProcessBatch(ctx, 100, "job-8")
		require.True(t, d.Allowed)

		require.NoError(t, c.pause.Resume(ctx, "job-7"))

		d = c.CanProcessBatch(ctx, 100, "job-7")
		require.True(t, d.Allowed)
	})

	t.Run("pause check skipped without job id", func(t *testing.T) {
		ctx := t.Context()
		c := newController(t, Config{}, healthy())
		require.NoError(t, c.pause.Pause(ctx, "job-7"))

		d := c.CanProcessBatch(ctx, 100, "")
		require.True(t, d.Allowed)
	})
}

func TestController_OptimalBatchSize(t *testing.T) {
	t.Run("returns request when allowed", func(t *testing.T) {
		c := newController(t, Config{}, healthy())
		require.Equal(t, 1000, c.OptimalBatchSize(t.Context(), 1000, ""))
	})

	t.Run("memory pressure shrinks to 25 percent", func(t *testing.T) {
		c := newController(t, Config{}, unhealthy(types.CheckMemory))

		size := c.OptimalBatchSize(t.Context(), 1000, "")
		require.Equal(t, 250, size)
		require.GreaterOrEqual(t, size, 10)
	})

	t.Run("cpu pressure shrinks to 75 percent", func(t *testing.T) {
		c := newController(t, Config{}, unhealthy(types.CheckCPU))
		require.Equal(t, 750, c.OptimalBatchSize(t.Context(), 1000, ""))
	})

	t.Run("memory wins over cpu", func(t *testing.T) {
		c := newController(t, Config{}, unhealthy(types.CheckMemory, types.CheckCPU))
		require.Equal(t, 250, c.OptimalBatchSize(t.Context(), 1000, ""))
	})

	t.Run("queue overload shrinks to 50 percent", func(t *testing.T) {
		c := newController(t, Config{MaxActiveTasks: 1}, healthy())
		c.BeginTask()

		require.Equal(t, 500, c.OptimalBatchSize(t.Context(), 1000, ""))
	})

	t.Run("other unhealthy checks use default factor", func(t *testing.T) {
		c := newController(t, Config{}, unhealthy(types.CheckDisk))
		require.Equal(t, 500, c.OptimalBatchSize(t.Context(), 1000, ""))
	})

	t.Run("floor applies", func(t *testing.T) {
		c := newController(t, Config{}, unhealthy(types.CheckMemory))
		require.Equal(t, 10, c.OptimalBatchSize(t.Context(), 20, ""))
	})

	t.Run("never exceeds request", func(t *testing.T) {
		c := newController(t, Config{}, unhealthy(types.CheckMemory))
		require.Equal(t, 4, c.OptimalBatchSize(t.Context(), 4, ""))
	})
}

func TestController_TaskAccounting(t *testing.T) {
	c := newController(t, Config{}, healthy())

	require.Zero(t, c.ActiveTasks())

	c.BeginTask()
	c.BeginTask()
	require.Equal(t, 2, c.ActiveTasks())

	c.EndTask()
	require.Equal(t, 1, c.ActiveTasks())

	c.EndTask()
	c.EndTask() // unbalanced; clamps at zero
	require.Zero(t, c.ActiveTasks())
}
