package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avylove/bulkmail/internal/logger"
	"github.com/avylove/bulkmail/internal/metrics"
)

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	l := New(cfg, logger.NewNop(), metrics.NewNop())

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	return l, &now
}

func TestLimiter_Check_AllowsUnderLimit(t *testing.T) {
	l, _ := newTestLimiter(Config{})

	d := l.Check("global")

	require.True(t, d.Allowed)
	require.Equal(t, 100, d.Remaining.PerMinute)
	require.Equal(t, 3600, d.Remaining.PerHour)
	require.Equal(t, 50000, d.Remaining.PerDay)
}

func TestLimiter_Check_MinuteWindow(t *testing.T) {
	l, now := newTestLimiter(Config{})

	// Exhaust the minute window
	for i := 0; i < 100; i++ {
		require.True(t, l.Check("global").Allowed)
		l.RecordSend("global")
	}

	d := l.Check("global")
	require.False(t, d.Allowed)
	require.Equal(t, WindowMinute, d.Window)
	require.LessOrEqual(t, d.RetryAfter, time.Minute)
	require.Positive(t, d.RetryAfter)
	require.Zero(t, d.Remaining.PerMinute)

	// After the window elapses the identifier is allowed again
	*now = now.Add(61 * time.Second)

	d = l.Check("global")
	require.True(t, d.Allowed)
	require.Equal(t, 100, d.Remaining.PerMinute)
}

func TestLimiter_Check_HourWindow(t *testing.T) {
	l, now := newTestLimiter(Config{Defaults: Limits{PerMinute: 10, PerHour: 20, PerDay: 1000}})

	for i := 0; i < 20; i++ {
		l.RecordSend("t1")
		// Spread sends so the minute window never fills
		*now = now.Add(10 * time.Second)
	}

	d := l.Check("t1")
	require.False(t, d.Allowed)
	require.Equal(t, WindowHour, d.Window)
	require.LessOrEqual(t, d.RetryAfter, time.Hour)
}

func TestLimiter_Check_DayWindow(t *testing.T) {
	l, now := newTestLimiter(Config{Defaults: Limits{PerMinute: 1000, PerHour: 10000, PerDay: 30}})

	for i := 0; i < 30; i++ {
		l.RecordSend("t1")
		*now = now.Add(10 * time.Minute)
	}

	d := l.Check("t1")
	require.False(t, d.Allowed)
	require.Equal(t, WindowDay, d.Window)
	require.LessOrEqual(t, d.RetryAfter, daySpan)
}

func TestLimiter_Check_MinuteRejectedBeforeHour(t *testing.T) {
	l, _ := newTestLimiter(Config{Defaults: Limits{PerMinute: 5, PerHour: 5, PerDay: 5}})

	for i := 0; i < 5; i++ {
		l.RecordSend("t1")
	}

	d := l.Check("t1")
	require.False(t, d.Allowed)
	require.Equal(t, WindowMinute, d.Window, "minute window must be reported first")
}

func TestLimiter_Check_RetryAfterTracksOldestEntry(t *testing.T) {
	l, now := newTestLimiter(Config{Defaults: Limits{PerMinute: 2, PerHour: 100, PerDay: 100}})

	l.RecordSend("t1")
	*now = now.Add(30 * time.Second)
	l.RecordSend("t1")

	d := l.Check("t1")
	require.False(t, d.Allowed)
	// Oldest entry is 30s old; it leaves the window in 30s.
	require.Equal(t, 30*time.Second, d.RetryAfter)
}

func TestLimiter_IdentifiersAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{Defaults: Limits{PerMinute: 1, PerHour: 100, PerDay: 100}})

	l.RecordSend("tenant-a")

	require.False(t, l.Check("tenant-a").Allowed)
	require.True(t, l.Check("tenant-b").Allowed)
}

func TestLimiter_EmptyIdentifierIsGlobal(t *testing.T) {
	l, _ := newTestLimiter(Config{Defaults: Limits{PerMinute: 1, PerHour: 100, PerDay: 100}})

	l.RecordSend("")

	require.False(t, l.Check(DefaultIdentifier).Allowed)
}

func TestLimiter_SetLimits(t *testing.T) {
	t.Run("applies new limits", func(t *testing.T) {
		l, _ := newTestLimiter(Config{})

		got := l.SetLimits(Limits{PerMinute: 50})

		require.Equal(t, 50, got.PerMinute)
		require.Equal(t, 3600, got.PerHour, "zero fields keep current value")
	})

	t.Run("clamps to bounds", func(t *testing.T) {
		l, _ := newTestLimiter(Config{
			Defaults: Limits{PerMinute: 100, PerHour: 3600, PerDay: 50000},
			Min:      Limits{PerMinute: 10, PerHour: 10, PerDay: 10},
			Max:      Limits{PerMinute: 200, PerHour: 5000, PerDay: 60000},
		})

		got := l.SetLimits(Limits{PerMinute: 5000, PerHour: 1, PerDay: 100})

		require.Equal(t, 200, got.PerMinute)
		require.Equal(t, 10, got.PerHour)
		require.Equal(t, 100, got.PerDay)
	})

	t.Run("lowered limit takes effect immediately", func(t *testing.T) {
		l, _ := newTestLimiter(Config{})

		for i := 0; i < 10; i++ {
			l.RecordSend("t1")
		}
		l.SetLimits(Limits{PerMinute: 10})

		d := l.Check("t1")
		require.False(t, d.Allowed)
		require.Zero(t, d.Remaining.PerMinute)
	})
}

func TestLimiter_ConcurrentAccess(t *testing.T) {
	l := New(Config{Defaults: Limits{PerMinute: 100000, PerHour: 100000, PerDay: 100000}},
		logger.NewNop(), metrics.NewNop())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if l.Check("shared").Allowed {
					l.RecordSend("shared")
				}
			}
		}()
	}
	wg.Wait()

	d := l.Check("shared")
	require.True(t, d.Allowed)
	require.Equal(t, 100000-1600, d.Remaining.PerMinute)
}
