package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/metrics"
)

func TestRunner_RunsJobsUntilStopped(t *testing.T) {
	var fast, slow atomic.Int32
	r := NewRunner(logging.Discard()).
		Add(Job{Name: "fast", Interval: 5 * time.Millisecond, Run: func(context.Context) (int, error) {
			fast.Add(1)
			return 1, nil
		}}).
		Add(Job{Name: "slow", Interval: time.Hour, Run: func(context.Context) (int, error) {
			slow.Add(1)
			return 0, nil
		}})

	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return fast.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, r.Running())
	assert.Zero(t, slow.Load())

	r.Stop()
	r.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.False(t, r.Running())
}

func TestRunner_ContextCancelStops(t *testing.T) {
	r := NewRunner(logging.Discard()).Add(Job{Name: "noop", Interval: time.Hour, Run: func(context.Context) (int, error) { return 0, nil }})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner ignored cancellation")
	}
}

func TestSafeRun_RecordsOutcome(t *testing.T) {
	r := NewRunner(logging.Discard())
	ctx := context.Background()

	failing := Job{Name: "test_failing", Run: func(context.Context) (int, error) { return 0, errors.New("boom") }}
	panicking := Job{Name: "test_panicking", Run: func(context.Context) (int, error) { panic("oops") }}
	ok := Job{Name: "test_ok", Run: func(context.Context) (int, error) { return 2, nil }}

	r.safeRun(ctx, failing)
	r.safeRun(ctx, panicking)
	r.safeRun(ctx, ok)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MaintenanceRunsTotal.WithLabelValues("test_failing", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MaintenanceRunsTotal.WithLabelValues("test_panicking", "panic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MaintenanceRunsTotal.WithLabelValues("test_ok", "ok")))
}

type sweeper struct{ horizon time.Duration }

func (s *sweeper) SweepHistory(h time.Duration) int {
	s.horizon = h
	return 4
}

type evicter struct {
	keep int
	err  error
}

func (e *evicter) EvictOldest(_ context.Context, keep int) (int, error) {
	e.keep = keep
	return 3, e.err
}

func TestJobs(t *testing.T) {
	ctx := context.Background()

	s := &sweeper{}
	job := HistorySweep(s, 24*time.Hour, time.Minute)
	assert.Equal(t, JobHistorySweep, job.Name)
	assert.Equal(t, time.Minute, job.Interval)
	n, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 24*time.Hour, s.horizon)

	e := &evicter{}
	before := testutil.ToFloat64(metrics.EvictedTotal)
	n, err = Retention(e, 100, time.Minute).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 100, e.keep)
	assert.Equal(t, before+3, testutil.ToFloat64(metrics.EvictedTotal))

	e.err = errors.New("db down")
	_, err = Retention(e, 100, time.Minute).Run(ctx)
	assert.Error(t, err)
}
