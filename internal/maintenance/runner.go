// Package maintenance runs periodic housekeeping jobs off the hot path:
// pruning the generator's customer history and enforcing the retention cap
// even while generation is idle.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/fraudwatch/internal/metrics"
)

// Job is one scheduled task. Run reports how many items it touched.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Runner schedules each job on its own ticker.
type Runner struct {
	jobs     []Job
	timeout  time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewRunner creates a runner with no jobs.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{
		timeout: 30 * time.Second,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Add schedules a job. Call before Start.
func (r *Runner) Add(job Job) *Runner {
	r.jobs = append(r.jobs, job)
	return r
}

// Running reports whether the runner loop is active.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Start runs every job until ctx is cancelled or Stop is called. It blocks;
// call in a goroutine.
func (r *Runner) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	var wg sync.WaitGroup
	for _, job := range r.jobs {
		if job.Interval <= 0 {
			r.logger.Warn("maintenance job disabled", "job", job.Name)
			continue
		}
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			r.loop(ctx, job)
		}(job)
	}
	wg.Wait()
}

// Stop signals every job loop to exit.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Runner) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeRun(ctx, job)
		}
	}
}

func (r *Runner) safeRun(ctx context.Context, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.MaintenanceRunsTotal.WithLabelValues(job.Name, "panic").Inc()
			r.logger.Error("panic in maintenance job", "job", job.Name, "panic", fmt.Sprint(rec))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	n, err := job.Run(ctx)
	if err != nil {
		metrics.MaintenanceRunsTotal.WithLabelValues(job.Name, "error").Inc()
		r.logger.Warn("maintenance job failed", "job", job.Name, "error", err)
		return
	}
	metrics.MaintenanceRunsTotal.WithLabelValues(job.Name, "ok").Inc()
	if n > 0 {
		r.logger.Info("maintenance job completed", "job", job.Name, "affected", n)
	}
}
