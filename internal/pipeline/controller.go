// Package pipeline drives the generate → score → store → broadcast loop.
//
// The loop only runs while someone is watching: the live hub reports
// subscriber counts and the Controller starts or stops accordingly.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/traces"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

// Defaults for Config.
const (
	DefaultInterval     = 3 * time.Second
	DefaultRetentionCap = 100
	DefaultEvictEvery   = 10
	DefaultTickTimeout  = 30 * time.Second
)

// Source produces unscored transactions.
type Source interface {
	Next() *transactions.Transaction
}

// Scorer assigns a risk score. It must not fail.
type Scorer interface {
	Score(ctx context.Context, tx *transactions.Transaction) transactions.Score
}

// Publisher fans events out to live subscribers without blocking.
type Publisher interface {
	Publish(tx *transactions.Transaction)
	PublishAlert(alert *transactions.Alert)
}

// AlertSink forwards alerts to an external system.
type AlertSink interface {
	Send(ctx context.Context, alert *transactions.Alert) error
}

// Config tunes the generation loop.
type Config struct {
	Interval     time.Duration
	RetentionCap int
	EvictEvery   int
	TickTimeout  time.Duration
	Thresholds   transactions.Thresholds
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.RetentionCap <= 0 {
		c.RetentionCap = DefaultRetentionCap
	}
	if c.EvictEvery <= 0 {
		c.EvictEvery = DefaultEvictEvery
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = DefaultTickTimeout
	}
	if c.Thresholds == (transactions.Thresholds{}) {
		c.Thresholds = transactions.DefaultThresholds()
	}
	return c
}

// State is the controller's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// Controller owns the single generation loop.
type Controller struct {
	cfg       Config
	source    Source
	scorer    Scorer
	store     transactions.Store
	publisher Publisher
	sink      AlertSink
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool // cancel issued, loop still draining
	restart  bool // Start arrived while draining
	closed   bool
	starts   int64

	ticks     atomic.Int64
	// inserts since the last launch; drives the eviction cadence
	persisted atomic.Int64
}

// New creates an idle controller.
func New(cfg Config, source Source, scorer Scorer, store transactions.Store, publisher Publisher, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:       cfg.withDefaults(),
		source:    source,
		scorer:    scorer,
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// WithAlertSink forwards flagged alerts to sink as well as the hub.
func (c *Controller) WithAlertSink(sink AlertSink) *Controller {
	c.sink = sink
	return c
}

// SubscribersChanged starts generation for the first subscriber and stops
// it after the last one leaves.
func (c *Controller) SubscribersChanged(n int) {
	if n > 0 {
		c.Start()
		return
	}
	c.Stop()
}

// Start launches the loop. It is a no-op while running. If a stop is still
// draining, the loop relaunches itself once it exits.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.done != nil {
		if c.stopping {
			c.restart = true
		}
		return
	}
	c.launch()
}

// Stop cancels the loop and returns immediately. An in-flight tick runs to
// completion.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done == nil {
		return
	}
	c.restart = false
	if c.stopping {
		return
	}
	c.stopping = true
	c.cancel()
}

// State reports whether the loop is running. A draining loop still counts
// as running.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Starts returns how many times the loop has been launched.
func (c *Controller) Starts() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

// Wait blocks until the current loop (if any) has exited.
func (c *Controller) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		done := c.done
		c.mu.Unlock()
		if done == nil {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown stops the loop for good and waits for it to drain.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.Stop()
	return c.Wait(ctx)
}

// caller holds c.mu
func (c *Controller) launch() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.cancel = cancel
	c.done = done
	c.stopping = false
	c.restart = false
	c.state = StateRunning
	c.starts++
	c.persisted.Store(0)

	metrics.GenerationRunning.Set(1)
	metrics.GenerationStartsTotal.Inc()
	c.logger.Info("transaction generation started", "interval", c.cfg.Interval.String())

	go c.run(ctx, done)
}

func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer c.exited(done)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A stop racing a pending tick wins.
			if ctx.Err() != nil {
				return
			}
			tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.TickTimeout)
			if err := c.Tick(tickCtx); err != nil {
				metrics.TickErrorsTotal.Inc()
				c.logger.Error("generation tick failed", "error", err)
			}
			cancel()
		}
	}
}

func (c *Controller) exited(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer close(done)

	c.cancel = nil
	c.done = nil
	if c.restart && !c.closed {
		c.logger.Info("transaction generation restarting")
		c.launch()
		return
	}

	c.stopping = false
	c.state = StateIdle
	metrics.GenerationRunning.Set(0)
	c.logger.Info("transaction generation stopped")
}

// Tick runs one generate → score → store → broadcast cycle. A failed insert
// abandons the tick before anything is broadcast. Panics are recovered.
func (c *Controller) Tick(ctx context.Context) (err error) {
	n := c.ticks.Add(1)
	ctx, span := traces.StartSpan(ctx, "generation.tick", traces.Tick(n))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
		traces.Fail(span, err)
	}()

	tx := c.source.Next()
	tx.ApplyScore(c.scorer.Score(ctx, tx))
	span.SetAttributes(traces.TransactionID(tx.ID), traces.RiskScore(tx.RiskScore))

	if err := c.store.Insert(ctx, tx); err != nil {
		metrics.TransactionsGeneratedTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("insert %s: %w", tx.ID, err)
	}
	metrics.TransactionsGeneratedTotal.WithLabelValues(string(tx.Status)).Inc()

	c.publisher.Publish(tx)

	if tx.IsFlagged {
		c.raiseAlert(ctx, tx)
	}

	if c.persisted.Add(1)%int64(c.cfg.EvictEvery) == 0 {
		c.evict(ctx)
	}
	return nil
}

func (c *Controller) raiseAlert(ctx context.Context, tx *transactions.Transaction) {
	alert := transactions.NewAlert(tx, c.cfg.Thresholds, c.now())
	metrics.AlertsTotal.WithLabelValues(string(alert.Severity)).Inc()
	c.publisher.PublishAlert(alert)

	c.logger.Warn("high risk transaction",
		"transaction_id", tx.ID,
		"risk_score", tx.RiskScore,
		"severity", alert.Severity,
	)

	if c.sink == nil {
		return
	}
	if err := c.sink.Send(ctx, alert); err != nil {
		metrics.AlertSinkErrorsTotal.Inc()
		c.logger.Warn("alert sink failed", "transaction_id", tx.ID, "error", err)
	}
}

// evict trims the store back to the retention cap. Failures are logged only.
func (c *Controller) evict(ctx context.Context) {
	n, err := c.store.EvictOldest(ctx, c.cfg.RetentionCap)
	if err != nil {
		c.logger.Warn("retention eviction failed", "error", err)
		return
	}
	if n > 0 {
		metrics.EvictedTotal.Add(float64(n))
		c.logger.Debug("evicted old transactions", "evicted", n, "kept", c.cfg.RetentionCap)
	}
}
