// Package circuitbreaker guards a remote dependency with
// closed → open → half-open state transitions.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // requests flow through
	StateOpen                  // requests are rejected
	StateHalfOpen              // one probe in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fraudwatch",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current breaker state (0 closed, 1 open, 2 half-open) by dependency.",
	}, []string{"name"})

	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Breaker state transitions by dependency and target state.",
	}, []string{"name", "to_state"})
)

func init() {
	prometheus.MustRegister(stateGauge, transitions)
}

// Breaker trips open after threshold consecutive failures and rejects calls
// for openDuration. The first call after that is a probe: success closes the
// circuit, failure reopens it.
type Breaker struct {
	name         string
	threshold    int
	openDuration time.Duration
	now          func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New creates a breaker for the named dependency.
func New(name string, threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	b := &Breaker{
		name:         name,
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
	stateGauge.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// WithClock overrides the time source. Used by tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Allow reports whether a call should be attempted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.openDuration {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// RecordFailure counts a failure and trips the circuit when needed.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch {
	case b.state == StateHalfOpen:
		b.openedAt = b.now()
		b.transition(StateOpen)
	case b.state == StateClosed && b.failures >= b.threshold:
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// caller holds b.mu
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.state = to
	stateGauge.WithLabelValues(b.name).Set(float64(to))
	transitions.WithLabelValues(b.name, to.String()).Inc()
}
