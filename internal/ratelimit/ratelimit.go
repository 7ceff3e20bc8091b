// Package ratelimit provides per-key rate limiting for the HTTP API and the
// live channel.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per key
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle keys are dropped
	CleanupInterval time.Duration
	// IdleTTL is how long a key may stay unused before it is dropped
	IdleTTL time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
		IdleTTL:           3 * time.Minute,
	}
}

// PerMinute builds a single token bucket allowing n events per minute.
func PerMinute(n, burst int) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(n)/60.0), burst)
}

// Limiter tracks one token bucket per key.
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	clients  map[string]*entry
	stop     chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a rate limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep(time.Now())
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.cfg.IdleTTL)
	for key, e := range l.clients {
		if e.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow checks if a request for key should be allowed
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	e, ok := l.clients[key]
	if !ok {
		e = &entry{limiter: PerMinute(l.cfg.RequestsPerMinute, l.cfg.BurstSize)}
		l.clients[key] = e
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()

	return e.limiter.Allow()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Middleware returns a Gin middleware that rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			return
		}
		c.Next()
	}
}
