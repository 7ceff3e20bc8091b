// Package server wires the fraud monitoring pipeline and serves its HTTP
// and WebSocket surfaces.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudwatch/internal/alerts"
	"github.com/mbd888/fraudwatch/internal/auth"
	"github.com/mbd888/fraudwatch/internal/circuitbreaker"
	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/generator"
	"github.com/mbd888/fraudwatch/internal/health"
	"github.com/mbd888/fraudwatch/internal/idgen"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/maintenance"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/pipeline"
	"github.com/mbd888/fraudwatch/internal/ratelimit"
	"github.com/mbd888/fraudwatch/internal/realtime"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/internal/security"
	"github.com/mbd888/fraudwatch/internal/stats"
	"github.com/mbd888/fraudwatch/internal/traces"
	"github.com/mbd888/fraudwatch/internal/transactions"
	"github.com/mbd888/fraudwatch/internal/validation"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	store       transactions.Store
	generator   *generator.Generator
	remote      *scoring.RemoteClient // nil unless remote scoring is configured
	scorer      *scoring.Scorer
	aggregator  *stats.Aggregator
	hub         *realtime.Hub
	controller  *pipeline.Controller
	sink        *alerts.KafkaSink
	maintenance *maintenance.Runner
	issuer      *auth.Issuer
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	storage     *Storage // nil when a store was injected
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	background      sync.WaitGroup
	shutdownTracing func(context.Context) error
	drainDelay      time.Duration
	shutdownOnce    sync.Once
	shutdownErr     error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore replaces the configured record store (for testing).
func WithStore(store transactions.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	if cfg.IsProduction() {
		s.drainDelay = 5 * time.Second
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	if s.store == nil {
		s.storage, err = OpenStorage(ctx, cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.store = s.storage.Store
	}

	thresholds := transactions.Thresholds{
		HighRisk: cfg.Thresholds.HighRisk,
		Critical: cfg.Thresholds.Critical,
	}

	// Event source
	catalog := generator.DefaultCatalog()
	if cfg.Generation.CatalogPath != "" {
		catalog, err = generator.LoadCatalog(cfg.Generation.CatalogPath)
		if err != nil {
			return nil, err
		}
		s.logger.Info("loaded generator catalog", "path", cfg.Generation.CatalogPath)
	}
	s.generator = generator.New(catalog, nil)

	// Risk scoring: remote first, heuristic fallback
	var remote scoring.Remote
	if cfg.RemoteScoring() {
		s.remote = scoring.NewRemoteClient(scoring.RemoteConfig{
			Endpoint:    cfg.Scorer.Endpoint,
			APIKey:      cfg.Scorer.APIKey,
			Model:       cfg.Scorer.Model,
			Timeout:     cfg.Scorer.Timeout,
			MaxAttempts: cfg.Scorer.MaxAttempts,
		}, thresholds)
		remote = s.remote
		s.logger.Info("remote scoring enabled", "endpoint", cfg.Scorer.Endpoint, "model", cfg.Scorer.Model)
	} else {
		s.logger.Info("remote scoring disabled, using heuristic scorer only")
	}
	s.scorer = scoring.New(remote, scoring.NewHeuristic(nil, thresholds), s.logger)

	s.aggregator = stats.NewAggregator(s.store, thresholds)

	// Live channel and the generation loop it drives
	s.hub = realtime.NewHub(s.logger).WithStats(s.aggregator)
	s.controller = pipeline.New(pipeline.Config{
		Interval:     cfg.Generation.Interval,
		RetentionCap: cfg.Generation.RetentionCap,
		EvictEvery:   cfg.Generation.EvictEvery,
		Thresholds:   thresholds,
	}, s.generator, s.scorer, s.store, s.hub, s.logger)
	s.hub.SetObserver(s.controller)

	if cfg.AlertsToKafka() {
		s.sink, err = alerts.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.AlertTopic, s.logger)
		if err != nil {
			return nil, err
		}
		s.controller.WithAlertSink(s.sink)
	}

	s.maintenance = maintenance.NewRunner(s.logger).
		Add(maintenance.HistorySweep(s.generator, cfg.Generation.HistoryHorizon, cfg.Generation.MaintenanceInterval)).
		Add(maintenance.Retention(s.store, cfg.Generation.RetentionCap, cfg.Generation.MaintenanceInterval))

	s.issuer = auth.NewIssuer(cfg.JWTSecret)

	s.health = health.NewRegistry(2 * time.Second)
	s.health.RegisterPing("store", s.store.Ping)
	if s.remote != nil {
		s.health.Register("remote_scorer", s.remoteScorerCheck)
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	authenticated := []gin.HandlerFunc{auth.Middleware(s.issuer), auth.RequireAuth()}

	txGroup := s.router.Group("/api/transactions", authenticated...)
	stats.NewHandler(s.aggregator, s.logger).RegisterRoutes(txGroup)
	transactions.NewHandler(s.store, s.logger).
		WithReviewNotifier(s.hub).
		RegisterRoutes(txGroup)

	s.router.GET("/ws", append(authenticated, s.websocketHandler)...)
}

func (s *Server) websocketHandler(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	s.hub.HandleWebSocket(c.Writer, c.Request, p)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status     string                 `json:"status"`
	Version    string                 `json:"version"`
	Checks     []health.Status        `json:"checks,omitempty"`
	Generation string                 `json:"generation"`
	Realtime   map[string]interface{} `json:"realtime"`
	Timestamp  string                 `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:     status,
		Version:    Version,
		Checks:     checks,
		Generation: s.controller.State().String(),
		Realtime:   s.hub.Stats(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

// remoteScorerCheck reports an open breaker as unhealthy. Scoring still
// works through the fallback, so this only affects /health, not readiness.
func (s *Server) remoteScorerCheck(context.Context) health.Status {
	state := s.remote.Breaker().State()
	return health.Status{
		Name:    "remote_scorer",
		Healthy: state != circuitbreaker.StateOpen,
		Detail:  "circuit " + state.String(),
	}
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the hub, maintenance and DB stats goroutines. Generation
// itself starts when the first client connects.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.background.Add(2)
	go func() {
		defer s.background.Done()
		s.hub.Run(runCtx)
	}()
	go func() {
		defer s.background.Done()
		s.maintenance.Start(runCtx)
	}()

	if s.storage != nil && s.storage.DB != nil {
		metrics.StartDBStatsCollector(runCtx, s.storage.DB, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown stops background work first, then HTTP, then external
// connections. It is safe to call more than once.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Closing the hub drops every subscriber, which stops generation.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if err := s.controller.Shutdown(ctx); err != nil {
		s.logger.Error("generation loop did not drain", "error", err)
	}
	s.maintenance.Stop()
	s.background.Wait()
	s.logger.Info("background workers stopped")

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			s.logger.Error("kafka producer close error", "error", err)
		}
	}

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	if s.storage != nil {
		if err := s.storage.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Issuer returns the token issuer, for tooling and tests.
func (s *Server) Issuer() *auth.Issuer {
	return s.issuer
}
