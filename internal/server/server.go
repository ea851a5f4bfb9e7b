// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/verigate/internal/alerts"
	"github.com/mbd888/verigate/internal/audit"
	"github.com/mbd888/verigate/internal/behavior"
	"github.com/mbd888/verigate/internal/config"
	"github.com/mbd888/verigate/internal/health"
	"github.com/mbd888/verigate/internal/idgen"
	"github.com/mbd888/verigate/internal/logging"
	"github.com/mbd888/verigate/internal/metrics"
	"github.com/mbd888/verigate/internal/ratelimit"
	"github.com/mbd888/verigate/internal/realtime"
	"github.com/mbd888/verigate/internal/retention"
	"github.com/mbd888/verigate/internal/risk"
	"github.com/mbd888/verigate/internal/security"
	"github.com/mbd888/verigate/internal/session"
	"github.com/mbd888/verigate/internal/threat"
	"github.com/mbd888/verigate/internal/verification"
)

// Version is reported by /health and the tracer resource.
const Version = "0.1.0"

// maxBacklog is the number of queued background evaluations above which
// the instance reports not ready.
const maxBacklog = 1000

// ServiceKeyHeader carries the service API key on management routes.
const ServiceKeyHeader = "X-Service-Key"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *sql.DB       // nil if using in-memory
	rdb          *redis.Client // nil without REDIS_URL
	registry     *session.Registry
	scores       risk.Store
	threats      threat.Store
	learner      *behavior.Learner
	auditLog     *audit.Recorder
	notifier     *alerts.Notifier
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	orchestrator *verification.Orchestrator
	reporter     *verification.Reporter
	gate         *verification.Gate
	retention    *retention.Timer
	checks       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

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

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()
	s.checks = health.NewRegistry(2 * time.Second)

	var profileStore behavior.Store
	var auditStore audit.Logger

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.scores = risk.NewPostgresStore(db)
		s.threats = threat.NewPostgresStore(db)
		profileStore = behavior.NewPostgresStore(db)
		auditStore = audit.NewPostgresLogger(db)
		s.checks.Register("postgres", health.PingCheck("postgres", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.scores = risk.NewMemoryStore()
		s.threats = threat.NewMemoryStore()
		auditStore = audit.NewMemoryLogger()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Behavior profiles prefer the shared Redis cache when configured
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.rdb = redis.NewClient(opt)
		rs := behavior.NewRedisStore(s.rdb, cfg.Retention)
		profileStore = rs
		s.checks.Register("redis", health.PingCheck("redis", rs.Ping))
		s.logger.Info("behavior profiles stored in redis", "addr", opt.Addr)
	}

	learnerOpts := []behavior.LearnerOption{behavior.WithLogger(s.logger)}
	if profileStore != nil {
		learnerOpts = append(learnerOpts, behavior.WithStore(profileStore), behavior.WithIdleTTL(cfg.Verification.CacheTTL))
	}
	s.learner = behavior.NewLearner(learnerOpts...)

	s.auditLog = audit.NewRecorder(auditStore, s.logger)

	// Sessions
	tokens, err := session.NewTokens(session.TokenConfig{
		Secret:     []byte(cfg.TokenSecret),
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	if err != nil {
		s.closeStores()
		return nil, err
	}
	s.registry = session.NewRegistry(session.Config{MaxAge: cfg.Verification.MaxSessionAge}, tokens,
		session.WithLogger(s.logger))

	// Alerts: always logged, optionally delivered to a webhook
	sinks := alerts.MultiSink{alerts.NewLogSink(s.logger)}
	if cfg.AlertWebhookURL != "" {
		if err := security.ValidateWebhookURL(ctx, cfg.AlertWebhookURL, nil); err != nil {
			s.logger.Warn("alert webhook disabled", "error", err)
		} else {
			sinks = append(sinks, alerts.NewWebhookSink(cfg.AlertWebhookURL, cfg.AlertWebhookSecret))
			s.logger.Info("alert webhook enabled")
		}
	}
	s.notifier = alerts.NewNotifier(sinks, s.logger)

	s.realtimeHub = realtime.NewHub(s.logger)

	// Rate limiting
	limiterOpts := []ratelimit.Option{ratelimit.WithViolationHook(s.auditViolation)}
	if !cfg.RateLimitEnabled {
		limiterOpts = append(limiterOpts, ratelimit.WithDisabled())
	}
	s.rateLimiter = ratelimit.New(ratelimit.DefaultRules(), limiterOpts...)

	// Continuous verification
	zone, err := risk.NewFixedZone(cfg.Verification.DefaultTimezone)
	if err != nil {
		s.closeStores()
		return nil, err
	}
	engine := risk.NewEngine(cfg.Verification.RiskConfig(), s.scores, s.registry, s.learner,
		risk.WithTimezones(zone),
		risk.WithLocator(risk.NoopLocator{}),
		risk.WithLogger(s.logger))
	s.orchestrator = verification.New(cfg.Verification, engine, s.scores, s.threats, s.registry,
		verification.WithLearner(s.learner),
		verification.WithAlerter(s.notifier),
		verification.WithAuditor(s.auditLog),
		verification.WithPublisher(s.realtimeHub),
		verification.WithLogger(s.logger))
	s.reporter = verification.NewReporter(cfg.Verification, s.scores, s.threats, s.registry)
	s.gate, err = verification.NewGate(s.orchestrator, s.registry, s.rateLimiter, ratelimit.RuleGlobalIP)
	if err != nil {
		s.closeStores()
		return nil, err
	}
	s.checks.Register("verification", s.verificationCheck)
	s.logger.Info("continuous verification configured",
		"enabled", cfg.Verification.Enabled,
		"mode", cfg.Verification.Mode,
		"monitoring_only", cfg.Verification.MonitoringOnly,
	)

	s.retention = retention.NewTimer(retention.Targets{
		Scores:   s.scores,
		Threats:  s.threats,
		Profiles: s.learner,
		Sessions: s.registry,
		Cache:    s.learner,
		Limiter:  s.rateLimiter,
	}, cfg.CleanupInterval, cfg.Retention, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func (s *Server) auditViolation(v ratelimit.Violation) {
	s.auditLog.Log(context.Background(), audit.Event{
		Type:       audit.EventRateLimitViolation,
		Resource:   "rate_limit",
		Action:     v.RuleName,
		IdentityID: v.IdentityID,
		Success:    false,
		IPAddress:  v.IPAddress,
		UserAgent:  v.UserAgent,
		Details: map[string]any{
			"identifier":    v.Identifier,
			"scope":         string(v.Scope),
			"current_count": v.CurrentCount,
			"max_allowed":   v.MaxAllowed,
			"endpoint":      v.Endpoint,
		},
	})
}

func (s *Server) verificationCheck(context.Context) health.Status {
	st := health.Status{Name: "verification", Healthy: true}
	switch backlog := s.orchestrator.Backlog(); {
	case s.orchestrator.Draining():
		st.Healthy, st.Detail = false, "draining"
	case backlog > maxBacklog:
		st.Healthy, st.Detail = false, "backlog "+strconv.FormatInt(backlog, 10)
	}
	return st
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(security.CORSMiddleware(nil))
	s.router.Use(security.RequestSizeMiddleware(security.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
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
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// serviceKeyMiddleware guards management routes. Without a configured key
// (development only) every caller is admitted.
func (s *Server) serviceKeyMiddleware() gin.HandlerFunc {
	want := []byte(s.cfg.ServiceAPIKey)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.Next()
			return
		}
		got := []byte(c.GetHeader(ServiceKeyHeader))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid " + ServiceKeyHeader + " header required",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	sessions := session.NewHandler(s.registry, s.auditLog)

	// Refresh authenticates with the refresh token itself
	public := v1.Group("", s.rateLimiter.Middleware(ratelimit.RuleAuthLogin))
	sessions.RegisterPublicRoutes(public)

	// Service-to-service management and read models
	service := v1.Group("", s.serviceKeyMiddleware(), s.rateLimiter.Middleware(ratelimit.RuleReadAPI))
	sessions.RegisterRoutes(service)
	verification.NewHandler(s.reporter).RegisterRoutes(service)
	service.GET("/security/stream", s.streamHandler)
	service.GET("/security/stream/stats", s.streamStatsHandler)
	service.GET("/security/rate-limits", s.rateLimitStatsHandler)

	// Routes protected by continuous verification
	protected := v1.Group("", s.gate.Middleware())
	protected.GET("/me", s.meHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
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
	if ok, checks := s.checks.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) streamHandler(c *gin.Context) {
	s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
}

func (s *Server) streamStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

func (s *Server) rateLimitStatsHandler(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be an integer between 1 and 1000",
			})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{
		"rules":      s.rateLimiter.Rules(),
		"stats":      s.rateLimiter.Stats(),
		"violations": s.rateLimiter.Violations(limit),
	})
}

func (s *Server) meHandler(c *gin.Context) {
	id, _ := verification.IdentityFrom(c)
	c.JSON(http.StatusOK, gin.H{
		"session_id": c.GetString(verification.ContextKeySessionID),
		"identity":   id,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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

	go s.realtimeHub.Run(runCtx)
	go s.retention.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. In-flight background evaluations
// are drained before stores are closed.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	if err := s.orchestrator.Drain(ctx); err != nil {
		s.logger.Error("evaluations did not drain", "error", err)
		errs = append(errs, err)
	} else {
		s.logger.Info("background evaluations drained")
	}

	if err := s.notifier.Wait(ctx); err != nil {
		s.logger.Warn("alert deliveries still pending", "error", err)
	}

	// Cancel the context for background goroutines (hub, retention, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.retention.Stop()

	s.closeStores()

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

func (s *Server) closeStores() {
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
