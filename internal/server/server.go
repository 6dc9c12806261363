// Package server wires storage, the challenge engine, the directory mirror
// and the HTTP routes into one process.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/fitpool/internal/challenges"
	"github.com/mbd888/fitpool/internal/config"
	"github.com/mbd888/fitpool/internal/directory"
	"github.com/mbd888/fitpool/internal/health"
	"github.com/mbd888/fitpool/internal/ledger"
	"github.com/mbd888/fitpool/internal/logging"
	"github.com/mbd888/fitpool/internal/metrics"
	"github.com/mbd888/fitpool/internal/ratelimit"
	"github.com/mbd888/fitpool/internal/security"
	"github.com/mbd888/fitpool/internal/signer"
	"github.com/mbd888/fitpool/internal/traces"
	"github.com/mbd888/fitpool/internal/validation"
	"github.com/redis/go-redis/v9"
)

// Version is reported by /health and tracing; set by cmd/server.
var Version = "dev"

const (
	redisKeyPrefix  = "fitpool:"
	dbStatsInterval = 15 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg   *config.Config
	clock clockwork.Clock

	db             *sql.DB // nil if using in-memory
	redis          redis.UniversalClient
	ledger         *ledger.Ledger
	challenges     *challenges.Service
	challengeTimer *challenges.Timer
	dirCache       directory.Cache
	syncer         *directory.Syncer
	resyncer       *directory.Resyncer
	verifier       *signer.Verifier
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry

	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error
	drainDelay      time.Duration

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

// WithClock drives deadlines, signature skew and background jobs from c
// (for testing).
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithDirectoryCache overrides the directory backend chosen from REDIS_URL.
func WithDirectoryCache(c directory.Cache) Option {
	return func(s *Server) {
		s.dirCache = c
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		clock:      clockwork.NewRealClock(),
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		challengeStore challenges.Store
		ledgerStore    ledger.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		challengeStore = challenges.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		s.health.Register("database", health.PingChecker("database", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		challengeStore = challenges.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		s.logger.Warn("using in-memory storage; state is lost on restart")
	}
	s.ledger = ledger.New(ledgerStore)

	// Directory mirror (Redis if REDIS_URL set, otherwise in-memory)
	backend := "custom"
	if s.dirCache == nil {
		if cfg.RedisURL != "" {
			rdb, err := directory.NewRedisClient(ctx, cfg.RedisURL)
			if err != nil {
				s.closeStorage()
				return nil, fmt.Errorf("failed to connect to redis: %w", err)
			}
			s.redis = rdb
			s.dirCache = directory.NewRedisCache(rdb, redisKeyPrefix)
			backend = "redis"
			s.logger.Info("using Redis directory", "url", maskDSN(cfg.RedisURL))
		} else {
			s.dirCache = directory.NewMemoryCache()
			backend = "memory"
		}
	}
	s.syncer = directory.NewSyncer(s.dirCache, backend, cfg.DirectoryQueueSize, s.logger).WithClock(s.clock)
	s.health.Register("directory", health.PingChecker("directory", health.PingFunc(s.dirCache.Ping)))
	s.health.Register("directory_breaker", func(context.Context) health.Status {
		if s.syncer.BreakerOpen() {
			return health.Status{Name: "directory_breaker", Detail: "circuit open"}
		}
		return health.Status{Name: "directory_breaker", Healthy: true}
	})
	s.health.Register("directory_queue", health.BacklogChecker("directory_queue", s.syncer.Pending, cfg.DirectoryQueueSize*3/4))

	// Challenge engine
	s.challenges = challenges.NewService(challengeStore, &ledgerAdapter{l: s.ledger}).
		WithClock(s.clock).
		WithObserver(s.syncer).
		WithLogger(s.logger)
	s.challengeTimer = challenges.NewTimer(s.challenges, challengeStore, cfg.SettlementInterval, s.logger)
	s.health.Register("settlement_timer", health.RunningChecker("settlement_timer", s.challengeTimer.Running))
	s.resyncer = directory.NewResyncer(s.challenges, s.syncer, cfg.DirectoryResyncInterval, s.logger).WithClock(s.clock)

	s.verifier = signer.NewVerifier(cfg.SignatureMaxSkew).WithClock(s.clock)
	s.rateLimiter = ratelimit.NewWithClock(ratelimit.DefaultConfig(), s.clock)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
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
	s.router.Use(security.CORSMiddleware(nil))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(logging.RequestIDMiddleware(s.logger))
	s.router.Use(logging.AccessLog())
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
	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())
	// Verify signatures when present; reads stay public.
	v1.Use(s.verifier.Middleware())
	// Limit after verification so buckets key on the proven signer.
	v1.Use(s.rateLimiter.Middleware())

	challengeHandler := challenges.NewHandler(s.challenges)
	challengeHandler.RegisterRoutes(v1)

	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	ledgerHandler.RegisterRoutes(v1)

	directory.NewHandler(s.dirCache, s.logger).RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(signer.RequireSigner())
	challengeHandler.RegisterProtectedRoutes(protected)

	if s.cfg.IsDevelopment() {
		ledgerHandler.RegisterDevRoutes(v1)
		s.logger.Warn("development deposit route enabled")
	}
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)

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
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339),
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

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if ok, checks := s.health.CheckAll(ctx); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}
	dir := "memory"
	if s.redis != nil {
		dir = "redis"
	}
	c.JSON(http.StatusOK, gin.H{
		"name":      "fitpool",
		"version":   Version,
		"env":       s.cfg.Env,
		"storage":   storage,
		"directory": dir,
		"signing": gin.H{
			"headers": []string{signer.HeaderAddress, signer.HeaderTimestamp, signer.HeaderSignature},
			"message": signer.MessageFormat,
			"maxSkew": s.cfg.SignatureMaxSkew.String(),
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	s.startBackground(runCtx)

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
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground launches the directory drain, the settlement timer, the
// resync job and the DB stats collector.
func (s *Server) startBackground(ctx context.Context) {
	go s.syncer.Run(ctx)
	go s.challengeTimer.Start(ctx)

	if err := s.resyncer.Start(ctx); err != nil {
		s.logger.Error("failed to start directory resync", "error", err)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, dbStatsInterval)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.challengeTimer.Stop()
	s.logger.Info("settlement timer stopped")

	if err := s.resyncer.Stop(); err != nil {
		s.logger.Error("directory resync stop error", "error", err)
	}

	s.rateLimiter.Stop()

	if pending := s.syncer.Pending(); pending > 0 {
		s.logger.Warn("directory events dropped at shutdown; resync will repair", "pending", pending)
	}

	s.closeStorage()

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStorage() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
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

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// ledgerAdapter lets the challenge engine move funds through the ledger.
// Balance shortfalls are reported in the engine's own error vocabulary.
type ledgerAdapter struct {
	l *ledger.Ledger
}

func (a *ledgerAdapter) Hold(ctx context.Context, addr string, amount int64, reference string) error {
	return mapLedgerErr(a.l.Hold(ctx, addr, amount, reference))
}

func (a *ledgerAdapter) SettleHold(ctx context.Context, addr, poolID string, amount int64, reference string) error {
	return mapLedgerErr(a.l.SettleHold(ctx, addr, poolID, amount, reference))
}

func (a *ledgerAdapter) ReleaseHold(ctx context.Context, addr string, amount int64, reference string) error {
	return mapLedgerErr(a.l.ReleaseHold(ctx, addr, amount, reference))
}

func (a *ledgerAdapter) Payout(ctx context.Context, poolID, addr string, amount int64, reference string) error {
	return mapLedgerErr(a.l.Payout(ctx, poolID, addr, amount, reference))
}

func mapLedgerErr(err error) error {
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return fmt.Errorf("%w: %v", challenges.ErrInsufficientFunds, err)
	}
	return err
}

var _ challenges.LedgerService = (*ledgerAdapter)(nil)
