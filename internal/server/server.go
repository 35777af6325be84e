// Package server wires the settlement services into one HTTP server.
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
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/config"
	"github.com/mbd888/settlement/internal/gateway"
	"github.com/mbd888/settlement/internal/health"
	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/notify"
	"github.com/mbd888/settlement/internal/orders"
	"github.com/mbd888/settlement/internal/payouts"
	"github.com/mbd888/settlement/internal/policy"
	"github.com/mbd888/settlement/internal/ratelimit"
	"github.com/mbd888/settlement/internal/reconciliation"
	"github.com/mbd888/settlement/internal/security"
	"github.com/mbd888/settlement/internal/validation"
	"github.com/mbd888/settlement/internal/webhooks"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB // nil if using in-memory
	logger *slog.Logger

	stores    Stores
	transfers gateway.Transfers
	policy    *policy.Provider

	orders     *orders.Service
	payouts    *payouts.Service
	webhooks   *webhooks.Processor
	reconciler *reconciliation.Runner

	sweepTimer     *orders.Timer
	reconcileTimer *reconciliation.Timer
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry

	router       *gin.Engine
	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Stores groups the persistence backends. Either all PostgreSQL or all
// in-memory.
type Stores struct {
	Ledger   ledger.Store
	Orders   orders.Store
	Payouts  payouts.Store
	Notify   notify.Store
	Policy   policy.Store
	Failures webhooks.Store
}

// MemoryStores returns in-memory stores sharing one ledger.
func MemoryStores() Stores {
	l := ledger.NewMemoryStore()
	return Stores{
		Ledger:   l,
		Orders:   orders.NewMemoryStore(l),
		Payouts:  payouts.NewMemoryStore(l),
		Notify:   notify.NewMemoryStore(),
		Policy:   policy.NewMemoryStore(),
		Failures: webhooks.NewMemoryStore(),
	}
}

// PostgresStores returns PostgreSQL-backed stores over db.
func PostgresStores(db *sql.DB) Stores {
	return Stores{
		Ledger:   ledger.NewPostgresStore(db),
		Orders:   orders.NewPostgresStore(db),
		Payouts:  payouts.NewPostgresStore(db),
		Notify:   notify.NewPostgresStore(db),
		Policy:   policy.NewPostgresStore(db),
		Failures: webhooks.NewPostgresStore(db),
	}
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDB uses an already opened pool instead of DATABASE_URL.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// WithStores overrides store selection entirely.
func WithStores(st Stores) Option {
	return func(s *Server) {
		s.stores = st
	}
}

// WithTransfers sets the transfer provider (for testing)
func WithTransfers(t gateway.Transfers) Option {
	return func(s *Server) {
		s.transfers = t
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set logger/stores/transfers)
	for _, opt := range opts {
		opt(s)
	}

	if err := s.setupStorage(); err != nil {
		return nil, err
	}

	if s.transfers == nil {
		s.transfers = gateway.NewPaystack(cfg.PaystackBaseURL, cfg.PaystackSecretKey, cfg.GatewayTimeout, s.logger)
	}

	s.policy = policy.NewProvider(s.stores.Policy, cfg.DefaultPolicy())
	emitter := notify.NewEmitter(s.stores.Notify, s.logger)

	s.orders = orders.NewService(s.stores.Orders, s.policy, emitter, s.logger)
	s.payouts = payouts.NewService(s.stores.Payouts, s.stores.Ledger, s.transfers, s.policy, emitter, s.logger)
	s.webhooks = webhooks.NewProcessor(cfg.PaystackSecretKey, s.orders, s.payouts, s.stores.Failures, s.logger)
	s.reconciler = reconciliation.NewRunner(s.stores.Orders, s.stores.Payouts, s.stores.Ledger, s.logger)

	if cfg.AutoReleaseSweepInterval > 0 {
		s.sweepTimer = orders.NewTimer(s.orders, cfg.AutoReleaseSweepInterval, s.logger)
		s.logger.Info("auto-release timer enabled", "interval", cfg.AutoReleaseSweepInterval)
	}
	if cfg.ReconcileInterval > 0 {
		s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
		s.logger.Info("reconciliation timer enabled", "interval", cfg.ReconcileInterval)
	}

	s.registerHealthChecks()

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

func (s *Server) setupStorage() error {
	if s.stores.Orders != nil {
		return nil
	}

	if s.db == nil && s.cfg.DatabaseURL != "" {
		db, err := OpenDB(s.cfg.DatabaseURL)
		if err != nil {
			return err
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	}

	if s.db != nil {
		s.stores = PostgresStores(s.db)
		return nil
	}

	s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	s.stores = MemoryStores()
	return nil
}

// OpenDB opens and pings a PostgreSQL pool.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
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

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	if c, ok := s.transfers.(interface{ CircuitState() string }); ok {
		s.health.Register("gateway", health.Circuit(c.CircuitState))
	}
	s.health.Register("auto_release", health.Loop(s.sweepTimer != nil, func() bool {
		return s.sweepTimer.Running()
	}))
	s.health.Register("reconciliation", health.Loop(s.reconcileTimer != nil, func() bool {
		return s.reconcileTimer.Running()
	}))
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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(auth.Middleware(s.cfg.AdminSecret))

	// Rate limiting keys on the actor, so it runs after auth.Middleware.
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

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

		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
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

	ordersHandler := orders.NewHandler(s.orders, s.stores.Notify)
	payoutsHandler := payouts.NewHandler(s.payouts)
	webhookHandler := webhooks.NewHandler(s.webhooks, s.stores.Failures)
	ledgerHandler := ledger.NewHandler(s.stores.Ledger)
	notifyHandler := notify.NewHandler(s.stores.Notify)
	policyHandler := policy.NewHandler(s.policy)
	reconcileHandler := reconciliation.NewHandler(s.reconciler)

	// Gateway callbacks authenticate by signature, not by actor.
	webhookHandler.RegisterRoutes(s.router)

	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware())

	ordersHandler.RegisterInternalRoutes(v1.Group("", auth.RequireServiceSecret(s.cfg.AdminSecret)))

	actors := v1.Group("", auth.RequireActor())
	ordersHandler.RegisterRoutes(actors)
	payoutsHandler.RegisterRoutes(actors)
	notifyHandler.RegisterRoutes(actors)
	ledgerHandler.RegisterRoutes(actors.Group("", auth.RequireRole(auth.RoleSeller)))

	admin := v1.Group("", auth.RequireAdmin(s.cfg.AdminSecret))
	ordersHandler.RegisterAdminRoutes(admin)
	payoutsHandler.RegisterAdminRoutes(admin)
	webhookHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	policyHandler.RegisterAdminRoutes(admin)
	reconcileHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(code, HealthResponse{
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
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

	if s.sweepTimer != nil {
		go s.sweepTimer.Start(runCtx)
	}
	if s.reconcileTimer != nil {
		go s.reconcileTimer.Start(runCtx)
	}
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.sweepTimer != nil {
		s.sweepTimer.Stop()
		s.logger.Info("auto-release timer stopped")
	}
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
