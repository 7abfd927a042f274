// Package server sets up the HTTP server with all routes
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

	"github.com/mbd888/paygate/internal/auth"
	"github.com/mbd888/paygate/internal/chain"
	"github.com/mbd888/paygate/internal/config"
	"github.com/mbd888/paygate/internal/directory"
	"github.com/mbd888/paygate/internal/events"
	"github.com/mbd888/paygate/internal/facilitator"
	"github.com/mbd888/paygate/internal/feedback"
	"github.com/mbd888/paygate/internal/gateway"
	"github.com/mbd888/paygate/internal/health"
	"github.com/mbd888/paygate/internal/idgen"
	"github.com/mbd888/paygate/internal/keys"
	"github.com/mbd888/paygate/internal/ledger"
	"github.com/mbd888/paygate/internal/logging"
	"github.com/mbd888/paygate/internal/metrics"
	"github.com/mbd888/paygate/internal/networks"
	"github.com/mbd888/paygate/internal/ownership"
	"github.com/mbd888/paygate/internal/reconciliation"
	"github.com/mbd888/paygate/internal/security"
)

const (
	dbStatsInterval   = 15 * time.Second
	healthTimeout     = 3 * time.Second
	defaultDrainDelay = 5 * time.Second
	maxRequestIDLen   = 128
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Ownership is the on-chain read surface the server needs: dashboard
// ownership queries plus the feedback index read.
type Ownership interface {
	gateway.OwnershipQueries
	feedback.IndexReader
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger

	db          *sql.DB // nil if using in-memory
	agents      directory.Store
	payments    ledger.Store
	networks    networks.Resolver
	ownership   Ownership
	chainPool   *chain.Pool
	facilitator *facilitator.Client
	publisher   events.Publisher
	natsPub     *events.NATSPublisher
	netCache    *networks.RedisCache
	verifier    *auth.Verifier

	gateway        *gateway.Handler
	health         *health.Registry
	reconcileTimer *reconciliation.Timer

	router       *gin.Engine
	httpSrv      *http.Server
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithAgentStore sets the agent directory store (for testing)
func WithAgentStore(store directory.Store) Option {
	return func(s *Server) {
		s.agents = store
	}
}

// WithLedgerStore sets the payment ledger store (for testing)
func WithLedgerStore(store ledger.Store) Option {
	return func(s *Server) {
		s.payments = store
	}
}

// WithOwnership replaces the on-chain ownership oracle (for testing)
func WithOwnership(o Ownership) Option {
	return func(s *Server) {
		s.ownership = o
	}
}

// WithEventPublisher replaces the reconciliation event transport (for testing)
func WithEventPublisher(p events.Publisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing the listener.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: defaultDrainDelay,
	}

	// Apply options first (may set stores/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Feedback signing keys. A nil Decrypter disables feedback issuance.
	var decrypter keys.Decrypter
	if cfg.FeedbackKeyEncryptionKey != "" {
		keyring, err := keys.NewKeyring(cfg.FeedbackKeyEncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load feedback keyring: %w", err)
		}
		decrypter = keyring
		s.logger.Info("feedback authorizations enabled")
	} else {
		s.logger.Warn("FEEDBACK_KEY_ENCRYPTION_KEY not set, feedback authorizations disabled")
	}

	// Dashboard identity
	if cfg.JWTSecret != "" {
		v, err := auth.NewVerifier(cfg.JWTSecret)
		if err != nil {
			return nil, fmt.Errorf("failed to create token verifier: %w", err)
		}
		s.verifier = v
	} else {
		s.logger.Warn("JWT_SECRET not set, dashboard API disabled")
	}

	// Network registry, optionally fronted by Redis
	registry, err := networks.Load(cfg.NetworksFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load networks: %w", err)
	}
	s.networks = registry
	if cfg.RedisURL != "" {
		cache, err := networks.NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			s.logger.Warn("redis unavailable, network cache disabled", "error", err)
		} else {
			s.netCache = cache
			s.networks = networks.NewCachedResolver(registry, cache, networks.DefaultCacheTTL, s.logger)
			s.logger.Info("network config cache enabled")
		}
	}
	s.logger.Info("networks loaded", "chains", registry.ChainIDs())

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" && (s.agents == nil || s.payments == nil) {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			if s.netCache != nil {
				_ = s.netCache.Close()
			}
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			if s.netCache != nil {
				_ = s.netCache.Close()
			}
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		if s.agents == nil {
			s.agents = directory.NewPostgresStore(db)
		}
		if s.payments == nil {
			s.payments = ledger.NewPostgresStore(db)
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	}
	if s.agents == nil {
		s.agents = directory.NewMemoryStore()
		s.logger.Info("using in-memory agent directory")
	}
	if s.payments == nil {
		s.payments = ledger.NewMemoryStore()
		s.logger.Info("using in-memory payment ledger")
	}

	// Chain access
	s.chainPool = chain.NewPool(s.networks, chain.WithTimeout(cfg.RPCTimeout))
	if s.ownership == nil {
		s.ownership = ownership.NewOracle(s.chainPool, s.logger)
	}

	// Facilitator
	facOpts := []facilitator.Option{
		facilitator.WithChainPool(s.chainPool),
		facilitator.WithLogger(s.logger),
	}
	if cfg.FacilitatorAPIKey != "" {
		facOpts = append(facOpts, facilitator.WithAPIKey(cfg.FacilitatorAPIKey))
	}
	s.facilitator = facilitator.New(cfg.FacilitatorURL, facOpts...)

	recorder := ledger.NewRecorder(s.payments)
	issuer := feedback.NewIssuer(s.ownership, recorder, decrypter)

	// Reconciliation events
	if s.publisher == nil {
		if cfg.NATSURL != "" {
			pub, err := events.ConnectNATS(cfg.NATSURL, s.logger)
			if err != nil {
				s.logger.Warn("nats unavailable, reconciliation events disabled", "error", err)
				s.publisher = events.Nop{}
			} else {
				s.natsPub = pub
				s.publisher = pub
				s.logger.Info("reconciliation events enabled", "transport", "nats")
			}
		} else {
			s.publisher = events.Nop{}
		}
	}
	emitter := events.NewEmitter(s.publisher, s.logger)

	// Gateway
	fwdOpts := []gateway.ForwarderOption{
		gateway.WithTimeouts(cfg.ForwardDefaultTimeout, cfg.ForwardMaxTimeout),
	}
	if cfg.AllowPrivateTargets {
		fwdOpts = append(fwdOpts, gateway.AllowPrivateNetworks())
		s.logger.Warn("private target URLs allowed, SSRF guard disabled")
	}
	lookup := directory.NewLookup(s.agents, s.ownership,
		directory.AllowPrivateTargets(cfg.AllowPrivateTargets),
		directory.WithLogger(s.logger),
	)
	service := gateway.NewService(gateway.Deps{
		Directory: lookup,
		Networks:  s.networks,
		Owners:    s.ownership,
		Payments:  s.facilitator,
		Backend:   gateway.NewForwarder(fwdOpts...),
		Ledger:    recorder,
		Feedback:  issuer,
		Events:    emitter,
		Logger:    s.logger,
	})
	s.gateway = gateway.NewHandler(service,
		gateway.WithPublicBaseURL(cfg.PublicBaseURL),
		gateway.WithDashboard(s.ownership, s.agents, s.payments),
	)

	// Unsettled payment sweep
	sweeper := reconciliation.NewSweeper(s.payments, emitter, s.logger, reconciliation.DefaultLookback)
	s.reconcileTimer = reconciliation.NewTimer(sweeper, cfg.ReconcileInterval, s.logger)

	s.setupHealth()

	// Router
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

func (s *Server) setupHealth() {
	s.health = health.NewRegistry(healthTimeout)
	s.health.Register(health.FromError("facilitator", s.facilitator.Ping))
	if s.db != nil {
		s.health.Register(health.FromError("database", s.db.PingContext))
	}
	if s.netCache != nil {
		s.health.Register(health.FromError("redis", s.netCache.Ping))
	}
	if s.natsPub != nil {
		s.health.Register(health.FromError("nats", s.natsPub.Ping))
	}
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
			"error":     gateway.CodeInternal,
			"message":   "An unexpected error occurred",
			"requestId": c.GetString("requestId"),
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// The request id keys the ledger, so it is always ours. A caller's
		// X-Request-ID is kept for log correlation only.
		requestID := idgen.WithPrefix("req_")

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		if upstream := c.GetHeader("X-Request-ID"); upstream != "" && len(upstream) <= maxRequestIDLen {
			ctx = logging.WithAttrs(ctx, "client_request_id", upstream)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Set("requestId", requestID)

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

		// Log level based on status code. 402 is the normal first leg of a
		// paid call and logs at info.
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400 && status != http.StatusPaymentRequired:
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Paid calls
	s.gateway.RegisterCallRoutes(s.router)

	// Dashboard reads (JWT bearer)
	if s.verifier != nil {
		api := s.router.Group("/api")
		api.Use(auth.Middleware(s.verifier))
		s.gateway.RegisterDashboardRoutes(api)
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
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    statuses,
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
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// WriteTimeout must outlast the longest forward plus settlement.
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.ForwardMaxTimeout + 90*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"facilitator", s.cfg.FacilitatorURL,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, dbStatsInterval)
	}

	if s.reconcileTimer != nil {
		go s.reconcileTimer.Start(runCtx)
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
	time.Sleep(s.drainDelay)

	// In-flight calls may still be settling; wait for them.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ForwardMaxTimeout+60*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	if s.chainPool != nil {
		s.chainPool.Close()
	}

	if s.natsPub != nil {
		if err := s.natsPub.Close(); err != nil {
			s.logger.Error("nats close error", "error", err)
		}
	}

	if s.netCache != nil {
		if err := s.netCache.Close(); err != nil {
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

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
