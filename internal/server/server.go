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
	"github.com/pressly/goose/v3"

	"github.com/mbd888/checkoutguard/internal/captcha"
	"github.com/mbd888/checkoutguard/internal/checkout"
	"github.com/mbd888/checkoutguard/internal/circuitbreaker"
	"github.com/mbd888/checkoutguard/internal/clientip"
	"github.com/mbd888/checkoutguard/internal/config"
	"github.com/mbd888/checkoutguard/internal/geo"
	"github.com/mbd888/checkoutguard/internal/health"
	"github.com/mbd888/checkoutguard/internal/idgen"
	"github.com/mbd888/checkoutguard/internal/logging"
	"github.com/mbd888/checkoutguard/internal/metrics"
	"github.com/mbd888/checkoutguard/internal/ratelimit"
	"github.com/mbd888/checkoutguard/internal/realtime"
	"github.com/mbd888/checkoutguard/internal/security"
	"github.com/mbd888/checkoutguard/internal/settings"
	"github.com/mbd888/checkoutguard/internal/stats"
	"github.com/mbd888/checkoutguard/internal/traces"
	"github.com/mbd888/checkoutguard/internal/validation"
	"github.com/mbd888/checkoutguard/migrations"
)

const (
	breakerThreshold    = 5
	breakerOpenDuration = 30 * time.Second
	geoPruneInterval    = time.Hour
	dbStatsInterval     = 15 * time.Second
	healthCheckTimeout  = 5 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	version       string
	resolver      *clientip.Resolver
	breaker       *circuitbreaker.Breaker
	geo           *geo.Service
	geoLookup     geo.Lookup
	checkout      *checkout.Service
	checkoutStore checkout.Store
	settingsStore settings.Store
	stats         *stats.Aggregator
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	stopTracing   func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	drainDelay    time.Duration

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

// WithVersion sets the build version reported by /health and traces.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithGeoLookup replaces the geolocation provider client (for testing).
func WithGeoLookup(l geo.Lookup) Option {
	return func(s *Server) {
		s.geoLookup = l
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}
	slog.SetDefault(s.logger)

	ctx := context.Background()

	if cfg.IsProduction() && cfg.GeolocationAPIKey != "" {
		if err := security.ValidateProviderURL(cfg.GeolocationAPIURL); err != nil {
			return nil, fmt.Errorf("GEOLOCATION_API_URL: %w", err)
		}
	}

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var geoStore geo.Store
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
		if err := migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}

		s.db = db
		s.checkoutStore = checkout.NewPostgresStore(db)
		s.settingsStore = settings.NewPostgresStore(db)
		geoStore = geo.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.checkoutStore = checkout.NewMemoryStore()
		s.settingsStore = settings.NewMemoryStore()
		geoStore = geo.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.resolver = clientip.New(cfg.TrustForwardedFor)
	s.breaker = circuitbreaker.New(breakerThreshold, breakerOpenDuration)

	// Geolocation: provider client when a key is configured, offline table otherwise.
	if s.geoLookup == nil && cfg.GeolocationAPIKey != "" {
		s.geoLookup = geo.NewClient(cfg.GeolocationAPIURL, cfg.GeolocationAPIKey, cfg.ProviderTimeout, s.breaker)
	}
	s.geo = geo.NewService(s.geoLookup, geoStore, geo.NewCache(cfg.GeoCacheMaxEntries, cfg.GeoCacheTTL), cfg.GeoCacheTTL, s.logger)
	if s.geo.Offline() {
		s.logger.Warn("no geolocation provider configured, using offline enrichment table")
	}

	gateway := s.captchaGateway()

	s.realtimeHub = realtime.NewHub(s.logger, cfg.CORSAllowedOrigins)
	s.checkout = checkout.NewService(s.checkoutStore, s.geo, gateway).WithPublisher(s.realtimeHub)
	s.stats = stats.NewAggregator(s.checkoutStore)

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.DatabaseChecker(s.db))
	}
	s.health.Register("providers", health.ProvidersChecker(s.providerStates))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// captchaGateway registers one verifier per supported type. The mock
// verifier is never registered in production.
func (s *Server) captchaGateway() *captcha.Gateway {
	cfg := s.cfg
	site := captcha.NewSiteVerifier(captcha.DefaultSiteVerifyURL, cfg.RecaptchaSecretKey, cfg.ProviderTimeout, s.breaker)
	enterprise := captcha.NewEnterpriseVerifier(captcha.EnterpriseConfig{
		ProjectID: cfg.RecaptchaEnterpriseProjectID,
		APIKey:    cfg.RecaptchaEnterpriseAPIKey,
		SiteKey:   cfg.RecaptchaSiteKey,
	}, cfg.ProviderTimeout, s.breaker)

	g := captcha.NewGateway(captcha.Type(cfg.CaptchaDefaultType)).
		Register(captcha.TypeRecaptchaV2, site).
		Register(captcha.TypeRecaptchaV3, site).
		Register(captcha.TypeRecaptchaEnterprise, enterprise)
	if !cfg.IsProduction() {
		g.Register(captcha.TypeMock, captcha.MockVerifier{})
	}

	if cfg.RecaptchaSecretKey == "" {
		s.logger.Warn("RECAPTCHA_SECRET_KEY not set, reCAPTCHA v2/v3 tokens will fail verification")
	}
	return g
}

func (s *Server) providerStates() []health.ProviderState {
	snap := s.breaker.Snapshot()
	out := make([]health.ProviderState, len(snap))
	for i, p := range snap {
		out[i] = health.ProviderState{Provider: p.Provider, State: p.State}
	}
	return out
}

// migrate applies the embedded goose migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         ratelimit.DefaultConfig().BurstSize,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware(s.resolver.Resolve))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.Hex(16)
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", s.resolver.Resolve(c.Request))...)
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1/validation")
	checkout.NewHandler(s.checkout, s.resolver).RegisterRoutes(v1)
	stats.NewHandler(s.stats).RegisterRoutes(v1)
	settings.NewHandler(s.settingsStore).RegisterRoutes(v1)
	v1.GET("/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Providers any             `json:"providers"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Providers: s.breaker.Snapshot(),
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

	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()
	if healthy, checks := s.health.CheckAll(ctx); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"geo_offline", s.geo.Offline(),
			"captcha_default", s.cfg.CaptchaDefaultType,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.geo.StartPruner(runCtx, geoPruneInterval)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, dbStatsInterval)
	}

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Error("tracer shutdown error", "error", err)
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
