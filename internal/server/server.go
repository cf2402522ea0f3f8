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

	"github.com/lbruckner/creditmeter/internal/account"
	"github.com/lbruckner/creditmeter/internal/charge"
	"github.com/lbruckner/creditmeter/internal/circuitbreaker"
	"github.com/lbruckner/creditmeter/internal/config"
	"github.com/lbruckner/creditmeter/internal/health"
	"github.com/lbruckner/creditmeter/internal/idgen"
	"github.com/lbruckner/creditmeter/internal/ledger"
	"github.com/lbruckner/creditmeter/internal/logging"
	"github.com/lbruckner/creditmeter/internal/metrics"
	"github.com/lbruckner/creditmeter/internal/provider"
	"github.com/lbruckner/creditmeter/internal/purchase"
	"github.com/lbruckner/creditmeter/internal/ratelimit"
	"github.com/lbruckner/creditmeter/internal/reconciliation"
	"github.com/lbruckner/creditmeter/internal/security"
	"github.com/lbruckner/creditmeter/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	accounts       *account.Manager
	ledger         ledger.Store
	chargeService  *charge.Service
	purchases      *purchase.Service
	reconciliation *reconciliation.Service
	reconWorker    *reconciliation.Worker
	providers      *provider.Registry
	voices         charge.VoiceLister
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithProviders sets a custom provider registry (for testing)
func WithProviders(r *provider.Registry) Option {
	return func(s *Server) {
		s.providers = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set providers/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var reconStore reconciliation.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.ledger = ledger.NewPostgresStore(db)
		s.accounts = account.NewManager(account.NewPostgresStore(db))
		reconStore = reconciliation.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.ledger = ledger.NewMemoryStore()
		s.accounts = account.NewManager(account.NewMemoryStore())
		reconStore = reconciliation.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")

		// Seed a demo user so the API is usable out of the box.
		ctx := context.Background()
		if rawToken, user, err := s.accounts.Issue(ctx, "demo@example.com", ""); err == nil {
			_ = s.ledger.CreateAccount(ctx, user.ID, ledger.ClassBasis, 100)
			_ = s.ledger.CreateAccount(ctx, user.ID, ledger.ClassPremium, 100)
			s.logger.Info("demo user seeded", "email", user.Email, "token", rawToken)
		}
	}

	// Reconciliation: dead-letter queue for refunds that could not be applied
	s.reconciliation = reconciliation.NewService(reconStore, s.ledger)
	s.reconWorker = reconciliation.NewWorker(s.reconciliation, cfg.ReconcileInterval, s.logger)

	// Billing engine
	s.chargeService = charge.NewService(s.ledger, s.reconciliation)

	// Stripe purchase webhooks
	if cfg.StripeWebhookSecret == "" {
		s.logger.Warn("STRIPE_WEBHOOK_SECRET not set, webhook signatures will NOT be verified")
	}
	s.purchases = purchase.NewService(s.ledger, s.accounts, cfg.StripeWebhookSecret).
		WithTolerance(cfg.WebhookTolerance)

	// Provider adapters (unless injected for tests)
	if s.providers == nil {
		s.providers = buildProviders(cfg, s.logger)
	}
	if cfg.ElevenLabsAPIKey != "" {
		el := provider.NewElevenLabs(cfg.ElevenLabsAPIKey, cfg.VoiceCacheTTL, cfg.ProviderTimeout)
		s.providers.RegisterSynthesizer(el)
		s.voices = el
		s.logger.Info("elevenlabs voice catalog enabled", "cacheTTL", cfg.VoiceCacheTTL.String())
	}

	// Subsystem health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		})
	}
	s.checks.Register("reconciliation", func(ctx context.Context) health.Status {
		pending, err := s.reconciliation.ListPending(ctx, 1)
		if err != nil {
			return health.Status{Name: "reconciliation", Healthy: false, Detail: err.Error()}
		}
		if len(pending) > 0 {
			return health.Status{Name: "reconciliation", Healthy: true, Detail: "refunds pending"}
		}
		return health.Status{Name: "reconciliation", Healthy: true}
	})

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

// buildProviders registers every adapter that has credentials configured.
func buildProviders(cfg *config.Config, logger *slog.Logger) *provider.Registry {
	reg := provider.NewRegistry()

	if cfg.OpenAIAPIKey != "" {
		oa := provider.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIChatModel, cfg.OpenAITTSModel, cfg.ProviderTimeout)
		reg.RegisterSynthesizer(oa)
		reg.RegisterProcessor(oa)
		logger.Info("openai provider enabled", "chatModel", cfg.OpenAIChatModel, "ttsModel", cfg.OpenAITTSModel)
	}
	if cfg.GeminiAPIKey != "" {
		gm := provider.NewGemini(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.ProviderTimeout)
		reg.RegisterSynthesizer(gm)
		reg.RegisterProcessor(gm)
		logger.Info("gemini provider enabled", "model", cfg.GeminiModel)
	}
	if cfg.PollyBridgeURL != "" {
		if err := security.ValidateEndpointURL(cfg.PollyBridgeURL); err != nil {
			logger.Warn("polly bridge URL rejected, adapter disabled", "error", err)
		} else {
			reg.RegisterSynthesizer(provider.NewPolly(cfg.PollyBridgeURL, cfg.PollyBridgeToken, cfg.ProviderTimeout))
			logger.Info("polly bridge enabled")
		}
	}

	return reg
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// PUBLIC ROUTES (no bearer auth)
	// Stripe authenticates deliveries with its signature header instead.
	purchaseHandler := purchase.NewHandler(s.purchases)
	purchaseHandler.RegisterRoutes(v1)

	accountHandler := account.NewHandler(s.accounts)

	// PROTECTED ROUTES (require API token)
	protected := v1.Group("")
	protected.Use(account.Middleware(s.accounts), account.RequireAuth())
	{
		chargeHandler := charge.NewHandler(s.chargeService, s.providers, s.voices).
			WithBreaker(circuitbreaker.New(5, 30*time.Second))
		chargeHandler.RegisterRoutes(protected)

		protected.GET("/auth/validate", accountHandler.Validate)
	}

	// ADMIN ROUTES (require X-Admin-Secret; any authed user in demo mode)
	admin := v1.Group("/admin")
	admin.Use(account.Middleware(s.accounts), account.RequireAdmin(s.cfg.AdminSecret))
	{
		reconciliation.NewHandler(s.reconciliation).RegisterRoutes(admin)
		admin.POST("/users", s.createUser)
	}
}

// createUser handles POST /v1/admin/users
// It registers a billing user, opens both credit accounts and returns the
// API token exactly once.
func (s *Server) createUser(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Email            string `json:"email" binding:"required"`
		StripeCustomerID string `json:"stripeCustomerId"`
		InitialCredits   int64  `json:"initialCredits"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "email is required",
		})
		return
	}

	req.Email = validation.SanitizeString(req.Email, 200)
	if errs := validation.Validate(
		validation.Required("email", req.Email),
		validation.ValidEmail("email", req.Email),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
		})
		return
	}

	rawToken, user, err := s.accounts.Issue(ctx, req.Email, req.StripeCustomerID)
	if err != nil {
		if errors.Is(err, account.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "user_exists",
				"message": "A user with this email or Stripe customer is already registered",
			})
			return
		}
		s.logger.Error("failed to create user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create user",
		})
		return
	}

	for _, class := range []ledger.Class{ledger.ClassBasis, ledger.ClassPremium} {
		initial := int64(0)
		if class == ledger.ClassBasis {
			initial = req.InitialCredits
		}
		if err := s.ledger.CreateAccount(ctx, user.ID, class, initial); err != nil {
			s.logger.Error("failed to open credit account", "userId", user.ID, "class", class, "error", err)
		}
	}

	s.logger.Info("user registered", "userId", user.ID, "email", user.Email)

	c.JSON(http.StatusCreated, gin.H{
		"user":     user,
		"apiToken": rawToken,
		"warning":  "Store this token securely. It will not be shown again.",
		"usage":    "Include 'Authorization: Bearer <apiToken>' header in requests.",
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		v := "healthy"
		if !st.Healthy {
			v = "unhealthy"
		}
		if st.Detail != "" {
			v += " (" + st.Detail + ")"
		}
		checks[st.Name] = v
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Creditmeter",
		"description": "Credit ledger and metered billing for AI text and speech APIs",
		"version":     "0.1.0",
		"currency":    "credits",
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start refund reconciliation worker
	go s.reconWorker.Start(runCtx)

	// Export DB pool stats to Prometheus
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
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

	// Cancel the context for all background goroutines (worker, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop reconciliation worker
	if s.reconWorker != nil {
		s.reconWorker.Stop()
		s.logger.Info("reconciliation worker stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
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

// Accounts returns the account manager (used by seed tooling and tests)
func (s *Server) Accounts() *account.Manager {
	return s.accounts
}

// Ledger returns the ledger store (used by seed tooling and tests)
func (s *Server) Ledger() ledger.Store {
	return s.ledger
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	return idgen.Hex(16)
}
