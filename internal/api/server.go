package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"trade-execution-core/config"
	"trade-execution-core/internal/auth"
	"trade-execution-core/internal/credhealth"
	"trade-execution-core/internal/database"
	"trade-execution-core/internal/exchange"
	"trade-execution-core/internal/guard"
	"trade-execution-core/internal/intent"
	"trade-execution-core/internal/reconciler"
)

// IntentService is the execution surface behind POST /decisions/execute.
type IntentService interface {
	FindDecision(ctx context.Context, decisionID string) (*database.Decision, error)
	Execute(ctx context.Context, decision *database.Decision) (*intent.Result, error)
}

// AdmissionGuard is the auth and rate-limit gate in front of execution.
type AdmissionGuard interface {
	Authorize(ctx context.Context, req guard.Request) *guard.Rejection
	CheckUserRate(ctx context.Context, userID string) *guard.Rejection
}

// HealthReader exposes credential health to the operator surface.
type HealthReader interface {
	Snapshot() []credhealth.Record
	Reset(userID, venue string) bool
}

// ReconcileTrigger runs one reconciliation pass on demand.
type ReconcileTrigger interface {
	RunOnce(ctx context.Context) reconciler.Totals
}

// CredentialStore manages stored exchange credentials and reports the
// health of the secret backend.
type CredentialStore interface {
	Store(ctx context.Context, creds exchange.Credentials) error
	Delete(ctx context.Context, userID, venue string) error
	Health(ctx context.Context) error
}

// VenueDirectory lists the venues this deployment can execute on.
type VenueDirectory interface {
	Venues() []string
}

// DecisionStore registers decisions and reports database health.
type DecisionStore interface {
	CreateDecision(ctx context.Context, d *database.Decision) (bool, error)
	HealthCheck(ctx context.Context) error
}

// Server is the HTTP surface of the execution core
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	cfg        config.ServerConfig
	adminCfg   config.AdminConfig
	guard      AdmissionGuard
	intents    IntentService
	health     HealthReader
	reconciler ReconcileTrigger
	creds      CredentialStore
	venues     VenueDirectory
	db         DecisionStore
	jwtManager *auth.JWTManager
	logger     zerolog.Logger
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, adminCfg config.AdminConfig, g AdmissionGuard, intents IntentService, health HealthReader, rec ReconcileTrigger, creds CredentialStore, venues VenueDirectory, db DecisionStore, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{
		"Origin", "Content-Type", "Authorization",
		"x-decision-signature", "x-decision-timestamp", "x-decision-nonce",
	}
	engine.Use(cors.New(corsConfig))

	server := &Server{
		engine:     engine,
		cfg:        cfg,
		adminCfg:   adminCfg,
		guard:      g,
		intents:    intents,
		health:     health,
		reconciler: rec,
		creds:      creds,
		venues:     venues,
		db:         db,
		logger:     logger.With().Str("component", "API").Logger(),
	}
	if adminCfg.Enabled {
		server.jwtManager = auth.NewJWTManager(adminCfg.JWTSecret, 24*time.Hour)
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.POST("/decisions/execute", s.handleExecuteDecision)

	if s.adminCfg.Enabled {
		admin := s.engine.Group("/admin")
		admin.Use(auth.Middleware(s.jwtManager))
		{
			admin.GET("/credentials/health", s.handleCredentialHealth)
			admin.POST("/credentials", s.handleCredentialStore)
			admin.DELETE("/credentials/:user/:venue", s.handleCredentialDelete)
			admin.POST("/credentials/:user/:venue/reset", s.handleCredentialReset)
			admin.POST("/decisions", s.handleRegisterDecision)
			admin.POST("/reconcile", s.handleTriggerReconcile)
		}
	}
}

// Handler exposes the router, used by httptest in tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleHealth reports process, database, and secret backend health
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbStatus := "healthy"
	vaultStatus := "healthy"
	status := http.StatusOK

	if err := s.db.HealthCheck(ctx); err != nil {
		dbStatus = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	if err := s.creds.Health(ctx); err != nil {
		vaultStatus = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":   overall,
		"database": dbStatus,
		"vault":    vaultStatus,
	})
}
