package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bugspotter/bugspotter/internal/auditlog"
	"github.com/bugspotter/bugspotter/internal/auth"
	"github.com/bugspotter/bugspotter/internal/model"
	"github.com/bugspotter/bugspotter/internal/objstore"
	"github.com/bugspotter/bugspotter/internal/queue"
	"github.com/bugspotter/bugspotter/internal/ratelimit"
	"github.com/bugspotter/bugspotter/internal/retention"
	"github.com/bugspotter/bugspotter/internal/storage"
)

// Server is the BugSpotter HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, AuthLimiter.
type ServerConfig struct {
	// Required dependencies.
	DB        *storage.DB
	Store     objstore.Store
	Queue     *queue.Client
	JWTMgr    *auth.JWTManager
	Audit     *auditlog.Pipeline
	Retention *retention.Engine
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter     ratelimit.Limiter // Per-project ingestion limiter.
	AuthLimiter ratelimit.Limiter // Per-IP limiter for auth endpoints.

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	RequestTimeout      time.Duration
	CORSOrigins         []string
	Version             string
	MaxRequestBodyBytes int64
	QueueBackpressure   int64
	RefreshExpiry       time.Duration
	SecureCookies       bool
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Store:               cfg.Store,
		Queue:               cfg.Queue,
		JWTMgr:              cfg.JWTMgr,
		Audit:               cfg.Audit,
		Retention:           cfg.Retention,
		Limiter:             cfg.Limiter,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		QueueBackpressure:   cfg.QueueBackpressure,
		RefreshExpiry:       cfg.RefreshExpiry,
		SecureCookies:       cfg.SecureCookies,
	})

	authLimiter := cfg.AuthLimiter
	if authLimiter == nil {
		authLimiter = ratelimit.NoopLimiter{}
	}
	authRL := rateLimitByIP(authLimiter, cfg.Logger)

	ingest := apiKeyAuth(cfg.DB)
	user := jwtAuth(cfg.JWTMgr)
	viewerRead := requireRole(model.RoleViewer)
	userWrite := requireRole(model.RoleUser)
	adminOnly := requireRole(model.RoleAdmin)

	mux := http.NewServeMux()

	// Health and setup (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /ready", h.HandleReady)
	mux.HandleFunc("GET /api/v1/setup/status", h.HandleSetupStatus)
	mux.HandleFunc("POST /api/v1/setup/initialize", h.HandleSetupInitialize)

	// Auth endpoints (no auth required, rate limited by IP).
	mux.Handle("POST /api/v1/auth/login", authRL(http.HandlerFunc(h.HandleLogin)))
	mux.Handle("POST /api/v1/auth/refresh", authRL(http.HandlerFunc(h.HandleRefresh)))
	mux.Handle("POST /api/v1/auth/logout", http.HandlerFunc(h.HandleLogout))

	// SDK ingestion (API key; per-project rate limit inside the handler).
	mux.Handle("POST /api/v1/reports", ingest(http.HandlerFunc(h.HandleIngest)))

	// Projects (JWT).
	mux.Handle("GET /api/v1/projects", user(viewerRead(http.HandlerFunc(h.HandleListProjects))))
	mux.Handle("POST /api/v1/projects", user(userWrite(http.HandlerFunc(h.HandleCreateProject))))
	mux.Handle("GET /api/v1/projects/{id}", user(viewerRead(http.HandlerFunc(h.HandleGetProject))))
	mux.Handle("PATCH /api/v1/projects/{id}", user(userWrite(http.HandlerFunc(h.HandleUpdateProject))))
	mux.Handle("DELETE /api/v1/projects/{id}", user(userWrite(http.HandlerFunc(h.HandleDeleteProject))))
	mux.Handle("POST /api/v1/projects/{id}/rotate-key", user(userWrite(http.HandlerFunc(h.HandleRotateAPIKey))))

	// Bug reports (JWT).
	mux.Handle("GET /api/v1/reports", user(viewerRead(http.HandlerFunc(h.HandleListReports))))
	mux.Handle("GET /api/v1/reports/{id}", user(viewerRead(http.HandlerFunc(h.HandleGetReport))))
	mux.Handle("PATCH /api/v1/reports/{id}", user(userWrite(http.HandlerFunc(h.HandleUpdateReport))))
	mux.Handle("DELETE /api/v1/reports/{id}", user(userWrite(http.HandlerFunc(h.HandleSoftDeleteReport))))
	mux.Handle("POST /api/v1/reports/restore", user(userWrite(http.HandlerFunc(h.HandleRestoreReports))))
	mux.Handle("GET /api/v1/reports/{id}/replay", user(viewerRead(http.HandlerFunc(h.HandleGetReplay))))

	// Ticket links (JWT).
	mux.Handle("POST /api/v1/reports/{id}/tickets", user(userWrite(http.HandlerFunc(h.HandleCreateTicket))))
	mux.Handle("GET /api/v1/reports/{id}/tickets", user(viewerRead(http.HandlerFunc(h.HandleListTickets))))
	mux.Handle("PATCH /api/v1/tickets/{id}", user(userWrite(http.HandlerFunc(h.HandleUpdateTicket))))
	mux.Handle("DELETE /api/v1/tickets/{id}", user(userWrite(http.HandlerFunc(h.HandleDeleteTicket))))

	// User management (admin).
	mux.Handle("POST /api/v1/users", user(adminOnly(http.HandlerFunc(h.HandleCreateUser))))
	mux.Handle("GET /api/v1/users", user(adminOnly(http.HandlerFunc(h.HandleListUsers))))
	mux.Handle("GET /api/v1/users/{id}", user(adminOnly(http.HandlerFunc(h.HandleGetUser))))
	mux.Handle("PATCH /api/v1/users/{id}", user(adminOnly(http.HandlerFunc(h.HandleUpdateUser))))
	mux.Handle("DELETE /api/v1/users/{id}", user(adminOnly(http.HandlerFunc(h.HandleDeactivateUser))))

	// Instance settings (admin).
	mux.Handle("GET /api/v1/settings", user(adminOnly(http.HandlerFunc(h.HandleGetSettings))))
	mux.Handle("PUT /api/v1/settings", user(adminOnly(http.HandlerFunc(h.HandleUpdateSettings))))

	// Audit logs (admin).
	mux.Handle("GET /api/v1/audit-logs", user(adminOnly(http.HandlerFunc(h.HandleQueryAuditLogs))))
	mux.Handle("GET /api/v1/audit-logs/stats", user(adminOnly(http.HandlerFunc(h.HandleAuditStats))))

	// Retention (policy reads viewer+, everything else admin).
	mux.Handle("GET /api/v1/projects/{id}/retention-policy", user(viewerRead(http.HandlerFunc(h.HandleGetRetentionPolicy))))
	mux.Handle("PUT /api/v1/projects/{id}/retention-policy", user(adminOnly(http.HandlerFunc(h.HandleUpsertRetentionPolicy))))
	mux.Handle("DELETE /api/v1/projects/{id}/retention-policy", user(adminOnly(http.HandlerFunc(h.HandleDeleteRetentionPolicy))))
	mux.Handle("GET /api/v1/retention/preview", user(adminOnly(http.HandlerFunc(h.HandleRetentionPreview))))
	mux.Handle("POST /api/v1/retention/apply", user(adminOnly(http.HandlerFunc(h.HandleRetentionApply))))
	mux.Handle("POST /api/v1/retention/legal-hold", user(adminOnly(http.HandlerFunc(h.HandleLegalHold))))
	mux.Handle("GET /api/v1/retention/status", user(adminOnly(http.HandlerFunc(h.HandleRetentionStatus))))

	// Queue administration (admin).
	mux.Handle("GET /api/v1/queues", user(adminOnly(http.HandlerFunc(h.HandleQueueMetrics))))
	mux.Handle("POST /api/v1/queues/{name}/pause", user(adminOnly(http.HandlerFunc(h.HandlePauseQueue))))
	mux.Handle("POST /api/v1/queues/{name}/resume", user(adminOnly(http.HandlerFunc(h.HandleResumeQueue))))

	// Admin health (admin).
	mux.Handle("GET /api/v1/admin/health", user(adminOnly(http.HandlerFunc(h.HandleAdminHealth))))

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	if cfg.RequestTimeout > 0 {
		handler = requestTimeoutMiddleware(cfg.RequestTimeout, handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
