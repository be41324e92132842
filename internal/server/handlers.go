// Package server implements the BugSpotter HTTP API.
package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/bugspotter/bugspotter/internal/auditlog"
	"github.com/bugspotter/bugspotter/internal/auth"
	"github.com/bugspotter/bugspotter/internal/model"
	"github.com/bugspotter/bugspotter/internal/objstore"
	"github.com/bugspotter/bugspotter/internal/queue"
	"github.com/bugspotter/bugspotter/internal/ratelimit"
	"github.com/bugspotter/bugspotter/internal/retention"
	"github.com/bugspotter/bugspotter/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	store               objstore.Store
	queue               *queue.Client
	jwtMgr              *auth.JWTManager
	audit               *auditlog.Pipeline
	retention           *retention.Engine
	limiter             ratelimit.Limiter
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	queueBackpressure   int64
	refreshExpiry       time.Duration
	secureCookies       bool
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Limiter.
type HandlersDeps struct {
	DB                  *storage.DB
	Store               objstore.Store
	Queue               *queue.Client
	JWTMgr              *auth.JWTManager
	Audit               *auditlog.Pipeline
	Retention           *retention.Engine
	Limiter             ratelimit.Limiter
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	QueueBackpressure   int64
	RefreshExpiry       time.Duration
	SecureCookies       bool
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	limiter := d.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	return &Handlers{
		db:                  d.DB,
		store:               d.Store,
		queue:               d.Queue,
		jwtMgr:              d.JWTMgr,
		audit:               d.Audit,
		retention:           d.Retention,
		limiter:             limiter,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		queueBackpressure:   d.QueueBackpressure,
		refreshExpiry:       d.RefreshExpiry,
		secureCookies:       d.SecureCookies,
	}
}

// recordAudit enqueues one entry on the audit pipeline. Nil-safe so tests
// can run handlers without a pipeline.
func (h *Handlers) recordAudit(r *http.Request, action, resource string, resourceID *string, success bool, errMsg *string, details map[string]any) {
	if h.audit == nil {
		return
	}
	entry := model.AuditLog{
		Timestamp:    time.Now().UTC(),
		Action:       action,
		Resource:     resource,
		ResourceID:   resourceID,
		IPAddress:    clientIP(r),
		UserAgent:    r.UserAgent(),
		Success:      success,
		ErrorMessage: errMsg,
		Details:      details,
	}
	if id := userIDFromContext(r.Context()); id != uuid.Nil {
		entry.UserID = &id
	}
	h.audit.Record(entry)
}

// pathUUID parses the named path segment as a UUID.
func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	return id, err == nil
}

// parsePage reads ?page= and ?limit= with defaults 1/50.
func parsePage(r *http.Request) (storage.Page, error) {
	page, limit := 1, 50
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return storage.Page{}, storage.ErrInvalidPagination
		}
		page = n
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return storage.Page{}, storage.ErrInvalidPagination
		}
		limit = n
	}
	return storage.ValidatePage(page, limit)
}

// canAccessProject reports whether the authenticated user may act on the
// project. Admins and viewers see everything; users only their own projects.
// Viewer reads are allowed, which mutation handlers gate separately via
// requireRole, so callers pass readOnly accordingly.
func (h *Handlers) canAccessProject(r *http.Request, project model.Project, readOnly bool) bool {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return false
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return true
	}
	if readOnly && claims.Role == model.RoleViewer {
		return true
	}
	return project.OwnerID == userIDFromContext(r.Context())
}

func strPtr(s string) *string { return &s }
