package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/bugspotter/bugspotter/internal/auth"
	"github.com/bugspotter/bugspotter/internal/model"
	"github.com/bugspotter/bugspotter/internal/queue"
)

// HandleCreateUser handles POST /api/v1/users (admin).
func (h *Handlers) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req model.CreateUserRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, err)
		return
	}
	if req.Email == "" || req.Name == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "email, name, and password are required")
		return
	}
	if !req.Role.Valid() {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "unknown role")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.logger.Error("password hash failed", "error", err)
		respondError(w, err)
		return
	}

	user, err := h.db.CreateUser(r.Context(), model.User{
		Email:        req.Email,
		Name:         req.Name,
		Role:         req.Role,
		PasswordHash: &hash,
		Active:       true,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	id := user.ID.String()
	h.recordAudit(r, "user.create", "user", &id, true, nil, nil)
	writeJSON(w, http.StatusCreated, user)
}

// HandleListUsers handles GET /api/v1/users (admin).
func (h *Handlers) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		respondError(w, err)
		return
	}
	users, total, err := h.db.ListUsers(r.Context(), page)
	if err != nil {
		respondError(w, err)
		return
	}
	writePage(w, http.StatusOK, users, page, total)
}

// HandleGetUser handles GET /api/v1/users/{id} (admin).
func (h *Handlers) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid user id")
		return
	}
	user, err := h.db.GetUser(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// HandleUpdateUser handles PATCH /api/v1/users/{id} (admin).
func (h *Handlers) HandleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid user id")
		return
	}

	var req struct {
		Name *string     `json:"name,omitempty"`
		Role *model.Role `json:"role,omitempty"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, err)
		return
	}
	if req.Role != nil && !req.Role.Valid() {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "unknown role")
		return
	}

	user, err := h.db.UpdateUser(r.Context(), id, req.Name, req.Role)
	if err != nil {
		respondError(w, err)
		return
	}

	uid := id.String()
	h.recordAudit(r, "user.update", "user", &uid, true, nil, nil)
	writeJSON(w, http.StatusOK, user)
}

// HandleDeactivateUser handles DELETE /api/v1/users/{id} (admin).
// Deactivation revokes the user's refresh tokens immediately.
func (h *Handlers) HandleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid user id")
		return
	}
	if id == userIDFromContext(r.Context()) {
		writeError(w, http.StatusConflict, model.ErrCodeConflict, "cannot deactivate your own account")
		return
	}

	deactivated, err := h.db.DeactivateUser(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if !deactivated {
		writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "user not found")
		return
	}
	if _, err := h.db.RevokeUserRefreshTokens(r.Context(), id); err != nil {
		h.logger.Warn("refresh token revocation failed", "user_id", id, "error", err)
	}

	uid := id.String()
	h.recordAudit(r, "user.deactivate", "user", &uid, true, nil, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// HandleGetSettings handles GET /api/v1/settings (admin).
func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.db.GetInstanceSettings(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// HandleUpdateSettings handles PUT /api/v1/settings (admin). The initialized
// flag is sticky; settings updates cannot un-initialize the instance.
func (h *Handlers) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	current, err := h.db.GetInstanceSettings(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	var req model.InstanceSettings
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, err)
		return
	}
	req.Initialized = current.Initialized

	if err := h.db.SaveInstanceSettings(r.Context(), req); err != nil {
		respondError(w, err)
		return
	}
	h.recordAudit(r, "settings.update", "instance_settings", nil, true, nil, nil)
	writeJSON(w, http.StatusOK, req)
}

// HandleQueryAuditLogs handles GET /api/v1/audit-logs (admin).
func (h *Handlers) HandleQueryAuditLogs(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		respondError(w, err)
		return
	}
	filter, ok := parseAuditFilter(w, r)
	if !ok {
		return
	}

	logs, total, err := h.db.QueryAuditLogs(r.Context(), filter, page)
	if err != nil {
		respondError(w, err)
		return
	}
	writePage(w, http.StatusOK, logs, page, total)
}

// HandleAuditStats handles GET /api/v1/audit-logs/stats (admin).
func (h *Handlers) HandleAuditStats(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseAuditFilter(w, r)
	if !ok {
		return
	}
	stats, err := h.db.AuditLogStats(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func parseAuditFilter(w http.ResponseWriter, r *http.Request) (model.AuditFilter, bool) {
	var f model.AuditFilter
	q := r.URL.Query()

	if v := q.Get("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid user_id")
			return f, false
		}
		f.UserID = &id
	}
	if v := q.Get("action"); v != "" {
		f.Action = &v
	}
	if v := q.Get("resource"); v != "" {
		f.Resource = &v
	}
	if v := q.Get("success"); v != "" {
		success := v == "true"
		f.Success = &success
	}
	for name, dst := range map[string]**time.Time{"start_date": &f.StartDate, "end_date": &f.EndDate} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid "+name)
				return f, false
			}
			*dst = &t
		}
	}
	return f, true
}

// HandleQueueMetrics handles GET /api/v1/queues (admin).
func (h *Handlers) HandleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	metrics := make(map[string]queue.Metrics, len(queue.Names()))
	for _, name := range queue.Names() {
		m, err := h.queue.QueueMetrics(r.Context(), name)
		if err != nil {
			respondError(w, err)
			return
		}
		metrics[name] = m
	}
	writeJSON(w, http.StatusOK, metrics)
}

// HandlePauseQueue handles POST /api/v1/queues/{name}/pause (admin).
func (h *Handlers) HandlePauseQueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.queue.Pause(r.Context(), name); err != nil {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "unknown queue")
		return
	}
	h.recordAudit(r, "queue.pause", "queue", &name, true, nil, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// HandleResumeQueue handles POST /api/v1/queues/{name}/resume (admin).
func (h *Handlers) HandleResumeQueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.queue.Resume(r.Context(), name); err != nil {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "unknown queue")
		return
	}
	h.recordAudit(r, "queue.resume", "queue", &name, true, nil, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// HandleAdminHealth handles GET /api/v1/admin/health (admin): the readiness
// checks plus disk space, queue depth, and process uptime.
func (h *Handlers) HandleAdminHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"components":     h.componentChecks(r),
	}
	if h.audit != nil {
		resp["audit_dropped"] = h.audit.Dropped()
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(".", &fs); err == nil {
		resp["disk"] = map[string]uint64{
			"available_bytes": fs.Bavail * uint64(fs.Bsize),
			"total_bytes":     fs.Blocks * uint64(fs.Bsize),
		}
	}

	depths := make(map[string]int64, len(queue.Names()))
	for _, name := range queue.Names() {
		if depth, err := h.queue.WaitingDepth(r.Context(), name); err == nil {
			depths[name] = depth
		}
	}
	resp["queue_depth"] = depths

	writeJSON(w, http.StatusOK, resp)
}
