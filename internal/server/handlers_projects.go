package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/bugspotter/bugspotter/internal/model"
	"github.com/bugspotter/bugspotter/internal/objstore"
)

// HandleCreateProject handles POST /api/v1/projects.
func (h *Handlers) HandleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req model.CreateProjectRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, err)
		return
	}
	if err := model.ValidateProjectName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	apiKey, err := model.GenerateAPIKey()
	if err != nil {
		h.logger.Error("api key generation failed", "error", err)
		respondError(w, err)
		return
	}

	project := model.Project{
		Name:     req.Name,
		APIKey:   apiKey,
		OwnerID:  userIDFromContext(r.Context()),
		Settings: req.Settings,
	}
	project, err = h.db.CreateProject(r.Context(), project)
	if err != nil {
		respondError(w, err)
		return
	}

	id := project.ID.String()
	h.recordAudit(r, "project.create", "project", &id, true, nil, nil)
	writeJSON(w, http.StatusCreated, project)
}

// HandleListProjects handles GET /api/v1/projects. Non-admin users see only
// their own projects; the API key is stripped for everyone but the owner.
func (h *Handlers) HandleListProjects(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		respondError(w, err)
		return
	}

	var ownerFilter *uuid.UUID
	claims := ClaimsFromContext(r.Context())
	userID := userIDFromContext(r.Context())
	if claims != nil && claims.Role == model.RoleUser {
		ownerFilter = &userID
	}

	projects, total, err := h.db.ListProjects(r.Context(), ownerFilter, page)
	if err != nil {
		respondError(w, err)
		return
	}
	for i := range projects {
		h.redactAPIKey(r, &projects[i])
	}
	writePage(w, http.StatusOK, projects, page, total)
}

// HandleGetProject handles GET /api/v1/projects/{id}.
func (h *Handlers) HandleGetProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadProject(w, r, true)
	if !ok {
		return
	}
	h.redactAPIKey(r, &project)
	writeJSON(w, http.StatusOK, project)
}

// HandleUpdateProject handles PATCH /api/v1/projects/{id}.
func (h *Handlers) HandleUpdateProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadProject(w, r, false)
	if !ok {
		return
	}

	var req struct {
		Name     *string        `json:"name,omitempty"`
		Settings map[string]any `json:"settings,omitempty"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, err)
		return
	}
	if req.Name != nil {
		if err := model.ValidateProjectName(*req.Name); err != nil {
			writeError(w, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
			return
		}
	}

	updated, err := h.db.UpdateProject(r.Context(), project.ID, req.Name, req.Settings)
	if err != nil {
		respondError(w, err)
		return
	}

	id := project.ID.String()
	h.recordAudit(r, "project.update", "project", &id, true, nil, nil)
	h.redactAPIKey(r, &updated)
	writeJSON(w, http.StatusOK, updated)
}

// HandleDeleteProject handles DELETE /api/v1/projects/{id}. Cascades to
// reports, sessions, and policies at the database level.
func (h *Handlers) HandleDeleteProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadProject(w, r, false)
	if !ok {
		return
	}

	deleted, err := h.db.DeleteProject(r.Context(), project.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "project not found")
		return
	}

	// Orphaned objects are swept asynchronously; a slow storage backend
	// must not block the API response.
	sweepCtx := context.WithoutCancel(r.Context())
	go func() {
		for _, prefix := range objstore.ProjectPrefixes(project.ID) {
			if _, err := h.store.DeleteFolder(sweepCtx, prefix); err != nil {
				h.logger.Warn("project storage sweep failed", "prefix", prefix, "error", err)
			}
		}
	}()

	id := project.ID.String()
	h.recordAudit(r, "project.delete", "project", &id, true, nil, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleRotateAPIKey handles POST /api/v1/projects/{id}/rotate-key. The old
// key stops authenticating the moment the row commits.
func (h *Handlers) HandleRotateAPIKey(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadProject(w, r, false)
	if !ok {
		return
	}

	newKey, err := model.GenerateAPIKey()
	if err != nil {
		h.logger.Error("api key generation failed", "error", err)
		respondError(w, err)
		return
	}

	updated, err := h.db.RotateProjectAPIKey(r.Context(), project.ID, newKey)
	if err != nil {
		respondError(w, err)
		return
	}

	id := project.ID.String()
	h.recordAudit(r, "project.rotate_key", "project", &id, true, nil, nil)
	writeJSON(w, http.StatusOK, updated)
}

// loadProject resolves the {id} path segment and enforces project access.
func (h *Handlers) loadProject(w http.ResponseWriter, r *http.Request, readOnly bool) (model.Project, bool) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid project id")
		return model.Project{}, false
	}
	project, err := h.db.GetProject(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return model.Project{}, false
	}
	if !h.canAccessProject(r, project, readOnly) {
		writeError(w, http.StatusForbidden, model.ErrCodeForbidden, "not your project")
		return model.Project{}, false
	}
	return project, true
}

// redactAPIKey hides the key from everyone but the owner and admins.
func (h *Handlers) redactAPIKey(r *http.Request, p *model.Project) {
	claims := ClaimsFromContext(r.Context())
	if claims != nil && model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return
	}
	if p.OwnerID == userIDFromContext(r.Context()) {
		return
	}
	p.APIKey = ""
}
