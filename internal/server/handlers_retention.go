package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/bugspotter/bugspotter/internal/model"
	"github.com/bugspotter/bugspotter/internal/retention"
	"github.com/bugspotter/bugspotter/internal/storage"
)

// HandleRetentionPreview handles GET /api/v1/retention/preview (admin).
// Optional ?project_id= restricts the preview to one project.
func (h *Handlers) HandleRetentionPreview(w http.ResponseWriter, r *http.Request) {
	var projectID *uuid.UUID
	if v := r.URL.Query().Get("project_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid project_id")
			return
		}
		projectID = &id
	}

	preview, err := h.retention.Preview(r.Context(), projectID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// HandleRetentionApply handles POST /api/v1/retention/apply (admin).
// Destructive runs require confirm=true; dry runs never mutate.
func (h *Handlers) HandleRetentionApply(w http.ResponseWriter, r *http.Request) {
	var req model.ApplyRetentionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, err)
		return
	}

	var projectID *uuid.UUID
	if v := r.URL.Query().Get("project_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid project_id")
			return
		}
		projectID = &id
	}

	actor := userIDFromContext(r.Context())
	stats, err := h.retention.Apply(r.Context(), retention.ApplyOptions{
		ProjectID:    projectID,
		DryRun:       req.DryRun,
		Confirm:      req.Confirm,
		BatchSize:    req.BatchSize,
		MaxErrorRate: req.MaxErrorRate,
		Trigger:      "manual",
		InitiatedBy:  &actor,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleGetRetentionPolicy handles GET /api/v1/projects/{id}/retention-policy.
// Falls back to the instance default when the project has no override.
func (h *Handlers) HandleGetRetentionPolicy(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadProject(w, r, true)
	if !ok {
		return
	}

	policy, err := h.db.GetRetentionPolicy(r.Context(), project.ID)
	if err == nil {
		writeJSON(w, http.StatusOK, policy)
		return
	}
	// Only a missing override row falls through to instance defaults; a
	// failing lookup must not masquerade as "no policy".
	if !storage.IsNotFound(err) {
		respondError(w, err)
		return
	}

	settings, serr := h.db.GetInstanceSettings(r.Context())
	if serr != nil {
		respondError(w, serr)
		return
	}
	fallback := retention.DefaultPolicyFromSettings(settings)
	fallback.ProjectID = project.ID
	writeJSON(w, http.StatusOK, fallback)
}

// HandleUpsertRetentionPolicy handles PUT /api/v1/projects/{id}/retention-policy
// (admin). Admins may lift tier ceilings with ?admin_override=true; compliance
// floors bind regardless.
func (h *Handlers) HandleUpsertRetentionPolicy(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadProject(w, r, false)
	if !ok {
		return
	}

	var policy model.RetentionPolicy
	if err := decodeJSON(w, r, &policy, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, err)
		return
	}
	policy.ProjectID = project.ID

	adminOverride := r.URL.Query().Get("admin_override") == "true"
	if err := retention.Validate(policy, adminOverride); err != nil {
		respondError(w, err)
		return
	}

	saved, err := h.db.UpsertRetentionPolicy(r.Context(), policy)
	if err != nil {
		respondError(w, err)
		return
	}

	id := project.ID.String()
	h.recordAudit(r, "retention.policy_update", "retention_policy", &id, true, nil, map[string]any{
		"admin_override": adminOverride,
	})
	writeJSON(w, http.StatusOK, saved)
}

// HandleDeleteRetentionPolicy handles DELETE /api/v1/projects/{id}/retention-policy
// (admin). The project reverts to instance defaults.
func (h *Handlers) HandleDeleteRetentionPolicy(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadProject(w, r, false)
	if !ok {
		return
	}

	deleted, err := h.db.DeleteRetentionPolicy(r.Context(), project.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "no retention policy for this project")
		return
	}

	id := project.ID.String()
	h.recordAudit(r, "retention.policy_delete", "retention_policy", &id, true, nil, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleLegalHold handles POST /api/v1/retention/legal-hold (admin).
func (h *Handlers) HandleLegalHold(w http.ResponseWriter, r *http.Request) {
	var req model.LegalHoldRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, err)
		return
	}
	if len(req.ReportIDs) == 0 {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "report_ids is required")
		return
	}

	actor := userIDFromContext(r.Context())
	updated, err := h.retention.SetLegalHold(r.Context(), req.ReportIDs, req.Hold, &actor)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

// HandleRetentionStatus handles GET /api/v1/retention/status?project_id= (admin):
// the most recent run for a project.
func (h *Handlers) HandleRetentionStatus(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query().Get("project_id")
	if v == "" {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "project_id is required")
		return
	}
	id, err := uuid.Parse(v)
	if err != nil {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid project_id")
		return
	}

	run, err := h.db.LastRetentionRun(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
