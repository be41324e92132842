package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bugspotter/bugspotter/internal/model"
	"github.com/bugspotter/bugspotter/internal/objstore"
	"github.com/bugspotter/bugspotter/internal/storage"
)

// signedURLTTL bounds dashboard media links.
const signedURLTTL = 15 * time.Minute

// reportView is a BugReport with derived media URLs for the dashboard.
type reportView struct {
	model.BugReport
	ScreenshotURL string `json:"screenshot_url,omitempty"`
	ThumbnailURL  string `json:"thumbnail_url,omitempty"`
}

// HandleListReports handles GET /api/v1/reports. Users must scope the list
// to a project they own; admins and viewers may list across projects.
func (h *Handlers) HandleListReports(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		respondError(w, err)
		return
	}

	q := r.URL.Query()
	var filter storage.ReportFilter

	if v := q.Get("project_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid project_id")
			return
		}
		project, err := h.db.GetProject(r.Context(), pid)
		if err != nil {
			respondError(w, err)
			return
		}
		if !h.canAccessProject(r, project, true) {
			writeError(w, http.StatusForbidden, model.ErrCodeForbidden, "not your project")
			return
		}
		filter.ProjectID = &pid
	} else if claims := ClaimsFromContext(r.Context()); claims != nil && claims.Role == model.RoleUser {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "project_id is required")
		return
	}

	if v := q.Get("status"); v != "" {
		status := model.ReportStatus(v)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "unknown status")
			return
		}
		filter.Status = &status
	}
	if v := q.Get("priority"); v != "" {
		priority := model.ReportPriority(v)
		if !priority.Valid() {
			writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "unknown priority")
			return
		}
		filter.Priority = &priority
	}
	filter.IncludeDeleted = q.Get("include_deleted") == "true"

	sortBy := q.Get("sort")
	if sortBy == "" {
		sortBy = "created_at"
	}
	sortDesc := q.Get("order") != "asc"

	reports, total, err := h.db.ListReports(r.Context(), filter, sortBy, sortDesc, page)
	if err != nil {
		respondError(w, err)
		return
	}
	writePage(w, http.StatusOK, reports, page, total)
}

// HandleGetReport handles GET /api/v1/reports/{id}.
func (h *Handlers) HandleGetReport(w http.ResponseWriter, r *http.Request) {
	report, ok := h.loadReport(w, r, true)
	if !ok {
		return
	}

	view := reportView{BugReport: report}
	if report.ScreenshotKey != nil {
		if url, err := h.store.SignedURL(r.Context(), *report.ScreenshotKey, objstore.SignOptions{ExpiresIn: signedURLTTL}); err == nil {
			view.ScreenshotURL = url
		}
	}
	if report.ThumbnailKey != nil {
		if url, err := h.store.SignedURL(r.Context(), *report.ThumbnailKey, objstore.SignOptions{ExpiresIn: signedURLTTL}); err == nil {
			view.ThumbnailURL = url
		}
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleUpdateReport handles PATCH /api/v1/reports/{id}.
func (h *Handlers) HandleUpdateReport(w http.ResponseWriter, r *http.Request) {
	report, ok := h.loadReport(w, r, false)
	if !ok {
		return
	}

	var req model.UpdateReportRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, err)
		return
	}
	if req.Title != nil {
		if err := model.ValidateTitle(*req.Title); err != nil {
			writeError(w, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
			return
		}
	}
	if req.Status != nil && !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "unknown status")
		return
	}
	if req.Priority != nil && !req.Priority.Valid() {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "unknown priority")
		return
	}

	updated, err := h.db.UpdateReport(r.Context(), report.ID, req)
	if err != nil {
		respondError(w, err)
		return
	}

	id := report.ID.String()
	h.recordAudit(r, "report.update", "bug_report", &id, true, nil, nil)
	writeJSON(w, http.StatusOK, updated)
}

// HandleSoftDeleteReport handles DELETE /api/v1/reports/{id}. Rows under
// legal hold refuse deletion.
func (h *Handlers) HandleSoftDeleteReport(w http.ResponseWriter, r *http.Request) {
	report, ok := h.loadReport(w, r, false)
	if !ok {
		return
	}
	if report.LegalHold {
		writeError(w, http.StatusConflict, model.ErrCodeConflict, "report is under legal hold")
		return
	}

	deleted, err := h.db.SoftDeleteReport(r.Context(), report.ID, userIDFromContext(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusConflict, model.ErrCodeConflict, "report cannot be deleted")
		return
	}

	id := report.ID.String()
	h.recordAudit(r, "report.soft_delete", "bug_report", &id, true, nil, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleRestoreReports handles POST /api/v1/reports/restore.
func (h *Handlers) HandleRestoreReports(w http.ResponseWriter, r *http.Request) {
	var req model.RestoreRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, err)
		return
	}
	if len(req.ReportIDs) == 0 {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "report_ids is required")
		return
	}

	actor := userIDFromContext(r.Context())
	restored, err := h.retention.Restore(r.Context(), req.ReportIDs, &actor)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"restored": restored})
}

// HandleGetReplay handles GET /api/v1/reports/{id}/replay: the session row
// plus signed URLs for the manifest and each chunk.
func (h *Handlers) HandleGetReplay(w http.ResponseWriter, r *http.Request) {
	report, ok := h.loadReport(w, r, true)
	if !ok {
		return
	}

	session, err := h.db.GetSessionByReport(r.Context(), report.ID)
	if err != nil {
		respondError(w, err)
		return
	}

	resp := struct {
		Session     model.Session `json:"session"`
		ManifestURL string        `json:"manifest_url,omitempty"`
		ChunkURLs   []string      `json:"chunk_urls,omitempty"`
	}{Session: session}

	if session.ChunkCount > 0 {
		if url, err := h.store.SignedURL(r.Context(), objstore.ReplayMetadataKey(report.ProjectID, report.ID), objstore.SignOptions{ExpiresIn: signedURLTTL}); err == nil {
			resp.ManifestURL = url
		}
		for i := 0; i < session.ChunkCount; i++ {
			url, err := h.store.SignedURL(r.Context(), objstore.ReplayChunkKey(report.ProjectID, report.ID, i), objstore.SignOptions{ExpiresIn: signedURLTTL})
			if err != nil {
				continue
			}
			resp.ChunkURLs = append(resp.ChunkURLs, url)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleCreateTicket handles POST /api/v1/reports/{id}/tickets.
func (h *Handlers) HandleCreateTicket(w http.ResponseWriter, r *http.Request) {
	report, ok := h.loadReport(w, r, false)
	if !ok {
		return
	}

	var req model.CreateTicketRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, err)
		return
	}
	if req.ExternalID == "" || req.Platform == "" {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "external_id and platform are required")
		return
	}
	if req.Status == "" {
		req.Status = "open"
	}

	ticket, err := h.db.CreateTicket(r.Context(), model.Ticket{
		BugReportID: report.ID,
		ExternalID:  req.ExternalID,
		Platform:    req.Platform,
		Status:      req.Status,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	id := ticket.ID.String()
	h.recordAudit(r, "ticket.create", "ticket", &id, true, nil, nil)
	writeJSON(w, http.StatusCreated, ticket)
}

// HandleListTickets handles GET /api/v1/reports/{id}/tickets.
func (h *Handlers) HandleListTickets(w http.ResponseWriter, r *http.Request) {
	report, ok := h.loadReport(w, r, true)
	if !ok {
		return
	}
	tickets, err := h.db.ListTicketsByReport(r.Context(), report.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

// HandleUpdateTicket handles PATCH /api/v1/tickets/{id}.
func (h *Handlers) HandleUpdateTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid ticket id")
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, err)
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "status is required")
		return
	}

	if err := h.db.UpdateTicketStatus(r.Context(), id, req.Status); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// HandleDeleteTicket handles DELETE /api/v1/tickets/{id}.
func (h *Handlers) HandleDeleteTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid ticket id")
		return
	}
	deleted, err := h.db.DeleteTicket(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "ticket not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// loadReport resolves the {id} path segment and enforces access via the
// owning project.
func (h *Handlers) loadReport(w http.ResponseWriter, r *http.Request, readOnly bool) (model.BugReport, bool) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid report id")
		return model.BugReport{}, false
	}
	report, err := h.db.GetReport(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return model.BugReport{}, false
	}
	project, err := h.db.GetProject(r.Context(), report.ProjectID)
	if err != nil {
		respondError(w, err)
		return model.BugReport{}, false
	}
	if !h.canAccessProject(r, project, readOnly) {
		writeError(w, http.StatusForbidden, model.ErrCodeForbidden, "not your project")
		return model.BugReport{}, false
	}
	return report, true
}
