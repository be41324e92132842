package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/bugspotter/bugspotter/internal/media"
	"github.com/bugspotter/bugspotter/internal/model"
	"github.com/bugspotter/bugspotter/internal/objstore"
	"github.com/bugspotter/bugspotter/internal/queue"
	"github.com/bugspotter/bugspotter/internal/ratelimit"
)

// HandleIngest handles POST /api/v1/reports from the SDK. The report row is
// written synchronously; media processing happens on the queues so the SDK
// gets its 201 without waiting on image work.
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	project := ProjectFromContext(r.Context())
	if project == nil {
		writeError(w, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing project context")
		return
	}

	ok, err := h.limiter.Allow(r.Context(), ratelimit.ProjectKey(project.ID.String()))
	if err != nil {
		h.logger.Warn("rate limiter error, failing open", "error", err)
		ok = true
	}
	if !ok {
		writeError(w, http.StatusTooManyRequests, model.ErrCodeRateLimited, "project rate limit exceeded")
		return
	}

	if h.ingestionBackpressured(r) {
		writeError(w, http.StatusServiceUnavailable, model.ErrCodeQueueBackpressure, "ingestion queues are saturated, retry later")
		return
	}

	var req model.IngestRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, err)
		return
	}
	if err := model.ValidateTitle(req.Title); err != nil {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	var screenshot []byte
	if req.Report.ScreenshotBase64 != "" {
		screenshot, err = decodeScreenshot(req.Report.ScreenshotBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "screenshotBase64 is not valid base64")
			return
		}
	}

	report := model.BugReport{
		ProjectID:   project.ID,
		Title:       req.Title,
		Description: req.Description,
		Status:      model.StatusOpen,
		Priority:    model.PriorityMedium,
		Metadata: &model.ReportMetadata{
			ConsoleLogs:     req.Report.ConsoleLogs,
			NetworkRequests: req.Report.NetworkRequests,
			BrowserMetadata: req.Report.BrowserMetadata,
		},
	}
	report, err = h.db.CreateReport(r.Context(), report)
	if err != nil {
		h.logger.Error("create report failed", "error", err, "project_id", project.ID)
		respondError(w, err)
		return
	}

	if screenshot != nil {
		h.dispatchScreenshot(r, report, screenshot)
	}
	if replay := req.Report.SessionReplay; replay != nil && len(replay.RecordedEvents) > 0 {
		h.dispatchReplay(r, report, replay)
	}

	reportID := report.ID.String()
	h.recordAudit(r, "report.ingest", "bug_report", &reportID, true, nil, map[string]any{
		"project_id": project.ID.String(),
	})
	writeJSON(w, http.StatusCreated, map[string]string{"id": reportID})
}

// ingestionBackpressured reports whether either ingestion queue has more
// waiting jobs than the configured threshold. Queue errors fail open; a
// flaky Redis should degrade media processing, not block ingestion.
func (h *Handlers) ingestionBackpressured(r *http.Request) bool {
	for _, q := range []string{queue.QueueScreenshots, queue.QueueReplays} {
		depth, err := h.queue.WaitingDepth(r.Context(), q)
		if err != nil {
			h.logger.Warn("queue depth check failed", "queue", q, "error", err)
			continue
		}
		if depth > h.queueBackpressure {
			return true
		}
	}
	return false
}

// dispatchScreenshot uploads the original and enqueues the thumbnail job.
// Failures are logged, not surfaced; the report row already exists.
func (h *Handlers) dispatchScreenshot(r *http.Request, report model.BugReport, raw []byte) {
	key := objstore.ScreenshotKey(report.ProjectID, report.ID)
	if _, err := h.store.Put(r.Context(), key, bytes.NewReader(raw), http.DetectContentType(raw)); err != nil {
		h.logger.Error("screenshot upload failed", "error", err, "report_id", report.ID)
		return
	}
	if err := h.db.SetReportScreenshotKey(r.Context(), report.ID, key); err != nil {
		h.logger.Error("record screenshot key failed", "error", err, "report_id", report.ID)
	}
	payload := media.ScreenshotPayload{ProjectID: report.ProjectID, BugReportID: report.ID}
	if _, err := h.queue.AddJob(r.Context(), queue.QueueScreenshots, payload, queue.AddOptions{}); err != nil {
		h.logger.Error("enqueue screenshot job failed", "error", err, "report_id", report.ID)
	}
}

// dispatchReplay records the session row and enqueues the chunking job.
func (h *Handlers) dispatchReplay(r *http.Request, report model.BugReport, replay *model.SessionReplay) {
	session, err := h.db.CreateSession(r.Context(), model.Session{BugReportID: report.ID})
	if err != nil {
		h.logger.Error("create session failed", "error", err, "report_id", report.ID)
		return
	}

	events := make([]json.RawMessage, 0, len(replay.RecordedEvents))
	for _, ev := range replay.RecordedEvents {
		raw, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		events = append(events, raw)
	}

	payload := media.ReplayPayload{
		ProjectID:   report.ProjectID,
		BugReportID: report.ID,
		SessionID:   session.ID,
		Events:      events,
	}
	if _, err := h.queue.AddJob(r.Context(), queue.QueueReplays, payload, queue.AddOptions{}); err != nil {
		h.logger.Error("enqueue replay job failed", "error", err, "report_id", report.ID)
	}
}

// decodeScreenshot accepts raw base64 or a data URL.
func decodeScreenshot(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if _, rest, ok := strings.Cut(s, ","); ok {
			s = rest
		}
	}
	return base64.StdEncoding.DecodeString(s)
}
