package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/bugspotter/bugspotter/internal/model"
	"github.com/bugspotter/bugspotter/internal/objstore"
	"github.com/bugspotter/bugspotter/internal/queue"
	"github.com/bugspotter/bugspotter/internal/retention"
	"github.com/bugspotter/bugspotter/internal/storage"
)

// writeJSON writes a success envelope.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// writePage writes a success envelope with pagination.
func writePage(w http.ResponseWriter, status int, data any, page storage.Page, total int64) {
	p := model.NewPagination(page.Page, page.Limit, total)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Success:    true,
		Data:       data,
		Timestamp:  time.Now().UTC(),
		Pagination: &p,
	})
}

// writeError writes a failure envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorDetails(w, status, code, message, nil)
}

func writeErrorDetails(w http.ResponseWriter, status int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Success:   false,
		Error:     message,
		Code:      code,
		Details:   details,
		Timestamp: time.Now().UTC(),
	})
}

// respondError maps typed errors from the storage, retention, queue, and
// object storage layers onto HTTP statuses and envelope codes. Unmapped
// errors become opaque 500s; the caller logs the original.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, objstore.ErrNotFound):
		writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
	case errors.Is(err, storage.ErrUniqueViolation):
		writeError(w, http.StatusConflict, model.ErrCodeConflict, "resource already exists")
	case errors.Is(err, storage.ErrFKViolation):
		writeError(w, http.StatusConflict, model.ErrCodeConflict, "referenced resource does not exist")
	case errors.Is(err, storage.ErrCheckViolation):
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "constraint violation")
	case errors.Is(err, storage.ErrInvalidIdentifier):
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidIdentifier, "invalid identifier")
	case errors.Is(err, storage.ErrInvalidPagination):
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidPagination, "invalid pagination parameters")
	case errors.Is(err, storage.ErrBatchTooLarge):
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "batch exceeds the maximum size")
	case errors.Is(err, storage.ErrQueryTimeout):
		writeError(w, http.StatusGatewayTimeout, model.ErrCodeQueryTimeout, "query timed out")
	case errors.Is(err, storage.ErrResourceBusy):
		writeError(w, http.StatusServiceUnavailable, model.ErrCodeResourceBusy, "database is busy, retry later")
	case errors.Is(err, retention.ErrComplianceViolation):
		writeError(w, http.StatusUnprocessableEntity, model.ErrCodeComplianceViolation, err.Error())
	case errors.Is(err, retention.ErrConfirmationRequired):
		writeError(w, http.StatusBadRequest, model.ErrCodeConfirmationRequired, "confirm must be true for a destructive run")
	case errors.Is(err, queue.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, model.ErrCodeQueueUnavailable, "queue is unavailable")
	default:
		writeError(w, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
	}
}

// decodeJSON decodes a request body under the configured size cap,
// rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

// handleDecodeError distinguishes an oversized body from malformed JSON.
func handleDecodeError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, model.ErrCodeValidation, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error())
}
