package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the success envelope for every HTTP response.
type APIResponse struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// APIError is the failure envelope.
type APIError struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error"`
	Code      string    `json:"code,omitempty"`
	Details   any       `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Pagination describes the window of a list response.
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
}

// NewPagination computes TotalPages from total and limit.
func NewPagination(page, limit int, total int64) Pagination {
	pages := int(total) / limit
	if int(total)%limit != 0 {
		pages++
	}
	return Pagination{Page: page, Limit: limit, Total: total, TotalPages: pages}
}

// Error code constants returned in the envelope's code field.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeInvalidIdentifier    = "INVALID_IDENTIFIER"
	ErrCodeInvalidPagination    = "INVALID_PAGINATION"
	ErrCodeUnauthorized         = "AUTHENTICATION_ERROR"
	ErrCodeForbidden            = "AUTHORIZATION_ERROR"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeAlreadyInitialized   = "ALREADY_INITIALIZED"
	ErrCodeConfirmationRequired = "CONFIRMATION_REQUIRED"
	ErrCodeComplianceViolation  = "COMPLIANCE_VIOLATION"
	ErrCodeResourceBusy         = "RESOURCE_BUSY"
	ErrCodeQueueBackpressure    = "QUEUE_BACKPRESSURE"
	ErrCodeQueueUnavailable     = "QUEUE_UNAVAILABLE"
	ErrCodeQueryTimeout         = "QUERY_TIMEOUT"
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeStorageError         = "STORAGE_ERROR"
	ErrCodeInternalError        = "INTERNAL_ERROR"
)

// LoginRequest is the body for POST /api/v1/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse carries the access token; the refresh token travels as an
// HTTP-only cookie, never in the body.
type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        User      `json:"user"`
}

// IngestRequest is the body for POST /api/v1/reports (SDK wire contract).
type IngestRequest struct {
	Title       string        `json:"title"`
	Description *string       `json:"description,omitempty"`
	Report      IngestPayload `json:"report"`
}

// IngestPayload is the captured evidence portion of an ingestion request.
type IngestPayload struct {
	ConsoleLogs      []ConsoleLog     `json:"consoleLogs"`
	NetworkRequests  []NetworkRequest `json:"networkRequests"`
	BrowserMetadata  *BrowserMetadata `json:"browserMetadata,omitempty"`
	ScreenshotBase64 string           `json:"screenshotBase64,omitempty"` // Data URL or raw base64.
	SessionReplay    *SessionReplay   `json:"sessionReplay,omitempty"`
}

// SessionReplay is the optional recorded event stream in an ingestion request.
type SessionReplay struct {
	Type           string           `json:"type"`
	RecordedEvents []map[string]any `json:"recordedEvents"`
}

// CreateProjectRequest is the body for POST /api/v1/projects.
type CreateProjectRequest struct {
	Name     string         `json:"name"`
	Settings map[string]any `json:"settings,omitempty"`
}

// UpdateReportRequest is the body for PATCH /api/v1/reports/{id}.
type UpdateReportRequest struct {
	Title       *string         `json:"title,omitempty"`
	Description *string         `json:"description,omitempty"`
	Status      *ReportStatus   `json:"status,omitempty"`
	Priority    *ReportPriority `json:"priority,omitempty"`
}

// CreateUserRequest is the body for POST /api/v1/users (admin).
type CreateUserRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	Password string `json:"password"`
}

// SetupRequest is the body for POST /api/v1/setup/initialize.
type SetupRequest struct {
	AdminEmail     string         `json:"admin_email"`
	AdminName      string         `json:"admin_name"`
	AdminPassword  string         `json:"admin_password"`
	InstanceName   string         `json:"instance_name"`
	InstanceURL    string         `json:"instance_url"`
	SupportEmail   string         `json:"support_email"`
	StorageBackend string         `json:"storage_backend"`
	StorageConfig  map[string]any `json:"storage_config,omitempty"`
}

// LegalHoldRequest is the body for POST /api/v1/retention/legal-hold.
type LegalHoldRequest struct {
	ReportIDs []uuid.UUID `json:"report_ids"`
	Hold      bool        `json:"hold"`
}

// RestoreRequest is the body for POST /api/v1/reports/restore.
type RestoreRequest struct {
	ReportIDs []uuid.UUID `json:"report_ids"`
}

// ApplyRetentionRequest is the body for POST /api/v1/retention/apply.
type ApplyRetentionRequest struct {
	DryRun       bool    `json:"dry_run"`
	Confirm      bool    `json:"confirm"`
	BatchSize    int     `json:"batch_size,omitempty"`
	MaxErrorRate float64 `json:"max_error_rate,omitempty"` // Percent; abort threshold.
}

// CreateTicketRequest is the body for POST /api/v1/reports/{id}/tickets.
type CreateTicketRequest struct {
	ExternalID string `json:"external_id"`
	Platform   string `json:"platform"`
	Status     string `json:"status,omitempty"`
}
