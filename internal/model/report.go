package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReportStatus is the triage state of a bug report.
type ReportStatus string

const (
	StatusOpen       ReportStatus = "open"
	StatusInProgress ReportStatus = "in-progress"
	StatusResolved   ReportStatus = "resolved"
	StatusClosed     ReportStatus = "closed"
)

// Valid reports whether s is a known status.
func (s ReportStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// ReportPriority is the severity assigned to a bug report.
type ReportPriority string

const (
	PriorityLow      ReportPriority = "low"
	PriorityMedium   ReportPriority = "medium"
	PriorityHigh     ReportPriority = "high"
	PriorityCritical ReportPriority = "critical"
)

// Valid reports whether p is a known priority.
func (p ReportPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// MaxTitleLen bounds the report title (1..500 chars per the ingestion contract).
const MaxTitleLen = 500

// BugReport is the central artifact: one user-reported issue with its
// captured evidence. ScreenshotKey/ThumbnailKey/ReplayKey are bare object
// storage keys; URLs are derived at read time through the storage layer.
type BugReport struct {
	ID             uuid.UUID       `json:"id"`
	ProjectID      uuid.UUID       `json:"project_id"`
	Title          string          `json:"title"`
	Description    *string         `json:"description,omitempty"`
	Status         ReportStatus    `json:"status"`
	Priority       ReportPriority  `json:"priority"`
	ScreenshotKey  *string         `json:"screenshot_key,omitempty"`
	ThumbnailKey   *string         `json:"thumbnail_key,omitempty"`
	ReplayKey      *string         `json:"replay_key,omitempty"` // Key prefix of the chunked replay.
	Metadata       *ReportMetadata `json:"metadata,omitempty"`
	LegalHold      bool            `json:"legal_hold"`
	RetentionClass DataClass       `json:"retention_class"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
	DeletedBy      *uuid.UUID      `json:"deleted_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ReportMetadata is the captured browser evidence attached to a report.
// Unknown top-level keys survive a round-trip via Extra.
type ReportMetadata struct {
	ConsoleLogs     []ConsoleLog     `json:"consoleLogs"`
	NetworkRequests []NetworkRequest `json:"networkRequests"`
	BrowserMetadata *BrowserMetadata `json:"browserMetadata,omitempty"`
	Extra           map[string]any   `json:"-"`
}

// ConsoleLog is a single captured console entry.
type ConsoleLog struct {
	Level     string  `json:"level"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
	Stack     *string `json:"stack,omitempty"`
}

// NetworkRequest is a single captured HTTP request from the page.
type NetworkRequest struct {
	URL       string  `json:"url"`
	Method    string  `json:"method"`
	Status    int     `json:"status"`
	Duration  float64 `json:"duration"`
	Timestamp float64 `json:"timestamp"`
	Error     *string `json:"error,omitempty"`
}

// BrowserMetadata describes the reporting browser environment.
type BrowserMetadata struct {
	UserAgent string   `json:"userAgent"`
	Viewport  Viewport `json:"viewport"`
	Browser   string   `json:"browser"`
	OS        string   `json:"os"`
	URL       string   `json:"url"`
	Timestamp float64  `json:"timestamp"`
}

// Viewport is the reporting browser's window size.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ValidateTitle checks the 1..500 char bound on report titles.
func ValidateTitle(title string) error {
	if title == "" {
		return fmt.Errorf("title is required")
	}
	if len(title) > MaxTitleLen {
		return fmt.Errorf("title must be at most %d characters", MaxTitleLen)
	}
	return nil
}

// Session is a session-replay record attached to a bug report. Large replays
// are chunked into the object store; the row carries the chunk index.
type Session struct {
	ID          uuid.UUID      `json:"id"`
	BugReportID uuid.UUID      `json:"bug_report_id"`
	Events      map[string]any `json:"events,omitempty"` // Compact inline events for small replays.
	DurationMS  int64          `json:"duration_ms"`
	ChunkCount  int            `json:"chunk_count"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Ticket links a bug report to an external tracker issue. Opaque beyond storage.
type Ticket struct {
	ID          uuid.UUID `json:"id"`
	BugReportID uuid.UUID `json:"bug_report_id"`
	ExternalID  string    `json:"external_id"`
	Platform    string    `json:"platform"` // jira, linear, github, ...
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}
