package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditLog is one append-only record of an administrative or ingestion
// action. Rows are never updated; deletion happens only via the audit
// retention policy bounded by the longest compliance requirement.
type AuditLog struct {
	ID           int64          `json:"id"` // Insertion id; tie-breaker for equal timestamps.
	Timestamp    time.Time      `json:"timestamp"`
	UserID       *uuid.UUID     `json:"user_id,omitempty"` // Nil for anonymous/API-key actions.
	Action       string         `json:"action"`
	Resource     string         `json:"resource"`
	ResourceID   *string        `json:"resource_id,omitempty"`
	IPAddress    string         `json:"ip_address"`
	UserAgent    string         `json:"user_agent"`
	Success      bool           `json:"success"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// AuditFilter selects audit rows for queries.
type AuditFilter struct {
	UserID    *uuid.UUID
	Action    *string
	Resource  *string
	Success   *bool
	StartDate *time.Time
	EndDate   *time.Time
}

// AuditStats is the aggregate view returned by the statistics endpoint.
type AuditStats struct {
	Total     int64            `json:"total"`
	Failures  int64            `json:"failures"`
	ByAction  map[string]int64 `json:"by_action"`
	ByUser    map[string]int64 `json:"by_user"`
	OldestAt  *time.Time       `json:"oldest_at,omitempty"`
	NewestAt  *time.Time       `json:"newest_at,omitempty"`
}
