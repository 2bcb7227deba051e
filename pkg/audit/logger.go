// Package audit records the control operations a host applies to the feed
// engine: session creation, refreshes, dismissals and lifecycle events.
package audit

import (
	"context"
	"time"
)

// Logger defines the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, event Event) error

	// Query retrieves audit events matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// Event represents an auditable control operation.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	DurationMS   int64          `json:"duration_ms"`
	Operation    string         `json:"operation"`
	SessionID    string         `json:"session_id,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Success      bool           `json:"success"`
	StatusCode   int            `json:"status_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// QueryFilter defines criteria for querying audit events.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	Operation string
	SessionID string
	Success   *bool
	Limit     int
	Offset    int
}

// Matches reports whether e passes the filter. Limit and Offset are ignored.
func (f QueryFilter) Matches(e Event) bool {
	switch {
	case f.StartTime != nil && e.Timestamp.Before(*f.StartTime):
		return false
	case f.EndTime != nil && e.Timestamp.After(*f.EndTime):
		return false
	case f.Operation != "" && e.Operation != f.Operation:
		return false
	case f.SessionID != "" && e.SessionID != f.SessionID:
		return false
	case f.Success != nil && e.Success != *f.Success:
		return false
	}
	return true
}

// Config configures audit logging.
type Config struct {
	Enabled       bool
	RetentionDays int
}
