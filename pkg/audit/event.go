package audit

import (
	"time"

	"github.com/google/uuid"
)

// Operations recorded by the control API.
const (
	OperationCreateSession  = "create_session"
	OperationRefresh        = "refresh"
	OperationLoadMore       = "load_more"
	OperationDismiss        = "dismiss"
	OperationView           = "view"
	OperationLifecycleEvent = "lifecycle_event"
	OperationSetCurrent     = "set_current_session"
)

// NewEvent creates a new audit event.
func NewEvent(operation string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Operation: operation,
	}
}

// WithSession adds the target session to the event.
func (e *Event) WithSession(sessionID string) *Event {
	e.SessionID = sessionID
	return e
}

// WithParameters adds parameters to the event.
func (e *Event) WithParameters(params map[string]any) *Event {
	e.Parameters = params
	return e
}

// WithResult adds result information to the event. A status below 400 is a success.
func (e *Event) WithResult(status int, errorMsg string, durationMS int64) *Event {
	e.StatusCode = status
	e.Success = status < 400
	e.ErrorMessage = errorMsg
	e.DurationMS = durationMS
	return e
}

// SanitizeParameters removes sensitive parameters from the event.
func SanitizeParameters(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}

	sensitiveKeys := map[string]bool{
		"password":      true,
		"secret":        true,
		"token":         true,
		"next_token":    true,
		"api_key":       true,
		"authorization": true,
		"ui_context":    true,
	}

	sanitized := make(map[string]any, len(params))
	for k, v := range params {
		if sensitiveKeys[k] {
			sanitized[k] = "[REDACTED]"
		} else {
			sanitized[k] = v
		}
	}
	return sanitized
}
