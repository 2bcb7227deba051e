package stream

// ActionType is the kind of user action recorded locally.
type ActionType string

// Local action types.
const (
	ActionDismiss ActionType = "DISMISS"
	ActionView    ActionType = "VIEW"
)

// LocalAction is a durable record of a user action on a feature.
type LocalAction struct {
	Type             ActionType `json:"type"`
	FeatureContentID string     `json:"feature_content_id"`
	TimestampSeconds int64      `json:"timestamp_seconds"`
}

// UploadableAction is an action waiting to be reported to the server.
type UploadableAction struct {
	Type             ActionType `json:"type"`
	FeatureContentID string     `json:"feature_content_id"`
	TimestampSeconds int64      `json:"timestamp_seconds"`
	Payload          []byte     `json:"payload,omitempty"`
}

// Key identifies the action for deduplication and removal.
func (a UploadableAction) Key() string {
	return string(a.Type) + "|" + a.FeatureContentID
}

// RequestReason explains why a refresh was requested.
type RequestReason string

// Request reasons.
const (
	ReasonUnknown           RequestReason = "UNKNOWN"
	ReasonZeroState         RequestReason = "ZERO_STATE"
	ReasonHostRequested     RequestReason = "HOST_REQUESTED"
	ReasonOpenWithContent   RequestReason = "OPEN_WITH_CONTENT"
	ReasonManualContinue    RequestReason = "MANUAL_CONTINUATION"
	ReasonAutoContinue      RequestReason = "AUTOMATIC_CONTINUATION"
	ReasonClearAll          RequestReason = "CLEAR_ALL"
	ReasonUserPullToRefresh RequestReason = "PULL_TO_REFRESH"
)
