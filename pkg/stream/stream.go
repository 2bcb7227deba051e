// Package stream defines the data model exchanged between the feed server,
// the local store, and the session engine: stream data operations, payloads,
// features, local actions and the metadata attached to a batch of mutations.
package stream

import "fmt"

// HeadSessionID identifies the canonical session holding the latest full stream.
const HeadSessionID = "$HEAD"

// Operation is the kind of change a StreamStructure describes.
type Operation string

// Stream structure operations.
const (
	// OperationClearAll empties the target session before the rest of the batch applies.
	OperationClearAll Operation = "CLEAR_ALL"

	// OperationUpdateOrAppend upserts a payload and appends the id if the session lacks it.
	OperationUpdateOrAppend Operation = "UPDATE_OR_APPEND"

	// OperationRemove drops a content id from the target session.
	OperationRemove Operation = "REMOVE"

	// OperationRequiredContent asserts that the payload for a content id is present.
	OperationRequiredContent Operation = "REQUIRED_CONTENT"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OperationClearAll, OperationUpdateOrAppend, OperationRemove, OperationRequiredContent:
		return true
	default:
		return false
	}
}

// Structure describes where a piece of content sits in the stream.
type Structure struct {
	Operation       Operation `json:"operation"`
	ContentID       string    `json:"content_id,omitempty"`
	ParentContentID string    `json:"parent_content_id,omitempty"`
}

// RepresentationData carries the user-visible location of a piece of content.
type RepresentationData struct {
	URI                  string `json:"uri"`
	PublishedTimeSeconds int64  `json:"published_time_seconds,omitempty"`
}

// OfflineMetadata describes how a piece of content renders without a network.
type OfflineMetadata struct {
	Title       string `json:"title,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	Publisher   string `json:"publisher,omitempty"`
	Snippet     string `json:"snippet,omitempty"`
	FaviconURL  string `json:"favicon_url,omitempty"`
	TimeSeconds int64  `json:"time_seconds,omitempty"`
}

// Content is the renderable part of a feature.
type Content struct {
	RepresentationData *RepresentationData `json:"representation_data,omitempty"`
	OfflineMetadata    *OfflineMetadata    `json:"offline_metadata,omitempty"`
	Data               []byte              `json:"data,omitempty"`
}

// Feature is a node of the stream tree (cluster, card, content).
type Feature struct {
	ContentID string   `json:"content_id"`
	ParentID  string   `json:"parent_id,omitempty"`
	Content   *Content `json:"content,omitempty"`
}

// URL returns the representation uri of the feature, if it carries one.
func (f *Feature) URL() (string, bool) {
	if f == nil || f.Content == nil || f.Content.RepresentationData == nil {
		return "", false
	}
	if f.Content.RepresentationData.URI == "" {
		return "", false
	}
	return f.Content.RepresentationData.URI, true
}

// Token marks a continuation point for loading more content.
type Token struct {
	ContentID string `json:"content_id"`
	ParentID  string `json:"parent_id,omitempty"`
	NextToken []byte `json:"next_token,omitempty"`
}

// SharedState is stream-wide data shared by several features.
type SharedState struct {
	ContentID string `json:"content_id"`
	Data      []byte `json:"data,omitempty"`
}

// Payload holds exactly one of its fields.
type Payload struct {
	Feature     *Feature     `json:"feature,omitempty"`
	Token       *Token       `json:"token,omitempty"`
	SharedState *SharedState `json:"shared_state,omitempty"`
}

// Kind names the populated field of the payload.
func (p *Payload) Kind() string {
	switch {
	case p == nil:
		return "none"
	case p.Feature != nil:
		return "feature"
	case p.Token != nil:
		return "token"
	case p.SharedState != nil:
		return "shared_state"
	default:
		return "none"
	}
}

// PayloadWithID pairs a payload with its content id.
type PayloadWithID struct {
	ContentID string  `json:"content_id"`
	Payload   Payload `json:"payload"`
}

// DataOperation is a single instruction in a server response.
type DataOperation struct {
	Structure Structure `json:"structure"`
	Payload   *Payload  `json:"payload,omitempty"`
}

// Validate checks the operation is internally consistent.
func (op DataOperation) Validate() error {
	if !op.Structure.Operation.Valid() {
		return fmt.Errorf("unknown stream operation %q", op.Structure.Operation)
	}
	if op.Structure.Operation != OperationClearAll && op.Structure.ContentID == "" {
		return fmt.Errorf("%s operation without content id", op.Structure.Operation)
	}
	return nil
}

// SemanticProperties is an opaque blob the server attached to a content id.
type SemanticProperties struct {
	ContentID string `json:"content_id"`
	Data      []byte `json:"data,omitempty"`
}

// MutationContext is the metadata attached to a batch of stream operations.
type MutationContext struct {
	// RequestingSessionID is the session that originated the mutation; empty when absent.
	RequestingSessionID string

	// IsUserInitiated is true when the mutation was caused by a user gesture (e.g. dismiss).
	IsUserInitiated bool

	// ContinuationToken is the token a load-more request was issued for.
	ContinuationToken *Token
}

// HasRequestingSession reports whether the mutation names its originating session.
func (mc MutationContext) HasRequestingSession() bool {
	return mc.RequestingSessionID != ""
}
