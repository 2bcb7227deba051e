// Package feedstore defines the durable storage used by the feed session
// engine: content payloads, session content lists, semantic properties, local
// actions and actions awaiting upload.
//
// Implementations live in subpackages (postgres, redis) next to the in-memory
// MemoryStore defined here. All implementations report failures as returned
// errors; no partial results are returned alongside an error.
package feedstore

import (
	"context"
	"time"

	"github.com/txn2/feedsync/pkg/stream"
)

// SessionRecord is the persisted form of a session.
type SessionRecord struct {
	// ID is the session identifier.
	ID string

	// CreatedAt is when the session was created; used for lifetime checks on restore.
	CreatedAt time.Time

	// ContentIDs is the ordered list of content materialized in the session.
	ContentIDs []string
}

// Batch is a set of writes applied atomically by SessionStore.Commit.
type Batch struct {
	// Payloads are upserted by content id.
	Payloads []stream.PayloadWithID

	// SemanticProperties are upserted by content id.
	SemanticProperties []stream.SemanticProperties

	// Sessions replace the stored content list of each session.
	Sessions []SessionRecord
}

// Empty reports whether the batch has nothing to write.
func (b Batch) Empty() bool {
	return len(b.Payloads) == 0 && len(b.SemanticProperties) == 0 && len(b.Sessions) == 0
}

// ContentStore reads content payloads and semantic properties.
type ContentStore interface {
	// GetPayloads returns the payloads for the ids that exist; missing ids are omitted.
	GetPayloads(ctx context.Context, contentIDs []string) ([]stream.PayloadWithID, error)

	// GetSemanticProperties returns properties for the ids that have them.
	GetSemanticProperties(ctx context.Context, contentIDs []string) ([]stream.SemanticProperties, error)

	// GarbageCollectContent deletes payloads whose id is not in keep.
	GarbageCollectContent(ctx context.Context, keep []string) error
}

// SessionStore persists session content lists.
type SessionStore interface {
	// GetSessions returns every persisted session.
	GetSessions(ctx context.Context) ([]SessionRecord, error)

	// Commit applies the batch atomically: either every write lands or none does.
	Commit(ctx context.Context, batch Batch) error

	// DeleteSessions removes the named sessions.
	DeleteSessions(ctx context.Context, ids []string) error

	// ClearSessions removes all sessions and content payloads.
	ClearSessions(ctx context.Context) error
}

// ActionStore persists local user actions.
type ActionStore interface {
	// AppendLocalActions records actions.
	AppendLocalActions(ctx context.Context, actions []stream.LocalAction) error

	// GetAllDismissLocalActions returns every recorded dismiss action.
	GetAllDismissLocalActions(ctx context.Context) ([]stream.LocalAction, error)

	// TriggerLocalActionGc deletes the given dismiss actions whose content id is
	// not in keep. Content and semantic properties are left untouched.
	TriggerLocalActionGc(ctx context.Context, actions []stream.LocalAction, keep []string) error
}

// UploadStore persists actions waiting to be uploaded.
type UploadStore interface {
	AddUploadableActions(ctx context.Context, actions []stream.UploadableAction) error
	GetAllUploadableActions(ctx context.Context) ([]stream.UploadableAction, error)
	RemoveUploadableActions(ctx context.Context, actions []stream.UploadableAction) error
}

// Resettable is a store that can wipe all of its state.
type Resettable interface {
	Reset(ctx context.Context) error
}

// Store is the complete storage contract.
type Store interface {
	ContentStore
	SessionStore
	ActionStore
	UploadStore
	Resettable

	// Close releases resources.
	Close() error
}
