// Package session implements the feed session engine: the content cache, the
// session cache, the mutation pipeline that applies stream operations to
// sessions, and the Manager facade composing them.
//
// Session and content state changes only inside tasks run by the task queue.
// Session objects are immutable once published; a mutation stages changes on
// copies and swaps them in after the store accepted the batch.
package session

import (
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/feedsync/pkg/clock"
	"github.com/txn2/feedsync/pkg/feedstore"
	"github.com/txn2/feedsync/pkg/stream"
)

const sessionIDPrefix = "_session:"

var (
	// ErrUnknownSession is returned when a mutation targets a session that is not live.
	ErrUnknownSession = errors.New("unknown session")

	// ErrMissingPayload is returned when REQUIRED_CONTENT names content with no payload.
	ErrMissingPayload = errors.New("missing payload for required content")

	// ErrOutsideTask is returned when a committer is used outside a queued task.
	ErrOutsideTask = errors.New("mutation must run inside a queued task")

	// ErrAlreadyCommitted is returned by a second Commit on the same committer.
	ErrAlreadyCommitted = errors.New("committer already committed")
)

// Session is a read-only view of one session's materialized content.
type Session struct {
	id         string
	createdAt  time.Time
	contentIDs []string
	index      map[string]struct{}
}

func newSession(id string, createdAt time.Time, contentIDs []string) *Session {
	s := &Session{
		id:        id,
		createdAt: createdAt,
		index:     make(map[string]struct{}, len(contentIDs)),
	}
	for _, cid := range contentIDs {
		s.appendID(cid)
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// IsHead reports whether this is the canonical HEAD session.
func (s *Session) IsHead() bool { return s.id == stream.HeadSessionID }

// ContentIDs returns a copy of the ordered content ids.
func (s *Session) ContentIDs() []string { return slices.Clone(s.contentIDs) }

// Contains reports whether the session materializes contentID.
func (s *Session) Contains(contentID string) bool {
	_, ok := s.index[contentID]
	return ok
}

// Len returns the number of content ids.
func (s *Session) Len() int { return len(s.contentIDs) }

// expired reports whether the session has outlived lifetime. HEAD never expires.
func (s *Session) expired(now time.Time, lifetime time.Duration) bool {
	return !s.IsHead() && now.Sub(s.createdAt) >= lifetime
}

func (s *Session) clone() *Session {
	return newSession(s.id, s.createdAt, s.contentIDs)
}

func (s *Session) appendID(contentID string) bool {
	if _, ok := s.index[contentID]; ok {
		return false
	}
	s.index[contentID] = struct{}{}
	s.contentIDs = append(s.contentIDs, contentID)
	return true
}

func (s *Session) removeID(contentID string) bool {
	if _, ok := s.index[contentID]; !ok {
		return false
	}
	delete(s.index, contentID)
	s.contentIDs = slices.DeleteFunc(s.contentIDs, func(id string) bool { return id == contentID })
	return true
}

func (s *Session) clear() {
	s.contentIDs = nil
	s.index = make(map[string]struct{})
}

func (s *Session) record() feedstore.SessionRecord {
	return feedstore.SessionRecord{ID: s.id, CreatedAt: s.createdAt, ContentIDs: slices.Clone(s.contentIDs)}
}

// NewSessionID returns a fresh session id.
func NewSessionID() string {
	return sessionIDPrefix + uuid.NewString()
}

// Factory builds sessions stamped with the current time.
type Factory struct {
	clock clock.Clock
}

// NewFactory creates a Factory.
func NewFactory(c clock.Clock) *Factory {
	if c == nil {
		c = clock.System{}
	}
	return &Factory{clock: c}
}

// Create builds an empty session bound to id.
func (f *Factory) Create(id string) *Session {
	return newSession(id, f.clock.Now(), nil)
}

// CreateFrom builds a session bound to id holding contentIDs.
func (f *Factory) CreateFrom(id string, contentIDs []string) *Session {
	return newSession(id, f.clock.Now(), contentIDs)
}

// Restore rebuilds a persisted session keeping its creation time.
func (*Factory) Restore(rec feedstore.SessionRecord) *Session {
	return newSession(rec.ID, rec.CreatedAt, rec.ContentIDs)
}
