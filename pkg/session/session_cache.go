package session

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/txn2/feedsync/pkg/clock"
	"github.com/txn2/feedsync/pkg/stream"
)

// LifetimeProvider supplies the current session lifetime. *tuning.Configuration implements it.
type LifetimeProvider interface {
	SessionLifetime() time.Duration
}

// SessionCache owns the live sessions. It holds at most one Session per id
// and keeps ContentCache reference counts in step with the sessions it holds.
type SessionCache struct {
	mu       sync.Mutex
	sessions map[string]*Session
	factory  *Factory
	content  *ContentCache
	lifetime LifetimeProvider
	clock    clock.Clock
	logger   *slog.Logger
}

// NewSessionCache creates an empty cache.
func NewSessionCache(factory *Factory, content *ContentCache, lifetime LifetimeProvider, c clock.Clock, logger *slog.Logger) *SessionCache {
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionCache{
		sessions: make(map[string]*Session),
		factory:  factory,
		content:  content,
		lifetime: lifetime,
		clock:    c,
		logger:   logger,
	}
}

// GetSession returns the live session for id. A missing or expired session is
// replaced by a fresh one from the factory bound to the same id.
func (c *SessionCache) GetSession(id string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.liveLocked(id); ok {
		return s
	}
	s := c.factory.Create(id)
	c.sessions[id] = s
	c.logger.Debug("session created", "session", id)
	return s
}

// Lookup returns the live session for id without creating one.
func (c *SessionCache) Lookup(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(id)
}

// PutSession registers s, replacing any previous session with the same id.
func (c *SessionCache) PutSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaceLocked([]*Session{s}, nil)
}

// Remove evicts the session for id. It reports whether one was present.
func (c *SessionCache) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.sessions[id]; !ok {
		return false
	}
	c.evictLocked(id)
	return true
}

// Sessions returns the live sessions ordered by creation time.
func (c *SessionCache) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	lifetime := c.lifetime.SessionLifetime()
	result := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		if !s.expired(now, lifetime) {
			result = append(result, s)
		}
	}
	slices.SortFunc(result, func(a, b *Session) int { return a.createdAt.Compare(b.createdAt) })
	return result
}

// EvictExpired drops every session that has outlived its lifetime and returns their ids.
func (c *SessionCache) EvictExpired() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	lifetime := c.lifetime.SessionLifetime()
	var evicted []string
	for id, s := range c.sessions {
		if s.expired(now, lifetime) {
			evicted = append(evicted, id)
		}
	}
	slices.Sort(evicted)
	for _, id := range evicted {
		c.evictLocked(id)
	}
	return evicted
}

// Reset drops every session and the content they referenced.
func (c *SessionCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessions = make(map[string]*Session)
	c.content.reset()
}

// swap publishes staged sessions and their payloads in one step.
func (c *SessionCache) swap(staged []*Session, upserts []stream.PayloadWithID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaceLocked(staged, upserts)
}

func (c *SessionCache) liveLocked(id string) (*Session, bool) {
	s, ok := c.sessions[id]
	if !ok {
		return nil, false
	}
	if s.expired(c.clock.Now(), c.lifetime.SessionLifetime()) {
		c.logger.Debug("session expired", "session", id, "created_at", s.createdAt)
		c.evictLocked(id)
		return nil, false
	}
	return s, true
}

func (c *SessionCache) replaceLocked(sessions []*Session, upserts []stream.PayloadWithID) {
	var acquire, release []string
	for _, s := range sessions {
		if old, ok := c.sessions[s.id]; ok {
			release = append(release, old.contentIDs...)
		}
		acquire = append(acquire, s.contentIDs...)
		c.sessions[s.id] = s
	}
	c.content.apply(acquire, release, upserts)
}

func (c *SessionCache) evictLocked(id string) {
	s := c.sessions[id]
	delete(c.sessions, id)
	c.content.apply(nil, s.contentIDs, nil)
}
