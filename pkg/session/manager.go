package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/txn2/feedsync/pkg/clock"
	"github.com/txn2/feedsync/pkg/feedstore"
	"github.com/txn2/feedsync/pkg/lifecycle"
	"github.com/txn2/feedsync/pkg/removetracking"
	"github.com/txn2/feedsync/pkg/request"
	"github.com/txn2/feedsync/pkg/stream"
	"github.com/txn2/feedsync/pkg/taskqueue"
	"github.com/txn2/feedsync/pkg/threading"
)

var (
	// ErrMissingDependency is returned by NewManager when a required collaborator is nil.
	ErrMissingDependency = errors.New("missing dependency")

	// ErrNoRequestManager is returned by refresh operations when no FeedRequestManager is configured.
	ErrNoRequestManager = errors.New("no feed request manager configured")
)

// Store is the storage used by the Manager.
type Store interface {
	feedstore.ContentStore
	feedstore.SessionStore
}

// Config configures a Manager.
type Config struct {
	Store    Store
	Queue    taskqueue.Executor
	Requests request.FeedRequestManager
	Lifetime LifetimeProvider

	// Optional collaborators.
	Clock          clock.Clock
	Lifecycle      lifecycle.Publisher
	MainThread     threading.MainThreadRunner
	RemoveTracking removetracking.Factory
	Logger         *slog.Logger
}

// Manager is the session facade: it creates, updates, refreshes and resets
// sessions and serves their content.
type Manager struct {
	store     Store
	queue     taskqueue.Executor
	requests  request.FeedRequestManager
	lifecycle lifecycle.Publisher
	runner    threading.MainThreadRunner
	logger    *slog.Logger

	factory  *Factory
	content  *ContentCache
	cache    *SessionCache
	mutation *Mutation
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store", ErrMissingDependency)
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("%w: task queue", ErrMissingDependency)
	}
	if cfg.Lifetime == nil {
		return nil, fmt.Errorf("%w: lifetime provider", ErrMissingDependency)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.MainThread == nil {
		cfg.MainThread = threading.Synchronous{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	factory := NewFactory(cfg.Clock)
	content := NewContentCache()
	cache := NewSessionCache(factory, content, cfg.Lifetime, cfg.Clock, cfg.Logger)
	mutation := NewMutation(cache, cfg.Store, cfg.MainThread, cfg.Logger)
	mutation.SetRemoveTrackingFactory(cfg.RemoveTracking)

	return &Manager{
		store:     cfg.Store,
		queue:     cfg.Queue,
		requests:  cfg.Requests,
		lifecycle: cfg.Lifecycle,
		runner:    cfg.MainThread,
		logger:    cfg.Logger,
		factory:   factory,
		content:   content,
		cache:     cache,
		mutation:  mutation,
	}, nil
}

// Mutation returns the mutation pipeline shared by the manager.
func (m *Manager) Mutation() *Mutation { return m.mutation }

// ContentCache returns the manager's content cache.
func (m *Manager) ContentCache() *ContentCache { return m.content }

// SetRemoveTrackingFactory installs the factory consulted for every commit.
func (m *Manager) SetRemoveTrackingFactory(f removetracking.Factory) {
	m.mutation.SetRemoveTrackingFactory(f)
}

// GetSession returns the live session for id, creating an empty one if needed.
func (m *Manager) GetSession(id string) *Session {
	return m.cache.GetSession(id)
}

// Sessions returns the live sessions ordered by creation time.
func (m *Manager) Sessions() []*Session {
	return m.cache.Sessions()
}

// LookupSession returns the live session for id without creating one.
func (m *Manager) LookupSession(id string) (*Session, bool) {
	return m.cache.Lookup(id)
}

// CreateSession creates a session populated from HEAD. done receives the
// session on the main loop; it may be nil. If a reset drops the queued task,
// done receives taskqueue.ErrResetting.
func (m *Manager) CreateSession(_ context.Context, done func(*Session, error)) error {
	dropped := func(err error) {
		m.deliver("create-session-done", func() { callSession(done, nil, err) })
	}
	return taskqueue.Submit(m.queue, "create-session", taskqueue.UserFacing, func(ctx context.Context) error {
		head := m.cache.GetSession(stream.HeadSessionID)
		s := m.factory.CreateFrom(NewSessionID(), head.contentIDs)

		err := m.store.Commit(ctx, feedstore.Batch{Sessions: []feedstore.SessionRecord{s.record()}})
		if err != nil {
			err = fmt.Errorf("persisting session: %w", err)
			m.deliver("create-session-done", func() { callSession(done, nil, err) })
			return err
		}

		m.cache.PutSession(s)
		m.logger.Info("session created", "session", s.id, "content", s.Len())
		m.deliver("create-session-done", func() { callSession(done, s, nil) })
		return nil
	}, dropped)
}

// UpdateSession applies ops to HEAD and sessionID as one mutation. done
// receives the outcome on the main loop; it may be nil. If a reset drops the
// queued task, done receives taskqueue.ErrResetting.
func (m *Manager) UpdateSession(_ context.Context, sessionID string, ops []stream.DataOperation, mc stream.MutationContext, done func(error)) error {
	dropped := func(err error) {
		m.deliver("update-session-done", func() { callErr(done, err) })
	}
	return taskqueue.Submit(m.queue, "update-session", taskqueue.UserFacing, func(ctx context.Context) error {
		err := m.mutation.CreateCommitter(sessionID, mc).Append(ops...).Commit(ctx)
		m.deliver("update-session-done", func() { callErr(done, err) })
		return err
	}, dropped)
}

// TriggerRefresh fetches the head of the stream on the calling goroutine and
// queues the merge of the response. A failed fetch keeps the previous content.
func (m *Manager) TriggerRefresh(ctx context.Context, sessionID string, reason stream.RequestReason, uiContext []byte) error {
	if m.requests == nil {
		return ErrNoRequestManager
	}
	m.deliverEvent(lifecycle.RefreshTriggered)

	resp, err := m.requests.TriggerRefresh(ctx, request.Refresh{Reason: reason, UIContext: uiContext})
	if err != nil {
		m.logger.Warn("feed refresh failed; keeping previous content", "session", sessionID, "reason", string(reason), "error", err)
		return fmt.Errorf("refreshing feed: %w", err)
	}

	mc := stream.MutationContext{
		RequestingSessionID: sessionID,
		IsUserInitiated:     reason == stream.ReasonUserPullToRefresh,
	}
	return m.submitResponse("refresh-response", sessionID, mc, resp)
}

// LoadMore fetches the page behind token and queues its merge.
func (m *Manager) LoadMore(ctx context.Context, sessionID string, token stream.Token) error {
	if m.requests == nil {
		return ErrNoRequestManager
	}

	resp, err := m.requests.LoadMore(ctx, token)
	if err != nil {
		m.logger.Warn("load more failed", "session", sessionID, "token", token.ContentID, "error", err)
		return fmt.Errorf("loading more content: %w", err)
	}

	mc := stream.MutationContext{RequestingSessionID: sessionID, ContinuationToken: &token}
	return m.submitResponse("load-more-response", sessionID, mc, resp)
}

func (m *Manager) submitResponse(id, sessionID string, mc stream.MutationContext, resp request.Response) error {
	return m.queue.Execute(id, taskqueue.UserFacing, func(ctx context.Context) error {
		return m.mutation.CreateCommitter(sessionID, mc).
			Append(resp.Operations...).
			AppendSemanticProperties(resp.SemanticProperties...).
			Commit(ctx)
	})
}

// GetContent returns payloads for ids in request order, from the content
// cache first and the store for the rest. Missing ids are omitted.
func (m *Manager) GetContent(ctx context.Context, ids []string) ([]stream.PayloadWithID, error) {
	found := make(map[string]stream.PayloadWithID, len(ids))
	var misses []string
	for _, id := range ids {
		if p, ok := m.content.Get(id); ok {
			found[id] = stream.PayloadWithID{ContentID: id, Payload: p}
			continue
		}
		misses = append(misses, id)
	}

	if len(misses) > 0 {
		fromStore, err := m.store.GetPayloads(ctx, misses)
		if err != nil {
			return nil, fmt.Errorf("reading content: %w", err)
		}
		m.content.Fill(fromStore)
		for _, p := range fromStore {
			found[p.ContentID] = p
		}
	}

	result := make([]stream.PayloadWithID, 0, len(found))
	for _, id := range ids {
		if p, ok := found[id]; ok {
			result = append(result, p)
		}
	}
	return result, nil
}

// Initialize queues the restore of persisted sessions. Expired sessions are
// deleted from the store. INITIALIZED is published once the restore lands.
func (m *Manager) Initialize(_ context.Context) error {
	return m.queue.Execute("initialize", taskqueue.Immediate, m.restore)
}

func (m *Manager) restore(ctx context.Context) error {
	records, err := m.store.GetSessions(ctx)
	if err != nil {
		return fmt.Errorf("reading sessions: %w", err)
	}

	var expired []string
	for _, rec := range records {
		s := m.factory.Restore(rec)
		if s.expired(m.factory.clock.Now(), m.cache.lifetime.SessionLifetime()) {
			expired = append(expired, s.id)
			continue
		}
		m.cache.PutSession(s)
	}
	if len(expired) > 0 {
		if err := m.store.DeleteSessions(ctx, expired); err != nil {
			return fmt.Errorf("deleting expired sessions: %w", err)
		}
	}

	m.logger.Info("sessions restored", "restored", len(records)-len(expired), "expired", len(expired))
	m.deliverEvent(lifecycle.Initialized)
	return nil
}

// Reset drops every session and cached payload and clears the session and
// content data of the store. It does not touch the task queue.
func (m *Manager) Reset(ctx context.Context) error {
	m.cache.Reset()
	if err := m.store.ClearSessions(ctx); err != nil {
		return fmt.Errorf("clearing stored sessions: %w", err)
	}
	m.logger.Info("sessions reset")
	m.deliverEvent(lifecycle.SessionsReset)
	return nil
}

// OnLifecycleEvent implements lifecycle.Listener. Entering the background
// queues a content garbage collection.
func (m *Manager) OnLifecycleEvent(_ context.Context, event lifecycle.Event) {
	if event != lifecycle.EnterBackground {
		return
	}
	if err := m.queue.Execute("content-gc", taskqueue.Background, m.CollectGarbage); err != nil {
		m.logger.Warn("content gc not scheduled", "error", err)
	}
}

// CollectGarbage evicts expired sessions and deletes stored content no live
// session references. It must run inside a queued task.
func (m *Manager) CollectGarbage(ctx context.Context) error {
	expired := m.cache.EvictExpired()
	if len(expired) > 0 {
		if err := m.store.DeleteSessions(ctx, expired); err != nil {
			return fmt.Errorf("deleting expired sessions: %w", err)
		}
	}

	var keep []string
	for _, s := range m.cache.Sessions() {
		keep = append(keep, s.contentIDs...)
	}
	slices.Sort(keep)
	keep = slices.Compact(keep)

	if err := m.store.GarbageCollectContent(ctx, keep); err != nil {
		return fmt.Errorf("collecting content: %w", err)
	}
	m.logger.Debug("content gc complete", "expired_sessions", len(expired), "kept", len(keep))
	return nil
}

func (m *Manager) deliverEvent(event lifecycle.Event) {
	if m.lifecycle == nil {
		return
	}
	m.runner.Execute(string(event), func(ctx context.Context) {
		m.lifecycle.Publish(ctx, event)
	})
}

func (m *Manager) deliver(name string, fn func()) {
	m.runner.Execute(name, func(context.Context) { fn() })
}

func callSession(done func(*Session, error), s *Session, err error) {
	if done != nil {
		done(s, err)
	}
}

func callErr(done func(error), err error) {
	if done != nil {
		done(err)
	}
}
