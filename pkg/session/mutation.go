package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/txn2/feedsync/pkg/feedstore"
	"github.com/txn2/feedsync/pkg/removetracking"
	"github.com/txn2/feedsync/pkg/stream"
	"github.com/txn2/feedsync/pkg/taskqueue"
	"github.com/txn2/feedsync/pkg/threading"
)

// MutationStore is the storage a mutation reads from and commits to.
type MutationStore interface {
	GetPayloads(ctx context.Context, contentIDs []string) ([]stream.PayloadWithID, error)
	Commit(ctx context.Context, batch feedstore.Batch) error
}

// Mutation applies stream operations to sessions.
type Mutation struct {
	cache   *SessionCache
	content *ContentCache
	factory *Factory
	store   MutationStore
	runner  threading.MainThreadRunner
	logger  *slog.Logger

	mu       sync.RWMutex
	tracking removetracking.Factory
}

// NewMutation creates a Mutation.
func NewMutation(cache *SessionCache, store MutationStore, runner threading.MainThreadRunner, logger *slog.Logger) *Mutation {
	if runner == nil {
		runner = threading.Synchronous{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mutation{
		cache:   cache,
		content: cache.content,
		factory: cache.factory,
		store:   store,
		runner:  runner,
		logger:  logger,
	}
}

// SetRemoveTrackingFactory installs the factory consulted for every commit. Nil disables tracking.
func (m *Mutation) SetRemoveTrackingFactory(f removetracking.Factory) {
	m.mu.Lock()
	m.tracking = f
	m.mu.Unlock()
}

func (m *Mutation) removeTracking(mc stream.MutationContext) removetracking.RemoveTracking {
	m.mu.RLock()
	f := m.tracking
	m.mu.RUnlock()
	if f == nil {
		return nil
	}
	return f.Create(mc)
}

// CreateCommitter returns a committer targeting HEAD and, when set and
// different from HEAD, requestingSessionID.
func (m *Mutation) CreateCommitter(requestingSessionID string, mc stream.MutationContext) *Committer {
	return &Committer{m: m, sessionID: requestingSessionID, mc: mc}
}

// Committer accumulates stream operations and applies them as one unit.
type Committer struct {
	m         *Mutation
	sessionID string
	mc        stream.MutationContext
	ops       []stream.DataOperation
	semantic  []stream.SemanticProperties
	committed bool
}

// Append adds operations to the batch.
func (c *Committer) Append(ops ...stream.DataOperation) *Committer {
	c.ops = append(c.ops, ops...)
	return c
}

// AppendSemanticProperties adds semantic properties persisted with the batch.
func (c *Committer) AppendSemanticProperties(props ...stream.SemanticProperties) *Committer {
	c.semantic = append(c.semantic, props...)
	return c
}

// payloadSet keeps upserted payloads in first-seen order.
type payloadSet struct {
	order []string
	byID  map[string]stream.Payload
}

func (p *payloadSet) put(id string, payload stream.Payload) {
	if _, ok := p.byID[id]; !ok {
		p.order = append(p.order, id)
	}
	p.byID[id] = payload
}

func (p *payloadSet) list() []stream.PayloadWithID {
	out := make([]stream.PayloadWithID, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, stream.PayloadWithID{ContentID: id, Payload: p.byID[id]})
	}
	return out
}

// Commit applies the batch. It must run inside a queued task. On error the
// sessions, the content cache and the store are left as they were.
func (c *Committer) Commit(ctx context.Context) error {
	if !taskqueue.InTask(ctx) {
		return ErrOutsideTask
	}
	if c.committed {
		return ErrAlreadyCommitted
	}
	c.committed = true

	for i, op := range c.ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("validating operation %d: %w", i, err)
		}
	}

	staged, err := c.stageTargets()
	if err != nil {
		return err
	}

	tracker := c.m.removeTracking(c.mc)
	upserts := &payloadSet{byID: make(map[string]stream.Payload)}
	var added, removed int

	for _, op := range c.ops {
		id := op.Structure.ContentID
		switch op.Structure.Operation {
		case stream.OperationClearAll:
			for _, s := range staged {
				removed += s.Len()
				s.clear()
			}
		case stream.OperationUpdateOrAppend:
			if op.Payload != nil {
				upserts.put(id, *op.Payload)
			}
			for _, s := range staged {
				if s.appendID(id) {
					added++
				}
			}
		case stream.OperationRemove:
			if tracker != nil {
				if err := c.track(ctx, tracker, id, upserts); err != nil {
					return err
				}
			}
			for _, s := range staged {
				if s.removeID(id) {
					removed++
				}
			}
		case stream.OperationRequiredContent:
			if err := c.requirePayload(ctx, id, upserts); err != nil {
				return err
			}
		}
	}

	batch := feedstore.Batch{
		Payloads:           upserts.list(),
		SemanticProperties: c.semantic,
	}
	for _, s := range staged {
		batch.Sessions = append(batch.Sessions, s.record())
	}
	if err := c.m.store.Commit(ctx, batch); err != nil {
		return fmt.Errorf("committing mutation: %w", err)
	}

	c.m.cache.swap(staged, batch.Payloads)

	if tracker != nil {
		c.m.runner.Execute("remove-tracking", func(context.Context) {
			tracker.TriggerConsumerUpdate()
		})
	}

	c.m.logger.Debug("mutation committed",
		"session", c.sessionID,
		"operations", len(c.ops),
		"added", added,
		"removed", removed,
		"payloads", len(batch.Payloads))
	return nil
}

func (c *Committer) stageTargets() ([]*Session, error) {
	ids := []string{stream.HeadSessionID}
	if c.sessionID != "" && c.sessionID != stream.HeadSessionID {
		ids = append(ids, c.sessionID)
	}

	staged := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, ok := c.m.cache.Lookup(id)
		switch {
		case ok:
			staged = append(staged, s.clone())
		case id == stream.HeadSessionID:
			staged = append(staged, c.m.factory.Create(id))
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
		}
	}
	return staged, nil
}

// payload finds the payload for id in the batch, the content cache, then the store.
func (c *Committer) payload(ctx context.Context, id string, upserts *payloadSet) (stream.Payload, bool, error) {
	if p, ok := upserts.byID[id]; ok {
		return p, true, nil
	}
	if p, ok := c.m.content.Get(id); ok {
		return p, true, nil
	}
	found, err := c.m.store.GetPayloads(ctx, []string{id})
	if err != nil {
		return stream.Payload{}, false, fmt.Errorf("reading payload %s: %w", id, err)
	}
	if len(found) == 0 {
		return stream.Payload{}, false, nil
	}
	return found[0].Payload, true, nil
}

func (c *Committer) track(ctx context.Context, tracker removetracking.RemoveTracking, id string, upserts *payloadSet) error {
	p, ok, err := c.payload(ctx, id, upserts)
	if err != nil {
		return err
	}
	if ok && p.Feature != nil {
		tracker.FilterStreamFeature(p.Feature)
	}
	return nil
}

func (c *Committer) requirePayload(ctx context.Context, id string, upserts *payloadSet) error {
	_, ok, err := c.payload(ctx, id, upserts)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingPayload, id)
	}
	return nil
}
