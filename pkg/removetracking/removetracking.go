// Package removetracking reports content removed by a mutation back to the
// host, scoped to the session that requested the mutation.
package removetracking

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/txn2/feedsync/pkg/stream"
)

// ContentRemoval describes one removed piece of content.
type ContentRemoval struct {
	URL             string
	IsUserInitiated bool
}

// KnownContentListener receives removal batches.
type KnownContentListener interface {
	OnContentRemoved(removals []ContentRemoval)
}

// KnownContentListenerFunc adapts a function to KnownContentListener.
type KnownContentListenerFunc func(removals []ContentRemoval)

// OnContentRemoved implements KnownContentListener.
func (f KnownContentListenerFunc) OnContentRemoved(removals []ContentRemoval) {
	f(removals)
}

// ModelProvider reports the session currently shown by the host.
type ModelProvider interface {
	CurrentSessionID() string
}

// RemoveTracking accumulates removals for one mutation.
type RemoveTracking interface {
	// FilterStreamFeature records feature if it is tracked.
	FilterStreamFeature(feature *stream.Feature)

	// TriggerConsumerUpdate delivers the accumulated removals. Only the first call delivers.
	TriggerConsumerUpdate()
}

// Factory creates a RemoveTracking for a mutation, or nil when the mutation is not tracked.
type Factory interface {
	Create(mc stream.MutationContext) RemoveTracking
}

// StreamFactory tracks removals requested by the session the host is currently showing.
type StreamFactory struct {
	model    ModelProvider
	listener KnownContentListener
	logger   *slog.Logger
}

// NewStreamFactory creates a StreamFactory.
func NewStreamFactory(model ModelProvider, listener KnownContentListener, logger *slog.Logger) *StreamFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamFactory{model: model, listener: listener, logger: logger}
}

// Create implements Factory. It returns nil when the mutation has no requesting
// session or the requesting session is not the model provider's current one.
func (f *StreamFactory) Create(mc stream.MutationContext) RemoveTracking {
	if !mc.HasRequestingSession() {
		return nil
	}
	if f.model == nil || mc.RequestingSessionID != f.model.CurrentSessionID() {
		return nil
	}
	return &Tracker{
		userInitiated: mc.IsUserInitiated,
		listener:      f.listener,
		logger:        f.logger,
	}
}

// Tracker records ContentRemoval values in call order.
type Tracker struct {
	mu            sync.Mutex
	userInitiated bool
	removals      []ContentRemoval
	triggered     bool
	listener      KnownContentListener
	logger        *slog.Logger
}

// FilterStreamFeature implements RemoveTracking. Features without
// representation data carry no url and are ignored.
func (t *Tracker) FilterStreamFeature(feature *stream.Feature) {
	url, ok := feature.URL()
	if !ok {
		return
	}
	t.mu.Lock()
	t.removals = append(t.removals, ContentRemoval{URL: url, IsUserInitiated: t.userInitiated})
	t.mu.Unlock()
}

// TriggerConsumerUpdate implements RemoveTracking.
func (t *Tracker) TriggerConsumerUpdate() {
	t.mu.Lock()
	if t.triggered {
		t.mu.Unlock()
		t.logger.Warn("remove tracking already delivered; ignoring repeat trigger")
		return
	}
	t.triggered = true
	removals := t.removals
	t.removals = nil
	t.mu.Unlock()

	if t.listener != nil {
		t.listener.OnContentRemoved(removals)
	}
}

// CurrentSession is a ModelProvider the host updates when it switches sessions.
type CurrentSession struct {
	id atomic.Value
}

// Set records the session the host is showing.
func (c *CurrentSession) Set(sessionID string) {
	c.id.Store(sessionID)
}

// CurrentSessionID implements ModelProvider.
func (c *CurrentSession) CurrentSessionID() string {
	id, _ := c.id.Load().(string)
	return id
}
