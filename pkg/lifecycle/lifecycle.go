// Package lifecycle dispatches feed lifecycle events to registered listeners.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
)

// Event is a string-keyed lifecycle event.
type Event string

// Lifecycle events.
const (
	ClearAll            Event = "clear_all"
	ClearAllWithRefresh Event = "clear_all_with_refresh"
	Initialized         Event = "initialized"
	EnterBackground     Event = "enter_background"
	SessionsReset       Event = "sessions_reset"
	RefreshTriggered    Event = "refresh_triggered"
)

// Listener receives lifecycle events.
type Listener interface {
	OnLifecycleEvent(ctx context.Context, event Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, event Event)

// OnLifecycleEvent implements Listener.
func (f ListenerFunc) OnLifecycleEvent(ctx context.Context, event Event) {
	f(ctx, event)
}

// Publisher is the sending side of the bus.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type registration struct {
	id       uint64
	listener Listener
}

// Bus fans events out to listeners in registration order. Listeners are
// snapshotted before delivery, so registering or unregistering from inside a
// listener affects only later events.
type Bus struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []registration
	logger    *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Register adds a listener and returns a function that removes it.
func (b *Bus) Register(l Listener) (unregister func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, registration{id: id, listener: l})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, r := range b.listeners {
			if r.id == id {
				b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers event to every listener on the calling goroutine.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.Lock()
	snapshot := make([]registration, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.Unlock()

	b.logger.Debug("lifecycle event", "event", string(event), "listeners", len(snapshot))
	for _, r := range snapshot {
		b.deliver(ctx, r.listener, event)
	}
}

func (b *Bus) deliver(ctx context.Context, l Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("lifecycle listener panicked", "event", string(event), "panic", r)
		}
	}()
	l.OnLifecycleEvent(ctx, event)
}
