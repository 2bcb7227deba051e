package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAlreadyStarted is returned by Lifecycle.Start on a second call.
var ErrAlreadyStarted = errors.New("lifecycle already started")

// Hook is one named start/stop pair. Either function may be nil.
type Hook struct {
	Name  string
	Start func(context.Context) error
	Stop  func(context.Context) error
}

// Lifecycle starts hooks in registration order and stops them in reverse.
type Lifecycle struct {
	mu      sync.Mutex
	hooks   []Hook
	started int // hooks started so far; -1 when not running
	logger  *slog.Logger
}

// NewLifecycle creates a lifecycle manager.
func NewLifecycle(logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{started: -1, logger: logger}
}

// Append registers a hook.
func (l *Lifecycle) Append(h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, h)
}

// OnStop registers a stop-only hook.
func (l *Lifecycle) OnStop(name string, fn func(context.Context) error) {
	l.Append(Hook{Name: name, Stop: fn})
}

// Closer is something that can be closed.
type Closer interface {
	Close() error
}

// RegisterCloser closes c on shutdown.
func (l *Lifecycle) RegisterCloser(name string, c Closer) {
	l.OnStop(name, func(context.Context) error { return c.Close() })
}

// Start runs every start function. When one fails the hooks already started
// are stopped in reverse order and the failure is returned.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started >= 0 {
		return ErrAlreadyStarted
	}

	for i, h := range l.hooks {
		if h.Start != nil {
			if err := h.Start(ctx); err != nil {
				if stopErr := l.stopLocked(ctx, i); stopErr != nil {
					l.logger.Warn("lifecycle rollback incomplete", "hook", h.Name, "error", stopErr)
				}
				return fmt.Errorf("starting %s: %w", h.Name, err)
			}
		}
		l.logger.Debug("lifecycle hook started", "hook", h.Name)
	}

	l.started = len(l.hooks)
	return nil
}

// Stop runs the stop functions of started hooks in reverse order. Every hook
// is stopped even when an earlier one fails; the failures are joined.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started < 0 {
		return nil
	}
	return l.stopLocked(ctx, l.started)
}

func (l *Lifecycle) stopLocked(ctx context.Context, n int) error {
	var errs []error
	for i := n - 1; i >= 0; i-- {
		h := l.hooks[i]
		if h.Stop == nil {
			continue
		}
		if err := h.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", h.Name, err))
		}
	}
	l.started = -1
	return errors.Join(errs...)
}

// IsStarted reports whether Start has succeeded and Stop has not run since.
func (l *Lifecycle) IsStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started >= 0
}
