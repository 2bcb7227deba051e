// Package threading provides the main-loop handoff used for host-facing
// callbacks and the checker that guards operations which must stay off it.
package threading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrMainThread is returned when an operation that must run off the main loop is called on it.
var ErrMainThread = errors.New("operation must not run on the main loop")

// MainThreadRunner runs callbacks on the host's main loop.
type MainThreadRunner interface {
	// Execute schedules fn on the main loop. It never blocks on fn.
	Execute(name string, fn func(ctx context.Context))
}

type mainKey struct{}

// WithMainThread marks ctx as belonging to the main loop.
func WithMainThread(ctx context.Context) context.Context {
	return context.WithValue(ctx, mainKey{}, true)
}

// OnMainThread reports whether ctx was handed out by the main loop.
func OnMainThread(ctx context.Context) bool {
	v, _ := ctx.Value(mainKey{}).(bool)
	return v
}

type job struct {
	name string
	fn   func(ctx context.Context)
}

// Loop is a MainThreadRunner backed by a single goroutine. Callbacks run in
// submission order with a context marked by WithMainThread.
type Loop struct {
	mu      sync.Mutex
	pending []job
	wake    chan struct{}
	logger  *slog.Logger
}

// NewLoop creates a Loop. Call Run to start it.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{wake: make(chan struct{}, 1), logger: logger}
}

// Execute implements MainThreadRunner.
func (l *Loop) Execute(name string, fn func(ctx context.Context)) {
	l.mu.Lock()
	l.pending = append(l.pending, job{name: name, fn: fn})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drains callbacks until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	mainCtx := WithMainThread(ctx)
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		for _, j := range batch {
			l.invoke(mainCtx, j)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) invoke(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("main loop callback panicked", "callback", j.name, "panic", r)
		}
	}()
	j.fn(ctx)
}

// Synchronous is a MainThreadRunner that runs callbacks on the caller's
// goroutine. Hosts without a separate UI loop use it.
type Synchronous struct{}

// Execute implements MainThreadRunner.
func (Synchronous) Execute(_ string, fn func(ctx context.Context)) {
	fn(WithMainThread(context.Background()))
}

// ThreadChecker guards operations that must not run on the main loop.
type ThreadChecker struct {
	strict bool
	logger *slog.Logger
}

// NewThreadChecker creates a checker. In strict mode a violation panics.
func NewThreadChecker(strict bool, logger *slog.Logger) *ThreadChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreadChecker{strict: strict, logger: logger}
}

// CheckNotMain returns ErrMainThread when ctx belongs to the main loop.
func (c *ThreadChecker) CheckNotMain(ctx context.Context, op string) error {
	if !OnMainThread(ctx) {
		return nil
	}
	err := fmt.Errorf("%s: %w", op, ErrMainThread)
	if c.strict {
		panic(err)
	}
	c.logger.Error("threading violation", "operation", op)
	return err
}
