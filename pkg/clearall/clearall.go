// Package clearall wipes the feed state when the host asks for it.
package clearall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/txn2/feedsync/pkg/feedstore"
	"github.com/txn2/feedsync/pkg/lifecycle"
	"github.com/txn2/feedsync/pkg/stream"
	"github.com/txn2/feedsync/pkg/taskqueue"
	"github.com/txn2/feedsync/pkg/threading"
)

// ErrMissingDependency is returned by New when a required collaborator is nil.
var ErrMissingDependency = errors.New("missing dependency")

// Queue is the task queue the listener pauses while it clears. *taskqueue.Queue implements it.
type Queue interface {
	taskqueue.Executor
	Reset()
	CompleteReset()
}

// Sessions is the session manager being cleared. *session.Manager implements it.
type Sessions interface {
	Reset(ctx context.Context) error
	TriggerRefresh(ctx context.Context, sessionID string, reason stream.RequestReason, uiContext []byte) error
}

// Config configures a Listener.
type Config struct {
	Queue    Queue
	Sessions Sessions

	// Store is reset after the sessions when set.
	Store feedstore.Resettable

	Checker    *threading.ThreadChecker
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Listener runs clear-all requests published on the lifecycle bus.
type Listener struct {
	queue    Queue
	sessions Sessions
	store    feedstore.Resettable
	checker  *threading.ThreadChecker
	logger   *slog.Logger

	clears    atomic.Int64
	refreshes atomic.Int64

	clearsTotal    *prometheus.CounterVec
	refreshesTotal prometheus.Counter
}

// New creates a Listener. Register it on the lifecycle bus to receive events.
func New(cfg Config) (*Listener, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("%w: task queue", ErrMissingDependency)
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("%w: sessions", ErrMissingDependency)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Checker == nil {
		cfg.Checker = threading.NewThreadChecker(false, cfg.Logger)
	}

	factory := promauto.With(cfg.Registerer)
	return &Listener{
		queue:    cfg.Queue,
		sessions: cfg.Sessions,
		store:    cfg.Store,
		checker:  cfg.Checker,
		logger:   cfg.Logger,
		clearsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedsync",
			Subsystem: "clearall",
			Name:      "clears_total",
			Help:      "Clear-all runs, by result.",
		}, []string{"result"}),
		refreshesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "feedsync",
			Subsystem: "clearall",
			Name:      "refreshes_total",
			Help:      "Refreshes issued after a clear-all.",
		}),
	}, nil
}

// OnLifecycleEvent implements lifecycle.Listener.
func (l *Listener) OnLifecycleEvent(_ context.Context, event lifecycle.Event) {
	var task taskqueue.Task
	switch event {
	case lifecycle.ClearAll:
		task = l.ClearAll
	case lifecycle.ClearAllWithRefresh:
		task = l.ClearAllWithRefresh
	default:
		return
	}
	if err := l.queue.Execute(string(event), taskqueue.Immediate, task); err != nil {
		l.logger.Warn("clear all not scheduled", "event", string(event), "error", err)
	}
}

// ClearAll pauses the queue, resets the sessions and the store, then resumes
// the queue. It must not be called on the main loop.
func (l *Listener) ClearAll(ctx context.Context) error {
	if err := l.checker.CheckNotMain(ctx, "clear all"); err != nil {
		return err
	}

	l.queue.Reset()
	var errs []error
	if err := l.sessions.Reset(ctx); err != nil {
		errs = append(errs, fmt.Errorf("resetting sessions: %w", err))
	}
	if l.store != nil {
		if err := l.store.Reset(ctx); err != nil {
			errs = append(errs, fmt.Errorf("resetting store: %w", err))
		}
	}
	l.queue.CompleteReset()

	if err := errors.Join(errs...); err != nil {
		l.clearsTotal.WithLabelValues("failure").Inc()
		return err
	}
	l.clears.Add(1)
	l.clearsTotal.WithLabelValues("success").Inc()
	l.logger.Info("feed cleared")
	return nil
}

// ClearAllWithRefresh runs ClearAll and then requests a fresh stream.
func (l *Listener) ClearAllWithRefresh(ctx context.Context) error {
	if err := l.ClearAll(ctx); err != nil {
		return err
	}
	l.refreshes.Add(1)
	l.refreshesTotal.Inc()
	if err := l.sessions.TriggerRefresh(ctx, "", stream.ReasonClearAll, nil); err != nil {
		return fmt.Errorf("refreshing after clear all: %w", err)
	}
	return nil
}

// ClearCount returns how many clear-all runs have completed without error.
func (l *Listener) ClearCount() int64 { return l.clears.Load() }

// RefreshCount returns how many refreshes followed a clear-all.
func (l *Listener) RefreshCount() int64 { return l.refreshes.Load() }

var _ lifecycle.Listener = (*Listener)(nil)
