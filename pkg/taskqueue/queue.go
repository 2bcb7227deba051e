// Package taskqueue provides the single-writer serialization point of the feed
// engine. Every mutation of session, content or action state is submitted as
// a task; tasks run one at a time on a single worker goroutine.
//
// Queued IMMEDIATE tasks run before USER_FACING tasks, which run before
// BACKGROUND tasks. Within a type tasks run in submission order. A running task
// is never preempted.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TaskType is the priority class of a task.
type TaskType int

// Task types, highest priority first.
const (
	Immediate TaskType = iota
	UserFacing
	Background

	numTaskTypes = 3
)

// String returns the lowercase name of the type.
func (t TaskType) String() string {
	switch t {
	case Immediate:
		return "immediate"
	case UserFacing:
		return "user_facing"
	case Background:
		return "background"
	default:
		return fmt.Sprintf("task_type(%d)", int(t))
	}
}

// Task is a unit of work. A returned error is logged; it does not stop the queue.
type Task func(ctx context.Context) error

var (
	// ErrResetting is returned by Execute while the queue is between Reset and CompleteReset.
	ErrResetting = errors.New("task queue is resetting")

	// ErrUnknownTaskType is returned by Execute for an out-of-range TaskType.
	ErrUnknownTaskType = errors.New("unknown task type")
)

// Executor submits tasks. *Queue implements it.
type Executor interface {
	Execute(id string, typ TaskType, task Task) error
}

// DropNotifier is an Executor that reports tasks discarded by a reset before
// they ran. *Queue implements it.
type DropNotifier interface {
	Executor
	ExecuteWithDrop(id string, typ TaskType, task Task, onDrop func(error)) error
}

// Submit queues task on e. When e is a DropNotifier, onDrop is called with
// ErrResetting if a reset discards the task before it runs.
func Submit(e Executor, id string, typ TaskType, task Task, onDrop func(error)) error {
	if dn, ok := e.(DropNotifier); ok && onDrop != nil {
		return dn.ExecuteWithDrop(id, typ, task, onDrop)
	}
	return e.Execute(id, typ, task)
}

type queuedTask struct {
	id       string
	typ      TaskType
	task     Task
	onDrop   func(error)
	queuedAt time.Time
}

// Config configures a Queue.
type Config struct {
	// Logger receives task failures and lifecycle messages. Defaults to slog.Default().
	Logger *slog.Logger

	// Registerer registers the queue metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// Queue is a priority-aware, single-consumer task queue. Submission is safe
// from any goroutine; execution happens on the goroutine calling Run.
type Queue struct {
	mu        sync.Mutex
	pending   [numTaskTypes][]queuedTask
	running   bool
	resetting bool
	idle      chan struct{}

	wake    chan struct{}
	logger  *slog.Logger
	metrics *metrics
}

// New creates a queue. Call Run to start executing tasks.
func New(cfg Config) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		wake:    make(chan struct{}, 1),
		logger:  cfg.Logger,
		metrics: newMetrics(cfg.Registerer),
	}
}

// Execute submits a task. It never blocks on task execution.
func (q *Queue) Execute(id string, typ TaskType, task Task) error {
	return q.ExecuteWithDrop(id, typ, task, nil)
}

// ExecuteWithDrop submits a task like Execute. onDrop, if set, is called with
// ErrResetting when Reset discards the task before it starts. It is not called
// when submission itself fails.
func (q *Queue) ExecuteWithDrop(id string, typ TaskType, task Task, onDrop func(error)) error {
	if typ < Immediate || typ > Background {
		return fmt.Errorf("%w: %d", ErrUnknownTaskType, int(typ))
	}

	q.mu.Lock()
	if q.resetting {
		q.mu.Unlock()
		q.metrics.dropped.WithLabelValues(typ.String()).Inc()
		q.logger.Warn("task rejected while queue is resetting", "task", id, "type", typ.String())
		return ErrResetting
	}
	q.pending[typ] = append(q.pending[typ], queuedTask{id: id, typ: typ, task: task, onDrop: onDrop, queuedAt: time.Now()})
	q.metrics.depth.WithLabelValues(typ.String()).Set(float64(len(q.pending[typ])))
	q.mu.Unlock()

	q.signal()
	return nil
}

// Reset stops admission of new tasks and drops tasks that have not started.
// A task that is already running completes normally. Drop callbacks of the
// discarded tasks run on the calling goroutine after the queue lock is released.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.resetting = true
	var dropped []queuedTask
	for i := range q.pending {
		if n := len(q.pending[i]); n > 0 {
			q.metrics.dropped.WithLabelValues(TaskType(i).String()).Add(float64(n))
		}
		dropped = append(dropped, q.pending[i]...)
		q.pending[i] = nil
		q.metrics.depth.WithLabelValues(TaskType(i).String()).Set(0)
	}
	q.mu.Unlock()

	q.logger.Info("task queue reset", "dropped_tasks", len(dropped))
	for _, t := range dropped {
		if t.onDrop != nil {
			t.onDrop(ErrResetting)
		}
	}
}

// CompleteReset resumes admission of new tasks.
func (q *Queue) CompleteReset() {
	q.mu.Lock()
	q.resetting = false
	q.mu.Unlock()

	q.logger.Info("task queue reset complete")
}

// IsResetting reports whether the queue is between Reset and CompleteReset.
func (q *Queue) IsResetting() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.resetting
}

// Len returns the number of queued tasks that have not started.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for i := range q.pending {
		n += len(q.pending[i])
	}
	return n
}

// Run executes tasks until ctx is done. Only one goroutine may call Run.
func (q *Queue) Run(ctx context.Context) error {
	for {
		t, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.wake:
				continue
			}
		}
		q.runTask(ctx, t)
	}
}

// WaitIdle blocks until no task is queued or running, or ctx is done.
func (q *Queue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	if !q.running && q.pendingLocked() == 0 {
		q.mu.Unlock()
		return nil
	}
	if q.idle == nil {
		q.idle = make(chan struct{})
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// next pops the highest-priority task, or marks the queue idle when there is none.
func (q *Queue) next() (queuedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.pending {
		if len(q.pending[i]) == 0 {
			continue
		}
		t := q.pending[i][0]
		q.pending[i][0] = queuedTask{}
		q.pending[i] = q.pending[i][1:]
		q.metrics.depth.WithLabelValues(TaskType(i).String()).Set(float64(len(q.pending[i])))
		q.running = true
		return t, true
	}

	q.running = false
	if q.idle != nil {
		close(q.idle)
		q.idle = nil
	}
	return queuedTask{}, false
}

func (q *Queue) pendingLocked() int {
	n := 0
	for i := range q.pending {
		n += len(q.pending[i])
	}
	return n
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) runTask(ctx context.Context, t queuedTask) {
	typ := t.typ.String()
	q.metrics.waitSeconds.WithLabelValues(typ).Observe(time.Since(t.queuedAt).Seconds())

	start := time.Now()
	err := q.invoke(withTask(ctx, t.id, t.typ), t)
	q.metrics.runSeconds.WithLabelValues(typ).Observe(time.Since(start).Seconds())

	if err != nil {
		q.metrics.tasks.WithLabelValues(typ, "failure").Inc()
		q.logger.Warn("task failed", "task", t.id, "type", typ, "error", err)
		return
	}
	q.metrics.tasks.WithLabelValues(typ, "success").Inc()
	q.logger.Debug("task completed", "task", t.id, "type", typ, "duration", time.Since(start))
}

// invoke runs the task, converting a panic into an error so the worker survives.
func (q *Queue) invoke(ctx context.Context, t queuedTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.id, r)
		}
	}()
	return t.task(ctx)
}

// Verify interface compliance.
var (
	_ Executor     = (*Queue)(nil)
	_ DropNotifier = (*Queue)(nil)
)
