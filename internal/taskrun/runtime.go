// Package taskrun executes admitted tasks on a single consumer goroutine.
//
// Tasks enter through a bounded queue with a non-blocking Submit: when the
// queue is full or the fairness budget denies admission, the submitter gets
// an error immediately instead of blocking. One consumer drains the queue
// in order, runs each task with panic recovery, and releases the task's
// budget slot exactly once regardless of how the task ends.
package taskrun

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capmesh/capmesh/internal/errors"
	"github.com/capmesh/capmesh/internal/event"
	"github.com/capmesh/capmesh/internal/fairness"
	"github.com/capmesh/capmesh/internal/logging"
)

// defaultQueueSize bounds the task queue. A full queue rejects rather
// than blocks, so a stalled consumer cannot wedge submitters.
const defaultQueueSize = 256

// Fn is a unit of work executed by the runtime.
type Fn func(ctx context.Context) error

// Task describes a unit of work to submit.
type Task struct {
	// ID identifies the task; generated when empty.
	ID string
	// CorrelationID names the workflow the task belongs to. Required:
	// admission is budgeted per correlation.
	CorrelationID string
	// Capability and WorkerID are advisory context carried into events
	// and logs.
	Capability string
	WorkerID   string
	// Priority is advisory ordering context. The queue itself is FIFO.
	Priority int
	// Fn is the work to run. Required.
	Fn Fn
}

// Handle tracks one submitted task. Done is closed when the task
// finishes; Err is valid after that.
type Handle struct {
	id   string
	done chan struct{}

	mu  sync.Mutex
	err error
}

// ID returns the task id, generated or caller-supplied.
func (h *Handle) ID() string { return h.id }

// Done returns a channel closed when the task has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task's terminal error. Only meaningful after Done is
// closed; nil means success.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// queued pairs a task with its handle and its exactly-once budget
// release.
type queued struct {
	task    Task
	handle  *Handle
	release *sync.Once
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithQueueSize sets the bounded queue capacity.
func WithQueueSize(n int) Option {
	return func(r *Runtime) { r.queueSize = n }
}

// WithBus sets the event bus for task lifecycle events.
func WithBus(bus *event.Bus) Option {
	return func(r *Runtime) { r.bus = bus }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runtime) { r.logger = l.WithComponent("taskrun") }
}

// WithClock sets the time source used for duration measurements.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// Runtime is the single-consumer task executor.
type Runtime struct {
	budget    *fairness.Budgeter
	queue     chan queued
	queueSize int

	bus    *event.Bus
	logger *logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	started  bool
	stopFunc context.CancelFunc
	stopped  chan struct{}
}

// NewRuntime creates a Runtime drawing admission from the given budgeter.
func NewRuntime(budget *fairness.Budgeter, opts ...Option) *Runtime {
	r := &Runtime{
		budget:    budget,
		queueSize: defaultQueueSize,
		logger:    logging.NopLogger(),
		now:       time.Now,
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.queue = make(chan queued, r.queueSize)
	return r
}

// Submit validates, budgets, and enqueues a task without blocking.
// Returns ErrBudgetExhausted (wrapped) when the correlation or global
// budget denies admission and ErrQueueFull when the queue has no room.
// The budget slot taken here is released exactly once when the task
// finishes, panics, or is dropped during shutdown.
func (r *Runtime) Submit(task Task) (*Handle, error) {
	if task.Fn == nil {
		return nil, errors.NewValidationError("task", "Fn must not be nil")
	}
	if task.CorrelationID == "" {
		return nil, errors.NewValidationError("task", "CorrelationID must not be empty")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	// The started check and the enqueue share one critical section with
	// Stop's drain: a task can never slip into the queue after drain has
	// already failed everything queued.
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil, errors.ErrNotStarted
	}

	if !r.budget.Acquire(task.CorrelationID) {
		r.mu.Unlock()
		return nil, errors.NewAdmissionError("task rejected", errors.ErrBudgetExhausted).
			WithCorrelation(task.CorrelationID)
	}

	q := queued{
		task:    task,
		handle:  &Handle{id: task.ID, done: make(chan struct{})},
		release: &sync.Once{},
	}

	select {
	case r.queue <- q:
	default:
		r.releaseOnce(q)
		r.mu.Unlock()
		return nil, errors.NewAdmissionError("task rejected", errors.ErrQueueFull).
			WithCorrelation(task.CorrelationID)
	}
	r.mu.Unlock()

	r.logger.Debug("task queued",
		"task_id", task.ID, "correlation_id", task.CorrelationID, "capability", task.Capability)
	if r.bus != nil {
		r.bus.Publish(event.NewTaskSubmittedEvent(task.ID, task.CorrelationID, task.Capability, task.WorkerID))
	}
	return q.handle, nil
}

// QueueDepth returns the number of tasks waiting for the consumer.
func (r *Runtime) QueueDepth() int { return len(r.queue) }

// Start launches the consumer goroutine. Returns ErrAlreadyStarted on a
// second call.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	r.started = true
	ctx, cancel := context.WithCancel(ctx)
	r.stopFunc = cancel
	r.mu.Unlock()

	go r.consume(ctx)
	r.logger.Info("task runtime started", "queue_size", r.queueSize)
	return nil
}

// Stop cancels the consumer and waits for it to exit. Tasks still in the
// queue are failed with ErrStopped and their budget slots released.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.stopFunc
	r.mu.Unlock()

	cancel()
	<-r.stopped

	r.mu.Lock()
	r.drain()
	r.mu.Unlock()
	r.logger.Info("task runtime stopped")
}

// consume is the single consumer loop.
func (r *Runtime) consume(ctx context.Context) {
	defer close(r.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-r.queue:
			r.runTask(ctx, q)
		}
	}
}

// runTask executes one task with panic recovery. Whatever happens, the
// budget slot is released and the handle is finished exactly once.
func (r *Runtime) runTask(ctx context.Context, q queued) {
	start := r.now()
	var err error

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("task %s panicked: %v", q.task.ID, rec)
				r.logger.Error("task panicked",
					"task_id", q.task.ID, "correlation_id", q.task.CorrelationID, "panic", rec)
			}
		}()
		err = q.task.Fn(ctx)
	}()

	r.releaseOnce(q)
	q.handle.finish(err)

	duration := r.now().Sub(start)
	if err != nil {
		r.logger.Warn("task failed",
			"task_id", q.task.ID, "correlation_id", q.task.CorrelationID,
			"duration", duration, "error", err)
	} else {
		r.logger.Debug("task completed",
			"task_id", q.task.ID, "correlation_id", q.task.CorrelationID, "duration", duration)
	}
	if r.bus != nil {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		r.bus.Publish(event.NewTaskCompletedEvent(q.task.ID, q.task.CorrelationID, q.task.Capability, err == nil, msg))
	}
}

// drain fails every task still queued after shutdown.
func (r *Runtime) drain() {
	for {
		select {
		case q := <-r.queue:
			r.releaseOnce(q)
			q.handle.finish(errors.ErrStopped)
		default:
			return
		}
	}
}

func (r *Runtime) releaseOnce(q queued) {
	q.release.Do(func() { r.budget.Release(q.task.CorrelationID) })
}
