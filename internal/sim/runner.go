package sim

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/capmesh/capmesh/internal/coordination"
	"github.com/capmesh/capmesh/internal/logging"
	"github.com/capmesh/capmesh/internal/registry"
	"github.com/capmesh/capmesh/internal/taskrun"
)

// Counters tallies simulation outcomes.
type Counters struct {
	Submitted     int // work units generated
	Won           int // bid rounds with a winner
	NoWinner      int // bid rounds without one
	TasksRejected int // runtime submissions refused by budget or queue
	Completed     int // work units completed
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger. Defaults to a no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = l.WithComponent("sim") }
}

// Runner drives a Hub with the workers and work streams of a scenario.
type Runner struct {
	hub    *coordination.Hub
	logger *logging.Logger

	mu       sync.Mutex
	scenario *Scenario
	workers  []*worker
	counters Counters
	started  time.Time
}

// NewRunner creates a Runner for the given hub and scenario.
func NewRunner(hub *coordination.Hub, scenario *Scenario, opts ...Option) *Runner {
	r := &Runner{
		hub:      hub,
		scenario: scenario,
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Counters returns a copy of the current tallies.
func (r *Runner) Counters() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

// Run registers the scenario's workers and drives heartbeats and work
// submission until the scenario duration elapses or the context is
// cancelled. The hub must already be started.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	scenario := r.scenario
	r.started = time.Now()
	r.mu.Unlock()

	for _, spec := range scenario.Workers {
		w := newWorker(spec)
		if err := r.hub.RegisterWorker(w, w.capabilities(), 1); err != nil {
			return err
		}
		// Seed health so the first bid rounds see live workers.
		if err := r.hub.Heartbeat(w.ID(), w.spec.Score); err != nil {
			return err
		}
		r.mu.Lock()
		r.workers = append(r.workers, w)
		r.mu.Unlock()
	}
	r.logger.Info("scenario started",
		"name", scenario.Name, "workers", len(scenario.Workers), "sources", len(scenario.Work))

	if d := scenario.Duration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeatLoop(ctx)
	}()
	for i := range scenario.Work {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.workLoop(ctx, i)
		}()
	}
	wg.Wait()

	c := r.Counters()
	r.logger.Info("scenario finished",
		"submitted", c.Submitted, "won", c.Won, "no_winner", c.NoWinner,
		"rejected", c.TasksRejected, "completed", c.Completed)

	// Hitting the scenario's own deadline is the normal way a bounded
	// run ends.
	if scenario.Duration() > 0 && ctx.Err() == context.DeadlineExceeded {
		return nil
	}
	return ctx.Err()
}

// heartbeatLoop refreshes worker health records on the scenario's
// heartbeat interval. The interval is re-read each tick so scenario
// reloads apply mid-run. Flaky workers go silent past their cutoff.
func (r *Runner) heartbeatLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.scenarioSnapshot().HeartbeatInterval()):
			elapsed := time.Since(r.startedAt())
			r.mu.Lock()
			workers := append([]*worker(nil), r.workers...)
			r.mu.Unlock()
			for _, w := range workers {
				if !w.alive(elapsed) {
					continue
				}
				if err := r.hub.Heartbeat(w.ID(), w.spec.Score); err != nil {
					r.logger.Warn("heartbeat failed", "worker_id", w.ID(), "error", err)
				}
			}
		}
	}
}

// workLoop generates work units for the source at the given index: bid,
// claim, and hand the simulated execution to the task runtime. The
// source is re-read each iteration so scenario reloads change the
// interval and capability mid-run.
func (r *Runner) workLoop(ctx context.Context, idx int) {
	generated := 0
	for {
		src, ok := r.sourceAt(idx)
		if !ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(src.IntervalMs) * time.Millisecond):
			if src.Count > 0 && generated >= src.Count {
				return
			}
			generated++
			r.submitOne(ctx, src)
		}
	}
}

func (r *Runner) sourceAt(idx int) (WorkSource, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx >= len(r.scenario.Work) {
		return WorkSource{}, false
	}
	return r.scenario.Work[idx], true
}

func (r *Runner) submitOne(ctx context.Context, src WorkSource) {
	spec := registry.WorkSpec{
		WorkID:        uuid.NewString(),
		Capability:    src.Capability,
		CorrelationID: src.CorrelationID,
	}
	r.count(func(c *Counters) { c.Submitted++ })

	result := r.hub.RequestBids(spec)
	if result.Winner == nil {
		r.count(func(c *Counters) { c.NoWinner++ })
		r.logger.Debug("no winner", "work_id", spec.WorkID, "reason", result.Reason)
		return
	}
	r.count(func(c *Counters) { c.Won++ })

	winner := r.workerByID(result.Winner.WorkerID)
	duration := 50 * time.Millisecond
	if winner != nil {
		duration = winner.workDuration()
	}
	if err := r.hub.ClaimWork(spec.WorkID, result.Winner.WorkerID, spec, 4*duration); err != nil {
		r.logger.Warn("claim failed", "work_id", spec.WorkID, "error", err)
		return
	}

	_, err := r.hub.SubmitTask(taskrun.Task{
		ID:            spec.WorkID,
		CorrelationID: src.CorrelationID,
		Capability:    src.Capability,
		WorkerID:      result.Winner.WorkerID,
		Fn: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(duration):
			}
			if r.hub.CompleteWork(spec.WorkID, result.Winner.WorkerID) {
				r.count(func(c *Counters) { c.Completed++ })
			}
			if winner != nil {
				winner.release()
			}
			return nil
		},
	})
	if err != nil {
		r.count(func(c *Counters) { c.TasksRejected++ })
		r.logger.Debug("task rejected", "work_id", spec.WorkID, "error", err)
		// The claim stays; the fault monitor will time it out and
		// reassign once capacity frees up.
	}
}

func (r *Runner) count(f func(*Counters)) {
	r.mu.Lock()
	f(&r.counters)
	r.mu.Unlock()
}

func (r *Runner) workerByID(id string) *worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		if w.ID() == id {
			return w
		}
	}
	return nil
}

func (r *Runner) scenarioSnapshot() *Scenario {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scenario
}

func (r *Runner) startedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// applyScenario swaps in a reloaded scenario. Workers the new file adds
// are registered and seeded with a heartbeat; workers it drops are
// unregistered. Workers present in both keep their in-flight state.
func (r *Runner) applyScenario(scenario *Scenario) {
	r.mu.Lock()
	current := make(map[string]*worker, len(r.workers))
	for _, w := range r.workers {
		current[w.ID()] = w
	}
	var added []*worker
	next := make([]*worker, 0, len(scenario.Workers))
	for _, spec := range scenario.Workers {
		if w, ok := current[spec.ID]; ok {
			next = append(next, w)
			delete(current, spec.ID)
			continue
		}
		w := newWorker(spec)
		added = append(added, w)
		next = append(next, w)
	}
	removed := make([]string, 0, len(current))
	for id := range current {
		removed = append(removed, id)
	}
	r.workers = next
	r.scenario = scenario
	r.mu.Unlock()

	for _, w := range added {
		if err := r.hub.RegisterWorker(w, w.capabilities(), 1); err != nil {
			r.logger.Warn("worker add failed", "worker_id", w.ID(), "error", err)
			continue
		}
		if err := r.hub.Heartbeat(w.ID(), w.spec.Score); err != nil {
			r.logger.Warn("heartbeat failed", "worker_id", w.ID(), "error", err)
		}
	}
	for _, id := range removed {
		if err := r.hub.UnregisterWorker(id); err != nil {
			r.logger.Warn("worker remove failed", "worker_id", id, "error", err)
		}
	}
	if len(added) > 0 || len(removed) > 0 {
		r.logger.Info("workers reconciled", "added", len(added), "removed", len(removed))
	}
}

// Watch hot-reloads the scenario file on change. Work source and worker
// changes take effect mid-run. Blocks until the context ends.
func (r *Runner) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			scenario, err := LoadScenario(path)
			if err != nil {
				r.logger.Warn("scenario reload failed", "path", path, "error", err)
				continue
			}
			r.applyScenario(scenario)
			r.logger.Info("scenario reloaded", "name", scenario.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("scenario watch error", "error", err)
		}
	}
}
