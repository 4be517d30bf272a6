// Package flow implements back-pressure for the capmesh scheduler: per-worker
// capacity accounting, system-wide utilization tracking, and overload
// detection. The bid coordinator consults the [Controller] before and during
// every round; the controller itself never assigns or moves work — when it
// spots an imbalance it logs an advisory redistribution hint and nothing more.
package flow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/capmesh/capmesh/internal/errors"
	"github.com/capmesh/capmesh/internal/event"
	"github.com/capmesh/capmesh/internal/logging"
	"github.com/capmesh/capmesh/internal/registry"
)

// Default flow control values.
const (
	defaultLoadThreshold   = 0.8
	defaultRefreshInterval = 2 * time.Second
)

// Flow event types accepted by HandleEvent.
const (
	// EventOverload marks a worker overloaded until further notice.
	EventOverload = "overload"

	// EventAvailable clears a worker's overloaded/throttled state.
	EventAvailable = "available"

	// EventThrottle asks for reduced assignment to a worker. The event
	// data may carry a "throttle_factor" float64.
	EventThrottle = "throttle"

	// EventCapacityChanged reports a new capacity figure for a worker.
	EventCapacityChanged = "capacity_changed"
)

// Option configures a Controller.
type Option func(*Controller)

// WithLoadThreshold sets the system utilization at or above which the
// whole mesh is considered overloaded.
func WithLoadThreshold(threshold float64) Option {
	return func(c *Controller) { c.threshold = threshold }
}

// WithRefreshInterval sets how often the background loop recomputes
// utilization and per-worker capacity.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Controller) { c.refreshInterval = d }
}

// WithClock sets the time source. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithBus sets the event bus for observability events.
func WithBus(bus *event.Bus) Option {
	return func(c *Controller) { c.bus = bus }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) { c.logger = l.WithComponent("flow") }
}

// Controller maintains capacity info per worker and a system-wide
// utilization figure (Σ current_load / Σ max_capacity over healthy
// workers). Entering and leaving system-wide overload is logged as a
// state transition, never silently absorbed.
type Controller struct {
	mu         sync.Mutex
	capacity   map[string]registry.CapacityInfo
	overloaded map[string]bool // worker-declared overload, via flow events
	throttled  map[string]float64
	sysOver    bool

	reg             *registry.Registry
	threshold       float64
	refreshInterval time.Duration
	now             func() time.Time
	bus             *event.Bus
	logger          *logging.Logger

	stopFunc context.CancelFunc
	stopped  chan struct{}
}

// NewController creates a Controller over the given registry.
func NewController(reg *registry.Registry, opts ...Option) *Controller {
	c := &Controller{
		capacity:        make(map[string]registry.CapacityInfo),
		overloaded:      make(map[string]bool),
		throttled:       make(map[string]float64),
		reg:             reg,
		threshold:       defaultLoadThreshold,
		refreshInterval: defaultRefreshInterval,
		now:             time.Now,
		logger:          logging.NopLogger(),
		stopped:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Utilization returns Σ current_load / Σ max_capacity over healthy
// workers. Zero capacity yields zero utilization.
func (c *Controller) Utilization() float64 {
	load, capacity := 0, 0
	for _, w := range c.reg.HealthyWorkers() {
		load += w.CurrentLoad()
		capacity += w.MaxCapacity()
	}
	if capacity == 0 {
		return 0
	}
	return float64(load) / float64(capacity)
}

// SystemOverloaded reports whether utilization is at or above the load
// threshold, logging the transition when the answer changes.
func (c *Controller) SystemOverloaded() bool {
	util := c.Utilization()
	over := util >= c.threshold

	c.mu.Lock()
	changed := over != c.sysOver
	c.sysOver = over
	c.mu.Unlock()

	if changed {
		if over {
			c.logger.Warn("system overload entered", "utilization", util, "threshold", c.threshold)
			if c.bus != nil {
				c.bus.Publish(event.NewSystemOverloadedEvent(util, c.threshold))
			}
		} else {
			c.logger.Info("system overload cleared", "utilization", util, "threshold", c.threshold)
			if c.bus != nil {
				c.bus.Publish(event.NewSystemRecoveredEvent(util, c.threshold))
			}
		}
	}
	return over
}

// CanAccept reports whether a worker can take more work: not in the
// overloaded set, not at capacity, and — for workers that implement
// their own admission check — willing.
func (c *Controller) CanAccept(workerID string) bool {
	c.mu.Lock()
	declared := c.overloaded[workerID]
	c.mu.Unlock()
	if declared {
		return false
	}

	w, ok := c.reg.Worker(workerID)
	if !ok {
		return false
	}
	if w.CurrentLoad() >= w.MaxCapacity() {
		return false
	}

	info, ok := c.reg.Info(workerID)
	if ok && info.Features.ReportsAdmission {
		if reporter, ok := w.(registry.AdmissionReporter); ok && !reporter.CanAcceptWork() {
			return false
		}
	}
	return true
}

// IsWorkerOverloaded reports whether a worker is currently overloaded,
// either self-declared or at capacity. Used to filter bids.
func (c *Controller) IsWorkerOverloaded(workerID string) bool {
	c.mu.Lock()
	declared := c.overloaded[workerID]
	c.mu.Unlock()
	if declared {
		return true
	}
	w, ok := c.reg.Worker(workerID)
	if !ok {
		return true
	}
	return w.CurrentLoad() >= w.MaxCapacity()
}

// RefreshCapacity recomputes and stores a worker's capacity info.
// Called after every winning bid is handed out.
func (c *Controller) RefreshCapacity(workerID string) {
	w, ok := c.reg.Worker(workerID)
	if !ok {
		c.mu.Lock()
		delete(c.capacity, workerID)
		c.mu.Unlock()
		return
	}

	var info registry.CapacityInfo
	if reporter, ok := w.(registry.CapacityReporter); ok {
		info = reporter.CapacityInfo()
		info.WorkerID = workerID
	} else {
		info = c.deriveCapacity(workerID, w)
	}

	c.mu.Lock()
	c.capacity[workerID] = info
	c.mu.Unlock()
}

// deriveCapacity computes capacity info from load figures for workers
// without a CapacityReporter.
func (c *Controller) deriveCapacity(workerID string, w registry.Worker) registry.CapacityInfo {
	slots := w.MaxCapacity() - w.CurrentLoad()
	if slots < 0 {
		slots = 0
	}

	c.mu.Lock()
	factor, throttledSet := c.throttled[workerID]
	declared := c.overloaded[workerID]
	c.mu.Unlock()

	status := registry.FlowAvailable
	throttle := 1.0
	switch {
	case declared || slots == 0:
		status = registry.FlowOverloaded
		throttle = 0
	case throttledSet:
		status = registry.FlowThrottled
		throttle = factor
	}

	return registry.CapacityInfo{
		WorkerID:       workerID,
		AvailableSlots: slots,
		Status:         status,
		ThrottleFactor: throttle,
	}
}

// CapacityOf returns the last stored capacity info for a worker.
func (c *Controller) CapacityOf(workerID string) (registry.CapacityInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.capacity[workerID]
	return info, ok
}

// HandleEvent processes an explicit flow-control event from a worker.
// Unknown event types are rejected; unknown workers are ignored with a
// warning since flow events may race with unregistration.
func (c *Controller) HandleEvent(eventType, workerID string, data map[string]any) error {
	if _, ok := c.reg.Worker(workerID); !ok {
		c.logger.Warn("flow event for unknown worker", "event", eventType, "worker_id", workerID)
		return nil
	}

	switch eventType {
	case EventOverload:
		c.mu.Lock()
		c.overloaded[workerID] = true
		delete(c.throttled, workerID)
		c.mu.Unlock()
		c.logger.Warn("worker overloaded", "worker_id", workerID)
		c.logRedistributionHint(workerID)
		c.publishFlowChange(workerID, registry.FlowOverloaded)

	case EventAvailable:
		c.mu.Lock()
		delete(c.overloaded, workerID)
		delete(c.throttled, workerID)
		c.mu.Unlock()
		c.logger.Info("worker available", "worker_id", workerID)
		c.publishFlowChange(workerID, registry.FlowAvailable)

	case EventThrottle:
		factor := 0.5
		if f, ok := data["throttle_factor"].(float64); ok && f > 0 && f < 1 {
			factor = f
		}
		c.mu.Lock()
		c.throttled[workerID] = factor
		delete(c.overloaded, workerID)
		c.mu.Unlock()
		c.logger.Info("worker throttled", "worker_id", workerID, "throttle_factor", factor)
		c.logRedistributionHint(workerID)
		c.publishFlowChange(workerID, registry.FlowThrottled)

	case EventCapacityChanged:
		c.RefreshCapacity(workerID)
		c.logger.Debug("worker capacity changed", "worker_id", workerID)

	default:
		return errors.NewValidationError("event_type", fmt.Sprintf("unknown flow event %q", eventType))
	}

	c.RefreshCapacity(workerID)
	return nil
}

// publishFlowChange emits a WorkerFlowChangedEvent if a bus is attached.
func (c *Controller) publishFlowChange(workerID string, status registry.FlowStatus) {
	if c.bus != nil {
		c.bus.Publish(event.NewWorkerFlowChangedEvent(workerID, string(status)))
	}
}

// logRedistributionHint names the most and least loaded healthy workers
// when one worker backs off. Advisory only; nothing is moved.
func (c *Controller) logRedistributionHint(workerID string) {
	workers := c.reg.HealthyWorkers()
	if len(workers) < 2 {
		return
	}

	var busiest, freest registry.Worker
	busiestRatio, freestRatio := -1.0, 2.0
	for _, w := range workers {
		if w.MaxCapacity() == 0 {
			continue
		}
		ratio := float64(w.CurrentLoad()) / float64(w.MaxCapacity())
		if ratio > busiestRatio {
			busiestRatio, busiest = ratio, w
		}
		if ratio < freestRatio {
			freestRatio, freest = ratio, w
		}
	}
	if busiest == nil || freest == nil || busiest.ID() == freest.ID() {
		return
	}

	c.logger.Info("redistribution hint",
		"backing_off", workerID,
		"busiest_worker", busiest.ID(),
		"busiest_ratio", busiestRatio,
		"freest_worker", freest.ID(),
		"freest_ratio", freestRatio,
	)
}

// Start runs the periodic refresh loop until the context is cancelled or
// Stop is called. It must not block caller-facing operations, so all it
// does per tick is recompute utilization and stored capacity.
func (c *Controller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.stopFunc = cancel

	go func() {
		defer close(c.stopped)
		ticker := time.NewTicker(c.refreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.refreshAll()
			}
		}
	}()
}

// Stop cancels the refresh loop and waits for it to exit.
// Safe to call even if Start was never called.
func (c *Controller) Stop() {
	if c.stopFunc != nil {
		c.stopFunc()
		<-c.stopped
	}
}

// refreshAll recomputes capacity for every registered worker and folds
// the utilization figure through the overload transition check.
func (c *Controller) refreshAll() {
	for _, id := range c.reg.WorkerIDs() {
		c.RefreshCapacity(id)
	}
	c.SystemOverloaded()
}

// Status is a point-in-time view of flow control state.
type Status struct {
	Utilization      float64
	Threshold        float64
	SystemOverloaded bool
	Capacity         map[string]registry.CapacityInfo
	OverloadedIDs    []string
}

// CurrentStatus assembles the flow control portion of the scheduler's
// status snapshot.
func (c *Controller) CurrentStatus() Status {
	util := c.Utilization()

	c.mu.Lock()
	capCopy := make(map[string]registry.CapacityInfo, len(c.capacity))
	for id, info := range c.capacity {
		capCopy[id] = info
	}
	var over []string
	for id := range c.overloaded {
		over = append(over, id)
	}
	sysOver := c.sysOver
	c.mu.Unlock()
	sort.Strings(over)

	return Status{
		Utilization:      util,
		Threshold:        c.threshold,
		SystemOverloaded: sysOver,
		Capacity:         capCopy,
		OverloadedIDs:    over,
	}
}
