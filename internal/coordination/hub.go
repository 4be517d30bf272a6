package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/capmesh/capmesh/internal/analyzer"
	"github.com/capmesh/capmesh/internal/bidding"
	"github.com/capmesh/capmesh/internal/config"
	"github.com/capmesh/capmesh/internal/errors"
	"github.com/capmesh/capmesh/internal/event"
	"github.com/capmesh/capmesh/internal/fairness"
	"github.com/capmesh/capmesh/internal/faults"
	"github.com/capmesh/capmesh/internal/flow"
	"github.com/capmesh/capmesh/internal/logging"
	"github.com/capmesh/capmesh/internal/registry"
	"github.com/capmesh/capmesh/internal/taskrun"
)

// Hub wires all scheduler components together for a single mesh.
// It owns the lifecycle of every background loop.
type Hub struct {
	mu      sync.RWMutex
	started bool
	cancel  context.CancelFunc

	cfg    *config.Config
	bus    *event.Bus
	logger *logging.Logger

	reg      *registry.Registry
	flowCtrl *flow.Controller
	coord    *bidding.Coordinator
	budget   *fairness.Budgeter
	runtime  *taskrun.Runtime
	monitor  *faults.Monitor
	an       *analyzer.Analyzer
}

// NewHub builds a Hub from the given configuration. A nil configuration
// uses the defaults; an invalid one is rejected.
func NewHub(cfg *config.Config, opts ...Option) (*Hub, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, config.ValidationErrors(errs)
	}

	hc := &hubConfig{}
	for _, opt := range opts {
		opt(hc)
	}
	if hc.bus == nil {
		hc.bus = event.NewBus()
	}
	if hc.logger == nil {
		hc.logger = logging.NopLogger()
	}
	if hc.now == nil {
		hc.now = time.Now
	}

	reg := registry.New(
		registry.WithHeartbeatTimeout(cfg.Registry.HeartbeatTimeout()),
		registry.WithClock(hc.now),
		registry.WithBus(hc.bus),
		registry.WithLogger(hc.logger),
	)
	flowCtrl := flow.NewController(reg,
		flow.WithLoadThreshold(cfg.Flow.LoadThreshold),
		flow.WithRefreshInterval(cfg.Flow.RefreshInterval()),
		flow.WithClock(hc.now),
		flow.WithBus(hc.bus),
		flow.WithLogger(hc.logger),
	)
	policy, err := bidding.ParsePolicy(cfg.Bidding.SelectionStrategy)
	if err != nil {
		return nil, err
	}
	coord := bidding.NewCoordinator(reg, flowCtrl,
		bidding.WithBidTimeout(cfg.Bidding.BidTimeout()),
		bidding.WithPolicy(policy),
		bidding.WithHistoryLimit(cfg.Bidding.HistoryLimit),
		bidding.WithClock(hc.now),
		bidding.WithBus(hc.bus),
		bidding.WithLogger(hc.logger),
	)
	budget := fairness.NewBudgeter(
		fairness.WithMaxPerCorrelation(cfg.Fairness.MaxTasksPerCorrelation),
		fairness.WithGlobalMax(cfg.Fairness.GlobalMaxTasks),
		fairness.WithFairnessWindow(cfg.Fairness.Window()),
		fairness.WithClock(hc.now),
		fairness.WithBus(hc.bus),
		fairness.WithLogger(hc.logger),
	)
	runtime := taskrun.NewRuntime(budget,
		taskrun.WithQueueSize(cfg.Fairness.QueueSize),
		taskrun.WithBus(hc.bus),
		taskrun.WithLogger(hc.logger),
		taskrun.WithClock(hc.now),
	)
	monitor := faults.NewMonitor(reg, coord,
		faults.WithInterval(cfg.Faults.ScanInterval()),
		faults.WithFailureWindow(cfg.Faults.FailureWindow()),
		faults.WithRecoveryGrace(cfg.Faults.RecoveryGrace()),
		faults.WithClock(hc.now),
		faults.WithBus(hc.bus),
		faults.WithLogger(hc.logger),
	)
	an := analyzer.NewAnalyzer(reg, hc.bus,
		analyzer.WithSnapshotInterval(cfg.Analyzer.SnapshotInterval()),
		analyzer.WithScanInterval(cfg.Analyzer.ScanInterval()),
		analyzer.WithStuckThreshold(cfg.Analyzer.StuckThreshold()),
		analyzer.WithSlowThreshold(cfg.Analyzer.SlowThreshold()),
		analyzer.WithClock(hc.now),
		analyzer.WithLogger(hc.logger),
	)

	return &Hub{
		cfg:      cfg,
		bus:      hc.bus,
		logger:   hc.logger.WithComponent("hub"),
		reg:      reg,
		flowCtrl: flowCtrl,
		coord:    coord,
		budget:   budget,
		runtime:  runtime,
		monitor:  monitor,
		an:       an,
	}, nil
}

// Bus returns the event bus shared by all components.
func (h *Hub) Bus() *event.Bus { return h.bus }

// Registry returns the worker registry.
func (h *Hub) Registry() *registry.Registry { return h.reg }

// Flow returns the flow controller.
func (h *Hub) Flow() *flow.Controller { return h.flowCtrl }

// Coordinator returns the bid coordinator.
func (h *Hub) Coordinator() *bidding.Coordinator { return h.coord }

// Budgeter returns the fairness budgeter.
func (h *Hub) Budgeter() *fairness.Budgeter { return h.budget }

// Runtime returns the task runtime.
func (h *Hub) Runtime() *taskrun.Runtime { return h.runtime }

// Monitor returns the fault monitor.
func (h *Hub) Monitor() *faults.Monitor { return h.monitor }

// Analyzer returns the deadlock/bottleneck analyzer.
func (h *Hub) Analyzer() *analyzer.Analyzer { return h.an }

// RegisterWorker adds a worker with its declared capabilities.
func (h *Hub) RegisterWorker(w registry.Worker, capabilities map[string]registry.CapabilityHint, contractVersion int) error {
	if err := h.reg.Register(w, capabilities, contractVersion); err != nil {
		return err
	}
	h.flowCtrl.RefreshCapacity(w.ID())
	return nil
}

// UnregisterWorker removes a worker and its capability index entries.
func (h *Hub) UnregisterWorker(workerID string) error {
	return h.reg.Unregister(workerID)
}

// RequestBids runs a bid round for the given work spec.
func (h *Hub) RequestBids(spec registry.WorkSpec) bidding.Result {
	return h.coord.RequestBids(spec)
}

// ClaimWork records that a worker owns a unit of work. A zero ttl uses
// the configured execution timeout.
func (h *Hub) ClaimWork(workID, workerID string, spec registry.WorkSpec, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = h.cfg.Registry.ExecutionTimeout()
	}
	return h.reg.Claim(workID, workerID, spec, ttl)
}

// CompleteWork removes a claim if held by the calling worker. Returns
// false for an unknown work id or a non-owning worker.
func (h *Hub) CompleteWork(workID, workerID string) bool {
	return h.reg.Complete(workID, workerID)
}

// Heartbeat refreshes a worker's health record.
func (h *Hub) Heartbeat(workerID string, health float64) error {
	return h.reg.Heartbeat(workerID, health)
}

// HandleFlowEvent applies an explicit flow-control event from a worker.
func (h *Hub) HandleFlowEvent(eventType, workerID string, data map[string]any) error {
	return h.flowCtrl.HandleEvent(eventType, workerID, data)
}

// SubmitTask admits a task through the fairness budget and hands it to
// the task runtime. Rejections (budget exhausted, queue full) come back
// as retryable admission errors.
func (h *Hub) SubmitTask(task taskrun.Task) (*taskrun.Handle, error) {
	return h.runtime.Submit(task)
}

// MarkWorkflowTerminal excludes a finished workflow from deadlock scans.
func (h *Hub) MarkWorkflowTerminal(correlationID string) {
	h.an.MarkTerminal(correlationID)
}

// FairnessStatus summarizes task admission state.
type FairnessStatus struct {
	Running      int
	StarvedQueue int
	Budgets      []fairness.Budget
}

// AnalyzerStatus carries the advisory diagnostics: deadlock candidates
// above the confidence floor and capability bottlenecks.
type AnalyzerStatus struct {
	Deadlocks   []analyzer.DeadlockCandidate
	Bottlenecks []analyzer.Bottleneck
}

// Status is a combined point-in-time snapshot of scheduler state for
// observability consumers. In-memory only; nothing here persists.
type Status struct {
	TakenAt      time.Time
	Workers      []registry.WorkerInfo
	Claims       []registry.Claim
	Capabilities map[string][]string
	Flow         flow.Status
	Faults       faults.Stats
	Fairness     FairnessStatus
	Bidding      map[string]bidding.CapabilityStats
	Analyzer     AnalyzerStatus
}

// GetStatus assembles the combined snapshot. Each component is read
// under its own lock; the result is consistent per component, not
// globally.
func (h *Hub) GetStatus() Status {
	snap := h.reg.TakeSnapshot()
	return Status{
		TakenAt:      snap.TakenAt,
		Workers:      snap.Workers,
		Claims:       snap.Claims,
		Capabilities: snap.Index,
		Flow:         h.flowCtrl.CurrentStatus(),
		Faults:       h.monitor.Stats(),
		Fairness: FairnessStatus{
			Running:      h.budget.GlobalCount(),
			StarvedQueue: h.budget.QueueLength(),
			Budgets:      h.budget.Budgets(),
		},
		Bidding: h.coord.History().Stats(),
		Analyzer: AnalyzerStatus{
			Deadlocks:   h.an.Deadlocks(),
			Bottlenecks: h.an.BottleneckReport(),
		},
	}
}

// Start launches every background loop: flow refresh, fairness pass,
// task runtime, fault monitor, and analyzer. Returns ErrAlreadyStarted
// on a second call.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return errors.ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.started = true

	h.flowCtrl.Start(ctx)
	h.budget.Start(ctx)
	if err := h.runtime.Start(ctx); err != nil {
		cancel()
		h.started = false
		return err
	}
	h.monitor.Start(ctx)
	h.an.Start(ctx)

	h.logger.Info("hub started")
	return nil
}

// Stop shuts down all background loops in reverse start order and waits
// for each to exit. Idempotent.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}

	h.cancel()
	h.an.Stop()
	h.monitor.Stop()
	h.runtime.Stop()
	h.budget.Stop()
	h.flowCtrl.Stop()

	h.started = false
	h.logger.Info("hub stopped")
	return nil
}

// Running reports whether the hub is currently started.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started
}
