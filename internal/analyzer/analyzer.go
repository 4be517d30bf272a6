// Package analyzer provides advisory deadlock and bottleneck detection
// for the capmesh scheduler.
//
// The Analyzer is read-only: it watches scheduler events and periodic
// registry snapshots, scores inactive workflows with a deadlock
// confidence heuristic, and flags capabilities whose execution has
// slowed. It never takes corrective action; both detectors exist to
// drive operator-facing diagnostics.
package analyzer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/capmesh/capmesh/internal/event"
	"github.com/capmesh/capmesh/internal/logging"
	"github.com/capmesh/capmesh/internal/registry"
)

// Default analyzer values.
const (
	defaultSnapshotInterval = 5 * time.Second
	defaultScanInterval     = 30 * time.Second
	defaultStuckThreshold   = 300 * time.Second
	defaultSlowThreshold    = 60 * time.Second

	// surfaceFloor is the minimum confidence for a candidate to be
	// reported.
	surfaceFloor = 0.5

	// durationSamples bounds the per-capability execution duration
	// window used for the bottleneck rolling average.
	durationSamples = 50
)

// Confidence weight ceilings. A candidate accumulates confidence from
// four independent signals; the sum never exceeds 1.0.
const (
	weightStuck    = 0.4 // stuck duration relative to the threshold
	weightWaiting  = 0.3 // agents observed waiting or blocked
	weightQuiet    = 0.2 // recency of mesh-wide inactivity
	weightErrors   = 0.1 // recorded errors in the workflow
	fullWaitingAt  = 3   // waiting agents for the full waiting weight
	fullStuckRatio = 2.0 // stuck/threshold ratio for the full stuck weight
)

// workflow is the analyzer's view of one correlation id, built from
// events and snapshot refreshes.
type workflow struct {
	lastActivity time.Time
	waiting      int // open claims observed at the last snapshot refresh
	errors       int
	terminal     bool
}

// DeadlockCandidate is one surfaced likely-stuck workflow.
type DeadlockCandidate struct {
	CorrelationID string
	Confidence    float64
	StuckFor      time.Duration
	WaitingAgents int
	Errors        int
}

// Bottleneck flags a capability whose rolling average execution duration
// exceeds the slow threshold.
type Bottleneck struct {
	Capability   string
	AvgDuration  time.Duration
	Samples      int
	ActiveWorker string // Worker holding the oldest open claim, if any
	QueuedBehind int    // Other open claims for the same capability
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithSnapshotInterval sets the registry snapshot refresh interval.
func WithSnapshotInterval(d time.Duration) Option {
	return func(a *Analyzer) { a.snapshotInterval = d }
}

// WithScanInterval sets the deadlock scan interval.
func WithScanInterval(d time.Duration) Option {
	return func(a *Analyzer) { a.scanInterval = d }
}

// WithStuckThreshold sets the inactivity age past which a workflow
// becomes a deadlock candidate.
func WithStuckThreshold(d time.Duration) Option {
	return func(a *Analyzer) { a.stuckThreshold = d }
}

// WithSlowThreshold sets the rolling average execution duration past
// which a capability is reported as a bottleneck.
func WithSlowThreshold(d time.Duration) Option {
	return func(a *Analyzer) { a.slowThreshold = d }
}

// WithClock sets the time source. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Analyzer) { a.logger = l.WithComponent("analyzer") }
}

// Analyzer watches scheduler events and registry snapshots and surfaces
// deadlock candidates and capability bottlenecks.
type Analyzer struct {
	reg *registry.Registry
	bus *event.Bus

	snapshotInterval time.Duration
	scanInterval     time.Duration
	stuckThreshold   time.Duration
	slowThreshold    time.Duration
	now              func() time.Time
	logger           *logging.Logger

	mu        sync.Mutex
	workflows map[string]*workflow
	durations map[string][]time.Duration // capability -> recent execution durations
	subs      []string

	stopFunc context.CancelFunc
	stopped  chan struct{}
}

// NewAnalyzer creates an Analyzer over the given registry and bus and
// subscribes to the scheduler events it tracks.
func NewAnalyzer(reg *registry.Registry, bus *event.Bus, opts ...Option) *Analyzer {
	a := &Analyzer{
		reg:              reg,
		bus:              bus,
		snapshotInterval: defaultSnapshotInterval,
		scanInterval:     defaultScanInterval,
		stuckThreshold:   defaultStuckThreshold,
		slowThreshold:    defaultSlowThreshold,
		now:              time.Now,
		logger:           logging.NopLogger(),
		workflows:        make(map[string]*workflow),
		durations:        make(map[string][]time.Duration),
		stopped:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.subscribe()
	return a
}

// subscribe wires the event handlers that keep workflow activity fresh.
func (a *Analyzer) subscribe() {
	a.subs = append(a.subs,
		a.bus.Subscribe("task.submitted", func(e event.Event) {
			ev := e.(event.TaskSubmittedEvent)
			a.touch(ev.CorrelationID, false)
		}),
		a.bus.Subscribe("task.completed", func(e event.Event) {
			ev := e.(event.TaskCompletedEvent)
			a.touch(ev.CorrelationID, !ev.Success)
		}),
		a.bus.Subscribe("claim.created", func(e event.Event) {
			ev := e.(event.ClaimCreatedEvent)
			a.touch(ev.CorrelationID, false)
		}),
		a.bus.Subscribe("claim.completed", func(e event.Event) {
			ev := e.(event.ClaimCompletedEvent)
			a.touch(ev.CorrelationID, false)
			a.recordDuration(ev.Capability, ev.Duration)
		}),
		a.bus.Subscribe("bid.round_completed", func(e event.Event) {
			ev := e.(event.BidRoundCompletedEvent)
			// A round with no winner is not progress for the workflow.
			a.touch(ev.CorrelationID, ev.WinnerID == "")
		}),
	)
}

// touch records activity for a correlation, optionally counting an error.
func (a *Analyzer) touch(correlationID string, isError bool) {
	if correlationID == "" {
		return
	}
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	wf := a.workflows[correlationID]
	if wf == nil {
		wf = &workflow{}
		a.workflows[correlationID] = wf
	}
	wf.lastActivity = now
	if isError {
		wf.errors++
	}
}

func (a *Analyzer) recordDuration(capability string, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	samples := append(a.durations[capability], d)
	if len(samples) > durationSamples {
		samples = samples[len(samples)-durationSamples:]
	}
	a.durations[capability] = samples
}

// MarkTerminal excludes a finished workflow from deadlock scans.
func (a *Analyzer) MarkTerminal(correlationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if wf, ok := a.workflows[correlationID]; ok {
		wf.terminal = true
	}
}

// RefreshSnapshot updates per-workflow waiting counts from a registry
// snapshot. The background loop calls this every snapshot interval;
// tests call it directly.
func (a *Analyzer) RefreshSnapshot() {
	snap := a.reg.TakeSnapshot()

	waiting := make(map[string]int)
	for _, claim := range snap.Claims {
		if claim.Spec.CorrelationID != "" {
			waiting[claim.Spec.CorrelationID]++
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for id, wf := range a.workflows {
		wf.waiting = waiting[id]
	}
	for id, n := range waiting {
		if _, ok := a.workflows[id]; !ok {
			a.workflows[id] = &workflow{lastActivity: snap.TakenAt, waiting: n}
		}
	}
}

// DetectDeadlocks scores every non-terminal workflow whose inactivity
// exceeds the stuck threshold and returns the candidates at or above the
// surface floor, highest confidence first. Each surfaced candidate is
// also published as an analyzer event.
func (a *Analyzer) DetectDeadlocks() []DeadlockCandidate {
	out := a.Deadlocks()

	for _, c := range out {
		a.logger.Warn("deadlock candidate",
			"correlation_id", c.CorrelationID, "confidence", c.Confidence,
			"stuck_for", c.StuckFor, "waiting", c.WaitingAgents, "errors", c.Errors)
		if a.bus != nil {
			a.bus.Publish(event.NewDeadlockCandidateEvent(c.CorrelationID, c.Confidence, c.StuckFor))
		}
	}
	return out
}

// Deadlocks returns the current candidates without logging or publishing
// events. Status polling uses this so a stuck workflow is not re-announced
// on every poll.
func (a *Analyzer) Deadlocks() []DeadlockCandidate {
	now := a.now()

	a.mu.Lock()
	// Mesh-wide quiet: how long since any workflow made progress.
	var newest time.Time
	for _, wf := range a.workflows {
		if wf.lastActivity.After(newest) {
			newest = wf.lastActivity
		}
	}
	quietFor := time.Duration(0)
	if !newest.IsZero() {
		quietFor = now.Sub(newest)
	}

	var out []DeadlockCandidate
	for id, wf := range a.workflows {
		if wf.terminal || wf.lastActivity.IsZero() {
			continue
		}
		stuck := now.Sub(wf.lastActivity)
		if stuck <= a.stuckThreshold {
			continue
		}
		conf := a.confidence(stuck, quietFor, wf)
		if conf < surfaceFloor {
			continue
		}
		out = append(out, DeadlockCandidate{
			CorrelationID: id,
			Confidence:    conf,
			StuckFor:      stuck,
			WaitingAgents: wf.waiting,
			Errors:        wf.errors,
		})
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].CorrelationID < out[j].CorrelationID
	})
	return out
}

// confidence accumulates the four heuristic signals. Caller holds a.mu.
func (a *Analyzer) confidence(stuck, quietFor time.Duration, wf *workflow) float64 {
	conf := 0.0

	// Stuck duration relative to the threshold: half weight at the
	// threshold, full weight at twice it.
	ratio := float64(stuck) / float64(a.stuckThreshold)
	conf += weightStuck * clamp(ratio/fullStuckRatio)

	// Waiting agents: full weight at fullWaitingAt.
	conf += weightWaiting * clamp(float64(wf.waiting)/fullWaitingAt)

	// Mesh-wide inactivity: weightQuiet when the whole mesh has been
	// quiet for the stuck threshold.
	conf += weightQuiet * clamp(float64(quietFor)/float64(a.stuckThreshold))

	// Any recorded error tops the score up.
	if wf.errors > 0 {
		conf += weightErrors
	}
	if conf > 1.0 {
		conf = 1.0
	}
	return conf
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// BottleneckReport flags every capability whose rolling average execution
// duration exceeds the slow threshold, naming the worker on the oldest
// open claim and the count of claims queued behind it.
func (a *Analyzer) BottleneckReport() []Bottleneck {
	snap := a.reg.TakeSnapshot()

	type active struct {
		worker  string
		oldest  time.Time
		claimed int
	}
	open := make(map[string]*active)
	for _, claim := range snap.Claims {
		ac := open[claim.Spec.Capability]
		if ac == nil {
			ac = &active{worker: claim.WorkerID, oldest: claim.ClaimedAt}
			open[claim.Spec.Capability] = ac
		} else if claim.ClaimedAt.Before(ac.oldest) {
			ac.worker = claim.WorkerID
			ac.oldest = claim.ClaimedAt
		}
		ac.claimed++
	}

	a.mu.Lock()
	var out []Bottleneck
	for capability, samples := range a.durations {
		if len(samples) == 0 {
			continue
		}
		var total time.Duration
		for _, d := range samples {
			total += d
		}
		avg := total / time.Duration(len(samples))
		if avg <= a.slowThreshold {
			continue
		}
		b := Bottleneck{
			Capability:  capability,
			AvgDuration: avg,
			Samples:     len(samples),
		}
		if ac := open[capability]; ac != nil {
			b.ActiveWorker = ac.worker
			b.QueuedBehind = ac.claimed - 1
		}
		out = append(out, b)
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Capability < out[j].Capability })
	return out
}

// Start runs the snapshot refresh and deadlock scan loops until the
// context is cancelled or Stop is called.
func (a *Analyzer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.stopFunc = cancel

	go func() {
		defer close(a.stopped)
		snapshot := time.NewTicker(a.snapshotInterval)
		defer snapshot.Stop()
		scan := time.NewTicker(a.scanInterval)
		defer scan.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-snapshot.C:
				a.RefreshSnapshot()
			case <-scan.C:
				a.DetectDeadlocks()
			}
		}
	}()
	a.logger.Info("analyzer started",
		"snapshot_interval", a.snapshotInterval, "scan_interval", a.scanInterval,
		"stuck_threshold", a.stuckThreshold)
}

// Stop cancels the loops, waits for them to exit, and drops the event
// subscriptions. Safe to call even if Start was never called.
func (a *Analyzer) Stop() {
	if a.stopFunc != nil {
		a.stopFunc()
		<-a.stopped
	}
	for _, id := range a.subs {
		a.bus.Unsubscribe(id)
	}
	a.subs = nil
}
