// Package fairness implements per-correlation and global concurrent-task
// admission control for the capmesh scheduler.
//
// Every workflow ("correlation") gets a budget of concurrent task slots.
// A correlation denied admission lands on a FIFO starvation queue; a
// periodic fairness pass boosts the effective cap of any correlation that
// has waited at least one fairness window, in bounded steps up to a
// ceiling, so long-denied workflows become admissible without letting any
// single workflow starve the rest.
//
// The budgeter has its own mutex, independent of the registry's: task
// admission and work bidding are orthogonal and must not be able to
// deadlock each other.
package fairness

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/capmesh/capmesh/internal/event"
	"github.com/capmesh/capmesh/internal/logging"
)

// Default budget values.
const (
	defaultMaxPerCorrelation = 20
	defaultGlobalMax         = 100
	defaultFairnessWindow    = 30 * time.Second

	// boostStep is the per-pass increase of a starved correlation's
	// boost factor.
	boostStep = 0.25

	// boostCeiling caps the cumulative boost factor.
	boostCeiling = 2.0
)

// Option configures a Budgeter.
type Option func(*Budgeter)

// WithMaxPerCorrelation sets the base per-correlation concurrent task cap.
func WithMaxPerCorrelation(n int) Option {
	return func(b *Budgeter) { b.perCorrMax = n }
}

// WithGlobalMax sets the global concurrent task cap.
func WithGlobalMax(n int) Option {
	return func(b *Budgeter) { b.globalMax = n }
}

// WithFairnessWindow sets both the starvation age that triggers a boost
// and the interval of the periodic fairness pass.
func WithFairnessWindow(d time.Duration) Option {
	return func(b *Budgeter) { b.window = d }
}

// WithClock sets the time source. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Budgeter) { b.now = now }
}

// WithBus sets the event bus for observability events.
func WithBus(bus *event.Bus) Option {
	return func(b *Budgeter) { b.bus = bus }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Budgeter) { b.logger = l.WithComponent("fairness") }
}

// budget is the internal per-correlation record, created lazily on the
// first submission for a correlation.
type budget struct {
	current      int
	submitted    int
	completed    int
	boost        float64
	queued       bool
	waitingSince time.Time
}

// Budget is a point-in-time view of one correlation's budget.
type Budget struct {
	CorrelationID string
	BaseMax       int
	EffectiveMax  int
	Current       int
	Submitted     int
	Completed     int
	Boost         float64
	Starved       bool
}

// Budgeter tracks concurrent task counts per correlation and globally and
// decides admission. All methods are safe for concurrent use.
type Budgeter struct {
	mu         sync.Mutex
	budgets    map[string]*budget
	queue      []string // starvation FIFO, deduplicated by correlation id
	global     int
	globalMax  int
	perCorrMax int

	window time.Duration
	now    func() time.Time
	bus    *event.Bus
	logger *logging.Logger

	stopFunc context.CancelFunc
	stopped  chan struct{}
}

// NewBudgeter creates a Budgeter with the given options.
func NewBudgeter(opts ...Option) *Budgeter {
	b := &Budgeter{
		budgets:    make(map[string]*budget),
		globalMax:  defaultGlobalMax,
		perCorrMax: defaultMaxPerCorrelation,
		window:     defaultFairnessWindow,
		now:        time.Now,
		logger:     logging.NopLogger(),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CanSubmit reports whether a task for the correlation would currently
// be admitted. Read-only; use Acquire for the atomic check-and-admit.
func (b *Budgeter) CanSubmit(correlationID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canSubmitLocked(correlationID)
}

func (b *Budgeter) canSubmitLocked(correlationID string) bool {
	if b.global >= b.globalMax {
		return false
	}
	bud, ok := b.budgets[correlationID]
	if !ok {
		return true
	}
	return bud.current < b.effectiveMaxLocked(bud)
}

func (b *Budgeter) effectiveMaxLocked(bud *budget) int {
	boost := bud.boost
	if boost < 1.0 {
		boost = 1.0
	}
	// Round up so every boost step raises the integer cap even for small
	// base caps (a cap of 1 must become 2 on the first boost, not stay 1).
	return int(math.Ceil(float64(b.perCorrMax) * boost))
}

// Acquire atomically checks admission and, if allowed, takes one slot
// from both the correlation's and the global budget. A denied
// correlation is placed on the starvation queue (deduplicated), where
// the fairness pass will eventually boost it.
func (b *Budgeter) Acquire(correlationID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	bud, ok := b.budgets[correlationID]
	if !ok {
		bud = &budget{boost: 1.0}
		b.budgets[correlationID] = bud
	}

	if !b.canSubmitLocked(correlationID) {
		if !bud.queued {
			bud.queued = true
			bud.waitingSince = b.now()
			b.queue = append(b.queue, correlationID)
		}
		return false
	}

	bud.current++
	bud.submitted++
	b.global++

	// Admission ends starvation: leave the queue and drop any boost.
	if bud.queued {
		b.dequeueLocked(correlationID)
	}
	bud.boost = 1.0
	return true
}

// Release returns one slot to both the correlation's and the global
// budget, then re-evaluates the starvation queue head. Callers must pair
// every successful Acquire with exactly one Release.
func (b *Budgeter) Release(correlationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bud, ok := b.budgets[correlationID]
	if !ok {
		return
	}
	if bud.current > 0 {
		bud.current--
	}
	if b.global > 0 {
		b.global--
	}
	bud.completed++

	// If the queue head is now admissible, its starvation is over: it
	// will be admitted on its next Acquire.
	if len(b.queue) > 0 && b.canSubmitLocked(b.queue[0]) {
		head := b.queue[0]
		b.dequeueLocked(head)
	}
}

// dequeueLocked removes a correlation from the starvation queue.
func (b *Budgeter) dequeueLocked(correlationID string) {
	for i, id := range b.queue {
		if id == correlationID {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			break
		}
	}
	if bud, ok := b.budgets[correlationID]; ok {
		bud.queued = false
		bud.waitingSince = time.Time{}
	}
}

// Boost returns the correlation's current boost factor (1.0 when none).
func (b *Budgeter) Boost(correlationID string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bud, ok := b.budgets[correlationID]; ok && bud.boost > 1.0 {
		return bud.boost
	}
	return 1.0
}

// FairnessPass boosts every queued correlation that has waited at least
// one fairness window. The boost is a bounded increase per pass, capped
// at the ceiling overall. Exported so tests can drive it directly; the
// background loop calls it every window.
func (b *Budgeter) FairnessPass() {
	now := b.now()

	type boosted struct {
		id    string
		cap   int
		boost float64
	}
	var changes []boosted

	b.mu.Lock()
	for _, id := range b.queue {
		bud := b.budgets[id]
		if bud == nil || now.Sub(bud.waitingSince) < b.window {
			continue
		}
		if bud.boost >= boostCeiling {
			continue
		}
		bud.boost += boostStep
		if bud.boost > boostCeiling {
			bud.boost = boostCeiling
		}
		changes = append(changes, boosted{id: id, cap: b.effectiveMaxLocked(bud), boost: bud.boost})
	}
	b.mu.Unlock()

	for _, ch := range changes {
		b.logger.Info("starved correlation boosted",
			"correlation_id", ch.id, "effective_cap", ch.cap, "boost", ch.boost)
		if b.bus != nil {
			b.bus.Publish(event.NewFairnessBoostedEvent(ch.id, ch.cap, ch.boost))
		}
	}
}

// EffectiveMax returns the correlation's current effective cap.
func (b *Budgeter) EffectiveMax(correlationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bud, ok := b.budgets[correlationID]; ok {
		return b.effectiveMaxLocked(bud)
	}
	return b.perCorrMax
}

// GlobalCount returns the number of currently running tasks.
func (b *Budgeter) GlobalCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.global
}

// QueueLength returns the starvation queue length.
func (b *Budgeter) QueueLength() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Budgets returns a snapshot of all correlation budgets.
func (b *Budgeter) Budgets() []Budget {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Budget, 0, len(b.budgets))
	for id, bud := range b.budgets {
		out = append(out, Budget{
			CorrelationID: id,
			BaseMax:       b.perCorrMax,
			EffectiveMax:  b.effectiveMaxLocked(bud),
			Current:       bud.current,
			Submitted:     bud.submitted,
			Completed:     bud.completed,
			Boost:         bud.boost,
			Starved:       bud.queued,
		})
	}
	return out
}

// Start runs the periodic fairness pass until the context is cancelled
// or Stop is called.
func (b *Budgeter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.stopFunc = cancel

	go func() {
		defer close(b.stopped)
		ticker := time.NewTicker(b.window)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.FairnessPass()
			}
		}
	}()
}

// Stop cancels the fairness pass loop and waits for it to exit.
// Safe to call even if Start was never called.
func (b *Budgeter) Stop() {
	if b.stopFunc != nil {
		b.stopFunc()
		<-b.stopped
	}
}
