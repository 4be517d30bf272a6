package bidding

import (
	"sort"
	"time"

	"github.com/capmesh/capmesh/internal/event"
	"github.com/capmesh/capmesh/internal/logging"
	"github.com/capmesh/capmesh/internal/registry"
)

// Default coordinator values.
const (
	defaultBidTimeout = 5 * time.Second

	// softConfidenceCeiling is the confidence below which a bid is
	// annotated as soft (speculative).
	softConfidenceCeiling = 0.3
)

// Round outcome reasons reported to the caller.
const (
	// ReasonOverloaded means the round was refused before any bids were
	// solicited because system utilization is above the load threshold.
	ReasonOverloaded = "overloaded"

	// ReasonNoEligible means no healthy, accepting worker declares the
	// requested capability.
	ReasonNoEligible = "no eligible workers"

	// ReasonNoBids means bids were solicited but none arrived before the
	// deadline.
	ReasonNoBids = "no bids"
)

// FlowGate is the subset of the flow controller the coordinator needs.
type FlowGate interface {
	SystemOverloaded() bool
	CanAccept(workerID string) bool
	IsWorkerOverloaded(workerID string) bool
	RefreshCapacity(workerID string)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBidTimeout sets the hard deadline for collecting bids in a round.
func WithBidTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.bidTimeout = d }
}

// WithPolicy sets the winner selection policy.
func WithPolicy(p Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithHistoryLimit bounds the retained bid round history.
func WithHistoryLimit(n int) Option {
	return func(c *Coordinator) { c.history = NewHistory(n) }
}

// WithClock sets the time source. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithBus sets the event bus for observability events.
func WithBus(bus *event.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = l.WithComponent("bidding") }
}

// Result is the outcome of one bid round.
type Result struct {
	// Winner is the selected bid, nil when the round had no winner.
	Winner *registry.Bid

	// Bids holds every bid received before the deadline, in eligibility
	// order (sorted worker id), including filtered-out ones.
	Bids []registry.Bid

	// Reason is empty on success, otherwise one of the Reason constants.
	Reason string
}

// Coordinator runs timed, parallel bid rounds against capable, available
// workers and applies the selection policy. A round is the only operation
// in the scheduler that fans out across goroutines; it joins with a hard
// deadline and never holds a lock across the fan-out.
type Coordinator struct {
	reg     *registry.Registry
	gate    FlowGate
	history *History

	bidTimeout time.Duration
	policy     Policy
	now        func() time.Time
	bus        *event.Bus
	logger     *logging.Logger
}

// NewCoordinator creates a Coordinator over the given registry and flow
// gate.
func NewCoordinator(reg *registry.Registry, gate FlowGate, opts ...Option) *Coordinator {
	c := &Coordinator{
		reg:        reg,
		gate:       gate,
		history:    NewHistory(0),
		bidTimeout: defaultBidTimeout,
		policy:     PolicyHighestScore,
		now:        time.Now,
		logger:     logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestBids runs a bid round for the given work spec.
func (c *Coordinator) RequestBids(spec registry.WorkSpec) Result {
	return c.run(spec, nil)
}

// RequestBidsExcluding runs a bid round skipping the listed workers for
// this round only. Used by the fault monitor to reassign work away from
// a failed worker without excluding it permanently.
func (c *Coordinator) RequestBidsExcluding(spec registry.WorkSpec, exclude []string) Result {
	return c.run(spec, exclude)
}

// History returns the bounded bid round history.
func (c *Coordinator) History() *History { return c.history }

// Policy returns the configured selection policy.
func (c *Coordinator) Policy() Policy { return c.policy }

func (c *Coordinator) run(spec registry.WorkSpec, exclude []string) Result {
	log := c.logger.WithWork(spec.WorkID).WithCorrelation(spec.CorrelationID)

	// Step 1: system-wide overload gates the round before any worker is
	// contacted.
	if c.gate.SystemOverloaded() {
		log.Warn("bid round refused", "capability", spec.Capability, "reason", ReasonOverloaded)
		c.finish(spec, nil, nil, ReasonOverloaded)
		return Result{Reason: ReasonOverloaded}
	}

	// Step 2: capable ∩ accepting, minus this round's exclusions.
	capable := c.reg.FindCapable(spec.Capability, registry.Constraints{Exclude: exclude})
	eligible := capable[:0:0]
	for _, w := range capable {
		if c.gate.CanAccept(w.ID()) {
			eligible = append(eligible, w)
		}
	}
	if len(eligible) == 0 {
		log.Info("bid round found no eligible workers", "capability", spec.Capability)
		c.finish(spec, nil, nil, ReasonNoEligible)
		return Result{Reason: ReasonNoEligible}
	}

	// Steps 4–5: fan out and collect under the deadline.
	bids := c.collect(spec, eligible, log)
	if len(bids) == 0 {
		log.Info("bid round received no bids", "capability", spec.Capability, "solicited", len(eligible))
		c.finish(spec, nil, nil, ReasonNoBids)
		return Result{Reason: ReasonNoBids}
	}

	// Step 6: prefer bids from non-overloaded workers, but availability
	// beats perfect load-balancing: fall back to the full set rather
	// than return empty-handed.
	candidates := make([]registry.Bid, 0, len(bids))
	for _, b := range bids {
		if !c.gate.IsWorkerOverloaded(b.WorkerID) {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		candidates = bids
	}

	// Step 7: policy selection with deterministic tie-break.
	winner := candidates[selectWinner(candidates, c.policy)]

	// Step 8: record, refresh the winner's capacity, notify the worker.
	c.finish(spec, bids, &winner, "")
	c.gate.RefreshCapacity(winner.WorkerID)
	if w, ok := c.reg.Worker(winner.WorkerID); ok {
		w.OnBidWon(spec)
	}

	log.Info("bid round completed",
		"capability", spec.Capability,
		"winner", winner.WorkerID,
		"score", winner.Score,
		"bids", len(bids),
		"policy", c.policy.String(),
	)
	return Result{Winner: &winner, Bids: bids}
}

// collect fans a bid request out to every eligible worker and gathers
// responses until the deadline. Workers that have not answered by then
// are dropped from the round, never retried mid-round. Individual bid
// errors and panics are logged and treated as "no bid".
func (c *Coordinator) collect(spec registry.WorkSpec, eligible []registry.Worker, log *logging.Logger) []registry.Bid {
	type answer struct {
		idx int
		bid *registry.Bid
	}
	answers := make(chan answer, len(eligible))

	for i, w := range eligible {
		go func(idx int, w registry.Worker) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("worker panicked while bidding", "worker_id", w.ID(), "panic", r)
					answers <- answer{idx: idx}
				}
			}()
			bid, err := w.Bid(spec)
			if err != nil {
				log.Warn("bid collection failed", "worker_id", w.ID(), "error", err.Error())
				answers <- answer{idx: idx}
				return
			}
			answers <- answer{idx: idx, bid: bid}
		}(i, w)
	}

	deadline := time.NewTimer(c.bidTimeout)
	defer deadline.Stop()

	collected := make([]answer, 0, len(eligible))
	pending := len(eligible)
	for pending > 0 {
		select {
		case a := <-answers:
			pending--
			if a.bid != nil {
				collected = append(collected, a)
			}
		case <-deadline.C:
			pending = 0
		}
	}

	// Eligibility order, not arrival order, so repeated runs with the
	// same inputs select the same winner.
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	bids := make([]registry.Bid, 0, len(collected))
	for _, a := range collected {
		b := *a.bid
		if b.Confidence < softConfidenceCeiling {
			if b.Annotations == nil {
				b.Annotations = make(map[string]string, 1)
			}
			b.Annotations["soft"] = "true"
		}
		bids = append(bids, b)
	}
	return bids
}

// finish records the round in history and publishes the round event.
func (c *Coordinator) finish(spec registry.WorkSpec, bids []registry.Bid, winner *registry.Bid, reason string) {
	winnerID := ""
	if winner != nil {
		winnerID = winner.WorkerID
	}
	if reason != ReasonOverloaded {
		c.history.Add(Round{
			Spec:     spec,
			Bids:     bids,
			WinnerID: winnerID,
			Reason:   reason,
			At:       c.now(),
		})
	}
	if c.bus != nil {
		c.bus.Publish(event.NewBidRoundCompletedEvent(
			spec.WorkID, spec.Capability, spec.CorrelationID, winnerID, len(bids), reason))
	}
}
