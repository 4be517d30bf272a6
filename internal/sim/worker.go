package sim

import (
	"sync"
	"time"

	"github.com/capmesh/capmesh/internal/registry"
)

// worker is a scripted mesh participant built from a WorkerSpec. It
// tracks its own load and bids its configured score adjusted down as it
// fills up.
type worker struct {
	spec WorkerSpec

	mu   sync.Mutex
	load int
}

func newWorker(spec WorkerSpec) *worker {
	if spec.Confidence == 0 {
		spec.Confidence = 0.9
	}
	return &worker{spec: spec}
}

func (w *worker) ID() string { return w.spec.ID }

func (w *worker) Bid(spec registry.WorkSpec) (*registry.Bid, error) {
	w.mu.Lock()
	load := w.load
	w.mu.Unlock()

	if load >= w.spec.Capacity {
		return nil, nil // full, pass on this one
	}

	// Score degrades linearly with load so bidding spreads work out.
	score := w.spec.Score * (1 - float64(load)/float64(w.spec.Capacity)*0.5)
	return &registry.Bid{
		WorkID:            spec.WorkID,
		CorrelationID:     spec.CorrelationID,
		Capability:        spec.Capability,
		WorkerID:          w.spec.ID,
		Score:             score,
		EstimatedDuration: w.workDuration(),
		Confidence:        w.spec.Confidence,
		CurrentLoad:       load,
		MaxCapacity:       w.spec.Capacity,
	}, nil
}

func (w *worker) OnBidWon(spec registry.WorkSpec) {
	w.mu.Lock()
	w.load++
	w.mu.Unlock()
}

func (w *worker) CurrentLoad() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.load
}

func (w *worker) MaxCapacity() int { return w.spec.Capacity }

// release returns one unit of load when simulated work finishes.
func (w *worker) release() {
	w.mu.Lock()
	if w.load > 0 {
		w.load--
	}
	w.mu.Unlock()
}

func (w *worker) workDuration() time.Duration {
	if w.spec.WorkDurationMs <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(w.spec.WorkDurationMs) * time.Millisecond
}

// alive reports whether the worker should still heartbeat at elapsed
// run time. Flaky workers go silent after their configured cutoff.
func (w *worker) alive(elapsed time.Duration) bool {
	if w.spec.FlakyAfterMs <= 0 {
		return true
	}
	return elapsed < time.Duration(w.spec.FlakyAfterMs)*time.Millisecond
}

func (w *worker) capabilities() map[string]registry.CapabilityHint {
	caps := make(map[string]registry.CapabilityHint, len(w.spec.Capabilities))
	for _, c := range w.spec.Capabilities {
		caps[c] = registry.CapabilityHint{Cost: 1, Confidence: w.spec.Confidence}
	}
	return caps
}
