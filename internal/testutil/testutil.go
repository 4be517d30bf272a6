// Package testutil provides testing utilities shared by capmesh tests:
// a controllable clock and a scripted stub worker.
package testutil

import (
	"sync"
	"time"

	"github.com/capmesh/capmesh/internal/registry"
)

// FakeClock is a controllable time source for deadline and timeout tests.
// It is safe for concurrent use.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a FakeClock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time. Pass this method as the clock
// option of the component under test.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake time forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// StubWorker is a scripted registry.Worker for tests. Configure the bid
// it returns, an optional per-bid delay (to exercise bid deadlines), and
// its reported load. The zero value is not usable; use NewStubWorker.
type StubWorker struct {
	mu sync.Mutex

	id       string
	score    float64
	duration time.Duration
	conf     float64
	load     int
	capacity int

	// BidDelay makes Bid sleep before answering, simulating a slow worker.
	BidDelay time.Duration

	// BidErr makes Bid fail outright.
	BidErr error

	// Declines makes Bid return nil (worker passes on the work).
	Declines bool

	bidCalls int
	wonSpecs []registry.WorkSpec
}

// NewStubWorker creates a StubWorker that bids with the given score.
func NewStubWorker(id string, score float64) *StubWorker {
	return &StubWorker{
		id:       id,
		score:    score,
		duration: time.Second,
		conf:     0.9,
		capacity: 4,
	}
}

// WithEstimatedDuration sets the duration the stub's bids estimate.
func (w *StubWorker) WithEstimatedDuration(d time.Duration) *StubWorker {
	w.duration = d
	return w
}

// WithConfidence sets the confidence the stub's bids carry.
func (w *StubWorker) WithConfidence(c float64) *StubWorker {
	w.conf = c
	return w
}

// WithLoad sets the reported current load and max capacity.
func (w *StubWorker) WithLoad(load, capacity int) *StubWorker {
	w.mu.Lock()
	w.load = load
	w.capacity = capacity
	w.mu.Unlock()
	return w
}

// ID implements registry.Worker.
func (w *StubWorker) ID() string { return w.id }

// Bid implements registry.Worker.
func (w *StubWorker) Bid(spec registry.WorkSpec) (*registry.Bid, error) {
	w.mu.Lock()
	w.bidCalls++
	delay := w.BidDelay
	w.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if w.BidErr != nil {
		return nil, w.BidErr
	}
	if w.Declines {
		return nil, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return &registry.Bid{
		WorkID:            spec.WorkID,
		CorrelationID:     spec.CorrelationID,
		Capability:        spec.Capability,
		WorkerID:          w.id,
		Score:             w.score,
		EstimatedDuration: w.duration,
		Confidence:        w.conf,
		CurrentLoad:       w.load,
		MaxCapacity:       w.capacity,
	}, nil
}

// OnBidWon implements registry.Worker.
func (w *StubWorker) OnBidWon(spec registry.WorkSpec) {
	w.mu.Lock()
	w.wonSpecs = append(w.wonSpecs, spec)
	w.load++
	w.mu.Unlock()
}

// CurrentLoad implements registry.Worker.
func (w *StubWorker) CurrentLoad() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.load
}

// MaxCapacity implements registry.Worker.
func (w *StubWorker) MaxCapacity() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.capacity
}

// BidCalls returns how many times Bid was invoked.
func (w *StubWorker) BidCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bidCalls
}

// WonSpecs returns the work specs this worker was notified it won.
func (w *StubWorker) WonSpecs() []registry.WorkSpec {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]registry.WorkSpec, len(w.wonSpecs))
	copy(out, w.wonSpecs)
	return out
}

// SetLoad updates the reported load.
func (w *StubWorker) SetLoad(load int) {
	w.mu.Lock()
	w.load = load
	w.mu.Unlock()
}

// ReportingStubWorker is a StubWorker that also implements the optional
// registry.CapacityReporter and registry.AdmissionReporter interfaces.
type ReportingStubWorker struct {
	*StubWorker

	// Accepting controls CanAcceptWork.
	Accepting bool

	// Capacity is returned verbatim from CapacityInfo.
	Capacity registry.CapacityInfo
}

// NewReportingStubWorker creates a ReportingStubWorker that accepts work.
func NewReportingStubWorker(id string, score float64) *ReportingStubWorker {
	return &ReportingStubWorker{
		StubWorker: NewStubWorker(id, score),
		Accepting:  true,
		Capacity: registry.CapacityInfo{
			WorkerID:       id,
			AvailableSlots: 4,
			Status:         registry.FlowAvailable,
			ThrottleFactor: 1.0,
		},
	}
}

// CapacityInfo implements registry.CapacityReporter.
func (w *ReportingStubWorker) CapacityInfo() registry.CapacityInfo { return w.Capacity }

// CanAcceptWork implements registry.AdmissionReporter.
func (w *ReportingStubWorker) CanAcceptWork() bool { return w.Accepting }
