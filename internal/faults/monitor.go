// Package faults detects worker failures and claim timeouts and drives
// recovery for the capmesh scheduler.
//
// The Monitor runs three independent scans on a fixed interval:
//
//   - heartbeat scan: marks workers with lapsed heartbeats failed and
//     reassigns their claims
//   - claim-timeout scan: reassigns any claim past its deadline,
//     regardless of worker health
//   - recovery scan: returns a failed worker to service after its
//     heartbeats resume and a grace period passes without relapse
//
// Reassignment re-runs a bid round for the original work spec with the
// old holder excluded for that round only. A reassignment that finds no
// eligible worker is counted and logged but not retried; the original
// caller observes no bid and decides.
package faults

import (
	"context"
	"sync"
	"time"

	"github.com/capmesh/capmesh/internal/bidding"
	"github.com/capmesh/capmesh/internal/event"
	"github.com/capmesh/capmesh/internal/logging"
	"github.com/capmesh/capmesh/internal/registry"
)

// Default monitor values.
const (
	defaultInterval      = 2 * time.Second
	defaultFailureWindow = 60 * time.Second
	defaultRecoveryGrace = 30 * time.Second
)

// Reassignment reasons carried in claim.reassigned events.
const (
	ReasonHeartbeatTimeout = "heartbeat timeout"
	ReasonClaimTimeout     = "claim timeout"
)

// BidRequester is the subset of the bid coordinator the monitor needs
// to reassign work.
type BidRequester interface {
	RequestBidsExcluding(spec registry.WorkSpec, exclude []string) bidding.Result
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the scan interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithFailureWindow sets how long failure records stay relevant.
func WithFailureWindow(d time.Duration) Option {
	return func(m *Monitor) { m.failureWindow = d }
}

// WithRecoveryGrace sets the relapse-free period a failed worker must
// sustain before it is returned to service.
func WithRecoveryGrace(d time.Duration) Option {
	return func(m *Monitor) { m.recoveryGrace = d }
}

// WithClock sets the time source. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithBus sets the event bus for failure and recovery events.
func WithBus(bus *event.Bus) Option {
	return func(m *Monitor) { m.bus = bus }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.logger = l.WithComponent("faults") }
}

// Stats counts reassignment outcomes since the monitor was created.
type Stats struct {
	ReassignedOK     int
	ReassignFailed   int
	WorkersFailed    int
	WorkersRecovered int
}

// Monitor watches the registry for failed workers and expired claims.
type Monitor struct {
	reg  *registry.Registry
	bids BidRequester

	interval      time.Duration
	failureWindow time.Duration
	recoveryGrace time.Duration
	now           func() time.Time
	bus           *event.Bus
	logger        *logging.Logger

	mu         sync.Mutex
	failures   map[string][]time.Time // failure timestamps, pruned to the window
	recovering map[string]time.Time   // worker id -> recovery start
	stats      Stats

	stopFunc context.CancelFunc
	stopped  chan struct{}
}

// NewMonitor creates a Monitor over the given registry and bid requester.
func NewMonitor(reg *registry.Registry, bids BidRequester, opts ...Option) *Monitor {
	m := &Monitor{
		reg:           reg,
		bids:          bids,
		interval:      defaultInterval,
		failureWindow: defaultFailureWindow,
		recoveryGrace: defaultRecoveryGrace,
		now:           time.Now,
		logger:        logging.NopLogger(),
		failures:      make(map[string][]time.Time),
		recovering:    make(map[string]time.Time),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunOnce performs one full monitor cycle: heartbeat scan, claim-timeout
// scan, recovery scan. The background loop calls this every interval;
// tests call it directly for deterministic cycles.
func (m *Monitor) RunOnce() {
	m.scanHeartbeats()
	m.scanClaims()
	m.scanRecovery()
}

// scanHeartbeats fails every registered, not-already-failed worker whose
// health record has gone stale, and reassigns its claims.
func (m *Monitor) scanHeartbeats() {
	for _, id := range m.reg.WorkerIDs() {
		if m.reg.IsFailed(id) || m.reg.Healthy(id) {
			continue
		}
		m.failWorker(id)
	}
}

// failWorker marks the worker failed, records the failure, and reassigns
// every claim it holds.
func (m *Monitor) failWorker(workerID string) {
	m.reg.MarkFailed(workerID)
	count := m.recordFailure(workerID)

	m.logger.Warn("worker failed",
		"worker_id", workerID, "reason", ReasonHeartbeatTimeout, "recent_failures", count)
	if m.bus != nil {
		m.bus.Publish(event.NewWorkerFailedEvent(workerID, ReasonHeartbeatTimeout, count))
	}

	for _, claim := range m.reg.ClaimsFor(workerID) {
		m.reassign(claim, ReasonHeartbeatTimeout)
	}
}

// recordFailure appends a failure timestamp and prunes the record to the
// failure window, returning the in-window count.
func (m *Monitor) recordFailure(workerID string) int {
	now := m.now()
	cutoff := now.Add(-m.failureWindow)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.failures[workerID][:0]
	for _, t := range m.failures[workerID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	m.failures[workerID] = kept
	m.stats.WorkersFailed++
	return len(kept)
}

// scanClaims reassigns every claim past its deadline, regardless of the
// holder's health. The holder may simply be stuck on this one unit.
func (m *Monitor) scanClaims() {
	for _, claim := range m.reg.ExpiredClaims() {
		m.reassign(claim, ReasonClaimTimeout)
	}
}

// reassign removes the claim and re-runs a bid round for the same spec
// with the old holder excluded for this round only. A winner gets a
// fresh claim with the original TTL.
func (m *Monitor) reassign(claim registry.Claim, reason string) {
	if _, ok := m.reg.RemoveClaim(claim.WorkID); !ok {
		return // completed or already reassigned since the scan snapshot
	}

	log := m.logger.WithWork(claim.WorkID).WithWorker(claim.WorkerID)
	result := m.bids.RequestBidsExcluding(claim.Spec, []string{claim.WorkerID})
	if result.Winner == nil {
		m.countReassign(false)
		log.Warn("reassignment found no worker", "reason", reason, "round_outcome", result.Reason)
		return
	}

	ttl := claim.Deadline.Sub(claim.ClaimedAt)
	if err := m.reg.Claim(claim.WorkID, result.Winner.WorkerID, claim.Spec, ttl); err != nil {
		m.countReassign(false)
		log.Error("reassignment claim failed", "to_worker", result.Winner.WorkerID, "error", err)
		return
	}

	m.countReassign(true)
	log.Info("claim reassigned", "to_worker", result.Winner.WorkerID, "reason", reason)
	if m.bus != nil {
		m.bus.Publish(event.NewClaimReassignedEvent(claim.WorkID, claim.WorkerID, result.Winner.WorkerID, reason))
	}
}

func (m *Monitor) countReassign(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.stats.ReassignedOK++
	} else {
		m.stats.ReassignFailed++
	}
}

// scanRecovery walks failed workers whose heartbeats have resumed. A
// worker must stay healthy for the full grace period; any relapse
// cancels recovery and it remains failed.
func (m *Monitor) scanRecovery() {
	now := m.now()
	for _, id := range m.reg.WorkerIDs() {
		if !m.reg.IsFailed(id) {
			continue
		}
		if !m.reg.Healthy(id) {
			m.mu.Lock()
			_, wasRecovering := m.recovering[id]
			delete(m.recovering, id)
			m.mu.Unlock()
			if wasRecovering {
				m.logger.Warn("recovery relapsed", "worker_id", id)
			}
			continue
		}

		m.mu.Lock()
		started, ok := m.recovering[id]
		if !ok {
			m.recovering[id] = now
			m.mu.Unlock()
			m.logger.Info("worker recovering", "worker_id", id, "grace", m.recoveryGrace)
			if m.bus != nil {
				m.bus.Publish(event.NewWorkerRecoveringEvent(id, m.recoveryGrace))
			}
			continue
		}
		if now.Sub(started) < m.recoveryGrace {
			m.mu.Unlock()
			continue
		}
		delete(m.recovering, id)
		delete(m.failures, id)
		m.stats.WorkersRecovered++
		m.mu.Unlock()

		m.reg.ClearFailed(id)
		m.logger.Info("worker recovered", "worker_id", id)
		if m.bus != nil {
			m.bus.Publish(event.NewWorkerRecoveredEvent(id))
		}
	}
}

// RecentFailures returns the worker's failure count within the window.
func (m *Monitor) RecentFailures(workerID string) int {
	cutoff := m.now().Add(-m.failureWindow)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.failures[workerID] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// Recovering reports whether the worker is inside a recovery grace
// period.
func (m *Monitor) Recovering(workerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.recovering[workerID]
	return ok
}

// Stats returns a copy of the reassignment and failure counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Start runs the monitor loop until the context is cancelled or Stop is
// called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.stopFunc = cancel

	go func() {
		defer close(m.stopped)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RunOnce()
			}
		}
	}()
	m.logger.Info("fault monitor started",
		"interval", m.interval, "failure_window", m.failureWindow, "recovery_grace", m.recoveryGrace)
}

// Stop cancels the monitor loop and waits for it to exit. Safe to call
// even if Start was never called.
func (m *Monitor) Stop() {
	if m.stopFunc != nil {
		m.stopFunc()
		<-m.stopped
	}
}
