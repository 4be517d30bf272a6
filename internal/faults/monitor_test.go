package faults

import (
	"testing"
	"time"

	"github.com/capmesh/capmesh/internal/bidding"
	"github.com/capmesh/capmesh/internal/event"
	"github.com/capmesh/capmesh/internal/registry"
	"github.com/capmesh/capmesh/internal/testutil"
)

// fakeBids is a scripted BidRequester recording every reassignment round.
type fakeBids struct {
	winner   string // worker id to win every round; empty means no winner
	requests []registry.WorkSpec
	excludes [][]string
}

func (f *fakeBids) RequestBidsExcluding(spec registry.WorkSpec, exclude []string) bidding.Result {
	f.requests = append(f.requests, spec)
	f.excludes = append(f.excludes, exclude)
	if f.winner == "" {
		return bidding.Result{Reason: bidding.ReasonNoBids}
	}
	return bidding.Result{Winner: &registry.Bid{
		WorkID:     spec.WorkID,
		Capability: spec.Capability,
		WorkerID:   f.winner,
		Score:      0.9,
	}}
}

type fixture struct {
	clock   *testutil.FakeClock
	reg     *registry.Registry
	bids    *fakeBids
	bus     *event.Bus
	monitor *Monitor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	bus := event.NewBus()
	reg := registry.New(
		registry.WithClock(clock.Now),
		registry.WithHeartbeatTimeout(10*time.Second),
	)
	bids := &fakeBids{}
	base := []Option{
		WithClock(clock.Now),
		WithBus(bus),
		WithFailureWindow(60 * time.Second),
		WithRecoveryGrace(20 * time.Second),
	}
	return &fixture{
		clock:   clock,
		reg:     reg,
		bids:    bids,
		bus:     bus,
		monitor: NewMonitor(reg, bids, append(base, opts...)...),
	}
}

func (f *fixture) register(t *testing.T, id string) *testutil.StubWorker {
	t.Helper()
	w := testutil.NewStubWorker(id, 0.8)
	caps := map[string]registry.CapabilityHint{"compile": {Cost: 1, Confidence: 0.9}}
	if err := f.reg.Register(w, caps, 1); err != nil {
		t.Fatalf("Register(%q) error = %v", id, err)
	}
	if err := f.reg.Heartbeat(id, 0.9); err != nil {
		t.Fatalf("Heartbeat(%q) error = %v", id, err)
	}
	return w
}

func TestMonitor_HeartbeatScanFailsStaleWorker(t *testing.T) {
	f := newFixture(t)
	f.register(t, "agent-1")

	var failed []event.WorkerFailedEvent
	f.bus.Subscribe("worker.failed", func(e event.Event) {
		failed = append(failed, e.(event.WorkerFailedEvent))
	})

	f.monitor.RunOnce()
	if f.reg.IsFailed("agent-1") {
		t.Fatal("fresh worker marked failed")
	}

	f.clock.Advance(11 * time.Second)
	f.monitor.RunOnce()
	if !f.reg.IsFailed("agent-1") {
		t.Fatal("stale worker not marked failed")
	}
	if len(failed) != 1 {
		t.Fatalf("worker.failed events = %d, want 1", len(failed))
	}
	if failed[0].WorkerID != "agent-1" || failed[0].Reason != ReasonHeartbeatTimeout {
		t.Errorf("event = %+v, want agent-1 / heartbeat timeout", failed[0])
	}
	if got := f.monitor.RecentFailures("agent-1"); got != 1 {
		t.Errorf("RecentFailures() = %d, want 1", got)
	}

	// Already-failed workers are not re-failed on the next cycle.
	f.monitor.RunOnce()
	if len(failed) != 1 {
		t.Errorf("worker.failed events after second cycle = %d, want 1", len(failed))
	}
}

func TestMonitor_FailedWorkerClaimsReassigned(t *testing.T) {
	f := newFixture(t)
	f.register(t, "agent-1")
	f.register(t, "agent-2")
	f.bids.winner = "agent-2"

	var reassigned []event.ClaimReassignedEvent
	f.bus.Subscribe("claim.reassigned", func(e event.Event) {
		reassigned = append(reassigned, e.(event.ClaimReassignedEvent))
	})

	spec := registry.WorkSpec{WorkID: "work-1", Capability: "compile", CorrelationID: "wf-1"}
	if err := f.reg.Claim("work-1", "agent-1", spec, time.Minute); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	// agent-1 goes silent; agent-2 keeps heartbeating.
	f.clock.Advance(11 * time.Second)
	f.reg.Heartbeat("agent-2", 0.9)
	f.monitor.RunOnce()

	if len(f.bids.requests) != 1 {
		t.Fatalf("reassignment rounds = %d, want 1", len(f.bids.requests))
	}
	if got := f.bids.excludes[0]; len(got) != 1 || got[0] != "agent-1" {
		t.Errorf("round exclusion = %v, want [agent-1]", got)
	}

	// The claim moved: the old holder's completion is stale, the new
	// holder's succeeds.
	if f.reg.Complete("work-1", "agent-1") {
		t.Error("Complete by failed worker = true, want false")
	}
	if !f.reg.Complete("work-1", "agent-2") {
		t.Error("Complete by new holder = false, want true")
	}

	if len(reassigned) != 1 {
		t.Fatalf("claim.reassigned events = %d, want 1", len(reassigned))
	}
	ev := reassigned[0]
	if ev.FromWorker != "agent-1" || ev.ToWorker != "agent-2" || ev.Reason != ReasonHeartbeatTimeout {
		t.Errorf("event = %+v, want agent-1 -> agent-2 / heartbeat timeout", ev)
	}
	if got := f.monitor.Stats().ReassignedOK; got != 1 {
		t.Errorf("Stats().ReassignedOK = %d, want 1", got)
	}
}

func TestMonitor_ClaimTimeoutScanReassigns(t *testing.T) {
	f := newFixture(t)
	f.register(t, "agent-1")
	f.register(t, "agent-2")
	f.bids.winner = "agent-2"

	spec := registry.WorkSpec{WorkID: "work-1", Capability: "compile", CorrelationID: "wf-1"}
	if err := f.reg.Claim("work-1", "agent-1", spec, 5*time.Second); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	// Past the claim deadline but both workers stay healthy.
	f.clock.Advance(6 * time.Second)
	f.reg.Heartbeat("agent-1", 0.9)
	f.reg.Heartbeat("agent-2", 0.9)
	f.monitor.RunOnce()

	if f.reg.IsFailed("agent-1") {
		t.Error("healthy worker marked failed by claim timeout")
	}
	if !f.reg.Complete("work-1", "agent-2") {
		t.Error("claim not reassigned to agent-2")
	}
}

func TestMonitor_ReassignmentFailureCounted(t *testing.T) {
	f := newFixture(t)
	f.register(t, "agent-1")
	f.bids.winner = "" // every round comes back empty

	spec := registry.WorkSpec{WorkID: "work-1", Capability: "compile", CorrelationID: "wf-1"}
	if err := f.reg.Claim("work-1", "agent-1", spec, time.Minute); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	f.clock.Advance(11 * time.Second)
	f.monitor.RunOnce()

	if got := f.monitor.Stats().ReassignFailed; got != 1 {
		t.Errorf("Stats().ReassignFailed = %d, want 1", got)
	}
	// The claim is gone either way; a later retry is the caller's call.
	if got := f.reg.ClaimCount(); got != 0 {
		t.Errorf("ClaimCount() = %d, want 0", got)
	}

	// Not retried on the next cycle.
	f.monitor.RunOnce()
	if got := len(f.bids.requests); got != 1 {
		t.Errorf("reassignment rounds = %d, want 1", got)
	}
}

func TestMonitor_RecoveryGracePeriod(t *testing.T) {
	f := newFixture(t)
	f.register(t, "agent-1")

	var recovered []event.WorkerRecoveredEvent
	f.bus.Subscribe("worker.recovered", func(e event.Event) {
		recovered = append(recovered, e.(event.WorkerRecoveredEvent))
	})

	f.clock.Advance(11 * time.Second)
	f.monitor.RunOnce()
	if !f.reg.IsFailed("agent-1") {
		t.Fatal("worker not failed")
	}

	// Heartbeats resume: recovery starts but the worker stays failed.
	f.reg.Heartbeat("agent-1", 0.9)
	f.monitor.RunOnce()
	if !f.monitor.Recovering("agent-1") {
		t.Fatal("Recovering() = false, want true after heartbeat resumes")
	}
	if !f.reg.IsFailed("agent-1") {
		t.Error("worker cleared before grace period elapsed")
	}

	// Still inside the grace period.
	f.clock.Advance(10 * time.Second)
	f.reg.Heartbeat("agent-1", 0.9)
	f.monitor.RunOnce()
	if !f.reg.IsFailed("agent-1") {
		t.Error("worker cleared before grace period elapsed")
	}

	// Grace period complete.
	f.clock.Advance(11 * time.Second)
	f.reg.Heartbeat("agent-1", 0.9)
	f.monitor.RunOnce()
	if f.reg.IsFailed("agent-1") {
		t.Error("worker still failed after grace period")
	}
	if f.monitor.Recovering("agent-1") {
		t.Error("Recovering() = true after recovery completed")
	}
	if got := f.monitor.RecentFailures("agent-1"); got != 0 {
		t.Errorf("RecentFailures() after recovery = %d, want 0", got)
	}
	if len(recovered) != 1 {
		t.Errorf("worker.recovered events = %d, want 1", len(recovered))
	}
	if got := f.monitor.Stats().WorkersRecovered; got != 1 {
		t.Errorf("Stats().WorkersRecovered = %d, want 1", got)
	}
}

func TestMonitor_RelapseCancelsRecovery(t *testing.T) {
	f := newFixture(t)
	f.register(t, "agent-1")

	f.clock.Advance(11 * time.Second)
	f.monitor.RunOnce() // failed

	f.reg.Heartbeat("agent-1", 0.9)
	f.monitor.RunOnce() // recovering
	if !f.monitor.Recovering("agent-1") {
		t.Fatal("Recovering() = false, want true")
	}

	// Heartbeats lapse again before the grace period ends.
	f.clock.Advance(11 * time.Second)
	f.monitor.RunOnce()
	if f.monitor.Recovering("agent-1") {
		t.Error("Recovering() = true after relapse, want false")
	}
	if !f.reg.IsFailed("agent-1") {
		t.Error("worker cleared despite relapse")
	}

	// Recovery restarts from scratch on the next resumption.
	f.reg.Heartbeat("agent-1", 0.9)
	f.monitor.RunOnce()
	f.clock.Advance(21 * time.Second)
	f.reg.Heartbeat("agent-1", 0.9)
	f.monitor.RunOnce()
	if f.reg.IsFailed("agent-1") {
		t.Error("worker not recovered after fresh grace period")
	}
}

func TestMonitor_FailureWindowPrunes(t *testing.T) {
	f := newFixture(t, WithRecoveryGrace(0))
	f.register(t, "agent-1")

	// Two failures inside the window via fail -> instant recovery -> fail.
	f.clock.Advance(11 * time.Second)
	f.monitor.RunOnce()
	f.reg.Heartbeat("agent-1", 0.9)
	f.monitor.RunOnce() // recovery starts
	f.monitor.RunOnce() // zero grace: recovered, failure record cleared

	f.clock.Advance(11 * time.Second)
	f.monitor.RunOnce()
	if got := f.monitor.RecentFailures("agent-1"); got != 1 {
		t.Fatalf("RecentFailures() = %d, want 1 (record cleared on recovery)", got)
	}

	// Outside the window the remaining record ages out.
	f.clock.Advance(61 * time.Second)
	if got := f.monitor.RecentFailures("agent-1"); got != 0 {
		t.Errorf("RecentFailures() past window = %d, want 0", got)
	}
}
