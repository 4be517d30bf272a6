package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/capmesh/capmesh/internal/bidding"
	"github.com/capmesh/capmesh/internal/config"
	"github.com/capmesh/capmesh/internal/errors"
	"github.com/capmesh/capmesh/internal/registry"
	"github.com/capmesh/capmesh/internal/taskrun"
	"github.com/capmesh/capmesh/internal/testutil"
)

func compileCaps() map[string]registry.CapabilityHint {
	return map[string]registry.CapabilityHint{"compile": {Cost: 1, Confidence: 0.9}}
}

func newTestHub(t *testing.T, clock *testutil.FakeClock, cfg *config.Config) *Hub {
	t.Helper()
	h, err := NewHub(cfg, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewHub() error = %v", err)
	}
	return h
}

func TestNewHub_NilConfigUsesDefaults(t *testing.T) {
	h, err := NewHub(nil)
	if err != nil {
		t.Fatalf("NewHub(nil) error = %v", err)
	}
	if h.Running() {
		t.Error("Running() = true before Start")
	}
	if h.Bus() == nil {
		t.Error("Bus() = nil")
	}
}

func TestNewHub_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Flow.LoadThreshold = 2.0
	if _, err := NewHub(cfg); err == nil {
		t.Error("NewHub() error = nil, want validation error")
	}
}

func TestHub_StartStop(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	h := newTestHub(t, clock, nil)

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !h.Running() {
		t.Error("Running() = false after Start")
	}
	if err := h.Start(context.Background()); !errors.Is(err, errors.ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if h.Running() {
		t.Error("Running() = true after Stop")
	}
	// Idempotent.
	if err := h.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestHub_BidRoundSelectsHighestScore(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	h := newTestHub(t, clock, nil)

	workers := []*testutil.StubWorker{
		testutil.NewStubWorker("agent-low", 0.2),
		testutil.NewStubWorker("agent-high", 0.9),
		testutil.NewStubWorker("agent-mid", 0.5),
	}
	for _, w := range workers {
		if err := h.RegisterWorker(w, compileCaps(), 1); err != nil {
			t.Fatalf("RegisterWorker(%q) error = %v", w.ID(), err)
		}
		if err := h.Heartbeat(w.ID(), 0.9); err != nil {
			t.Fatalf("Heartbeat(%q) error = %v", w.ID(), err)
		}
	}

	spec := registry.WorkSpec{WorkID: "work-1", Capability: "compile", CorrelationID: "wf-1"}
	for i := 0; i < 3; i++ {
		result := h.RequestBids(spec)
		if result.Winner == nil {
			t.Fatalf("run %d: Winner = nil, reason %q", i, result.Reason)
		}
		if result.Winner.WorkerID != "agent-high" {
			t.Fatalf("run %d: Winner = %q, want agent-high", i, result.Winner.WorkerID)
		}
	}
}

func TestHub_ClaimCompleteRoundTrip(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	h := newTestHub(t, clock, nil)

	w := testutil.NewStubWorker("agent-1", 0.8)
	if err := h.RegisterWorker(w, compileCaps(), 1); err != nil {
		t.Fatalf("RegisterWorker() error = %v", err)
	}

	spec := registry.WorkSpec{WorkID: "work-1", Capability: "compile", CorrelationID: "wf-1"}
	if err := h.ClaimWork("work-1", "agent-1", spec, 0); err != nil {
		t.Fatalf("ClaimWork() error = %v", err)
	}

	// Zero TTL means the configured execution timeout.
	status := h.GetStatus()
	if len(status.Claims) != 1 {
		t.Fatalf("Claims = %d, want 1", len(status.Claims))
	}
	wantDeadline := clock.Now().Add(config.Default().Registry.ExecutionTimeout())
	if !status.Claims[0].Deadline.Equal(wantDeadline) {
		t.Errorf("Deadline = %v, want %v", status.Claims[0].Deadline, wantDeadline)
	}

	if h.CompleteWork("work-1", "agent-2") {
		t.Error("CompleteWork by non-owner = true, want false")
	}
	if !h.CompleteWork("work-1", "agent-1") {
		t.Error("CompleteWork by owner = false, want true")
	}
	if h.CompleteWork("work-1", "agent-1") {
		t.Error("CompleteWork after completion = true, want false")
	}
}

func TestHub_SubmitTask(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	cfg := config.Default()
	cfg.Fairness.MaxTasksPerCorrelation = 1
	cfg.Fairness.GlobalMaxTasks = 2
	h := newTestHub(t, clock, cfg)

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop()

	block := make(chan struct{})
	handle, err := h.SubmitTask(taskrun.Task{
		CorrelationID: "wf-1",
		Capability:    "compile",
		Fn: func(ctx context.Context) error {
			<-block
			return nil
		},
	})
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}

	// Over the per-correlation budget while the first task runs.
	_, err = h.SubmitTask(taskrun.Task{
		CorrelationID: "wf-1",
		Fn:            func(ctx context.Context) error { return nil },
	})
	if !errors.Is(err, errors.ErrBudgetExhausted) {
		t.Errorf("SubmitTask() error = %v, want ErrBudgetExhausted", err)
	}

	close(block)
	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task never finished")
	}
	if handle.Err() != nil {
		t.Errorf("Err() = %v, want nil", handle.Err())
	}

	// Budget released: the correlation can submit again.
	h2, err := h.SubmitTask(taskrun.Task{
		CorrelationID: "wf-1",
		Fn:            func(ctx context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("SubmitTask() after completion error = %v", err)
	}
	<-h2.Done()
}

func TestHub_GetStatusComposition(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	h := newTestHub(t, clock, nil)

	w1 := testutil.NewStubWorker("agent-1", 0.8)
	w2 := testutil.NewStubWorker("agent-2", 0.7)
	for _, w := range []*testutil.StubWorker{w1, w2} {
		if err := h.RegisterWorker(w, compileCaps(), 1); err != nil {
			t.Fatalf("RegisterWorker() error = %v", err)
		}
		if err := h.Heartbeat(w.ID(), 0.9); err != nil {
			t.Fatalf("Heartbeat() error = %v", err)
		}
	}
	spec := registry.WorkSpec{WorkID: "work-1", Capability: "compile", CorrelationID: "wf-1"}
	h.RequestBids(spec)

	status := h.GetStatus()
	if len(status.Workers) != 2 {
		t.Errorf("Workers = %d, want 2", len(status.Workers))
	}
	if ids := status.Capabilities["compile"]; len(ids) != 2 {
		t.Errorf("Capabilities[compile] = %v, want both workers", ids)
	}
	if status.Flow.Threshold != 0.8 {
		t.Errorf("Flow.Threshold = %v, want 0.8", status.Flow.Threshold)
	}
	stats, ok := status.Bidding["compile"]
	if !ok {
		t.Fatal("Bidding stats missing compile capability")
	}
	if stats.Rounds != 1 {
		t.Errorf("Bidding rounds = %d, want 1", stats.Rounds)
	}
}

func TestHub_OverloadRefusesBidRounds(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	h := newTestHub(t, clock, nil)

	// One worker at full load pushes utilization to 1.0.
	w := testutil.NewStubWorker("agent-1", 0.9).WithLoad(4, 4)
	if err := h.RegisterWorker(w, compileCaps(), 1); err != nil {
		t.Fatalf("RegisterWorker() error = %v", err)
	}
	if err := h.Heartbeat("agent-1", 0.9); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	spec := registry.WorkSpec{WorkID: "work-1", Capability: "compile", CorrelationID: "wf-1"}
	result := h.RequestBids(spec)
	if result.Reason != bidding.ReasonOverloaded {
		t.Errorf("Reason = %q, want %q", result.Reason, bidding.ReasonOverloaded)
	}
	if got := w.BidCalls(); got != 0 {
		t.Errorf("BidCalls() = %d, want 0 during overload", got)
	}
}

// TestHub_FailoverEndToEnd walks the full reassignment path: the
// higher-scoring worker wins and claims the work, goes silent past the
// heartbeat timeout, and one fault monitor cycle moves the claim to the
// remaining worker.
func TestHub_FailoverEndToEnd(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	cfg := config.Default()
	cfg.Registry.HeartbeatTimeoutSeconds = 10
	h := newTestHub(t, clock, cfg)

	strong := testutil.NewStubWorker("agent-strong", 0.9).WithLoad(0, 2)
	weak := testutil.NewStubWorker("agent-weak", 0.4).WithLoad(0, 1)
	for _, w := range []*testutil.StubWorker{strong, weak} {
		if err := h.RegisterWorker(w, compileCaps(), 1); err != nil {
			t.Fatalf("RegisterWorker(%q) error = %v", w.ID(), err)
		}
		if err := h.Heartbeat(w.ID(), 0.9); err != nil {
			t.Fatalf("Heartbeat(%q) error = %v", w.ID(), err)
		}
	}

	spec := registry.WorkSpec{WorkID: "work-x", Capability: "compile", CorrelationID: "wf-1"}
	result := h.RequestBids(spec)
	if result.Winner == nil || result.Winner.WorkerID != "agent-strong" {
		t.Fatalf("Winner = %+v, want agent-strong", result.Winner)
	}
	if err := h.ClaimWork("work-x", "agent-strong", spec, time.Minute); err != nil {
		t.Fatalf("ClaimWork() error = %v", err)
	}

	// The winner goes silent; the other worker keeps heartbeating.
	clock.Advance(11 * time.Second)
	if err := h.Heartbeat("agent-weak", 0.9); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	h.Monitor().RunOnce()

	if !h.Registry().IsFailed("agent-strong") {
		t.Fatal("silent worker not marked failed")
	}
	if h.CompleteWork("work-x", "agent-strong") {
		t.Error("CompleteWork by failed worker = true, want false")
	}
	if !h.CompleteWork("work-x", "agent-weak") {
		t.Error("CompleteWork by new holder = false, want true")
	}
	if got := h.Monitor().Stats().ReassignedOK; got != 1 {
		t.Errorf("Stats().ReassignedOK = %d, want 1", got)
	}
}
