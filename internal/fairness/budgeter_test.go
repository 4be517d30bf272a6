package fairness

import (
	"testing"
	"time"

	"github.com/capmesh/capmesh/internal/event"
	"github.com/capmesh/capmesh/internal/testutil"
)

func newTestBudgeter(clock *testutil.FakeClock, opts ...Option) *Budgeter {
	base := []Option{
		WithMaxPerCorrelation(2),
		WithGlobalMax(4),
		WithFairnessWindow(10 * time.Second),
		WithClock(clock.Now),
	}
	return NewBudgeter(append(base, opts...)...)
}

func TestBudgeter_AcquireRelease(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	b := newTestBudgeter(clock)

	if !b.Acquire("wf-1") {
		t.Fatal("first Acquire = false, want true")
	}
	if !b.Acquire("wf-1") {
		t.Fatal("second Acquire = false, want true")
	}
	if b.Acquire("wf-1") {
		t.Error("Acquire above per-correlation cap = true, want false")
	}
	if got := b.GlobalCount(); got != 2 {
		t.Errorf("GlobalCount() = %d, want 2", got)
	}

	b.Release("wf-1")
	if !b.Acquire("wf-1") {
		t.Error("Acquire after Release = false, want true")
	}
}

func TestBudgeter_GlobalCap(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	b := newTestBudgeter(clock)

	// Fill the global budget across correlations.
	for _, id := range []string{"a", "a", "b", "b"} {
		if !b.Acquire(id) {
			t.Fatalf("Acquire(%q) = false, want true", id)
		}
	}
	if b.Acquire("c") {
		t.Error("Acquire above global cap = true, want false")
	}

	b.Release("a")
	if !b.Acquire("c") {
		t.Error("Acquire after global slot freed = false, want true")
	}
}

func TestBudgeter_ReleaseUnknownCorrelationIsNoop(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	b := newTestBudgeter(clock)

	b.Release("never-seen")
	if got := b.GlobalCount(); got != 0 {
		t.Errorf("GlobalCount() = %d, want 0", got)
	}
}

func TestBudgeter_StarvationQueueDeduplicates(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	b := newTestBudgeter(clock)

	b.Acquire("wf-1")
	b.Acquire("wf-1")

	// Repeated denials enqueue once.
	for i := 0; i < 3; i++ {
		if b.Acquire("wf-1") {
			t.Fatal("Acquire above cap = true, want false")
		}
	}
	if got := b.QueueLength(); got != 1 {
		t.Errorf("QueueLength() = %d, want 1", got)
	}
}

func TestBudgeter_FairnessPassBoostsStarved(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	bus := event.NewBus()
	b := newTestBudgeter(clock, WithBus(bus))

	var boosts []event.FairnessBoostedEvent
	bus.Subscribe("fairness.boosted", func(e event.Event) {
		boosts = append(boosts, e.(event.FairnessBoostedEvent))
	})

	b.Acquire("wf-1")
	b.Acquire("wf-1")
	b.Acquire("wf-1") // denied, enqueued

	// Not yet one window old: no boost.
	b.FairnessPass()
	if got := b.EffectiveMax("wf-1"); got != 2 {
		t.Errorf("EffectiveMax before window = %d, want 2", got)
	}

	// One full window of denial strictly raises the cap: 2 * 1.25
	// rounds up to 3.
	clock.Advance(11 * time.Second)
	b.FairnessPass()
	if got := b.EffectiveMax("wf-1"); got != 3 {
		t.Errorf("EffectiveMax after one pass = %d, want 3", got)
	}
	if got := b.Boost("wf-1"); got != 1.25 {
		t.Errorf("Boost after one pass = %v, want 1.25", got)
	}

	b.FairnessPass()
	if got := b.EffectiveMax("wf-1"); got != 3 { // 2 * 1.5
		t.Errorf("EffectiveMax after two passes = %d, want 3", got)
	}
	if len(boosts) != 2 {
		t.Fatalf("boost events = %d, want 2", len(boosts))
	}
	if boosts[1].CorrelationID != "wf-1" {
		t.Errorf("boost correlation = %q, want wf-1", boosts[1].CorrelationID)
	}

	// The boosted cap now admits the third task.
	if !b.Acquire("wf-1") {
		t.Error("Acquire under boosted cap = false, want true")
	}
}

func TestBudgeter_SmallCapBoostStrictlyIncreases(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	b := NewBudgeter(
		WithMaxPerCorrelation(1),
		WithGlobalMax(4),
		WithFairnessWindow(10*time.Second),
		WithClock(clock.Now),
	)

	if !b.Acquire("wf-1") {
		t.Fatal("first Acquire = false, want true")
	}
	if b.Acquire("wf-1") {
		t.Fatal("Acquire above cap of 1 = true, want false")
	}

	clock.Advance(11 * time.Second)
	b.FairnessPass()
	if got := b.EffectiveMax("wf-1"); got <= 1 {
		t.Errorf("EffectiveMax after one window of denial = %d, want > 1", got)
	}
	if !b.Acquire("wf-1") {
		t.Error("Acquire under boosted cap of 1 = false, want true")
	}
}

func TestBudgeter_BoostCapped(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	b := newTestBudgeter(clock, WithGlobalMax(2))

	b.Acquire("wf-1")
	b.Acquire("wf-1")
	b.Acquire("wf-1") // denied on the global cap too, stays starved

	for i := 0; i < 10; i++ {
		clock.Advance(11 * time.Second)
		b.FairnessPass()
	}
	if got := b.Boost("wf-1"); got != 2.0 {
		t.Errorf("Boost after many passes = %v, want 2.0 (ceiling)", got)
	}
	if got := b.EffectiveMax("wf-1"); got != 4 {
		t.Errorf("EffectiveMax at ceiling = %d, want 4", got)
	}
}

func TestBudgeter_BoostResetOnAdmission(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	b := newTestBudgeter(clock)

	b.Acquire("wf-1")
	b.Acquire("wf-1")
	b.Acquire("wf-1") // denied

	clock.Advance(11 * time.Second)
	b.FairnessPass()
	b.FairnessPass()
	if got := b.Boost("wf-1"); got != 1.5 {
		t.Fatalf("Boost = %v, want 1.5", got)
	}

	if !b.Acquire("wf-1") {
		t.Fatal("Acquire under boosted cap = false, want true")
	}
	if got := b.Boost("wf-1"); got != 1.0 {
		t.Errorf("Boost after admission = %v, want 1.0 (reset)", got)
	}
	if got := b.QueueLength(); got != 0 {
		t.Errorf("QueueLength() after admission = %d, want 0", got)
	}
}

func TestBudgeter_ReleaseDequeuesAdmissibleHead(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	b := newTestBudgeter(clock)

	b.Acquire("wf-1")
	b.Acquire("wf-1")
	b.Acquire("wf-1") // denied, head of queue

	b.Release("wf-1")
	if got := b.QueueLength(); got != 0 {
		t.Errorf("QueueLength() after release = %d, want 0", got)
	}
	if !b.CanSubmit("wf-1") {
		t.Error("CanSubmit after release = false, want true")
	}
}

func TestBudgeter_BudgetsSnapshot(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	b := newTestBudgeter(clock)

	b.Acquire("wf-1")
	b.Acquire("wf-2")
	b.Release("wf-2")

	budgets := b.Budgets()
	if len(budgets) != 2 {
		t.Fatalf("len(Budgets()) = %d, want 2", len(budgets))
	}
	byID := make(map[string]Budget, len(budgets))
	for _, bd := range budgets {
		byID[bd.CorrelationID] = bd
	}
	if got := byID["wf-1"].Current; got != 1 {
		t.Errorf("wf-1 current = %d, want 1", got)
	}
	if got := byID["wf-2"].Completed; got != 1 {
		t.Errorf("wf-2 completed = %d, want 1", got)
	}
	if got := byID["wf-1"].BaseMax; got != 2 {
		t.Errorf("wf-1 base max = %d, want 2", got)
	}
}
