package event

import (
	"sync"
	"testing"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()

	called := false
	id := bus.Subscribe("worker.registered", func(e Event) {
		called = true
	})

	if id == "" {
		t.Error("Subscribe should return a non-empty ID")
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("Expected 1 subscription, got %d", bus.SubscriptionCount())
	}
	if called {
		t.Error("Handler should not be called until an event is published")
	}
}

func TestBus_Publish(t *testing.T) {
	bus := NewBus()

	var receivedEvent Event
	bus.Subscribe("worker.registered", func(e Event) {
		receivedEvent = e
	})

	bus.Publish(NewWorkerRegisteredEvent("agent-1", []string{"summarize"}, 4))

	if receivedEvent == nil {
		t.Fatal("Handler should have received the event")
	}
	if receivedEvent.EventType() != "worker.registered" {
		t.Errorf("Expected event type 'worker.registered', got '%s'", receivedEvent.EventType())
	}
	reg, ok := receivedEvent.(WorkerRegisteredEvent)
	if !ok {
		t.Fatalf("Expected WorkerRegisteredEvent, got %T", receivedEvent)
	}
	if reg.WorkerID != "agent-1" {
		t.Errorf("WorkerID = %q, want agent-1", reg.WorkerID)
	}
}

func TestBus_PublishMultipleHandlers(t *testing.T) {
	bus := NewBus()

	callCount := 0
	bus.Subscribe("claim.timeout", func(e Event) {
		callCount++
	})
	bus.Subscribe("claim.timeout", func(e Event) {
		callCount++
	})

	bus.Publish(newBaseEvent("claim.timeout"))

	if callCount != 2 {
		t.Errorf("Expected both handlers to be called, got %d calls", callCount)
	}
}

func TestBus_PublishNoMatchingHandlers(t *testing.T) {
	bus := NewBus()

	bus.Subscribe("worker.failed", func(e Event) {
		t.Error("Handler should not be called for non-matching event type")
	})

	bus.Publish(newBaseEvent("worker.recovered"))
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()

	var events []string
	bus.SubscribeAll(func(e Event) {
		events = append(events, e.EventType())
	})

	bus.Publish(newBaseEvent("event.one"))
	bus.Publish(newBaseEvent("event.two"))
	bus.Publish(newBaseEvent("event.three"))

	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	expected := []string{"event.one", "event.two", "event.three"}
	for i, e := range expected {
		if events[i] != e {
			t.Errorf("Expected event %d to be '%s', got '%s'", i, e, events[i])
		}
	}
}

func TestBus_SpecificHandlersBeforeWildcard(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.SubscribeAll(func(e Event) {
		order = append(order, "wildcard")
	})
	bus.Subscribe("bid.round_completed", func(e Event) {
		order = append(order, "specific")
	})

	bus.Publish(newBaseEvent("bid.round_completed"))

	if len(order) != 2 || order[0] != "specific" || order[1] != "wildcard" {
		t.Errorf("dispatch order = %v, want [specific wildcard]", order)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	id := bus.Subscribe("claim.created", func(e Event) {
		t.Error("Handler should not be called after unsubscribe")
	})

	if removed := bus.Unsubscribe(id); !removed {
		t.Error("Unsubscribe should return true when subscription exists")
	}
	if bus.SubscriptionCount() != 0 {
		t.Errorf("Expected 0 subscriptions after unsubscribe, got %d", bus.SubscriptionCount())
	}

	bus.Publish(newBaseEvent("claim.created"))
}

func TestBus_UnsubscribeUnknownID(t *testing.T) {
	bus := NewBus()
	if bus.Unsubscribe("sub-999") {
		t.Error("Unsubscribe of unknown id should return false")
	}
}

func TestBus_HandlerPanicDoesNotStopDispatch(t *testing.T) {
	bus := NewBus()

	secondCalled := false
	bus.Subscribe("flow.overloaded", func(e Event) {
		panic("handler exploded")
	})
	bus.Subscribe("flow.overloaded", func(e Event) {
		secondCalled = true
	})

	bus.Publish(NewSystemOverloadedEvent(0.9, 0.8))

	if !secondCalled {
		t.Error("Second handler should be called even when first panics")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.Subscribe("task.completed", func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(newBaseEvent("task.completed"))
		}()
	}
	wg.Wait()

	if count != 50 {
		t.Errorf("Expected 50 deliveries, got %d", count)
	}
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus()
	bus.Subscribe("a", func(Event) {})
	bus.Subscribe("b", func(Event) {})

	bus.Clear()

	if bus.SubscriptionCount() != 0 {
		t.Errorf("Expected 0 subscriptions after Clear, got %d", bus.SubscriptionCount())
	}
}
