package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/grugthink/grugfleet/internal/domain"
)

func TestPublishPreservesOrder(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	sub, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < 50; i++ {
		bus.Publish(domain.LogLine("bot-1", domain.LogInfo, fmt.Sprintf("line %d", i)))
	}

	for i := 0; i < 50; i++ {
		select {
		case ev := <-sub:
			want := fmt.Sprintf("line %d", i)
			if ev.Message != want {
				t.Fatalf("Event %d out of order: got %q, want %q", i, ev.Message, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for event %d", i)
		}
	}
}

func TestFanOutDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	sub1, cancel1 := bus.Subscribe()
	defer cancel1()
	sub2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Publish(domain.StatusChanged("bot-1", domain.StatusStopped, domain.StatusStarting))

	for _, sub := range []<-chan domain.FleetEvent{sub1, sub2} {
		select {
		case ev := <-sub:
			if ev.Type != domain.EventStatusChanged {
				t.Errorf("Expected status_changed, got %s", ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("Subscriber did not receive the event")
		}
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	slow, cancelSlow := bus.Subscribe()
	defer cancelSlow()
	fast, cancelFast := bus.Subscribe()
	defer cancelFast()

	// Overflow the slow subscriber's queue without reading it.
	for i := 0; i < 10; i++ {
		bus.Publish(domain.LogLine("bot-1", domain.LogInfo, fmt.Sprintf("line %d", i)))
	}

	if got := bus.SubscriberCount(); got != 1 {
		t.Fatalf("Expected the slow subscriber to be dropped, have %d subscribers", got)
	}

	// Dropped subscriber sees a closed channel after its queued events.
	closed := false
	for !closed {
		select {
		case _, ok := <-slow:
			if !ok {
				closed = true
			}
		case <-time.After(time.Second):
			t.Fatal("Dropped subscriber's channel never closed")
		}
	}

	// The fast subscriber keeps its place and a publish still reaches it.
	bus.Publish(domain.LogLine("bot-1", domain.LogInfo, "after drop"))
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-fast:
			if ev.Message == "after drop" {
				return
			}
		case <-deadline:
			t.Fatal("Surviving subscriber stopped receiving events")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	sub, cancel := bus.Subscribe()
	cancel()

	if _, ok := <-sub; ok {
		// Queued events may still drain; the channel must end up closed.
		for range sub {
		}
	}
	if got := bus.SubscriberCount(); got != 0 {
		t.Fatalf("Expected 0 subscribers after cancel, got %d", got)
	}

	// Publishing after cancel must not panic.
	bus.Publish(domain.LogLine("bot-1", domain.LogInfo, "into the void"))
}

func TestCloseEndsAllSubscribers(t *testing.T) {
	bus := NewBus(16)
	sub, cancel := bus.Subscribe()
	defer cancel()

	bus.Close()

	select {
	case _, ok := <-sub:
		if ok {
			for range sub {
			}
		}
	case <-time.After(time.Second):
		t.Fatal("Subscriber channel not closed on bus close")
	}

	// Publish and Close after close are no-ops.
	bus.Publish(domain.LogLine("bot-1", domain.LogInfo, "late"))
	bus.Close()
}
