// Package events provides in-process fan-out of fleet events to observers.
package events

import (
	"log/slog"
	"sync"

	"github.com/grugthink/grugfleet/internal/domain"
)

// Bus broadcasts FleetEvents to all currently attached subscribers in
// publication order. Delivery is fire-and-forget: there is no replay buffer,
// and a subscriber that falls behind its bounded queue is disconnected
// rather than allowed to block the fleet.
type Bus struct {
	mu       sync.Mutex
	nextID   int
	subs     map[int]chan domain.FleetEvent
	queueLen int
	closed   bool
}

// NewBus creates a bus whose subscribers each get a queue of queueLen events.
func NewBus(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = 256
	}
	return &Bus{
		subs:     make(map[int]chan domain.FleetEvent),
		queueLen: queueLen,
	}
}

// Subscribe attaches a new observer. The returned channel receives events
// from this moment onward; cancel detaches and closes it. The channel is
// also closed if the subscriber falls behind or the bus shuts down.
func (b *Bus) Subscribe() (<-chan domain.FleetEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.FleetEvent, b.queueLen)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking. The lock
// makes fan-out atomic, so each subscriber observes events in the exact
// order Publish was called.
func (b *Bus) Publish(ev domain.FleetEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Queue full: the observer is too slow. Disconnect it so the
			// publisher and other subscribers are unaffected.
			delete(b.subs, id)
			close(ch)
			slog.Warn("Dropping slow event subscriber", "subscriber_id", id, "queue_len", b.queueLen)
		}
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches all subscribers and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
