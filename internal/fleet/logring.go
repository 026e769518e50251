package fleet

import (
	"sync"

	"github.com/grugthink/grugfleet/internal/domain"
)

// logRing is a fixed-size ring of an instance's most recent logLine events.
// When full, new entries overwrite the oldest. It backs the operator's
// recent-logs view; the event bus remains the live feed.
type logRing struct {
	mu   sync.RWMutex
	buf  []domain.FleetEvent
	head int // next write position
	full bool
}

func newLogRing(size int) *logRing {
	if size <= 0 {
		size = 128
	}
	return &logRing{buf: make([]domain.FleetEvent, size)}
}

// Append records an event, overwriting the oldest when full.
func (r *logRing) Append(ev domain.FleetEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.head] = ev
	r.head = (r.head + 1) % len(r.buf)
	if r.head == 0 {
		r.full = true
	}
}

// Snapshot returns the retained events, oldest first.
func (r *logRing) Snapshot() []domain.FleetEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full {
		out := make([]domain.FleetEvent, r.head)
		copy(out, r.buf[:r.head])
		return out
	}

	out := make([]domain.FleetEvent, 0, len(r.buf))
	out = append(out, r.buf[r.head:]...)
	out = append(out, r.buf[:r.head]...)
	return out
}
