package fleet

import (
	"fmt"
	"testing"

	"github.com/grugthink/grugfleet/internal/domain"
)

func TestLogRingPartiallyFilled(t *testing.T) {
	r := newLogRing(8)
	for i := 0; i < 3; i++ {
		r.Append(domain.LogLine("bot-1", domain.LogInfo, fmt.Sprintf("line %d", i)))
	}

	got := r.Snapshot()
	if len(got) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(got))
	}
	for i, ev := range got {
		want := fmt.Sprintf("line %d", i)
		if ev.Message != want {
			t.Errorf("Entry %d: got %q, want %q", i, ev.Message, want)
		}
	}
}

func TestLogRingOverwritesOldest(t *testing.T) {
	r := newLogRing(4)
	for i := 0; i < 10; i++ {
		r.Append(domain.LogLine("bot-1", domain.LogInfo, fmt.Sprintf("line %d", i)))
	}

	got := r.Snapshot()
	if len(got) != 4 {
		t.Fatalf("Expected 4 entries, got %d", len(got))
	}
	for i, ev := range got {
		want := fmt.Sprintf("line %d", i+6)
		if ev.Message != want {
			t.Errorf("Entry %d: got %q, want %q (oldest first)", i, ev.Message, want)
		}
	}
}
