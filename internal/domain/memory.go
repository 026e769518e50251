package domain

import (
	"time"
)

// MemoryEntry is one durable fact recorded by or for a bot instance.
// Content is the unit of deduplication: byte-identical content for the same
// bot collapses to a single entry. IDs are a per-bot monotone sequence.
type MemoryEntry struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
