// Package memory provides the per-bot durable memory store: deduplicated
// facts with pagination and substring search.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/grugthink/grugfleet/internal/domain"
	"github.com/grugthink/grugfleet/internal/store"
)

// ErrNotFound is returned when no entry matches the given content.
var ErrNotFound = errors.New("memory entry not found")

// ErrEmptyContent is returned for blank content or queries.
var ErrEmptyContent = errors.New("memory content cannot be empty")

// Ranker reorders substring candidates by semantic similarity. It is an
// optional enhancement; substring search always remains the fallback.
type Ranker interface {
	Rank(ctx context.Context, query string, entries []domain.MemoryEntry) ([]domain.MemoryEntry, error)
}

// Service exposes one bot's memory store, keyed by bot id. Safe for
// concurrent use by workers and operator calls; dedup relies on the
// repository's atomic check-and-insert.
type Service struct {
	repo    store.Repository
	listMax int
	ranker  Ranker
}

// NewService creates a memory service. listMax caps page sizes for list and
// search responses.
func NewService(repo store.Repository, listMax int) *Service {
	return &Service{repo: repo, listMax: listMax}
}

// SetRanker installs an optional semantic ranker.
func (s *Service) SetRanker(r Ranker) {
	s.ranker = r
}

// Add records a fact for a bot. Adding byte-identical content is a no-op
// that returns the existing entry's id.
func (s *Service) Add(ctx context.Context, botID, content string) (int64, error) {
	if content == "" {
		return 0, ErrEmptyContent
	}

	id, created, err := s.repo.AddMemory(ctx, botID, content, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("add memory for %s: %w", botID, err)
	}
	if created {
		slog.Info("Memory added", "bot_id", botID, "memory_id", id)
	} else {
		slog.Debug("Duplicate memory ignored", "bot_id", botID, "memory_id", id)
	}
	return id, nil
}

// Remember implements the worker-side fact path; identical to Add.
func (s *Service) Remember(ctx context.Context, botID, content string) (int64, error) {
	return s.Add(ctx, botID, content)
}

// Delete removes the entry with exactly this content.
func (s *Service) Delete(ctx context.Context, botID, content string) error {
	if content == "" {
		return ErrEmptyContent
	}

	found, err := s.repo.DeleteMemory(ctx, botID, content)
	if err != nil {
		return fmt.Errorf("delete memory for %s: %w", botID, err)
	}
	if !found {
		return ErrNotFound
	}
	slog.Info("Memory deleted", "bot_id", botID)
	return nil
}

// List returns a page of entries by ascending id. Non-positive limits get a
// full page; limits above the cap are clamped.
func (s *Service) List(ctx context.Context, botID string, limit, offset int) ([]domain.MemoryEntry, error) {
	if limit <= 0 || limit > s.listMax {
		limit = s.listMax
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListMemories(ctx, botID, limit, offset)
}

// Search returns entries whose content contains query, case-insensitively,
// in id order. When a semantic ranker is installed, it reorders the matches;
// ranker failure falls back to the substring order.
func (s *Service) Search(ctx context.Context, botID, query string) ([]domain.MemoryEntry, error) {
	if query == "" {
		return nil, ErrEmptyContent
	}

	entries, err := s.repo.SearchMemories(ctx, botID, query, s.listMax)
	if err != nil {
		return nil, fmt.Errorf("search memories for %s: %w", botID, err)
	}

	if s.ranker != nil && len(entries) > 1 {
		ranked, rankErr := s.ranker.Rank(ctx, query, entries)
		if rankErr != nil {
			slog.Warn("Semantic ranker failed, using substring order", "bot_id", botID, "error", rankErr)
			return entries, nil
		}
		return ranked, nil
	}
	return entries, nil
}

// Count returns the number of entries in a bot's store.
func (s *Service) Count(ctx context.Context, botID string) (int64, error) {
	return s.repo.CountMemories(ctx, botID)
}
