// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/grugthink/grugfleet/internal/domain"
)

// Repository defines the interface for persisting fleet state: bot instance
// records, per-bot memory entries, and the credential/template registry.
// Instances and memories survive process restart. Lifecycle status does not:
// every instance rehydrates as stopped.
type Repository interface {
	// CreateInstance persists a new bot instance record.
	CreateInstance(ctx context.Context, inst *domain.BotInstance) error

	// GetInstance retrieves an instance by id. Returns nil, nil if absent.
	GetInstance(ctx context.Context, id string) (*domain.BotInstance, error)

	// ListInstances retrieves all instance records ordered by creation time.
	ListInstances(ctx context.Context) ([]*domain.BotInstance, error)

	// UpdateInstance persists name, personality ref, runtime config, and
	// updated_at for an existing instance.
	UpdateInstance(ctx context.Context, inst *domain.BotInstance) error

	// DeleteInstance removes an instance record together with its entire
	// memory store in a single transaction.
	DeleteInstance(ctx context.Context, id string) error

	// AddMemory inserts a memory entry for a bot, deduplicating on exact
	// content. The dedup check and insert are one atomic step. Returns the
	// entry id (existing on duplicate) and whether a new entry was created.
	AddMemory(ctx context.Context, botID, content string, createdAt time.Time) (int64, bool, error)

	// DeleteMemory removes the entry with exactly this content. Returns
	// false if no such entry exists.
	DeleteMemory(ctx context.Context, botID, content string) (bool, error)

	// ListMemories retrieves a page of memory entries by ascending id.
	ListMemories(ctx context.Context, botID string, limit, offset int) ([]domain.MemoryEntry, error)

	// SearchMemories performs a case-insensitive substring match over
	// content, preserving id order.
	SearchMemories(ctx context.Context, botID, query string, limit int) ([]domain.MemoryEntry, error)

	// CountMemories returns the number of entries in a bot's store.
	CountMemories(ctx context.Context, botID string) (int64, error)

	// PutCredential stores or replaces a named chat-network credential.
	PutCredential(ctx context.Context, cred *domain.Credential) error

	// GetCredential retrieves a credential by ref. Returns nil, nil if absent.
	GetCredential(ctx context.Context, ref string) (*domain.Credential, error)

	// ListCredentials retrieves credential metadata (tokens included; callers
	// must not serialize them outward).
	ListCredentials(ctx context.Context) ([]*domain.Credential, error)

	// PutTemplate stores or replaces a personality template.
	PutTemplate(ctx context.Context, tpl *domain.Template) error

	// GetTemplate retrieves a template by ref. Returns nil, nil if absent.
	GetTemplate(ctx context.Context, ref string) (*domain.Template, error)

	// ListTemplates retrieves all personality templates.
	ListTemplates(ctx context.Context) ([]*domain.Template, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
