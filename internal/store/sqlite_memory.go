package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/grugthink/grugfleet/internal/domain"
	"github.com/grugthink/grugfleet/internal/shared"
)

// AddMemory inserts a memory entry, deduplicating on exact content. The dedup
// check, sequence assignment, and insert run inside one transaction so
// concurrent adds of the same content cannot produce two entries. Per-bot ids
// start at 1 and increase monotonically. Lock conflicts under write load are
// retried before giving up.
func (s *SQLiteStore) AddMemory(ctx context.Context, botID, content string, createdAt time.Time) (int64, bool, error) {
	var id int64
	var created bool
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		id, created, err = s.addMemoryOnce(ctx, botID, content, createdAt)
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return id, created, err
		}
	}
	return id, created, err
}

func (s *SQLiteStore) addMemoryOnce(ctx context.Context, botID, content string, createdAt time.Time) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin add transaction: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM memories WHERE bot_id = ? AND content = ?`, botID, content,
	).Scan(&existing)
	if err == nil {
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("check existing memory: %w", err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) + 1 FROM memories WHERE bot_id = ?`, botID,
	).Scan(&next); err != nil {
		return 0, false, fmt.Errorf("assign memory id: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memories (bot_id, id, content, created_at) VALUES (?, ?, ?, ?)`,
		botID, next, content, createdAt.Unix(),
	)
	if err != nil {
		// A concurrent add of identical content can win the race between our
		// dedup check and insert; the UNIQUE constraint catches it. Resolve
		// to the winner's id so the call stays idempotent.
		if shared.IsSQLiteUniqueViolation(err) {
			tx.Rollback()
			var winner int64
			if scanErr := s.db.QueryRowContext(ctx,
				`SELECT id FROM memories WHERE bot_id = ? AND content = ?`, botID, content,
			).Scan(&winner); scanErr == nil {
				return winner, false, nil
			}
		}
		return 0, false, fmt.Errorf("insert memory: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit add transaction: %w", err)
	}
	return next, true, nil
}

// DeleteMemory removes the entry with exactly this content.
func (s *SQLiteStore) DeleteMemory(ctx context.Context, botID, content string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE bot_id = ? AND content = ?`, botID, content,
	)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListMemories retrieves a page of memory entries by ascending id.
func (s *SQLiteStore) ListMemories(ctx context.Context, botID string, limit, offset int) ([]domain.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, created_at FROM memories
		 WHERE bot_id = ? ORDER BY id LIMIT ? OFFSET ?`,
		botID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

// SearchMemories performs a case-insensitive substring match over content.
// instr avoids LIKE wildcard escaping for queries containing % or _.
func (s *SQLiteStore) SearchMemories(ctx context.Context, botID, query string, limit int) ([]domain.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, created_at FROM memories
		 WHERE bot_id = ? AND instr(lower(content), lower(?)) > 0
		 ORDER BY id LIMIT ?`,
		botID, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

// CountMemories returns the number of entries in a bot's store.
func (s *SQLiteStore) CountMemories(ctx context.Context, botID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE bot_id = ?`, botID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

func scanMemories(rows *sql.Rows) ([]domain.MemoryEntry, error) {
	var out []domain.MemoryEntry
	for rows.Next() {
		var entry domain.MemoryEntry
		var createdAt int64
		if err := rows.Scan(&entry.ID, &entry.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		entry.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}
