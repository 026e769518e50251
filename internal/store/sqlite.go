package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/grugthink/grugfleet/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency. modernc's driver
	// takes pragmas via _pragma, and _txlock=immediate acquires the write
	// lock at BEGIN so a transaction's SELECT-then-INSERT cannot hit
	// SQLITE_BUSY on lock upgrade, where the busy handler does not apply.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = ON;
	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		credential_ref TEXT NOT NULL,
		personality_ref TEXT NOT NULL,
		runtime_config TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memories (
		bot_id TEXT NOT NULL,
		id INTEGER NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (bot_id, id),
		UNIQUE (bot_id, content)
	);

	CREATE TABLE IF NOT EXISTS credentials (
		ref TEXT PRIMARY KEY,
		network TEXT NOT NULL,
		token TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS templates (
		ref TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		tone_rules TEXT NOT NULL DEFAULT '',
		default_config TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateInstance persists a new bot instance record.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *domain.BotInstance) error {
	cfgJSON, err := marshalConfig(inst.RuntimeConfig)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO instances (id, name, credential_ref, personality_ref, runtime_config, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		inst.ID, inst.Name, inst.CredentialRef, inst.PersonalityRef,
		cfgJSON, inst.CreatedAt.Unix(), inst.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by id. Returns nil, nil if absent.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*domain.BotInstance, error) {
	query := `
		SELECT id, name, credential_ref, personality_ref, runtime_config, created_at, updated_at
		FROM instances WHERE id = ?`

	return scanInstance(s.db.QueryRowContext(ctx, query, id))
}

// ListInstances retrieves all instance records ordered by creation time.
func (s *SQLiteStore) ListInstances(ctx context.Context) ([]*domain.BotInstance, error) {
	query := `
		SELECT id, name, credential_ref, personality_ref, runtime_config, created_at, updated_at
		FROM instances ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var out []*domain.BotInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return out, nil
}

// UpdateInstance persists the mutable fields of an existing instance.
func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *domain.BotInstance) error {
	cfgJSON, err := marshalConfig(inst.RuntimeConfig)
	if err != nil {
		return err
	}

	query := `
		UPDATE instances
		SET name = ?, personality_ref = ?, runtime_config = ?, updated_at = ?
		WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		inst.Name, inst.PersonalityRef, cfgJSON, inst.UpdatedAt.Unix(), inst.ID,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("instance %s not found", inst.ID)
	}
	return nil
}

// DeleteInstance removes an instance and its memory store atomically.
func (s *SQLiteStore) DeleteInstance(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE bot_id = ?`, id); err != nil {
		return fmt.Errorf("delete memories: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*domain.BotInstance, error) {
	var inst domain.BotInstance
	var cfgJSON string
	var createdAt, updatedAt int64

	err := row.Scan(
		&inst.ID, &inst.Name, &inst.CredentialRef, &inst.PersonalityRef,
		&cfgJSON, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan instance row: %w", err)
	}

	if err := json.Unmarshal([]byte(cfgJSON), &inst.RuntimeConfig); err != nil {
		return nil, fmt.Errorf("decode runtime config for %s: %w", inst.ID, err)
	}
	inst.Status = domain.StatusStopped
	inst.CreatedAt = time.Unix(createdAt, 0)
	inst.UpdatedAt = time.Unix(updatedAt, 0)
	return &inst, nil
}

func marshalConfig(cfg map[string]string) (string, error) {
	if cfg == nil {
		cfg = map[string]string{}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode runtime config: %w", err)
	}
	return string(data), nil
}
