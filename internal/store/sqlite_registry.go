package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/grugthink/grugfleet/internal/domain"
)

// PutCredential stores or replaces a named chat-network credential.
func (s *SQLiteStore) PutCredential(ctx context.Context, cred *domain.Credential) error {
	query := `
	INSERT INTO credentials (ref, network, token, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(ref) DO UPDATE SET
		network = excluded.network,
		token = excluded.token`

	_, err := s.db.ExecContext(ctx, query,
		cred.Ref, cred.Network, cred.Token, cred.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// GetCredential retrieves a credential by ref. Returns nil, nil if absent.
func (s *SQLiteStore) GetCredential(ctx context.Context, ref string) (*domain.Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ref, network, token, created_at FROM credentials WHERE ref = ?`, ref,
	)

	var cred domain.Credential
	var createdAt int64
	err := row.Scan(&cred.Ref, &cred.Network, &cred.Token, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan credential row: %w", err)
	}
	cred.CreatedAt = time.Unix(createdAt, 0)
	return &cred, nil
}

// ListCredentials retrieves all stored credentials.
func (s *SQLiteStore) ListCredentials(ctx context.Context) ([]*domain.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ref, network, token, created_at FROM credentials ORDER BY ref`,
	)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []*domain.Credential
	for rows.Next() {
		var cred domain.Credential
		var createdAt int64
		if err := rows.Scan(&cred.Ref, &cred.Network, &cred.Token, &createdAt); err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		cred.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}

// PutTemplate stores or replaces a personality template.
func (s *SQLiteStore) PutTemplate(ctx context.Context, tpl *domain.Template) error {
	cfgJSON, err := marshalConfig(tpl.DefaultConfig)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO templates (ref, name, tone_rules, default_config, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(ref) DO UPDATE SET
		name = excluded.name,
		tone_rules = excluded.tone_rules,
		default_config = excluded.default_config`

	_, err = s.db.ExecContext(ctx, query,
		tpl.Ref, tpl.Name, tpl.ToneRules, cfgJSON, tpl.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by ref. Returns nil, nil if absent.
func (s *SQLiteStore) GetTemplate(ctx context.Context, ref string) (*domain.Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ref, name, tone_rules, default_config, created_at FROM templates WHERE ref = ?`, ref,
	)
	return scanTemplate(row)
}

// ListTemplates retrieves all personality templates.
func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]*domain.Template, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ref, name, tone_rules, default_config, created_at FROM templates ORDER BY ref`,
	)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var out []*domain.Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return out, nil
}

func scanTemplate(row rowScanner) (*domain.Template, error) {
	var tpl domain.Template
	var cfgJSON string
	var createdAt int64

	err := row.Scan(&tpl.Ref, &tpl.Name, &tpl.ToneRules, &cfgJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan template row: %w", err)
	}

	if err := json.Unmarshal([]byte(cfgJSON), &tpl.DefaultConfig); err != nil {
		return nil, fmt.Errorf("decode template config for %s: %w", tpl.Ref, err)
	}
	tpl.CreatedAt = time.Unix(createdAt, 0)
	return &tpl, nil
}
