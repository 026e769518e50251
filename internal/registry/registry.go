// Package registry resolves credential and personality references into the
// concrete material a bot launch needs.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/grugthink/grugfleet/internal/domain"
	"github.com/grugthink/grugfleet/internal/store"
)

// ErrUnknownRef is returned when a credential or template ref does not resolve.
var ErrUnknownRef = errors.New("unknown registry ref")

// Resolver is the registry surface the fleet supervisor consumes.
type Resolver interface {
	// ResolveCredential returns the credential for ref, or ErrUnknownRef.
	ResolveCredential(ctx context.Context, ref string) (*domain.Credential, error)

	// ResolveTemplate returns the personality template for ref, or ErrUnknownRef.
	ResolveTemplate(ctx context.Context, ref string) (*domain.Template, error)
}

// Registry is the SQLite-backed resolver, with management calls for the
// control plane.
type Registry struct {
	repo store.Repository
}

// New creates a registry over the repository.
func New(repo store.Repository) *Registry {
	return &Registry{repo: repo}
}

// ResolveCredential returns the credential for ref.
func (r *Registry) ResolveCredential(ctx context.Context, ref string) (*domain.Credential, error) {
	cred, err := r.repo.GetCredential(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve credential %q: %w", ref, err)
	}
	if cred == nil {
		return nil, fmt.Errorf("credential %q: %w", ref, ErrUnknownRef)
	}
	return cred, nil
}

// ResolveTemplate returns the personality template for ref.
func (r *Registry) ResolveTemplate(ctx context.Context, ref string) (*domain.Template, error) {
	tpl, err := r.repo.GetTemplate(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve template %q: %w", ref, err)
	}
	if tpl == nil {
		return nil, fmt.Errorf("template %q: %w", ref, ErrUnknownRef)
	}
	return tpl, nil
}

// PutCredential stores a chat-network token under ref.
func (r *Registry) PutCredential(ctx context.Context, ref, network, token string) error {
	if ref == "" || token == "" {
		return fmt.Errorf("credential ref and token are required")
	}
	cred := &domain.Credential{
		Ref:       ref,
		Network:   network,
		Token:     token,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.repo.PutCredential(ctx, cred); err != nil {
		return fmt.Errorf("store credential %q: %w", ref, err)
	}
	slog.Info("Credential stored", "ref", ref, "network", network)
	return nil
}

// ListCredentials returns stored credentials. Tokens stay server-side; the
// domain type never serializes them.
func (r *Registry) ListCredentials(ctx context.Context) ([]*domain.Credential, error) {
	return r.repo.ListCredentials(ctx)
}

// ListTemplates returns all personality templates.
func (r *Registry) ListTemplates(ctx context.Context) ([]*domain.Template, error) {
	return r.repo.ListTemplates(ctx)
}

// EnsureDefaults seeds the built-in personality templates when absent.
func (r *Registry) EnsureDefaults(ctx context.Context) error {
	defaults := []*domain.Template{
		{
			Ref:       "grug",
			Name:      "Grug",
			ToneRules: "caveman speech, short sentences, third person, suspicious of complexity",
			DefaultConfig: map[string]string{
				"log_level": "info",
			},
		},
		{
			Ref:       "bigrob",
			Name:      "Big Rob",
			ToneRules: "norf FC vernacular, football and weather opinions, ends statements with 'simple as'",
			DefaultConfig: map[string]string{
				"log_level": "info",
			},
		},
		{
			Ref:       "adaptive",
			Name:      "Adaptive",
			ToneRules: "mirrors the dominant tone of the channel, neutral by default",
			DefaultConfig: map[string]string{
				"log_level": "info",
			},
		},
	}

	for _, tpl := range defaults {
		existing, err := r.repo.GetTemplate(ctx, tpl.Ref)
		if err != nil {
			return fmt.Errorf("check template %q: %w", tpl.Ref, err)
		}
		if existing != nil {
			continue
		}
		tpl.CreatedAt = time.Now().UTC()
		if err := r.repo.PutTemplate(ctx, tpl); err != nil {
			return fmt.Errorf("seed template %q: %w", tpl.Ref, err)
		}
		slog.Info("Seeded personality template", "ref", tpl.Ref)
	}
	return nil
}
