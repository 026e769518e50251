package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/grugthink/grugfleet/internal/domain"
	"github.com/grugthink/grugfleet/internal/registry"
)

// RegistryHandler exposes the credential and template registries.
type RegistryHandler struct {
	registry *registry.Registry
}

// NewRegistryHandler creates a registry handler.
func NewRegistryHandler(reg *registry.Registry) *RegistryHandler {
	return &RegistryHandler{registry: reg}
}

// RegisterRoutes registers registry routes.
func (h *RegistryHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/credentials", func(r chi.Router) {
		r.Post("/", h.PutCredential)
		r.Get("/", h.ListCredentials)
	})
	r.Get("/api/templates", h.ListTemplates)
}

// PutCredential stores a chat-network token under a named ref. The token is
// write-only: it never appears in any response.
func (h *RegistryHandler) PutCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ref     string `json:"ref"`
		Network string `json:"network"`
		Token   string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.registry.PutCredential(r.Context(), req.Ref, req.Network, req.Token); err != nil {
		slog.Error("Failed to store credential", "error", err, "ref", req.Ref)
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	JSON(w, http.StatusCreated, map[string]string{"ref": req.Ref})
}

// ListCredentials returns stored credential refs without tokens.
func (h *RegistryHandler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.registry.ListCredentials(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	if creds == nil {
		creds = []*domain.Credential{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"credentials": creds})
}

// ListTemplates returns the personality templates.
func (h *RegistryHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.registry.ListTemplates(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	if templates == nil {
		templates = []*domain.Template{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"templates": templates})
}
