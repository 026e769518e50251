package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/grugthink/grugfleet/internal/domain"
	"github.com/grugthink/grugfleet/internal/fleet"
	"github.com/grugthink/grugfleet/internal/memory"
)

// MemoryHandler exposes per-instance memory endpoints.
type MemoryHandler struct {
	fleet    *fleet.Supervisor
	memories *memory.Service
}

// NewMemoryHandler creates a memory handler.
func NewMemoryHandler(sup *fleet.Supervisor, mem *memory.Service) *MemoryHandler {
	return &MemoryHandler{fleet: sup, memories: mem}
}

// RegisterRoutes registers memory routes under the instance subtree.
func (h *MemoryHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/instances/{id}/memories", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Add)
		r.Delete("/", h.Delete)
		r.Get("/search", h.Search)
	})
}

// instanceID resolves the path id and confirms the instance exists.
func (h *MemoryHandler) instanceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := h.fleet.Get(id); err != nil {
		WriteError(w, err)
		return "", false
	}
	return id, true
}

// List returns a page of the instance's memories in insertion order.
func (h *MemoryHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := h.instanceID(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := h.memories.List(r.Context(), id, limit, offset)
	if err != nil {
		WriteError(w, err)
		return
	}
	total, err := h.memories.Count(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.MemoryEntry{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"memories": entries,
		"total":    total,
	})
}

// Add stores a fact. Duplicate content is idempotent and returns the
// existing entry's id.
func (h *MemoryHandler) Add(w http.ResponseWriter, r *http.Request) {
	id, ok := h.instanceID(w, r)
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	memID, err := h.memories.Add(r.Context(), id, req.Content)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusCreated, map[string]interface{}{"id": memID})
}

// Delete removes a fact by its exact content.
func (h *MemoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.instanceID(w, r)
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.memories.Delete(r.Context(), id, req.Content); err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Search returns memories whose content contains the query,
// case-insensitive, in insertion order.
func (h *MemoryHandler) Search(w http.ResponseWriter, r *http.Request) {
	id, ok := h.instanceID(w, r)
	if !ok {
		return
	}

	entries, err := h.memories.Search(r.Context(), id, r.URL.Query().Get("q"))
	if err != nil {
		WriteError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.MemoryEntry{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"memories": entries})
}
