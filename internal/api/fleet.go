package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/grugthink/grugfleet/internal/domain"
	"github.com/grugthink/grugfleet/internal/fleet"
)

// FleetHandler exposes instance lifecycle endpoints.
type FleetHandler struct {
	fleet *fleet.Supervisor
}

// NewFleetHandler creates a fleet handler.
func NewFleetHandler(sup *fleet.Supervisor) *FleetHandler {
	return &FleetHandler{fleet: sup}
}

// RegisterRoutes registers instance lifecycle routes.
func (h *FleetHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/instances", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Put("/", h.Update)
			r.Delete("/", h.Delete)
			r.Post("/start", h.Start)
			r.Post("/stop", h.Stop)
			r.Post("/restart", h.Restart)
			r.Get("/logs", h.Logs)
		})
	})
}

// Create registers a new bot instance.
func (h *FleetHandler) Create(w http.ResponseWriter, r *http.Request) {
	var spec domain.InstanceSpec
	if err := decodeJSON(r, &spec); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	inst, err := h.fleet.Create(r.Context(), spec)
	if err != nil {
		slog.Error("Failed to create instance", "error", err, "name", spec.Name)
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusCreated, inst)
}

// List returns all instances.
func (h *FleetHandler) List(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"instances": h.fleet.List(),
	})
}

// Get returns one instance.
func (h *FleetHandler) Get(w http.ResponseWriter, r *http.Request) {
	inst, err := h.fleet.Get(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, inst)
}

// Update patches a stopped instance.
func (h *FleetHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch domain.InstancePatch
	if err := decodeJSON(r, &patch); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	inst, err := h.fleet.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, inst)
}

// Delete force-stops and removes an instance along with its memories.
func (h *FleetHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.fleet.Delete(r.Context(), id); err != nil {
		slog.Error("Failed to delete instance", "error", err, "bot_id", id)
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Start requests a worker launch. The request is accepted synchronously;
// progress arrives on the event stream.
func (h *FleetHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.fleet.Start(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "starting"})
}

// Stop requests worker termination.
func (h *FleetHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.fleet.Stop(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// Restart stops then starts the worker as one command.
func (h *FleetHandler) Restart(w http.ResponseWriter, r *http.Request) {
	if err := h.fleet.Restart(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

// Logs returns the instance's retained log lines, oldest first.
func (h *FleetHandler) Logs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.fleet.Logs(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	if logs == nil {
		logs = []domain.FleetEvent{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}
