package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/grugthink/grugfleet/internal/fleet"
	"github.com/grugthink/grugfleet/internal/store"
)

// HealthHandler reports the API and its dependencies.
type HealthHandler struct {
	repo  store.Repository
	fleet *fleet.Supervisor
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(repo store.Repository, sup *fleet.Supervisor) *HealthHandler {
	return &HealthHandler{repo: repo, fleet: sup}
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status":    "healthy",
		"checks":    map[string]string{"api": "ok"},
		"instances": len(h.fleet.List()),
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		status["checks"].(map[string]string)["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["database"] = "ok"
	}

	JSON(w, statusCode, status)
}
