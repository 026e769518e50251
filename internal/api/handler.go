// Package api provides HTTP handlers for the fleet control plane.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/grugthink/grugfleet/internal/fleet"
	"github.com/grugthink/grugfleet/internal/memory"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// WriteError maps the orchestrator error taxonomy onto HTTP status codes.
func WriteError(w http.ResponseWriter, err error) {
	var verr *fleet.ValidationError
	switch {
	case errors.As(err, &verr):
		Error(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, memory.ErrEmptyContent):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, fleet.ErrNotFound), errors.Is(err, memory.ErrNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, fleet.ErrInvalidState):
		Error(w, http.StatusConflict, err.Error())
	default:
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
