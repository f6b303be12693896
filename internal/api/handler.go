// Package api provides HTTP handlers for the triage API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/triagedesk/internal/ingest"
	"github.com/ashureev/triagedesk/internal/store"
)

const maxBodyBytes = 64 << 10

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

// writeDomainError maps core errors to HTTP statuses. Internal failures get
// a generic message.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	var ve *ingest.ValidationError
	switch {
	case errors.As(err, &ve):
		Error(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, ingest.ErrValidation):
		Error(w, http.StatusBadRequest, "invalid request")
	case errors.Is(err, ingest.ErrNotEscalated):
		Error(w, http.StatusBadRequest, "ticket is not escalated")
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "ticket not found")
	default:
		logger.Error("Request failed", "op", op, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
