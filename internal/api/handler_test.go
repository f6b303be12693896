package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/triagedesk/internal/ingest"
	"github.com/ashureev/triagedesk/internal/store"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    int
		message string
	}{
		{"validation", &ingest.ValidationError{Field: "text", Reason: "must not be empty"}, http.StatusBadRequest, "invalid text: must not be empty"},
		{"not escalated", fmt.Errorf("%w: status is open", ingest.ErrNotEscalated), http.StatusBadRequest, "ticket is not escalated"},
		{"not found", fmt.Errorf("get: %w", store.ErrNotFound), http.StatusNotFound, "ticket not found"},
		{"internal", errors.New("disk I/O error at /var/lib/db"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeDomainError(w, discardLogger(), "test", tt.err)
			if w.Code != tt.code {
				t.Errorf("status = %d, want %d", w.Code, tt.code)
			}
			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body["error"] != tt.message {
				t.Errorf("error = %q, want %q", body["error"], tt.message)
			}
		})
	}
}
