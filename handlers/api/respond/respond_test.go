package respond

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Bamington/battleplanapp-sub000/apperr"
	"github.com/Bamington/battleplanapp-sub000/core"
)

func TestError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		body   ErrorResponse
	}{
		{"validation", apperr.Validation("too_large", "too big"), http.StatusBadRequest, ErrorResponse{"too big", "validation_error", "too_large"}},
		{"partial", apperr.Partial("update models", 4, 5, errors.New("x")), http.StatusMultiStatus, ErrorResponse{"4 of 5 succeeded", "partial_failure", ""}},
		{"transient", apperr.Transient("in_use", "busy", nil), http.StatusServiceUnavailable, ErrorResponse{"busy", "transient_resource_error", "in_use"}},
		{"backend", apperr.Backend("insert games", errors.New("db down")), http.StatusBadGateway, ErrorResponse{apperr.BackendMessage, "backend_error", ""}},
		{"not found", fmt.Errorf("games g1: %w", core.ErrNotFound), http.StatusNotFound, ErrorResponse{Error: "Not found"}},
		{"unknown", errors.New("secret detail"), http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			Error(rr, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			if rr.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, rr.Code)
			}
			var body ErrorResponse
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body != tt.body {
				t.Errorf("Expected %+v, got %+v", tt.body, body)
			}
		})
	}
}

func TestMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"wrapped backend", fmt.Errorf("m2: %w", apperr.Backend("update models", errors.New("SQLITE_BUSY: database is locked"))), apperr.BackendMessage},
		{"validation", apperr.Validation("required", "name is required"), "name is required"},
		{"not found", fmt.Errorf("images x: %w", core.ErrNotFound), "Not found"},
		{"unclassified", errors.New("s3: AccessDenied"), "Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Message(tt.err); got != tt.want {
				t.Errorf("Message() = %q, want %q", got, tt.want)
			}
		})
	}
}
