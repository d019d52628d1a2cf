package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/onnwee/opsdash/internal/apierr"
)

func TestRecoverWithSentry_NoPanic(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	RecoverWithSentry(handler).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestRecoverWithSentry_WithPanic(t *testing.T) {
	// Ensure Sentry is not configured for this test
	os.Unsetenv("SENTRY_DSN")

	for name, value := range map[string]any{
		"string": "test panic",
		"error":  errors.New("boom"),
	} {
		t.Run(name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic(value)
			})

			req := httptest.NewRequest("PUT", "/api/collections/clients/c1", nil)
			w := httptest.NewRecorder()
			RequestID(RecoverWithSentry(handler)).ServeHTTP(w, req)

			if w.Code != http.StatusInternalServerError {
				t.Fatalf("Expected status 500, got %d", w.Code)
			}
			var resp apierr.ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Error.Code != apierr.ErrSystemInternal || resp.Error.RequestID == "" {
				t.Errorf("unexpected error body: %+v", resp.Error)
			}
		})
	}
}

func TestRecoverWithSentry_AbortHandlerPropagates(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("expected ErrAbortHandler to propagate, got %v", rec)
		}
	}()
	req := httptest.NewRequest("GET", "/test", nil)
	RecoverWithSentry(handler).ServeHTTP(httptest.NewRecorder(), req)
	t.Error("expected panic")
}
