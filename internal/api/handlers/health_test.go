package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fixedStatus bool

func (f fixedStatus) Online() bool { return bool(f) }

func TestHealth(t *testing.T) {
	for _, online := range []bool{true, false} {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		Health(fixedStatus(online))(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var out map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out["status"] != "ok" || out["online"] != online {
			t.Fatalf("unexpected body %v", out)
		}
	}
}
