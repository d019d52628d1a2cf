package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/opsdash/internal/apierr"
)

func limited(rl *RateLimiter) http.Handler {
	return rl.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(h http.Handler, remoteAddr string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/sync/status", nil)
	req.RemoteAddr = remoteAddr
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func codeOf(t *testing.T, rr *httptest.ResponseRecorder) apierr.ErrorCode {
	t.Helper()
	var resp apierr.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.Error.Code
}

func TestGlobalLimitAppliesAcrossClients(t *testing.T) {
	h := limited(NewRateLimiter(Limits{GlobalRate: 1, GlobalBurst: 2, IPRate: 10, IPBurst: 10}))

	for i, addr := range []string{"10.0.0.1:1000", "10.0.0.2:1000"} {
		if rr := hit(h, addr); rr.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, rr.Code)
		}
	}
	rr := hit(h, "10.0.0.3:1000")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Error("Retry-After should be set")
	}
	if code := codeOf(t, rr); code != apierr.ErrRateLimitGlobal {
		t.Errorf("code = %s", code)
	}
}

func TestPerClientLimitIsolatesClients(t *testing.T) {
	h := limited(NewRateLimiter(Limits{GlobalRate: 100, GlobalBurst: 100, IPRate: 1, IPBurst: 2}))

	for i := 0; i < 2; i++ {
		if rr := hit(h, "10.0.0.1:1000"); rr.Code != http.StatusOK {
			t.Fatalf("burst request %d: status %d", i, rr.Code)
		}
	}
	rr := hit(h, "10.0.0.1:2000")
	if rr.Code != http.StatusTooManyRequests || codeOf(t, rr) != apierr.ErrRateLimitIP {
		t.Fatalf("same host over burst should get RATE_LIMIT_IP, got %d", rr.Code)
	}
	if rr := hit(h, "10.0.0.2:1000"); rr.Code != http.StatusOK {
		t.Errorf("another client should be unaffected, got %d", rr.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		header     []string
		want       string
	}{
		{"remote addr", "192.0.2.7:5555", nil, "192.0.2.7"},
		{"remote addr without port", "192.0.2.7", nil, "192.0.2.7"},
		{"forwarded chain", "10.0.0.1:1", []string{"X-Forwarded-For", "203.0.113.5, 10.0.0.1"}, "203.0.113.5"},
		{"real ip", "10.0.0.1:1", []string{"X-Real-IP", " 203.0.113.9 "}, "203.0.113.9"},
		{"forwarded wins over real ip", "10.0.0.1:1", []string{"X-Forwarded-For", "203.0.113.5", "X-Real-IP", "203.0.113.9"}, "203.0.113.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for i := 0; i+1 < len(tt.header); i += 2 {
				req.Header.Set(tt.header[i], tt.header[i+1])
			}
			if got := getClientIP(req); got != tt.want {
				t.Errorf("getClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestForwardedClientsLimitedSeparately(t *testing.T) {
	h := limited(NewRateLimiter(Limits{GlobalRate: 100, GlobalBurst: 100, IPRate: 1, IPBurst: 1}))

	if rr := hit(h, "10.0.0.1:1", "X-Forwarded-For", "203.0.113.1"); rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	if rr := hit(h, "10.0.0.1:1", "X-Forwarded-For", "203.0.113.2"); rr.Code != http.StatusOK {
		t.Fatalf("second forwarded client should have its own bucket, got %d", rr.Code)
	}
	if rr := hit(h, "10.0.0.1:1", "X-Forwarded-For", "203.0.113.1"); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("first forwarded client should be limited, got %d", rr.Code)
	}
}

func TestSweepDropsIdleClients(t *testing.T) {
	rl := NewRateLimiter(Limits{GlobalRate: 100, GlobalBurst: 100, IPRate: 1, IPBurst: 1})
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.getLimiter("198.51.100.1")
	now = now.Add(2 * time.Minute)
	rl.getLimiter("198.51.100.2")
	now = now.Add(2 * time.Minute)

	if n := rl.sweep(); n != 1 {
		t.Fatalf("sweep removed %d, want 1", n)
	}
	rl.mu.Lock()
	_, kept := rl.perIP["198.51.100.2"]
	rl.mu.Unlock()
	if !kept {
		t.Error("recently seen client should survive the sweep")
	}
}
