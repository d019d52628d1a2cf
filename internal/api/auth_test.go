package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/opsdash/internal/apierr"
	"github.com/onnwee/opsdash/internal/config"
)

func TestAdminOnly(t *testing.T) {
	const token = "ops-admin-token"
	tests := []struct {
		name       string
		configured string
		header     string
		wantStatus int
		wantCode   apierr.ErrorCode
	}{
		{"valid token", token, "Bearer " + token, http.StatusOK, ""},
		{"wrong token", token, "Bearer nope", http.StatusUnauthorized, apierr.ErrAuthInvalid},
		{"no header", token, "", http.StatusUnauthorized, apierr.ErrAuthMissing},
		{"scheme without space", token, "Bearer" + token, http.StatusUnauthorized, apierr.ErrAuthInvalid},
		{"empty bearer", token, "Bearer ", http.StatusUnauthorized, apierr.ErrAuthInvalid},
		{"basic auth", token, "Basic b3BzOm9wcw==", http.StatusUnauthorized, apierr.ErrAuthInvalid},
		{"token prefix only", token, "Bearer ops-admin", http.StatusUnauthorized, apierr.ErrAuthInvalid},
		{"not configured", "", "Bearer " + token, http.StatusServiceUnavailable, apierr.ErrSystemUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached := false
			h := adminOnly(&config.Config{AdminAPIToken: tt.configured})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reached = true
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/admin/store", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if reached != (tt.wantCode == "") {
				t.Fatalf("handler reached = %v", reached)
			}
			if tt.wantCode == "" {
				return
			}
			var resp apierr.ErrorResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", resp.Error.Code, tt.wantCode)
			}
		})
	}
}

var adminEndpoints = []struct {
	method string
	path   string
	body   string
}{
	{http.MethodGet, "/api/admin/cache/stats", ""},
	{http.MethodPost, "/api/admin/cache/invalidate", `{"all":true}`},
	{http.MethodGet, "/api/admin/store", ""},
	{http.MethodPost, "/api/admin/store/flush", ""},
}

func TestAdminEndpointsGuarded(t *testing.T) {
	s := newTestStack(t, testConfig())

	for _, ep := range adminEndpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			if rr := serve(s.router, ep.method, ep.path, ep.body); rr.Code != http.StatusUnauthorized {
				t.Errorf("without token: status %d", rr.Code)
			}
			rr := serve(s.router, ep.method, ep.path, ep.body, "Authorization", "Bearer "+testAdminToken)
			if rr.Code != http.StatusOK {
				t.Errorf("with token: status %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
}
