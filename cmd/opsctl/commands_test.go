package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/opsdash/internal/apierr"
)

// run executes opsctl against srv with a throwaway home directory.
func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	flagServer, flagToken, flagJSON = "", "", false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestStatusCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sync/status" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"online":false,"pending":3,"collections":{"rooms":{"state":"SYNCED","pending":0},"clients":{"state":"LOCAL_ONLY","pending":3}}}`))
	}))
	defer srv.Close()

	out, err := run(t, srv, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"offline", "Pending:  3", "clients", "LOCAL_ONLY"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "clients") > strings.Index(out, "rooms") {
		t.Error("collections should be sorted")
	}
}

func TestAdminCommandsSendToken(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"status":"ok","removed":2}`))
	}))
	defer srv.Close()

	out, err := run(t, srv, "--token", "s3cret", "cache", "invalidate", "--tag", "clients")
	if err != nil {
		t.Fatalf("cache invalidate: %v", err)
	}
	if gotAuth != "Bearer s3cret" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
	if gotBody["tag"] != "clients" || len(gotBody) != 1 {
		t.Errorf("unexpected body %v", gotBody)
	}
	if !strings.Contains(out, "Removed 2 entries") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestStructuredErrorsAreReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apierr.WriteError(w, apierr.SyncOffline())
	}))
	defer srv.Close()

	_, err := run(t, srv, "drain")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Code != apierr.ErrSyncOffline || apiErr.Status != http.StatusServiceUnavailable {
		t.Errorf("unexpected error %+v", apiErr)
	}
}

func TestPlainTextErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := run(t, srv, "store")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "unauthorized" || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestOfflineCommand(t *testing.T) {
	var got map[string]bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/sync/connectivity" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"online":false,"pending":0}`))
	}))
	defer srv.Close()

	if _, err := run(t, srv, "offline"); err != nil {
		t.Fatal(err)
	}
	if v, ok := got["online"]; !ok || v {
		t.Errorf("expected online=false, got %v", got)
	}
}
