package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/onnwee/opsdash/internal/apierr"
	"github.com/onnwee/opsdash/internal/httpx"
)

// client talks to the opsdash HTTP API.
type client struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string, timeout time.Duration) *client {
	return &client{base: base, token: token, http: &http.Client{Timeout: timeout}}
}

// APIError is a structured error returned by the server.
type APIError struct {
	Status  int
	Code    apierr.ErrorCode
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// do sends a request and decodes a JSON response into out when non-nil.
// Reads are retried; mutations are sent once.
func (c *client) do(ctx context.Context, method, path string, body any, out any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}
	policy := httpx.Policy{MaxAttempts: 1}
	if method == http.MethodGet {
		policy = httpx.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxJitter: 100 * time.Millisecond}
	}

	build := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		return req, nil
	}
	resp, err := httpx.DoWithRetry(ctx, c.http, policy, build, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp.StatusCode, data)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return data, nil
}

func decodeError(status int, data []byte) error {
	var resp apierr.ErrorResponse
	if err := json.Unmarshal(data, &resp); err == nil && resp.Error != nil {
		return &APIError{Status: status, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	// admin auth answers in plain text
	return &APIError{Status: status, Message: string(bytes.TrimSpace(data))}
}

func collectionPath(name string) string {
	return "/api/collections/" + url.PathEscape(name)
}
