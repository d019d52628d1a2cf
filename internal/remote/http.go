package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/opsdash/internal/circuitbreaker"
	"github.com/onnwee/opsdash/internal/config"
	"github.com/onnwee/opsdash/internal/httpx"
	"github.com/onnwee/opsdash/internal/logger"
	"github.com/onnwee/opsdash/internal/metrics"
	"github.com/onnwee/opsdash/internal/records"
	"github.com/onnwee/opsdash/internal/tracing"
)

// IdempotencyHeader carries the per-operation idempotency key on writes.
const IdempotencyHeader = "Idempotency-Key"

const maxBodyBytes = 8 << 20

// HTTPOptions configures an HTTPStore.
type HTTPOptions struct {
	BaseURL string
	Token   string
	// Timeout bounds one logical call, retries included.
	Timeout time.Duration
	Retry   httpx.Policy
	// RPS <= 0 disables client-side rate limiting.
	RPS   float64
	Burst int

	BreakerFailures int
	BreakerCooldown time.Duration

	Client *http.Client
}

// OptionsFromConfig maps the remote settings in cfg.
func OptionsFromConfig(cfg *config.Config) HTTPOptions {
	return HTTPOptions{
		BaseURL:         cfg.RemoteURL,
		Token:           cfg.RemoteToken,
		Timeout:         cfg.RemoteTimeout,
		Retry:           httpx.DefaultPolicy(),
		RPS:             cfg.RemoteRPS,
		Burst:           cfg.RemoteBurst,
		BreakerFailures: cfg.BreakerFailures,
		BreakerCooldown: cfg.BreakerCooldown,
	}
}

// HTTPStore talks to a REST remote:
//
//	GET    {base}/collections/{name}       -> [record...]
//	PUT    {base}/collections/{name}/{id}  -> record
//	DELETE {base}/collections/{name}/{id}
type HTTPStore struct {
	base    *url.URL
	token   string
	client  *http.Client
	timeout time.Duration
	retry   httpx.Policy
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	log     *slog.Logger
}

func NewHTTPStore(opts HTTPOptions) (*HTTPStore, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("remote: base url is required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported scheme %q", base.Scheme)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	s := &HTTPStore{
		base:    base,
		token:   opts.Token,
		client:  opts.Client,
		timeout: opts.Timeout,
		retry:   opts.Retry,
		log:     logger.WithComponent("remote"),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:             "remote",
			FailureThreshold: opts.BreakerFailures,
			Timeout:          opts.BreakerCooldown,
			IsFailure:        countsAgainstBreaker,
		}),
	}
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return s, nil
}

// countsAgainstBreaker ignores client errors; they say nothing about the
// remote's health.
func countsAgainstBreaker(err error) bool {
	var re *Error
	if errors.As(err, &re) && re.Status >= 400 && re.Status < 500 && re.Status != http.StatusTooManyRequests {
		return false
	}
	return true
}

// ResetBreaker closes the breaker, e.g. after connectivity returns.
func (s *HTTPStore) ResetBreaker() { s.breaker.Reset() }

// BreakerState exposes the breaker state for status endpoints.
func (s *HTTPStore) BreakerState() circuitbreaker.State { return s.breaker.State() }

func (s *HTTPStore) FetchCollection(ctx context.Context, name string) (records.Records, error) {
	var out records.Records
	err := s.do(ctx, "fetch", name, "", http.MethodGet, nil, func(status int, body io.Reader) error {
		if err := json.NewDecoder(body).Decode(&out); err != nil {
			return fmt.Errorf("decode collection: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = records.Records{}
	}
	return out, nil
}

func (s *HTTPStore) WriteRecord(ctx context.Context, name string, rec records.Record) (records.Record, error) {
	id := rec.ID()
	if id == "" {
		return nil, &Error{Op: "write", Collection: name, Err: records.ErrMissingID}
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, &Error{Op: "write", Collection: name, ID: id, Err: err}
	}
	stored := rec
	err = s.do(ctx, "write", name, id, http.MethodPut, payload, func(status int, body io.Reader) error {
		if status == http.StatusNoContent {
			return nil
		}
		var got records.Record
		if err := json.NewDecoder(body).Decode(&got); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode record: %w", err)
		}
		if got.ID() != "" {
			stored = got
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *HTTPStore) DeleteRecord(ctx context.Context, name, id string) error {
	return s.do(ctx, "delete", name, id, http.MethodDelete, nil, nil)
}

// do runs one logical call under the breaker, the timeout and the retry
// policy. decode sees the body of a 2xx response.
func (s *HTTPStore) do(ctx context.Context, op, collection, id, method string, payload []byte, decode func(status int, body io.Reader) error) (err error) {
	ctx, span := tracing.StartCollectionSpan(ctx, "remote."+op, collection)
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.RemoteRequests.WithLabelValues(op, status).Inc()
		metrics.RemoteRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		tracing.End(span, err)
	}()

	target := s.endpoint(collection, id)
	idemKey := IdempotencyKey(ctx)

	err = s.breaker.Call(func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		build := func(ctx context.Context) (*http.Request, error) {
			var body io.Reader
			if payload != nil {
				body = bytes.NewReader(payload)
			}
			req, err := http.NewRequestWithContext(ctx, method, target, body)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Accept", "application/json")
			if s.token != "" {
				req.Header.Set("Authorization", "Bearer "+s.token)
			}
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			if idemKey != "" && method != http.MethodGet {
				req.Header.Set(IdempotencyHeader, idemKey)
			}
			return req, nil
		}

		resp, err := httpx.DoWithRetry(callCtx, s.client, s.retry, build, s.waitForRateLimit, nil)
		if err != nil {
			return &Error{Op: op, Collection: collection, ID: id, Err: err}
		}
		defer resp.Body.Close()
		body := io.LimitReader(resp.Body, maxBodyBytes)

		if method == http.MethodDelete && resp.StatusCode == http.StatusNotFound {
			// already gone; replays must converge
			return nil
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg, _ := io.ReadAll(io.LimitReader(body, 512))
			return &Error{Op: op, Collection: collection, ID: id, Status: resp.StatusCode, Err: errors.New(statusText(resp.StatusCode, msg))}
		}
		if decode == nil {
			return nil
		}
		if err := decode(resp.StatusCode, body); err != nil {
			return &Error{Op: op, Collection: collection, ID: id, Status: resp.StatusCode, Err: err}
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		err = &Error{Op: op, Collection: collection, ID: id, Err: fmt.Errorf("%w: %w", ErrUnavailable, err)}
	}
	if err != nil {
		s.log.WarnContext(ctx, "remote call failed", "op", op, "collection", collection, "id", id, "error", err)
	}
	return err
}

func (s *HTTPStore) waitForRateLimit(ctx context.Context, attempt int) error {
	if s.limiter == nil {
		return nil
	}
	if !s.limiter.Allow() {
		metrics.RemoteRateLimitWaits.Inc()
		return s.limiter.Wait(ctx)
	}
	return nil
}

func (s *HTTPStore) endpoint(collection, id string) string {
	p := "collections/" + url.PathEscape(collection)
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return s.base.JoinPath(p).String()
}

func statusText(code int, body []byte) string {
	text := http.StatusText(code)
	if text == "" {
		text = "status " + strconv.Itoa(code)
	}
	if len(body) > 0 {
		return text + ": " + string(bytes.TrimSpace(body))
	}
	return text
}
