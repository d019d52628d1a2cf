package httpx

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/opsdash/internal/config"
	"github.com/onnwee/opsdash/internal/logger"
	"github.com/onnwee/opsdash/internal/metrics"
)

// ErrExhausted is returned when every attempt failed at the transport level.
var ErrExhausted = errors.New("exhausted retries")

// PreAttempt lets callers run logic (e.g., rate limiting) before each try; return an error to abort.
type PreAttempt func(ctx context.Context, attempt int) error

// AttemptInfo describes a single attempt outcome.
type AttemptInfo struct {
	Attempt int
	Method  string
	URL     string
	Status  int
	Err     error
	Wait    time.Duration
}

// Observer callback to report attempt telemetry.
type Observer func(info AttemptInfo)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxJitter   time.Duration
	LogRetries  bool
}

// DefaultPolicy reads the remote retry settings from config.
func DefaultPolicy() Policy {
	cfg := config.Load()
	return Policy{
		MaxAttempts: cfg.RemoteMaxRetries,
		BaseDelay:   cfg.RemoteRetryBase,
		MaxJitter:   200 * time.Millisecond,
		LogRetries:  cfg.LogRemoteRetries,
	}
}

// DoWithRetryFactory wraps an HTTP request with lightweight retries, honoring Retry-After, using config.
func DoWithRetryFactory(ctx context.Context, client *http.Client, build func(ctx context.Context) (*http.Request, error), pre PreAttempt) (*http.Response, error) {
	return DoWithRetry(ctx, client, DefaultPolicy(), build, pre, nil)
}

// DoWithRetry retries transport errors, 429 and 5xx with linear backoff plus
// jitter. A Retry-After header replaces the backoff for that attempt. The
// last 429/5xx response is returned as-is once attempts run out. Waits end
// early when ctx is done.
func DoWithRetry(ctx context.Context, client *http.Client, p Policy, build func(ctx context.Context) (*http.Request, error), pre PreAttempt, obs Observer) (*http.Response, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	log := logger.WithComponent("httpx")
	report := func(info AttemptInfo) {
		if obs != nil {
			obs(info)
		}
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if pre != nil {
			if err := pre(ctx, attempt); err != nil {
				return nil, err
			}
		}
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			if attempt == maxAttempts || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if p.LogRetries {
					log.Warn("request failed, no more retries", "attempt", attempt, "method", req.Method, "url", req.URL.String(), "error", err)
				}
				report(AttemptInfo{Attempt: attempt, Method: req.Method, URL: req.URL.String(), Err: err})
				return nil, err
			}
			metrics.RemoteRetries.Inc()
			report(AttemptInfo{Attempt: attempt, Method: req.Method, URL: req.URL.String(), Err: err})
		} else {
			// success unless 429/5xx
			if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
				if p.LogRetries && attempt > 1 {
					log.Info("request succeeded after retry", "attempt", attempt, "method", req.Method, "url", req.URL.String(), "status", resp.StatusCode)
				}
				report(AttemptInfo{Attempt: attempt, Method: req.Method, URL: req.URL.String(), Status: resp.StatusCode})
				return resp, nil
			}
			if attempt == maxAttempts {
				if p.LogRetries {
					log.Warn("giving up", "attempt", attempt, "method", req.Method, "url", req.URL.String(), "status", resp.StatusCode)
				}
				report(AttemptInfo{Attempt: attempt, Method: req.Method, URL: req.URL.String(), Status: resp.StatusCode})
				return resp, nil
			}
			if wait, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
				resp.Body.Close()
				metrics.RemoteRetryAfterWaits.Observe(wait.Seconds())
				if p.LogRetries {
					log.Info("honoring Retry-After", "attempt", attempt, "wait", wait, "method", req.Method, "url", req.URL.String())
				}
				report(AttemptInfo{Attempt: attempt, Method: req.Method, URL: req.URL.String(), Status: resp.StatusCode, Wait: wait})
				if err := sleep(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
			resp.Body.Close()
			metrics.RemoteRetries.Inc()
		}

		var jitter time.Duration
		if p.MaxJitter > 0 {
			jitter = time.Duration(rand.Int63n(int64(p.MaxJitter)))
		}
		delay := p.BaseDelay*time.Duration(attempt) + jitter
		if p.LogRetries {
			log.Info("backing off", "attempt", attempt, "delay", delay, "method", req.Method, "url", req.URL.String())
		}
		report(AttemptInfo{Attempt: attempt, Method: req.Method, URL: req.URL.String(), Wait: delay})
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, ErrExhausted
}

// retryAfter parses delta-seconds or an HTTP date.
func retryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
	}
	return 0, false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
