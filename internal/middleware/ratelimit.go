package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/opsdash/internal/apierr"
	"github.com/onnwee/opsdash/internal/config"
)

const (
	limiterIdleTTL     = 3 * time.Minute
	limiterSweepPeriod = time.Minute
)

// Limits configures a RateLimiter. Rates are requests per second.
type Limits struct {
	GlobalRate  float64
	GlobalBurst int
	IPRate      float64
	IPBurst     int
}

// LimitsFromConfig reads the API limits from cfg.
func LimitsFromConfig(cfg *config.Config) Limits {
	return Limits{
		GlobalRate:  cfg.APIGlobalRPS,
		GlobalBurst: cfg.APIGlobalBurst,
		IPRate:      cfg.APIPerIPRPS,
		IPBurst:     cfg.APIPerIPBurst,
	}
}

// RateLimiter enforces a global and a per-client token bucket.
type RateLimiter struct {
	global *rate.Limiter
	limits Limits
	now    func() time.Time

	mu    sync.Mutex
	perIP map[string]*ipLimiter
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(l Limits) *RateLimiter {
	return &RateLimiter{
		global: rate.NewLimiter(rate.Limit(l.GlobalRate), l.GlobalBurst),
		limits: l,
		now:    time.Now,
		perIP:  make(map[string]*ipLimiter),
	}
}

// getLimiter returns the rate limiter for a given IP address.
func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.perIP[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(rl.limits.IPRate), rl.limits.IPBurst)}
		rl.perIP[ip] = l
	}
	l.lastSeen = rl.now()
	return l.limiter
}

// sweep drops per-client limiters idle for longer than limiterIdleTTL.
func (rl *RateLimiter) sweep() int {
	cutoff := rl.now().Add(-limiterIdleTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for ip, l := range rl.perIP {
		if l.lastSeen.Before(cutoff) {
			delete(rl.perIP, ip)
			n++
		}
	}
	return n
}

// Run sweeps idle client limiters until ctx ends.
func (rl *RateLimiter) Run(ctx context.Context) {
	t := time.NewTicker(limiterSweepPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rl.sweep()
		}
	}
}

// Limit returns a middleware handler that enforces rate limits.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.global.Allow() {
			w.Header().Set("Retry-After", "1")
			apierr.WriteErrorWithContext(w, r, apierr.RateLimitGlobal())
			return
		}
		if !rl.getLimiter(getClientIP(r)).Allow() {
			w.Header().Set("Retry-After", "1")
			apierr.WriteErrorWithContext(w, r, apierr.RateLimitIP())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getClientIP extracts the client IP from the request, checking common proxy headers.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
