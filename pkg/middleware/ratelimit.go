package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/keel/pkg/apperrors"
	"github.com/platinummonkey/keel/pkg/httputil"
	"github.com/platinummonkey/keel/pkg/observability"
)

// Limiter decides whether one more request for key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimitConfig defines a token bucket
type RateLimitConfig struct {
	// RatePerSecond is the sustained refill rate
	RatePerSecond float64
	// Burst is the bucket size
	Burst int
}

// RateLimiter keeps one in-process token bucket per key.
type RateLimiter struct {
	config   RateLimitConfig
	mu       sync.Mutex
	limiters map[string]*entry
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:   config,
		limiters: make(map[string]*entry),
	}
}

// Allow implements Limiter. It never fails.
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, error) {
	rl.mu.Lock()
	e, ok := rl.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(rl.config.RatePerSecond), rl.config.Burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = time.Now()
	rl.mu.Unlock()

	return e.limiter.Allow(), nil
}

// Cleanup drops buckets idle for longer than idle.
func (rl *RateLimiter) Cleanup(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-idle)
	for key, e := range rl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration, logger *observability.Logger) {
	ticker := time.NewTicker(interval)
	go func() {
		defer observability.RecoverPanic(logger, "ratelimit cleanup")
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup(interval)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// KeyFunc derives the rate limit key of a request.
type KeyFunc func(r *http.Request) string

// KeyByProviderAndIP buckets webhook ingress per provider and source address.
func KeyByProviderAndIP(r *http.Request) string {
	return mux.Vars(r)["provider"] + ":" + clientIP(r)
}

// RateLimit rejects requests over the limit with 429. Limiter errors let the
// request through.
func RateLimit(limiter Limiter, keyFn KeyFunc, retryAfter time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := limiter.Allow(r.Context(), keyFn(r))
			if err != nil {
				observability.FromContext(r.Context()).WithError(err).Warn("Rate limiter unavailable")
			}
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
				httputil.WriteError(w, r, apperrors.ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP uses the connection address. Forwarded headers are not trusted
// because webhook senders are not behind our proxy's auth.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
