package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/specboard/specboard/internal/cache"
	"github.com/specboard/specboard/internal/errors"
	"github.com/specboard/specboard/internal/httputil"
	"github.com/specboard/specboard/internal/logging"
)

// RateLimiter enforces a fixed-window request budget per caller. With a
// shared store the window is counted in Redis so the budget holds across
// replicas; without one it falls back to per-process token buckets.
type RateLimiter struct {
	store  cache.Cache
	prefix string
	limit  int
	window time.Duration
	logger *logging.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a limiter counting in the shared store. Pass a nil
// store for the local fallback.
func NewRateLimiter(store cache.Cache, keyPrefix string, requestsPerWindow int, window time.Duration, burst int, logger *logging.Logger) *RateLimiter {
	perSecond := rate.Limit(float64(requestsPerWindow) / window.Seconds())
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		store:    store,
		prefix:   keyPrefix,
		limit:    requestsPerWindow,
		window:   window,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		rate:     perSecond,
		burst:    burst,
	}
}

// Handler returns the rate limiting middleware handler.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := logging.GetUserID(r.Context())
		if key == "" {
			key = clientIP(r)
		}

		if !rl.allow(r, key) {
			rl.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
				"key":    key,
				"path":   r.URL.Path,
				"method": r.Method,
			})
			serviceErr := errors.RateLimitExceeded(rl.limit, rl.window.String())
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			httputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(r *http.Request, key string) bool {
	if rl.store == nil {
		return rl.localLimiter(key).Allow()
	}

	windowStart := time.Now().Truncate(rl.window).Unix()
	counterKey := cache.Key(rl.prefix, "ratelimit", key, strconv.FormatInt(windowStart, 10))
	count, err := rl.store.Incr(r.Context(), counterKey, rl.window)
	if err != nil {
		// Counting is best effort: an unreachable store must not take the
		// API down with it.
		rl.logger.WithContext(r.Context()).WithError(err).Warn("rate limit counter unavailable")
		return true
	}
	return count <= int64(rl.limit)
}

func (rl *RateLimiter) localLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

// Cleanup drops the local limiter map when it grows unbounded.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if len(rl.limiters) > 10000 {
		rl.limiters = make(map[string]*rate.Limiter)
	}
}

// StartCleanup periodically prunes local limiters until stop is closed.
func (rl *RateLimiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-stop:
				return
			}
		}
	}()
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
