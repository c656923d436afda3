package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/signalix/identity/internal/apperr"
	"github.com/signalix/identity/internal/httputil"
	"go.uber.org/zap"
)

// Limiter decides whether one more request for key fits the budget.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimiter implements a simple in-memory rate limiter using a sliding window
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	window   time.Duration
	maxReqs  int
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(window time.Duration, maxReqs int) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		window:   window,
		maxReqs:  maxReqs,
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	filtered := rl.prune(rl.requests[key], now.Add(-rl.window))

	if len(filtered) >= rl.maxReqs {
		rl.requests[key] = filtered
		return false, nil
	}

	rl.requests[key] = append(filtered, now)
	return true, nil
}

func (rl *RateLimiter) prune(reqs []time.Time, cutoff time.Time) []time.Time {
	filtered := make([]time.Time, 0, len(reqs)+1)
	for _, t := range reqs {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// Close stops the cleanup goroutine.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// cleanup periodically removes old entries to prevent memory leaks
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		cutoff := rl.now().Add(-rl.window)
		for key, reqs := range rl.requests {
			if filtered := rl.prune(reqs, cutoff); len(filtered) == 0 {
				delete(rl.requests, key)
			} else {
				rl.requests[key] = filtered
			}
		}
		rl.mu.Unlock()
	}
}

// RedisLimiter is a fixed window counter shared by every instance.
type RedisLimiter struct {
	client  *redis.Client
	prefix  string
	window  time.Duration
	maxReqs int
	now     func() time.Time
}

func NewRedisLimiter(client *redis.Client, prefix string, window time.Duration, maxReqs int) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, window: window, maxReqs: maxReqs, now: time.Now}
}

func (rl *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := rl.now().UnixNano() / int64(rl.window)
	redisKey := fmt.Sprintf("ratelimit:%s:%s:%s", rl.prefix, key, strconv.FormatInt(bucket, 10))

	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit counter: %w", err)
	}
	return incr.Val() <= int64(rl.maxReqs), nil
}

// RateLimitMiddleware creates a rate limiting middleware. A failing limiter
// backend lets the request through.
func RateLimitMiddleware(limiter Limiter, keyFunc func(*http.Request) string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := limiter.Allow(r.Context(), keyFunc(r))
			if err != nil {
				logger.Warn("rate limiter unavailable", zap.Error(err))
				allowed = true
			}
			if !allowed {
				httputil.WriteError(w, r, apperr.RateLimited("rate limit exceeded"), logger)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetIPKey extracts IP address from request for rate limiting
func GetIPKey(r *http.Request) string {
	return "ip:" + httputil.ClientIP(r)
}
