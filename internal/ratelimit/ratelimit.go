// Package ratelimit throttles order placement per client with a Redis
// sliding window shared by every instance.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/character-exchange/internal/httpx"
)

// Limiter decides whether one more request for key fits in the window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, retryAfter time.Duration, err error)
}

// slidingWindow trims entries older than the window, then admits the
// request if fewer than limit remain. Returns {allowed, ms until the
// oldest entry expires}.
var slidingWindow = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  return {1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = window
if oldest[2] then
  wait = tonumber(oldest[2]) + window - now
end
return {0, wait}
`)

// RedisLimiter implements Limiter with a sorted set per key.
type RedisLimiter struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisLimiter creates a limiter on rdb.
func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	res, err := slidingWindow.Run(ctx, l.rdb,
		[]string{"ratelimit:" + key},
		l.now().UnixMilli(),
		window.Milliseconds(),
		limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: allow %s: %w", key, err)
	}
	if len(res) < 2 {
		return false, 0, fmt.Errorf("ratelimit: allow %s: unexpected result length %d", key, len(res))
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

// Middleware limits each client IP to limit requests per window. Limiter
// errors fail open.
func Middleware(l Limiter, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "orders:" + clientIP(r)

			allowed, retryAfter, err := l.Allow(r.Context(), key, limit, window)
			if err != nil {
				slog.Warn("rate limiter unavailable, allowing request", "err", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				secs := int(retryAfter.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				httpx.WriteBody(w, http.StatusTooManyRequests, httpx.ErrorBody{
					Error: "rate limit exceeded",
					Code:  "RATE_LIMITED",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP relies on middleware.RealIP having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
