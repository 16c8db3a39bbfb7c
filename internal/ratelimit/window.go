package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const windowKey = "ratelimit:global:rpm"

// WindowLimiter caps the fleet-wide requests-per-minute rate using a Redis
// sliding window. Unlike the in-process token buckets it is shared across
// gateway replicas; the dispatch path consults it after the per-scope buckets
// when configured.
type WindowLimiter struct {
	rdb   *redis.Client
	limit int
}

// NewWindowLimiter creates a WindowLimiter with the given requests-per-minute
// limit. limit must be > 0; values ≤ 0 will block every request.
func NewWindowLimiter(rdb *redis.Client, limit int) *WindowLimiter {
	return &WindowLimiter{rdb: rdb, limit: limit}
}

// Allow returns true if the current request is within the rate limit.
func (w *WindowLimiter) Allow(ctx context.Context) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, w.rdb,
		[]string{windowKey},
		now, window, w.limit,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return true, nil
	}

	return result == 1, nil
}
