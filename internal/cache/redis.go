// Redis-backed cache store.
//
// Graceful degradation: when Redis is unavailable, Get returns (nil, false)
// and Set returns nil so a dispatch never fails due to a missing cache.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCacheTimeout = 500 * time.Millisecond

// Redis is a Redis-backed store that implements the Store interface.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Get returns (nil, false) on any error.
//   - Set returns nil even on error (silent degradation keeps dispatch alive).
//   - Delete returns the underlying error so callers can log/handle it.
type Redis struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisFromClient wraps an existing Redis client. The caller owns the
// client lifecycle (creation and Close).
func NewRedisFromClient(redisCli *redis.Client) *Redis {
	return &Redis{client: redisCli, queryTimeout: defaultCacheTimeout}
}

// NewRedisFromURL parses redisURL, creates a Redis client, verifies the
// connection with a PING, and returns a Redis store.
// Returns an error if the URL is invalid or the initial ping fails.
func NewRedisFromURL(ctx context.Context, redisURL string) (*Redis, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return &Redis{client: cli, queryTimeout: defaultCacheTimeout}, nil
}

// Get retrieves the value for key from Redis.
// Returns (data, true) on a hit and (nil, false) on a miss or any error.
// Redis errors are logged at WARN level but not propagated.
func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	// Best-effort hit accounting; the counter shares the entry's TTL.
	_ = c.client.Incr(ctx, key+hitsSuffix).Err()

	return val, true
}

// hitsSuffix namespaces the per-entry hit counter next to its entry.
const hitsSuffix = ":hits"

// Hits returns how many times key has been served since it was last Set.
// Returns 0 for absent keys or on any Redis error.
func (c *Redis) Hits(ctx context.Context, key string) uint64 {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	n, err := c.client.Get(ctx, key+hitsSuffix).Uint64()
	if err != nil {
		return 0
	}
	return n
}

// Set stores value under key with the given TTL.
// Returns nil even on Redis error — graceful degradation keeps the gateway
// functioning when the cache layer is unavailable.
func (c *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	pipe := c.client.Pipeline()
	pipe.Set(ctx, key, value, ttl)
	pipe.Set(ctx, key+hitsSuffix, 0, ttl) // fresh entry, fresh counter
	if _, err := pipe.Exec(ctx); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return nil // always nil — degrade gracefully
}

// Delete removes key from Redis.
// Returns the underlying error so callers can decide how to handle it.
func (c *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key, key+hitsSuffix).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}

	return nil
}

// Close releases the Redis connection pool.
func (c *Redis) Close() error {
	return c.client.Close()
}
