// Package redisstore provides Redis-backed implementations of outbound ports, so
// several gateway replicas can share rate limit state.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/ratelimit"
)

// fixedWindowScript admits a request when the window's counter is below
// capacity. The counter is only incremented for admitted requests, and the
// first increment sets the expiry that ends the window.
//
// KEYS[1] counter key, ARGV[1] window in ms, ARGV[2] capacity.
// Returns {count, pttl, allowed}.
var fixedWindowScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[2]) then
  local ttl = redis.call('PTTL', KEYS[1])
  if ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
  end
  return {count, ttl, 0}
end
count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl, 1}
`)

// RateLimiter implements ratelimit.RateLimiter on Redis.
type RateLimiter struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRateLimiter connects to addr and verifies the connection.
func NewRateLimiter(ctx context.Context, addr, keyPrefix string) (*RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRateLimiterWithClient(client, keyPrefix), nil
}

// NewRateLimiterWithClient wraps an existing client.
func NewRateLimiterWithClient(client redis.UniversalClient, keyPrefix string) *RateLimiter {
	if keyPrefix == "" {
		keyPrefix = "devopsgate:"
	}
	return &RateLimiter{client: client, keyPrefix: keyPrefix}
}

// Allow records a request for key in its current window.
func (r *RateLimiter) Allow(ctx context.Context, key string, config ratelimit.Config) (ratelimit.Result, error) {
	config = config.WithDefaults()

	vals, err := fixedWindowScript.Run(ctx, r.client,
		[]string{r.keyPrefix + key},
		config.Window.Milliseconds(), config.Capacity,
	).Int64Slice()
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(vals) != 3 {
		return ratelimit.Result{}, fmt.Errorf("rate limit script: unexpected reply %v", vals)
	}

	count := int(vals[0])
	resetAfter := time.Duration(vals[1]) * time.Millisecond
	result := ratelimit.Result{
		Allowed:    vals[2] == 1,
		Count:      count,
		Remaining:  max(config.Capacity-count, 0),
		ResetAfter: resetAfter,
	}
	if !result.Allowed {
		result.RetryAfter = resetAfter
	}
	return result, nil
}

// Size returns the number of live window keys under the prefix.
func (r *RateLimiter) Size(ctx context.Context) (int, error) {
	var n int
	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n, iter.Err()
}

// Close closes the underlying client.
func (r *RateLimiter) Close() error {
	return r.client.Close()
}

var _ ratelimit.RateLimiter = (*RateLimiter)(nil)
