package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/ratelimit"
)

// setupMiniRedis creates a test Redis server and a limiter pointed at it.
func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *RateLimiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	limiter, err := NewRateLimiter(context.Background(), mr.Addr(), "test:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = limiter.Close() })
	return mr, limiter
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	mr, limiter := setupMiniRedis(t)
	ctx := context.Background()
	cfg := ratelimit.Config{Capacity: 100, Window: 60 * time.Second}

	for i := 1; i <= 100; i++ {
		res, err := limiter.Allow(ctx, "ratelimit:ip:1.2.3.4", cfg)
		require.NoError(t, err)
		require.Truef(t, res.Allowed, "request %d should be allowed", i)
		assert.Equal(t, i, res.Count)
	}

	res, err := limiter.Allow(ctx, "ratelimit:ip:1.2.3.4", cfg)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "101st request must be rejected")
	assert.Equal(t, 100, res.Count, "rejected requests do not increment")
	assert.Positive(t, res.RetryAfterSeconds())
	assert.LessOrEqual(t, res.RetryAfterSeconds(), 60)

	mr.FastForward(61 * time.Second)

	res, err = limiter.Allow(ctx, "ratelimit:ip:1.2.3.4", cfg)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Count, "window resets to 1")
}

func TestRateLimiter_KeysAreIsolated(t *testing.T) {
	_, limiter := setupMiniRedis(t)
	ctx := context.Background()
	cfg := ratelimit.Config{Capacity: 1, Window: time.Minute}

	res, err := limiter.Allow(ctx, "a", cfg)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = limiter.Allow(ctx, "a", cfg)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = limiter.Allow(ctx, "b", cfg)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	n, err := limiter.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRateLimiter_KeyExpires(t *testing.T) {
	mr, limiter := setupMiniRedis(t)
	ctx := context.Background()

	_, err := limiter.Allow(ctx, "k", ratelimit.Config{Capacity: 5, Window: time.Second})
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:k"))

	mr.FastForward(2 * time.Second)
	assert.False(t, mr.Exists("test:k"), "window key must expire with the window")
}

func TestNewRateLimiter_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRateLimiter(ctx, addr, "")
	assert.Error(t, err)
}
