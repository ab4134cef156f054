package ratelimit

import "context"

// RateLimiter is the interface for rate limiting operations.
//
// Implementations use a fixed window: the first request of a window opens it
// with count 1, later requests increment, and a request that would push the
// count past the capacity is rejected until the window resets. There is no
// smoothing, so a client can burst up to twice the capacity across a window
// boundary.
//
// The interface is storage-agnostic, allowing implementations backed by
// Redis or an in-process table.
type RateLimiter interface {
	// Allow records one request for key under config and reports whether it
	// is admitted. When it is not, RetryAfter holds the time until the window
	// resets.
	Allow(ctx context.Context, key string, config Config) (Result, error)
}
