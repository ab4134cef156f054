// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/ratelimit"
)

// rateWindow is the fixed-window counter for one client key.
type rateWindow struct {
	count     int
	resetTime time.Time
}

// MemoryRateLimiter implements ratelimit.RateLimiter with fixed windows held
// in process memory. Thread-safe for concurrent access.
// A background sweep drops windows that have already expired.
type MemoryRateLimiter struct {
	windows         map[string]*rateWindow
	mu              sync.Mutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	now             func() time.Time
}

// NewRateLimiter creates a new in-memory rate limiter with a 5 minute sweep.
func NewRateLimiter() *MemoryRateLimiter {
	return NewRateLimiterWithConfig(5 * time.Minute)
}

// NewRateLimiterWithConfig creates a new in-memory rate limiter.
// cleanupInterval: how often expired windows are swept.
func NewRateLimiterWithConfig(cleanupInterval time.Duration) *MemoryRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	return &MemoryRateLimiter{
		windows:         make(map[string]*rateWindow),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		now:             time.Now,
	}
}

// Allow records a request for key. The check and the increment happen under
// one lock.
func (r *MemoryRateLimiter) Allow(ctx context.Context, key string, config ratelimit.Config) (ratelimit.Result, error) {
	config = config.WithDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, ok := r.windows[key]
	if !ok || !now.Before(w.resetTime) {
		w = &rateWindow{count: 1, resetTime: now.Add(config.Window)}
		r.windows[key] = w
		return ratelimit.Result{
			Allowed:    true,
			Count:      1,
			Remaining:  config.Capacity - 1,
			ResetAfter: config.Window,
		}, nil
	}

	resetAfter := w.resetTime.Sub(now)
	if w.count+1 > config.Capacity {
		return ratelimit.Result{
			Allowed:    false,
			Count:      w.count,
			Remaining:  0,
			RetryAfter: resetAfter,
			ResetAfter: resetAfter,
		}, nil
	}

	w.count++
	return ratelimit.Result{
		Allowed:    true,
		Count:      w.count,
		Remaining:  config.Capacity - w.count,
		ResetAfter: resetAfter,
	}, nil
}

// StartCleanup starts the background sweep goroutine.
// It stops when ctx is cancelled or Stop() is called.
func (r *MemoryRateLimiter) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

// cleanup removes windows whose reset time has passed. An expired window
// would be replaced on the next request anyway, so dropping it is invisible
// to callers.
func (r *MemoryRateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cleaned := 0
	for key, w := range r.windows {
		if !now.Before(w.resetTime) {
			delete(r.windows, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		slog.Debug("rate limiter cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(r.windows))
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (r *MemoryRateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the current number of tracked keys.
func (r *MemoryRateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

// Compile-time interface verification.
var _ ratelimit.RateLimiter = (*MemoryRateLimiter)(nil)
