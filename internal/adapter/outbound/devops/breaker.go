package devops

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/tool"
)

const maxBreakers = 1024

// Breakers holds one circuit breaker per backend base URL, shared by every
// tenant client that targets it. The least recently used breakers are
// dropped past a fixed bound.
type Breakers struct {
	cache  *lru.Cache[string, *gobreaker.CircuitBreaker]
	logger *slog.Logger

	// Trip settings. Tests shorten them.
	timeout      time.Duration
	minRequests  uint32
	failureRatio float64
}

// NewBreakers creates an empty breaker set.
func NewBreakers(logger *slog.Logger) *Breakers {
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[string, *gobreaker.CircuitBreaker](maxBreakers)
	return &Breakers{
		cache:        cache,
		logger:       logger,
		timeout:      30 * time.Second,
		minRequests:  5,
		failureRatio: 0.6,
	}
}

// For returns the breaker for key, creating it on first use.
func (b *Breakers) For(key string) *gobreaker.CircuitBreaker {
	if cb, ok := b.cache.Get(key); ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     b.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < b.minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= b.failureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("backend circuit breaker state changed", "backend", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: breakerSuccess,
	})
	// Two callers racing here may each build a breaker; keep the first.
	if prev, ok, _ := b.cache.PeekOrAdd(key, cb); ok {
		return prev
	}
	return cb
}

// breakerSuccess counts caller mistakes as successes: a 404 or 400 says
// nothing about backend health.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var ue *tool.UpstreamError
	if errors.As(err, &ue) {
		return ue.Status < http.StatusInternalServerError && ue.Status != http.StatusTooManyRequests
	}
	return false
}
