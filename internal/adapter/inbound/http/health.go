package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/session"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// Rate limiter backends expose their key count in one of two shapes.
type (
	localSizer  interface{ Size() int }
	remoteSizer interface {
		Size(ctx context.Context) (int, error)
	}
)

const healthProbeTimeout = 2 * time.Second

// HealthChecker verifies component health.
type HealthChecker struct {
	sessions session.Registry
	limiter  ratelimit.RateLimiter
	version  string
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't available.
func NewHealthChecker(sessions session.Registry, limiter ratelimit.RateLimiter, version string) *HealthChecker {
	return &HealthChecker{
		sessions: sessions,
		limiter:  limiter,
		version:  version,
	}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	// Len acquires the registry lock; a wedged registry hangs here.
	if h.sessions != nil {
		checks["sessions"] = fmt.Sprintf("ok: %d live", h.sessions.Len())
	} else {
		checks["sessions"] = "not configured"
	}

	switch l := h.limiter.(type) {
	case nil:
		checks["rate_limiter"] = "not configured"
	case localSizer:
		checks["rate_limiter"] = fmt.Sprintf("ok: %d keys", l.Size())
	case remoteSizer:
		ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		defer cancel()
		n, err := l.Size(ctx)
		if err != nil {
			checks["rate_limiter"] = "unreachable: " + err.Error()
			healthy = false
		} else {
			checks["rate_limiter"] = fmt.Sprintf("ok: %d keys", n)
		}
	default:
		checks["rate_limiter"] = "ok"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
