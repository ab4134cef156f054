package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Sentinel-Gate/devopsgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/auth"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/ratelimit"
)

type errorBody struct {
	Error struct {
		Category   string `json:"category"`
		Code       string `json:"code"`
		Message    string `json:"message"`
		RetryAfter int    `json:"retryAfter"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var b errorBody
	if err := json.NewDecoder(rec.Body).Decode(&b); err != nil {
		t.Fatalf("decode error body: %v (body %q)", err, rec.Body.String())
	}
	return b
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	called := false
	handler := CORSMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, PathStateless, nil)
	req.Header.Set("Origin", "https://ide.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "X-ADO-PAT, Content-Type")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if called {
		t.Error("preflight must not reach the handler")
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("Access-Control-Allow-Origin not set")
	}
}

func TestCORSMiddleware_ExposesHeaders(t *testing.T) {
	handler := CORSMiddleware()(okHandler())

	req := httptest.NewRequest(http.MethodPost, PathStateless, nil)
	req.Header.Set("Origin", "https://ide.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("Access-Control-Allow-Origin not set on simple request")
	}
	if rec.Header().Get("Access-Control-Expose-Headers") == "" {
		t.Error("Access-Control-Expose-Headers not set")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seenID string
	var seenLogger bool
	handler := RequestIDMiddleware(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID, _ = r.Context().Value(RequestIDKey).(string)
		_, seenLogger = r.Context().Value(LoggerKey).(*slog.Logger)
	}))

	t.Run("propagates caller id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-Request-ID", "req-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if seenID != "req-123" {
			t.Errorf("context id = %q, want req-123", seenID)
		}
		if rec.Header().Get("X-Request-ID") != "req-123" {
			t.Errorf("response id = %q, want req-123", rec.Header().Get("X-Request-ID"))
		}
		if !seenLogger {
			t.Error("logger missing from context")
		}
	})

	t.Run("generates id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

		if seenID == "" || seenID == "req-123" {
			t.Errorf("expected a fresh id, got %q", seenID)
		}
		if rec.Header().Get("X-Request-ID") != seenID {
			t.Error("response header and context id differ")
		}
	})
}

func TestExtractRealIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		trust      bool
		want       string
	}{
		{"remote addr", "10.0.0.5:4312", nil, false, "10.0.0.5"},
		{"forwarded ignored without trust", "10.0.0.5:4312", map[string]string{"X-Forwarded-For": "1.2.3.4"}, false, "10.0.0.5"},
		{"forwarded first hop", "10.0.0.5:4312", map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.1"}, true, "1.2.3.4"},
		{"real ip", "10.0.0.5:4312", map[string]string{"X-Real-IP": " 5.6.7.8 "}, true, "5.6.7.8"},
		{"no port", "unix-socket", nil, false, "unix-socket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := extractRealIP(req, tt.trust); got != tt.want {
				t.Errorf("extractRealIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := memory.NewRateLimiter()
	metrics := NewMetrics(prometheus.NewRegistry())
	cfg := ratelimit.Config{Capacity: 2, Window: time.Minute}

	handler := RealIPMiddleware(false)(RateLimitMiddleware(limiter, cfg, metrics)(okHandler()))

	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, PathStateless, nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := range 2 {
		if rec := send("192.0.2.1:1000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := send("192.0.2.1:1001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	b := decodeError(t, rec)
	if b.Error.Code != "RATE_LIMITED" || b.Error.Category != "admission" {
		t.Errorf("error = %+v", b.Error)
	}
	if b.Error.RetryAfter < 1 || b.Error.RetryAfter > 60 {
		t.Errorf("retryAfter = %d, want 1..60", b.Error.RetryAfter)
	}
	if n := testutil.ToFloat64(metrics.RateLimitedTotal); n != 1 {
		t.Errorf("RateLimitedTotal = %v, want 1", n)
	}

	// Another client has its own window.
	if rec := send("192.0.2.2:1000"); rec.Code != http.StatusOK {
		t.Errorf("other client: status = %d, want 200", rec.Code)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(_ context.Context, _ string, _ ratelimit.Config) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("store down")
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	handler := RateLimitMiddleware(failingLimiter{}, ratelimit.Config{}, nil)(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, PathStateless, nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when the limiter errors", rec.Code)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	gate, err := auth.NewKeyGate("s3cret", true)
	if err != nil {
		t.Fatal(err)
	}
	handler := APIKeyMiddleware(gate)(okHandler())

	tests := []struct {
		name string
		path string
		key  string
		want int
	}{
		{"protocol path without key", PathStateless, "", http.StatusUnauthorized},
		{"protocol path wrong key", PathStream, "nope", http.StatusUnauthorized},
		{"protocol path right key", PathMessages, "s3cret", http.StatusOK},
		{"health is public", "/health", "", http.StatusOK},
		{"config is public", "/config", "", http.StatusOK},
		{"root is public", "/", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			if tt.key != "" {
				req.Header.Set(APIKeyHeader, tt.key)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized {
				if b := decodeError(t, rec); b.Error.Code != "UNAUTHORIZED" {
					t.Errorf("code = %q, want UNAUTHORIZED", b.Error.Code)
				}
			}
		})
	}
}

func TestAPIKeyMiddleware_NilGate(t *testing.T) {
	handler := APIKeyMiddleware(nil)(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, PathStateless, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with no gate", rec.Code)
	}
}
