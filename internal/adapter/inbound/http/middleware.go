package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/devopsgate/internal/ctxkey"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/auth"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/gatewayerr"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/ratelimit"
)

// RequestIDKey is the context key for the request ID.
var RequestIDKey = ctxkey.RequestIDKey{}

// LoggerKey is the context key for the enriched logger.
var LoggerKey = ctxkey.LoggerKey{}

// APIKeyHeader carries the gateway API key.
const APIKeyHeader = "X-API-Key"

// clientIPKey is the context key for the resolved client address.
type clientIPKey struct{}

// CORSMiddleware allows every origin. The gateway authenticates with headers,
// never cookies, so there is nothing for an origin check to protect.
func CORSMiddleware() func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Mcp-Session-Id", "Retry-After", "X-Request-ID"},
	})
	return c.Handler
}

// RequestIDMiddleware extracts or generates a request ID, stores an enriched
// logger in the context and logs the request on entry and completion.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enrichedLogger := logger.With("request_id", requestID)

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, enrichedLogger)

			w.Header().Set("X-Request-ID", requestID)

			start := time.Now()
			enrichedLogger.Debug("request started", "method", r.Method, "path", r.URL.Path)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r.WithContext(ctx))

			enrichedLogger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds())
		})
	}
}

// TracingMiddleware opens a server span per request on the global tracer
// provider. Without a configured provider the spans are no-ops.
func TracingMiddleware() func(http.Handler) http.Handler {
	tracer := otel.Tracer("github.com/Sentinel-Gate/devopsgate/internal/adapter/inbound/http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				))
			defer span.End()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RealIPMiddleware resolves the client address used as the rate limit
// identity. Proxy headers are honoured only when trustProxy is set; otherwise
// any client could pick its own identity.
func RealIPMiddleware(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractRealIP(r, trustProxy)
			ctx := context.WithValue(r.Context(), clientIPKey{}, ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIPFromContext returns the address RealIPMiddleware resolved.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// extractRealIP extracts the client's address from the request.
func extractRealIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		// Format: X-Forwarded-For: client, proxy1, proxy2
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware admits at most cfg.Capacity requests per client per
// window. Limiter failures are logged and the request is let through.
func RateLimitMiddleware(limiter ratelimit.RateLimiter, cfg ratelimit.Config, metrics *Metrics) func(http.Handler) http.Handler {
	cfg = cfg.WithDefaults()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIPFromContext(r.Context())
			if ip == "" {
				ip = extractRealIP(r, false)
			}
			key := ratelimit.FormatKey(ratelimit.KeyTypeIP, ip)

			res, err := limiter.Allow(r.Context(), key, cfg)
			if err != nil {
				LoggerFromContext(r.Context()).Error("rate limiter unavailable, admitting request", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			if !res.Allowed {
				if metrics != nil {
					metrics.RateLimitedTotal.Inc()
				}
				LoggerFromContext(r.Context()).Warn("rate limit exceeded", "client", ip, "retry_after", res.RetryAfterSeconds())
				gatewayerr.Write(w, gatewayerr.RateLimited(res.RetryAfterSeconds()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// publicPaths bypass the API key gate.
var publicPaths = map[string]struct{}{
	"/":        {},
	"/health":  {},
	"/ping":    {},
	"/config":  {},
	"/metrics": {},
}

func isPublicPath(path string) bool {
	_, ok := publicPaths[path]
	return ok
}

// APIKeyMiddleware rejects requests to protected paths that do not present
// the configured key in X-API-Key.
func APIKeyMiddleware(gate *auth.KeyGate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) || !gate.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			if err := gate.Check(r.Header.Get(APIKeyHeader)); err != nil {
				LoggerFromContext(r.Context()).Warn("api key rejected", "path", r.URL.Path, "reason", err)
				gatewayerr.Write(w, gatewayerr.Unauthorized(err.Error()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
