package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sentinel-Gate/devopsgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/auth"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/session"
)

// ServiceName identifies the gateway in docs and health output.
const ServiceName = "devops-gate"

const defaultShutdownTimeout = 10 * time.Second

// Background sweepers and closeable stores implement some of these.
type (
	sweeper     interface{ StartCleanup(ctx context.Context) }
	stopper     interface{ Stop() }
	sessionDrop interface{ CloseAll() }
)

// HTTPTransport is the inbound adapter that serves protocol clients over
// HTTP. It owns the admission chain, the docs endpoints and the negotiator.
type HTTPTransport struct {
	builder         ServerBuilder
	sessions        session.Registry
	limiter         ratelimit.RateLimiter
	rateConfig      ratelimit.Config
	gate            *auth.KeyGate
	tools           DefinitionLister
	addr            string
	version         string
	trustProxy      bool
	shutdownTimeout time.Duration
	logger          *slog.Logger

	metrics  *Metrics
	gatherer prometheus.Gatherer

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	ready    chan struct{}
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address for the HTTP server.
// Default is "0.0.0.0:8080".
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) {
		t.addr = addr
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithSessionRegistry sets the registry of persistent sessions.
func WithSessionRegistry(r session.Registry) Option {
	return func(t *HTTPTransport) {
		t.sessions = r
	}
}

// WithRateLimit enables per-client rate limiting.
func WithRateLimit(limiter ratelimit.RateLimiter, cfg ratelimit.Config) Option {
	return func(t *HTTPTransport) {
		t.limiter = limiter
		t.rateConfig = cfg
	}
}

// WithKeyGate sets the API key gate. A nil or disabled gate admits everyone.
func WithKeyGate(gate *auth.KeyGate) Option {
	return func(t *HTTPTransport) {
		t.gate = gate
	}
}

// WithTrustProxyHeaders makes X-Forwarded-For and X-Real-IP the client
// identity. Enable only behind a proxy that overwrites them.
func WithTrustProxyHeaders(trust bool) Option {
	return func(t *HTTPTransport) {
		t.trustProxy = trust
	}
}

// WithVersion sets the version reported by /, /config and /health.
func WithVersion(version string) Option {
	return func(t *HTTPTransport) {
		t.version = version
	}
}

// WithToolCatalog lists tools on /config.
func WithToolCatalog(tools DefinitionLister) Option {
	return func(t *HTTPTransport) {
		t.tools = tools
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(t *HTTPTransport) {
		t.shutdownTimeout = d
	}
}

// WithMetrics shares metrics with other components, typically the tool
// observer. gatherer backs /metrics.
func WithMetrics(m *Metrics, gatherer prometheus.Gatherer) Option {
	return func(t *HTTPTransport) {
		t.metrics = m
		t.gatherer = gatherer
	}
}

// NewMetricsRegistry returns a registry preloaded with Go runtime and
// process collectors, and the gateway metrics registered on it.
func NewMetricsRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, NewMetrics(reg)
}

// NewHTTPTransport creates an HTTP transport that builds tenant servers with
// builder.
func NewHTTPTransport(builder ServerBuilder, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		builder:         builder,
		addr:            "0.0.0.0:8080",
		version:         "dev",
		shutdownTimeout: defaultShutdownTimeout,
		logger:          slog.Default(),
		ready:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.metrics == nil {
		t.gatherer, t.metrics = NewMetricsRegistry()
	}
	if t.sessions == nil {
		t.sessions = memory.NewSessionRegistry()
	}
	return t
}

// Metrics returns the transport's metrics.
func (t *HTTPTransport) Metrics() *Metrics {
	return t.metrics
}

// Handler builds the full handler: admission chain in front of the mux.
//
// Middleware order (outermost first):
//  1. CORS - answers preflight before anything else runs
//  2. RequestID - request ID and enriched logger
//  3. Tracing - server span per request
//  4. Metrics - duration and status
//  5. RealIP - client identity for rate limiting
//  6. RateLimit - fixed window per client
//  7. APIKey - gate on protocol paths
func (t *HTTPTransport) Handler() http.Handler {
	mux := http.NewServeMux()

	NewNegotiator(t.builder, t.sessions, t.metrics, t.logger, t.trustProxy).Register(mux)

	health := NewHealthChecker(t.sessions, t.limiter, t.version)
	mux.Handle("/health", health.Handler())
	mux.Handle("/ping", pingHandler())
	mux.Handle("/config", configHandler(ServiceName, t.version, t.tools))
	mux.Handle("/metrics", promhttp.HandlerFor(t.gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/", rootHandler(ServiceName, t.version))

	var h http.Handler = mux
	h = APIKeyMiddleware(t.gate)(h)
	if t.limiter != nil {
		h = RateLimitMiddleware(t.limiter, t.rateConfig, t.metrics)(h)
	}
	h = RealIPMiddleware(t.trustProxy)(h)
	h = MetricsMiddleware(t.metrics)(h)
	h = TracingMiddleware()(h)
	h = CORSMiddleware()(h)
	h = RequestIDMiddleware(t.logger)(h)
	return h
}

// Start begins accepting connections. It blocks until ctx is cancelled or
// the server fails, and shuts down gracefully on cancellation.
func (t *HTTPTransport) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(t.logger.Handler(), slog.LevelWarn),
	}
	t.mu.Lock()
	t.server = server
	t.listener = ln
	t.mu.Unlock()
	close(t.ready)

	for _, c := range []any{t.sessions, t.limiter} {
		if s, ok := c.(sweeper); ok {
			s.StartCleanup(ctx)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("starting HTTP server", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		t.stopStores()
		return err
	}
}

// Addr returns the bound address once Start has begun listening, or nil.
func (t *HTTPTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Ready is closed once Start is listening.
func (t *HTTPTransport) Ready() <-chan struct{} {
	return t.ready
}

// shutdown closes live sessions first: Shutdown waits for active handlers
// and an open event stream never finishes on its own.
func (t *HTTPTransport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.shutdownTimeout)
	defer cancel()

	if d, ok := t.sessions.(sessionDrop); ok {
		d.CloseAll()
	}

	t.mu.Lock()
	server := t.server
	t.mu.Unlock()

	err := server.Shutdown(ctx)
	t.stopStores()
	if err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}

	t.logger.Info("HTTP server shutdown complete")
	return nil
}

func (t *HTTPTransport) stopStores() {
	for _, c := range []any{t.sessions, t.limiter} {
		switch s := c.(type) {
		case stopper:
			s.Stop()
		case io.Closer:
			if err := s.Close(); err != nil {
				t.logger.Warn("closing store failed", "error", err)
			}
		}
	}
}
