package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Sentinel-Gate/devopsgate/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/devopsgate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/devopsgate/internal/adapter/outbound/devops"
	"github.com/Sentinel-Gate/devopsgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/devopsgate/internal/adapter/outbound/redisstore"
	"github.com/Sentinel-Gate/devopsgate/internal/config"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/auth"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/tenant"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/tool"
	"github.com/Sentinel-Gate/devopsgate/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the devops-gate HTTP server.

Endpoints:
  GET  ` + http.PathStream + `            open a persistent session (event stream)
  POST ` + http.PathMessages + `   deliver a message to a session (?` + http.SessionIDParam + `=...)
  POST ` + http.PathStateless + `                   one stateless request/response exchange
  GET  /health                component health
  GET  /metrics               Prometheus metrics

Examples:
  # Start with config file settings
  devops-gate start

  # Start with a specific config file
  devops-gate --config /path/to/devops-gate.yaml start`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(cmd.ErrOrStderr(), cfg.Server)
	slog.SetDefault(logger)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("devops-gate stopped")
	return nil
}

// run wires every component from cfg and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Tracing.Enabled {
		shutdown, err := setupTracing(os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	transport, err := buildTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return transport.Start(ctx)
}

// buildTransport assembles the gateway. It does not start listening.
func buildTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*http.HTTPTransport, error) {
	limiter, err := newRateLimiter(ctx, cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	sessions := memory.NewSessionRegistryWithConfig(0, cfg.Session.IdleTimeout)
	sessions.SetLogger(logger)

	catalogOpts := []service.CatalogOption{service.WithCatalogLogger(logger)}
	if cfg.Tools.Policy != "" {
		policy, err := cel.NewPolicy(cfg.Tools.Policy)
		if err != nil {
			return nil, fmt.Errorf("invalid tools.policy: %w", err)
		}
		catalogOpts = append(catalogOpts, service.WithPolicy(policy))
		logger.Info("tool policy enabled", "expression", policy.Expression())
	}
	catalog, err := service.NewCatalog(service.DevOpsTools(), backendFactory(cfg.Backend, logger), catalogOpts...)
	if err != nil {
		return nil, err
	}

	gate, err := auth.NewKeyGate(cfg.Auth.APIKey, cfg.Auth.RequireAPIKey)
	if err != nil {
		return nil, fmt.Errorf("invalid auth.api_key: %w", err)
	}
	if gate.Enabled() {
		logger.Info("gateway API key required", "hashed", auth.IsArgon2idHash(cfg.Auth.APIKey))
	}

	registry, metrics := http.NewMetricsRegistry()
	factory := service.NewServerFactory(catalog,
		service.WithImplementation(http.ServiceName, Version),
		service.WithKeepAlive(cfg.Session.KeepAlive),
		service.WithFactoryLogger(logger),
		service.WithToolObserver(metrics),
	)

	logger.Info("gateway configured",
		"addr", cfg.Server.Addr(),
		"tools", len(catalog.Definitions()),
		"rate_limit_backend", cfg.RateLimit.Backend,
		"rate_limit_capacity", cfg.RateLimit.Capacity,
		"rate_limit_window", cfg.RateLimit.Window,
		"idle_timeout", cfg.Session.IdleTimeout,
	)

	return http.NewHTTPTransport(factory,
		http.WithAddr(cfg.Server.Addr()),
		http.WithLogger(logger),
		http.WithSessionRegistry(sessions),
		http.WithRateLimit(limiter, ratelimit.Config{Capacity: cfg.RateLimit.Capacity, Window: cfg.RateLimit.Window}),
		http.WithKeyGate(gate),
		http.WithTrustProxyHeaders(cfg.Server.TrustProxyHeaders),
		http.WithVersion(Version),
		http.WithToolCatalog(catalog),
		http.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		http.WithMetrics(metrics, registry),
	), nil
}

func newRateLimiter(ctx context.Context, cfg config.RateLimitConfig) (ratelimit.RateLimiter, error) {
	if cfg.Backend == "redis" {
		limiter, err := redisstore.NewRateLimiter(ctx, cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to connect rate limit store: %w", err)
		}
		return limiter, nil
	}
	return memory.NewRateLimiterWithConfig(cfg.CleanupInterval), nil
}

// backendFactory builds one REST client per tenant connection. Breakers and
// the Entra credential are shared so they outlive individual sessions.
func backendFactory(cfg config.BackendConfig, logger *slog.Logger) service.BackendFactory {
	breakers := devops.NewBreakers(logger)
	tokens := devops.NewLazyTokenSource(cfg.MaxRetries, logger)
	return func(ctx context.Context, tc tenant.Config) (tool.Backend, error) {
		client, err := devops.NewClient(ctx, tc, devops.Options{
			Timeout:           cfg.Timeout,
			MaxRetries:        cfg.MaxRetries,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Tokens:            tokens,
			Breakers:          breakers,
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// setupTracing installs a tracer provider that writes spans to w.
func setupTracing(w io.Writer) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// newLogger returns the process logger for the configured level and format.
// Logs go to w (stderr in production).
func newLogger(w io.Writer, cfg config.ServerConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
