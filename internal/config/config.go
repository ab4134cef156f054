// Package config provides configuration types for the devops-gate gateway.
//
// The gateway keeps no tenant state: everything a tenant needs arrives in
// request headers. This package therefore only configures the process itself:
// the listener, the admission chain, session housekeeping and how backend
// clients behave.
package config

import (
	"net"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for the gateway.
type Config struct {
	// Server configures the HTTP listener and logging.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Auth configures the optional gateway API key.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// RateLimit configures the per-client fixed window.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Session configures persistent session housekeeping.
	Session SessionConfig `yaml:"session" mapstructure:"session"`

	// Backend configures the per-tenant REST clients.
	Backend BackendConfig `yaml:"backend" mapstructure:"backend"`

	// Tools configures tool exposure.
	Tools ToolsConfig `yaml:"tools" mapstructure:"tools"`

	// Tracing configures OpenTelemetry spans.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Host is the interface to listen on. Default: "0.0.0.0".
	Host string `yaml:"host" mapstructure:"host" validate:"required"`
	// Port is the TCP port. Default: 8080.
	Port int `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	// LogLevel is one of debug, info, warn, error. Default: "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`
	// LogFormat is text or json. Default: "text".
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"oneof=text json"`
	// TrustProxyHeaders makes X-Forwarded-For and X-Real-IP the client
	// identity for rate limiting. Enable only behind a proxy.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" mapstructure:"trust_proxy_headers"`
	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// AuthConfig configures the gateway API key.
type AuthConfig struct {
	// APIKey is the key callers present in X-API-Key, either in plain text
	// or as an argon2id PHC hash produced by `devops-gate hash-key`.
	APIKey string `yaml:"api_key" mapstructure:"api_key" validate:"required_if=RequireAPIKey true"`
	// RequireAPIKey turns the gate on.
	RequireAPIKey bool `yaml:"require_api_key" mapstructure:"require_api_key"`
}

// RateLimitConfig configures rate limiting.
type RateLimitConfig struct {
	// Window is the fixed window length. Default: 60s.
	Window time.Duration `yaml:"window" mapstructure:"window" validate:"gt=0"`
	// Capacity is the number of requests admitted per window. Default: 100.
	Capacity int `yaml:"capacity" mapstructure:"capacity" validate:"gt=0"`
	// Backend is memory or redis. Default: "memory".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"oneof=memory redis"`
	// RedisAddr is the host:port of the Redis server.
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	// RedisPrefix namespaces window keys. Default: "devopsgate:".
	RedisPrefix string `yaml:"redis_prefix" mapstructure:"redis_prefix"`
	// CleanupInterval is how often expired in-memory windows are dropped.
	// Default: 5m.
	CleanupInterval time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// SessionConfig configures persistent sessions.
type SessionConfig struct {
	// IdleTimeout closes sessions without client messages for this long.
	// Default: 30m. Zero disables the sweep.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" validate:"gte=0"`
	// KeepAlive is the protocol ping interval. Default: 30s.
	KeepAlive time.Duration `yaml:"keep_alive" mapstructure:"keep_alive" validate:"gte=0"`
}

// BackendConfig configures the REST clients built per tenant.
type BackendConfig struct {
	// Timeout bounds one REST round trip. Default: 30s.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
	// MaxRetries bounds retries of idempotent calls. Default: 3.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" validate:"gte=0,lte=10"`
	// RequestsPerSecond throttles each tenant client. Default: 10.
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" validate:"gt=0"`
}

// ToolsConfig configures tool exposure.
type ToolsConfig struct {
	// Policy is an optional CEL expression evaluated per tool. Tools for
	// which it yields false are hidden from every tenant.
	Policy string `yaml:"policy" mapstructure:"policy"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	// Enabled writes spans to stdout.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = 60 * time.Second
	}
	if c.RateLimit.Capacity == 0 {
		c.RateLimit.Capacity = 100
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}
	if c.RateLimit.RedisPrefix == "" {
		c.RateLimit.RedisPrefix = "devopsgate:"
	}
	if c.RateLimit.CleanupInterval == 0 {
		c.RateLimit.CleanupInterval = 5 * time.Minute
	}

	// viper.IsSet distinguishes "not set" from an explicit 0, which
	// disables the sweep.
	if c.Session.IdleTimeout == 0 && !viper.IsSet("session.idle_timeout") {
		c.Session.IdleTimeout = 30 * time.Minute
	}
	if c.Session.KeepAlive == 0 && !viper.IsSet("session.keep_alive") {
		c.Session.KeepAlive = 30 * time.Second
	}

	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 30 * time.Second
	}
	if c.Backend.MaxRetries == 0 && !viper.IsSet("backend.max_retries") {
		c.Backend.MaxRetries = 3
	}
	if c.Backend.RequestsPerSecond == 0 {
		c.Backend.RequestsPerSecond = 10
	}
}
