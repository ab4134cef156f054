// Package devops is the REST client tool handlers use to reach an Azure
// DevOps Services organization or an Azure DevOps Server collection.
package devops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/tenant"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/tool"
)

// Default REST api-version values when the tenant sets none.
const (
	DefaultCloudAPIVersion  = "7.1"
	DefaultOnPremAPIVersion = "6.0"
)

const (
	defaultTimeout     = 30 * time.Second
	maxErrorBodyBytes  = 64 << 10
	maxResponseBytes   = 32 << 20
	defaultContentType = "application/json"
)

// Options tunes a Client. Zero values select defaults.
type Options struct {
	// BaseTransport carries requests after auth is applied.
	BaseTransport http.RoundTripper
	Timeout       time.Duration
	// MaxRetries bounds retries of idempotent calls on 429, 5xx and network
	// errors.
	MaxRetries int
	// RequestsPerSecond throttles this client. Zero disables throttling.
	RequestsPerSecond float64
	// Tokens is required for Entra tenants.
	Tokens   TokenSource
	Breakers *Breakers
	Logger   *slog.Logger
}

// Client implements tool.Backend for one tenant.
type Client struct {
	cfg        tenant.Config
	root       string
	apiVersion string
	http       *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	maxRetries uint64
	logger     *slog.Logger
}

var _ tool.Backend = (*Client)(nil)

// NewClient builds a client for cfg. Entra tenants acquire their first token
// here so credential problems surface before the session is connected.
func NewClient(ctx context.Context, cfg tenant.Config, opts Options) (*Client, error) {
	if cfg.Auth == nil {
		return nil, errors.New("tenant config has no auth")
	}
	base := opts.BaseTransport
	if base == nil {
		base = http.DefaultTransport
	}
	rt, err := authTransport(cfg.Auth, base, opts.Tokens)
	if err != nil {
		return nil, err
	}
	if _, ok := cfg.Auth.(tenant.EntraAuth); ok {
		if err := tenant.ValidateEntraOrgURL(cfg.OrgURL); err != nil {
			return nil, err
		}
		if _, err := opts.Tokens.Token(ctx); err != nil {
			return nil, fmt.Errorf("acquire entra token: %w", err)
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = NewBreakers(logger)
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	root := rootURL(cfg)
	u, err := url.Parse(root)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid org url %q", cfg.OrgURL)
	}
	c := &Client{
		cfg:        cfg,
		root:       root,
		apiVersion: apiVersion(cfg),
		http: &http.Client{
			Transport:     &pinnedHostTransport{scheme: u.Scheme, host: u.Host, next: rt},
			Timeout:       timeout,
			CheckRedirect: sameHostRedirects,
		},
		breaker:    breakers.For(root),
		maxRetries: uint64(maxRetries),
		logger:     logger.With("backend", root),
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c, nil
}

// DefaultProject returns the tenant's project.
func (c *Client) DefaultProject() string {
	return c.cfg.Project
}

// Do sends req and returns the response body. Non-2xx responses come back as
// *tool.UpstreamError. GET requests are retried on throttling, server errors
// and network failures.
func (c *Client) Do(ctx context.Context, req tool.Request) (json.RawMessage, error) {
	u, err := c.url(req)
	if err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body []byte
	if req.Body != nil {
		if body, err = json.Marshal(req.Body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	retries := c.maxRetries
	if method != http.MethodGet && method != http.MethodHead {
		retries = 0
	}

	op := func() (json.RawMessage, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		out, err := c.breaker.Execute(func() (interface{}, error) {
			return c.send(ctx, method, u, body, contentType)
		})
		if err != nil {
			if !retryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return out.(json.RawMessage), nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("backend call failed, retrying", "method", method, "path", req.Path, "error", err, "next", next)
	}
	b := backoff.NewExponentialBackOff(backoff.WithInitialInterval(250*time.Millisecond), backoff.WithMaxInterval(5*time.Second))
	return backoff.RetryNotifyWithData(op, backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx), notify)
}

func (c *Client) send(ctx context.Context, method, u string, body []byte, contentType string) (json.RawMessage, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	accept := c.cfg.Accept
	if accept == "" {
		accept = tenant.DefaultAccept
	}
	hreq.Header.Set("Accept", accept)
	if body != nil {
		hreq.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Services answers a rejected credential with 203 and a sign-in page.
	if resp.StatusCode == http.StatusNonAuthoritativeInfo {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &tool.UpstreamError{Status: http.StatusUnauthorized, Body: "credentials rejected by backend"}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &tool.UpstreamError{Status: resp.StatusCode, Body: upstreamMessage(b)}
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(b) {
		s, _ := json.Marshal(string(b))
		return s, nil
	}
	return b, nil
}

// url resolves req against the tenant root and adds api-version.
func (c *Client) url(req tool.Request) (string, error) {
	var prefix string
	switch req.Scope {
	case tool.ScopeOrg:
		prefix = c.root
	case tool.ScopeProject:
		project := req.Project
		if project == "" {
			project = c.cfg.Project
		}
		if project == "" {
			return "", errors.New("no project given and tenant has no default project")
		}
		prefix = c.root + "/" + url.PathEscape(project)
	default:
		return "", fmt.Errorf("unknown request scope %d", req.Scope)
	}

	u, err := url.Parse(prefix + "/_apis/" + strings.TrimPrefix(req.Path, "/"))
	if err != nil {
		return "", fmt.Errorf("build backend url: %w", err)
	}
	q := url.Values{}
	for k, vs := range req.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if q.Get("api-version") == "" {
		q.Set("api-version", c.apiVersion)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// rootURL is the organization URL for Services, or the server URL plus
// collection for on-premises installs.
func rootURL(cfg tenant.Config) string {
	root := strings.TrimRight(cfg.OrgURL, "/")
	if cfg.OnPremises && cfg.Collection != "" {
		root += "/" + url.PathEscape(cfg.Collection)
	}
	return root
}

func apiVersion(cfg tenant.Config) string {
	switch {
	case cfg.APIVersion != "":
		return cfg.APIVersion
	case cfg.OnPremises:
		return DefaultOnPremAPIVersion
	default:
		return DefaultCloudAPIVersion
	}
}

func retryable(err error) bool {
	if errors.Is(err, ErrForeignHost) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var ue *tool.UpstreamError
	if errors.As(err, &ue) {
		return ue.Status == http.StatusTooManyRequests || ue.Status >= http.StatusInternalServerError
	}
	// Anything else failed below HTTP: dial, TLS, reset or client timeout.
	var ne net.Error
	var uerr *url.Error
	return errors.As(err, &ne) || errors.As(err, &uerr)
}

// upstreamMessage prefers the "message" field of a backend error body.
func upstreamMessage(b []byte) string {
	var v struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(b, &v) == nil && v.Message != "" {
		return v.Message
	}
	return strings.TrimSpace(string(b))
}
