package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/tenant"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/tool"
)

// BackendFactory builds the backend client for one tenant.
type BackendFactory func(ctx context.Context, cfg tenant.Config) (tool.Backend, error)

const defaultVisibleCacheSize = 256

// Catalog is the static set of tools the gateway can expose. It implements
// tool.Registry.
type Catalog struct {
	tools    []tool.Tool
	backends BackendFactory
	policy   tool.Policy
	logger   *slog.Logger

	// visible caches allow-list filtering, keyed by a digest of the sorted
	// names.
	visible *lru.Cache[uint64, []int]
}

var _ tool.Registry = (*Catalog)(nil)

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithPolicy narrows every tenant's tool set with p.
func WithPolicy(p tool.Policy) CatalogOption {
	return func(c *Catalog) { c.policy = p }
}

// WithCatalogLogger sets the logger.
func WithCatalogLogger(logger *slog.Logger) CatalogOption {
	return func(c *Catalog) { c.logger = logger }
}

// NewCatalog creates a catalog over tools. Tool names must be unique.
func NewCatalog(tools []tool.Tool, backends BackendFactory, opts ...CatalogOption) (*Catalog, error) {
	seen := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			return nil, errors.New("tool with empty name")
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", t.Name)
		}
		if t.Handler == nil {
			return nil, fmt.Errorf("tool %q has no handler", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	cache, err := lru.New[uint64, []int](defaultVisibleCacheSize)
	if err != nil {
		return nil, err
	}
	c := &Catalog{
		tools:    tools,
		backends: backends,
		logger:   slog.Default(),
		visible:  cache,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Definitions lists every tool, unfiltered, in catalog order.
func (c *Catalog) Definitions() []tool.Definition {
	out := make([]tool.Definition, len(c.tools))
	for i, t := range c.tools {
		out[i] = t.Definition
	}
	return out
}

// Build constructs the tenant's backend client and returns the tools allow
// and the policy permit, bound to it.
func (c *Catalog) Build(ctx context.Context, cfg tenant.Config, allow tenant.AllowList) ([]tool.Bound, error) {
	idx := c.visibleIndexes(allow)

	permitted := make([]tool.Tool, 0, len(idx))
	for _, i := range idx {
		t := c.tools[i]
		if c.policy != nil {
			ok, err := c.policy.Allows(ctx, tool.PolicyInput{Tool: t.Definition, Tenant: cfg})
			if err != nil {
				return nil, fmt.Errorf("evaluate tool policy for %q: %w", t.Name, err)
			}
			if !ok {
				continue
			}
		}
		permitted = append(permitted, t)
	}

	backend, err := c.backends(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create backend client: %w", err)
	}

	bound := make([]tool.Bound, len(permitted))
	for i, t := range permitted {
		handler := t.Handler
		bound[i] = tool.Bound{
			Definition: t.Definition,
			Call: func(ctx context.Context, args json.RawMessage) (*tool.Result, error) {
				return handler(ctx, backend, args)
			},
		}
	}
	c.logger.Debug("tool set built", "org", cfg.OrgURL, "tools", len(bound), "catalog", len(c.tools))
	return bound, nil
}

func (c *Catalog) visibleIndexes(allow tenant.AllowList) []int {
	key := allowListKey(allow)
	if idx, ok := c.visible.Get(key); ok {
		return idx
	}
	idx := make([]int, 0, len(c.tools))
	for i, t := range c.tools {
		if allow.IsToolAllowed(t.Name) {
			idx = append(idx, i)
		}
	}
	c.visible.Add(key, idx)
	return idx
}

func allowListKey(allow tenant.AllowList) uint64 {
	if allow.IsEmpty() {
		return 0
	}
	return xxhash.Sum64String(strings.Join(allow.Names(), "\x00"))
}
