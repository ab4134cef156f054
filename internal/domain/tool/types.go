// Package tool defines the contract between the gateway and the tool
// handlers it exposes. The gateway never interprets tool semantics: it
// filters, registers and forwards.
package tool

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/tenant"
)

// Definition describes a tool to callers. Name, Description and InputSchema
// are surfaced unchanged.
type Definition struct {
	Name        string
	Title       string
	Description string
	// ReadOnly marks tools that never change backend state.
	ReadOnly    bool
	InputSchema *jsonschema.Schema
}

// Result is what a tool call returns. Upstream failures are reported with
// IsError set, never as a Go error, so they reach the caller as tool output.
type Result struct {
	Content string
	RawData any
	IsError bool
}

// Handler executes one tool against a tenant's backend.
type Handler func(ctx context.Context, backend Backend, args json.RawMessage) (*Result, error)

// Tool pairs a definition with its handler.
type Tool struct {
	Definition
	Handler Handler
}

// Bound is a tool bound to one tenant's backend client.
type Bound struct {
	Definition
	Call func(ctx context.Context, args json.RawMessage) (*Result, error)
}

// Scope selects where a backend path is rooted.
type Scope int

const (
	// ScopeProject roots the path at {org}/{project}/_apis.
	ScopeProject Scope = iota
	// ScopeOrg roots the path at {org}/_apis.
	ScopeOrg
)

// JSONPatchContentType is the media type work item writes expect.
const JSONPatchContentType = "application/json-patch+json"

// Request is one REST call against the tenant's backend.
type Request struct {
	Method string
	Scope  Scope
	// Project overrides the tenant's default project for ScopeProject.
	Project     string
	Path        string
	Query       url.Values
	Body        any
	ContentType string
}

// Backend performs REST calls on behalf of one tenant.
type Backend interface {
	Do(ctx context.Context, req Request) (json.RawMessage, error)
	// DefaultProject is the project calls use when the caller names none.
	DefaultProject() string
}

// Registry builds the tool set for one tenant.
type Registry interface {
	// Definitions lists every tool the registry knows, unfiltered.
	Definitions() []Definition
	// Build constructs a backend from cfg and returns the tools allow permits,
	// bound to it.
	Build(ctx context.Context, cfg tenant.Config, allow tenant.AllowList) ([]Bound, error)
}

// PolicyInput is what an exposure policy sees for each candidate tool.
type PolicyInput struct {
	Tool   Definition
	Tenant tenant.Config
}

// Policy optionally narrows the exposed tool set beyond the allow-list.
type Policy interface {
	Allows(ctx context.Context, in PolicyInput) (bool, error)
}
