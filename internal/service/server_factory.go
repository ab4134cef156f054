package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/tenant"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/tool"
)

// Tool call outcomes reported to a ToolObserver.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// ToolObserver records tool call outcomes.
type ToolObserver interface {
	ObserveToolCall(name, outcome string, elapsed time.Duration)
}

// ServerFactory builds one protocol server per tenant connection.
type ServerFactory struct {
	registry  tool.Registry
	impl      *mcp.Implementation
	keepAlive time.Duration
	logger    *slog.Logger
	observer  ToolObserver
	tracer    trace.Tracer
}

// FactoryOption configures a ServerFactory.
type FactoryOption func(*ServerFactory)

// WithImplementation sets the name and version reported to clients.
func WithImplementation(name, version string) FactoryOption {
	return func(f *ServerFactory) { f.impl = &mcp.Implementation{Name: name, Version: version} }
}

// WithKeepAlive pings idle sessions at interval d. Zero disables pings.
func WithKeepAlive(d time.Duration) FactoryOption {
	return func(f *ServerFactory) { f.keepAlive = d }
}

// WithFactoryLogger sets the logger.
func WithFactoryLogger(logger *slog.Logger) FactoryOption {
	return func(f *ServerFactory) { f.logger = logger }
}

// WithToolObserver reports every tool call to o.
func WithToolObserver(o ToolObserver) FactoryOption {
	return func(f *ServerFactory) { f.observer = o }
}

// NewServerFactory creates a factory over registry.
func NewServerFactory(registry tool.Registry, opts ...FactoryOption) *ServerFactory {
	f := &ServerFactory{
		registry: registry,
		impl:     &mcp.Implementation{Name: "devops-gate", Version: "dev"},
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/Sentinel-Gate/devopsgate/internal/service"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Build returns a fresh server exposing the tools cfg and allow permit.
// The server shares no mutable state with servers built for other tenants.
func (f *ServerFactory) Build(ctx context.Context, cfg tenant.Config, allow tenant.AllowList) (*mcp.Server, error) {
	tools, err := f.registry.Build(ctx, cfg, allow)
	if err != nil {
		return nil, err
	}
	server := mcp.NewServer(f.impl, &mcp.ServerOptions{
		Logger:    f.logger,
		KeepAlive: f.keepAlive,
		HasTools:  true,
	})
	for _, t := range tools {
		server.AddTool(&mcp.Tool{
			Name:        t.Name,
			Title:       t.Title,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Annotations: &mcp.ToolAnnotations{Title: t.Title, ReadOnlyHint: t.ReadOnly},
		}, f.handler(t, cfg.OrgURL))
	}
	return server, nil
}

func (f *ServerFactory) handler(t tool.Bound, org string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := f.tracer.Start(ctx, "tool "+t.Name, trace.WithAttributes(
			attribute.String("tool.name", t.Name),
			attribute.String("devops.org", org),
		))
		defer span.End()

		start := time.Now()
		var args json.RawMessage
		if req.Params != nil {
			args = req.Params.Arguments
		}
		res, err := t.Call(ctx, args)
		if err != nil {
			f.logger.Error("tool call failed", "tool", t.Name, "org", org, "error", err)
			res = tool.ErrorResult(err)
		}

		outcome := OutcomeSuccess
		if res.IsError {
			outcome = OutcomeError
			span.SetStatus(codes.Error, res.Content)
		}
		elapsed := time.Since(start)
		if f.observer != nil {
			f.observer.ObserveToolCall(t.Name, outcome, elapsed)
		}
		f.logger.Debug("tool call", "tool", t.Name, "org", org, "outcome", outcome, "duration_ms", elapsed.Milliseconds())
		return toCallToolResult(res), nil
	}
}

// toCallToolResult maps a tool result onto the protocol result. Object data
// becomes structured content; any other data rides in _meta.rawData.
func toCallToolResult(res *tool.Result) *mcp.CallToolResult {
	out := &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: res.Content}},
		IsError: res.IsError,
	}
	switch data := res.RawData.(type) {
	case nil:
	case map[string]any:
		out.StructuredContent = data
	default:
		out.Meta = mcp.Meta{"rawData": data}
	}
	return out
}
