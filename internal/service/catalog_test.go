package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/tenant"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/tool"
)

// fakeBackend records requests and replays canned responses.
type fakeBackend struct {
	mu       sync.Mutex
	project  string
	requests []tool.Request
	response json.RawMessage
	err      error
}

func (f *fakeBackend) Do(_ context.Context, req tool.Request) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.response == nil {
		return json.RawMessage(`{}`), nil
	}
	return f.response, nil
}

func (f *fakeBackend) DefaultProject() string { return f.project }

func (f *fakeBackend) last(t *testing.T) tool.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no backend request recorded")
	}
	return f.requests[len(f.requests)-1]
}

func staticBackend(b tool.Backend) BackendFactory {
	return func(context.Context, tenant.Config) (tool.Backend, error) { return b, nil }
}

func testConfig() tenant.Config {
	return tenant.Config{
		OrgURL:  "https://dev.azure.com/contoso",
		Project: "Fabrikam",
		Accept:  tenant.DefaultAccept,
		Auth:    tenant.PATAuth{Token: "pat"},
	}
}

func names(bound []tool.Bound) []string {
	out := make([]string, len(bound))
	for i, b := range bound {
		out[i] = b.Name
	}
	return out
}

func newTestCatalog(t *testing.T, backend tool.Backend, opts ...CatalogOption) *Catalog {
	t.Helper()
	c, err := NewCatalog(DevOpsTools(), staticBackend(backend), opts...)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	return c
}

func TestCatalog_Definitions(t *testing.T) {
	c := newTestCatalog(t, &fakeBackend{})
	defs := c.Definitions()
	if len(defs) != 12 {
		t.Fatalf("Definitions() len = %d, want 12", len(defs))
	}
	for _, d := range defs {
		if d.InputSchema == nil || d.InputSchema.Type != "object" {
			t.Errorf("%s: input schema must be an object schema", d.Name)
		}
		if d.Description == "" {
			t.Errorf("%s: missing description", d.Name)
		}
	}
}

func TestCatalog_BuildEmptyAllowListExposesAll(t *testing.T) {
	c := newTestCatalog(t, &fakeBackend{})
	bound, err := c.Build(context.Background(), testConfig(), tenant.NewAllowList())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(bound) != len(c.Definitions()) {
		t.Errorf("Build() exposed %d tools, want %d", len(bound), len(c.Definitions()))
	}
}

func TestCatalog_BuildFiltersByAllowList(t *testing.T) {
	c := newTestCatalog(t, &fakeBackend{})
	allow := tenant.NewAllowList("get_work_item", "list_builds", "no_such_tool")

	for i := 0; i < 2; i++ {
		bound, err := c.Build(context.Background(), testConfig(), allow)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		got := names(bound)
		if len(got) != 2 || got[0] != "get_work_item" || got[1] != "list_builds" {
			t.Errorf("pass %d: Build() = %v, want [get_work_item list_builds]", i, got)
		}
	}
	if c.visible.Len() != 1 {
		t.Errorf("visible cache len = %d, want 1", c.visible.Len())
	}
}

func TestCatalog_AllowListKeyIgnoresOrder(t *testing.T) {
	a := allowListKey(tenant.NewAllowList("b", "a"))
	b := allowListKey(tenant.NewAllowList("a", " b "))
	if a != b {
		t.Errorf("allowListKey differs for equal sets: %d vs %d", a, b)
	}
	if allowListKey(tenant.NewAllowList()) == a {
		t.Error("empty allow-list shares a key with a non-empty one")
	}
}

func TestCatalog_BoundToolsUseTenantBackend(t *testing.T) {
	backend := &fakeBackend{project: "Fabrikam", response: json.RawMessage(`{"id":42}`)}
	c := newTestCatalog(t, backend)

	bound, err := c.Build(context.Background(), testConfig(), tenant.NewAllowList("get_work_item"))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	res, err := bound[0].Call(context.Background(), json.RawMessage(`{"id":42}`))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("Call() returned error result: %s", res.Content)
	}
	if got := backend.last(t).Path; got != "wit/workitems/42" {
		t.Errorf("backend path = %q, want wit/workitems/42", got)
	}
}

type denyWrites struct{}

func (denyWrites) Allows(_ context.Context, in tool.PolicyInput) (bool, error) {
	return in.Tool.ReadOnly, nil
}

type brokenPolicy struct{}

func (brokenPolicy) Allows(context.Context, tool.PolicyInput) (bool, error) {
	return false, errors.New("policy exploded")
}

func TestCatalog_PolicyNarrowsToolSet(t *testing.T) {
	c := newTestCatalog(t, &fakeBackend{}, WithPolicy(denyWrites{}))
	bound, err := c.Build(context.Background(), testConfig(), tenant.NewAllowList())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for _, b := range bound {
		if b.Name == "create_work_item" {
			t.Error("write tool exposed despite policy")
		}
	}
	if len(bound) != len(c.Definitions())-1 {
		t.Errorf("Build() exposed %d tools, want %d", len(bound), len(c.Definitions())-1)
	}
}

func TestCatalog_PolicyErrorFailsBuild(t *testing.T) {
	c := newTestCatalog(t, &fakeBackend{}, WithPolicy(brokenPolicy{}))
	if _, err := c.Build(context.Background(), testConfig(), tenant.NewAllowList()); err == nil {
		t.Fatal("Build() error = nil, want policy error")
	}
}

func TestCatalog_BackendFactoryError(t *testing.T) {
	wantErr := errors.New("token unavailable")
	c, err := NewCatalog(DevOpsTools(), func(context.Context, tenant.Config) (tool.Backend, error) {
		return nil, wantErr
	})
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	_, err = c.Build(context.Background(), testConfig(), tenant.NewAllowList())
	if !errors.Is(err, wantErr) {
		t.Errorf("Build() error = %v, want %v", err, wantErr)
	}
}

func TestNewCatalog_RejectsBadTools(t *testing.T) {
	good := DevOpsTools()[0]
	tests := []struct {
		name  string
		tools []tool.Tool
	}{
		{"duplicate", []tool.Tool{good, good}},
		{"empty name", []tool.Tool{{Handler: good.Handler}}},
		{"no handler", []tool.Tool{{Definition: good.Definition}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCatalog(tt.tools, staticBackend(&fakeBackend{})); err == nil {
				t.Error("NewCatalog() error = nil")
			}
		})
	}
}
