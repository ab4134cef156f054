package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/tool"
)

func toolByName(t *testing.T, name string) tool.Tool {
	t.Helper()
	for _, tl := range DevOpsTools() {
		if tl.Name == name {
			return tl
		}
	}
	t.Fatalf("tool %q not in catalog", name)
	return tool.Tool{}
}

func TestDevOpsTools_Requests(t *testing.T) {
	tests := []struct {
		tool      string
		args      string
		method    string
		scope     tool.Scope
		project   string
		path      string
		query     string
		wantBody  string
		wantCType string
	}{
		{tool: "list_projects", args: `{"top":5}`, scope: tool.ScopeOrg, path: "projects", query: "%24top=5"},
		{tool: "get_project", args: `{}`, scope: tool.ScopeOrg, path: "projects/Fabrikam", query: "includeCapabilities=true"},
		{tool: "get_project", args: `{"project":"My Proj"}`, scope: tool.ScopeOrg, path: "projects/My%20Proj", query: "includeCapabilities=true"},
		{tool: "get_work_item", args: `{"id":7,"expand":"Relations"}`, path: "wit/workitems/7", query: "%24expand=Relations"},
		{tool: "query_work_items", args: `{"wiql":"SELECT [System.Id] FROM WorkItems","top":10}`, method: http.MethodPost, path: "wit/wiql", query: "%24top=10", wantBody: `{"query":"SELECT [System.Id] FROM WorkItems"}`},
		{tool: "list_repositories", args: `{"project":"Other"}`, project: "Other", path: "git/repositories"},
		{tool: "list_pull_requests", args: `{}`, path: "git/pullrequests"},
		{tool: "list_pull_requests", args: `{"repository":"web","status":"active"}`, path: "git/repositories/web/pullrequests", query: "searchCriteria.status=active"},
		{tool: "get_pull_request", args: `{"repository":"web","id":3}`, path: "git/repositories/web/pullrequests/3"},
		{tool: "list_pipelines", args: `null`, path: "pipelines"},
		{tool: "list_pipeline_runs", args: `{"pipelineId":12}`, path: "pipelines/12/runs"},
		{tool: "list_builds", args: `{"definitionId":4,"status":"completed"}`, path: "build/builds", query: "definitions=4&statusFilter=completed"},
		{tool: "list_iterations", args: `{"timeframe":"current"}`, path: "work/teamsettings/iterations", query: "%24timeframe=current"},
		{
			tool:      "create_work_item",
			args:      `{"type":"Bug","title":"Crash","fields":{"System.Description":"boom","Microsoft.VSTS.Common.Priority":1}}`,
			method:    http.MethodPost,
			path:      "wit/workitems/$Bug",
			wantCType: tool.JSONPatchContentType,
			wantBody: `[{"op":"add","path":"/fields/System.Title","value":"Crash"},` +
				`{"op":"add","path":"/fields/Microsoft.VSTS.Common.Priority","value":1},` +
				`{"op":"add","path":"/fields/System.Description","value":"boom"}]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.tool+" "+tt.args, func(t *testing.T) {
			backend := &fakeBackend{project: "Fabrikam"}
			res, err := toolByName(t, tt.tool).Handler(context.Background(), backend, json.RawMessage(tt.args))
			if err != nil {
				t.Fatalf("handler error = %v", err)
			}
			if res.IsError {
				t.Fatalf("handler returned error result: %s", res.Content)
			}

			got := backend.last(t)
			wantMethod := tt.method
			if got.Method != wantMethod {
				t.Errorf("method = %q, want %q", got.Method, wantMethod)
			}
			if got.Scope != tt.scope {
				t.Errorf("scope = %v, want %v", got.Scope, tt.scope)
			}
			if got.Project != tt.project {
				t.Errorf("project = %q, want %q", got.Project, tt.project)
			}
			if got.Path != tt.path {
				t.Errorf("path = %q, want %q", got.Path, tt.path)
			}
			if q := got.Query.Encode(); q != tt.query {
				t.Errorf("query = %q, want %q", q, tt.query)
			}
			if got.ContentType != tt.wantCType {
				t.Errorf("content type = %q, want %q", got.ContentType, tt.wantCType)
			}
			if tt.wantBody != "" {
				b, _ := json.Marshal(got.Body)
				if string(b) != tt.wantBody {
					t.Errorf("body = %s, want %s", b, tt.wantBody)
				}
			}
		})
	}
}

func TestDevOpsTools_ReadOnlyFlags(t *testing.T) {
	for _, tl := range DevOpsTools() {
		want := tl.Name != "create_work_item"
		if tl.ReadOnly != want {
			t.Errorf("%s: ReadOnly = %v, want %v", tl.Name, tl.ReadOnly, want)
		}
	}
}

func TestDevOpsTools_InvalidArguments(t *testing.T) {
	tests := []struct {
		tool    string
		args    string
		wantMsg string
	}{
		{"get_work_item", `{}`, "id failed gt=0"},
		{"get_work_item", `{"id":"seven"}`, "invalid arguments"},
		{"query_work_items", `{"wiql":""}`, "wiql failed required"},
		{"create_work_item", `{"type":"Bug"}`, "title failed required"},
		{"list_builds", `{"status":"sideways"}`, "status failed oneof"},
		{"list_projects", `{"top":-1}`, "top failed gte=0"},
	}
	for _, tt := range tests {
		t.Run(tt.tool+" "+tt.args, func(t *testing.T) {
			backend := &fakeBackend{}
			res, err := toolByName(t, tt.tool).Handler(context.Background(), backend, json.RawMessage(tt.args))
			if err != nil {
				t.Fatalf("handler error = %v", err)
			}
			if !res.IsError {
				t.Fatal("IsError = false, want true")
			}
			if !strings.Contains(res.Content, tt.wantMsg) {
				t.Errorf("Content = %q, want substring %q", res.Content, tt.wantMsg)
			}
			if len(backend.requests) != 0 {
				t.Error("backend called despite invalid arguments")
			}
		})
	}
}

func TestDevOpsTools_UpstreamErrorIsToolError(t *testing.T) {
	backend := &fakeBackend{err: &tool.UpstreamError{Status: http.StatusNotFound, Body: "TF401232: work item does not exist"}}
	res, err := toolByName(t, "get_work_item").Handler(context.Background(), backend, json.RawMessage(`{"id":999}`))
	if err != nil {
		t.Fatalf("handler error = %v, want nil", err)
	}
	if !res.IsError {
		t.Fatal("IsError = false, want true")
	}
	if !strings.Contains(res.Content, "TF401232") {
		t.Errorf("Content = %q, want upstream message", res.Content)
	}
	data, ok := res.RawData.(map[string]any)
	if !ok || data["status"] != http.StatusNotFound {
		t.Errorf("RawData = %#v, want status 404", res.RawData)
	}
}

func TestCall_ResultShape(t *testing.T) {
	backend := &fakeBackend{response: json.RawMessage(`{"count":2,"value":[1,2]}`)}
	res, err := call(context.Background(), backend, tool.Request{Path: "x"})
	if err != nil {
		t.Fatalf("call() error = %v", err)
	}
	data, ok := res.RawData.(map[string]any)
	if !ok || data["count"] != float64(2) {
		t.Errorf("RawData = %#v", res.RawData)
	}
	if !strings.Contains(res.Content, "\n  \"count\": 2") {
		t.Errorf("Content not indented: %q", res.Content)
	}
}
