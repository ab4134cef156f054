package http

import (
	"encoding/json"
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/tenant"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/tool"
)

// DefinitionLister lists the tools a gateway can expose.
type DefinitionLister interface {
	Definitions() []tool.Definition
}

// ServiceInfo is the body of GET /.
type ServiceInfo struct {
	Name      string            `json:"name" yaml:"name"`
	Version   string            `json:"version" yaml:"version"`
	Endpoints map[string]string `json:"endpoints" yaml:"endpoints"`
	Headers   []HeaderDoc       `json:"headers" yaml:"headers"`
}

// HeaderDoc documents one tenant configuration header.
type HeaderDoc struct {
	Name        string `json:"name" yaml:"name"`
	Required    string `json:"required" yaml:"required"`
	Description string `json:"description" yaml:"description"`
}

// Capabilities is the body of GET /config.
type Capabilities struct {
	Name       string      `json:"name" yaml:"name"`
	Version    string      `json:"version" yaml:"version"`
	Transports []string    `json:"transports" yaml:"transports"`
	AuthTypes  []string    `json:"authTypes" yaml:"authTypes"`
	Headers    []HeaderDoc `json:"headers" yaml:"headers"`
	Tools      []ToolDoc   `json:"tools" yaml:"tools"`
}

// ToolDoc summarises one tool for documentation output.
type ToolDoc struct {
	Name        string `json:"name" yaml:"name"`
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	Description string `json:"description" yaml:"description"`
	ReadOnly    bool   `json:"readOnly" yaml:"readOnly"`
}

var headerDocs = []HeaderDoc{
	{tenant.HeaderOrgURL, "always", "organization URL (cloud) or server URL (on-premises)"},
	{tenant.HeaderProject, "always", "default project for tool calls"},
	{tenant.HeaderAuthType, "no", "pat (default), entra, ntlm or basic"},
	{tenant.HeaderPAT, "pat", "personal access token"},
	{tenant.HeaderUsername, "ntlm, basic", "user name"},
	{tenant.HeaderPassword, "ntlm, basic", "password"},
	{tenant.HeaderDomain, "no", "NTLM domain"},
	{tenant.HeaderOnPremises, "no", "true for Azure DevOps Server; entra is rejected when set"},
	{tenant.HeaderCollection, "no", "on-premises project collection"},
	{tenant.HeaderAPIVersion, "no", "REST api-version override"},
	{tenant.HeaderAccept, "no", "Accept header for backend calls"},
	{tenant.HeaderAllowedTools, "no", "comma separated tool allow-list; empty exposes every tool"},
	{APIKeyHeader, "when the gateway requires a key", "gateway API key"},
}

// ToolDocs converts definitions to their documentation form.
func ToolDocs(defs []tool.Definition) []ToolDoc {
	out := make([]ToolDoc, len(defs))
	for i, d := range defs {
		out[i] = ToolDoc{Name: d.Name, Title: d.Title, Description: d.Description, ReadOnly: d.ReadOnly}
	}
	return out
}

func rootHandler(name, version string) http.Handler {
	info := ServiceInfo{
		Name:    name,
		Version: version,
		Endpoints: map[string]string{
			"POST " + PathStateless: "stateless request/response transport",
			"GET " + PathStream:     "persistent server-sent events transport",
			"POST " + PathMessages:  "client messages for a persistent session (?sessionId=)",
			"GET /config":           "capabilities and tool catalog (?format=yaml)",
			"GET /health":           "component health",
			"GET /ping":             "liveness",
			"GET /metrics":          "Prometheus metrics",
		},
		Headers: headerDocs,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The mux routes every unmatched path here.
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, info)
	})
}

func configHandler(name, version string, tools DefinitionLister) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caps := Capabilities{
			Name:       name,
			Version:    version,
			Transports: []string{"streamable-http (stateless) at " + PathStateless, "sse at " + PathStream},
			AuthTypes: []string{
				string(tenant.AuthPAT), string(tenant.AuthEntra),
				string(tenant.AuthNTLM), string(tenant.AuthBasic),
			},
			Headers: headerDocs,
		}
		if tools != nil {
			caps.Tools = ToolDocs(tools.Definitions())
		}

		if r.URL.Query().Get("format") == "yaml" {
			out, err := yaml.Marshal(caps)
			if err != nil {
				http.Error(w, "failed to render yaml", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(out)
			return
		}
		writeJSON(w, http.StatusOK, caps)
	})
}

func pingHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "pong"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
