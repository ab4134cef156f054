package cel

import (
	"path/filepath"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/tool"
)

// NewToolPolicyEnvironment creates the CEL environment tool policies compile
// against. Variables:
//   - tool_name, tool_read_only
//   - org_url, project, on_premises, auth_type, collection
//
// Functions: glob(pattern, name).
func NewToolPolicyEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("tool_name", cel.StringType),
		cel.Variable("tool_read_only", cel.BoolType),
		cel.Variable("org_url", cel.StringType),
		cel.Variable("project", cel.StringType),
		cel.Variable("on_premises", cel.BoolType),
		cel.Variable("auth_type", cel.StringType),
		cel.Variable("collection", cel.StringType),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),
	)
}

// buildActivation maps a policy input onto the environment's variables.
func buildActivation(in tool.PolicyInput) map[string]any {
	authType := ""
	if in.Tenant.Auth != nil {
		authType = string(in.Tenant.Auth.Kind())
	}
	return map[string]any{
		"tool_name":      in.Tool.Name,
		"tool_read_only": in.Tool.ReadOnly,
		"org_url":        in.Tenant.OrgURL,
		"project":        in.Tenant.Project,
		"on_premises":    in.Tenant.OnPremises,
		"auth_type":      authType,
		"collection":     in.Tenant.Collection,
	}
}
