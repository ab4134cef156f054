package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/tool"
)

var argValidator = newArgValidator()

// newArgValidator reports fields by their JSON names.
func newArgValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type listProjectsArgs struct {
	Top               int    `json:"top,omitempty" jsonschema:"maximum number of projects to return" validate:"gte=0"`
	ContinuationToken string `json:"continuationToken,omitempty" jsonschema:"token from a previous page"`
}

type projectArgs struct {
	Project string `json:"project,omitempty" jsonschema:"project name or ID; defaults to the connection's project"`
}

type getWorkItemArgs struct {
	ID      int    `json:"id" jsonschema:"work item ID" validate:"gt=0"`
	Project string `json:"project,omitempty" jsonschema:"project name or ID; defaults to the connection's project"`
	Expand  string `json:"expand,omitempty" jsonschema:"one of None, Relations, Fields, Links, All" validate:"omitempty,oneof=None Relations Fields Links All"`
}

type queryWorkItemsArgs struct {
	WIQL    string `json:"wiql" jsonschema:"Work Item Query Language statement" validate:"required"`
	Project string `json:"project,omitempty" jsonschema:"project name or ID; defaults to the connection's project"`
	Top     int    `json:"top,omitempty" jsonschema:"maximum number of results" validate:"gte=0"`
}

type createWorkItemArgs struct {
	Type    string         `json:"type" jsonschema:"work item type such as Task, Bug or User Story" validate:"required"`
	Title   string         `json:"title" jsonschema:"work item title" validate:"required"`
	Project string         `json:"project,omitempty" jsonschema:"project name or ID; defaults to the connection's project"`
	Fields  map[string]any `json:"fields,omitempty" jsonschema:"additional field reference names and values, keyed like System.Description"`
}

type pullRequestListArgs struct {
	Repository string `json:"repository,omitempty" jsonschema:"repository name or ID; all repositories in the project when empty"`
	Project    string `json:"project,omitempty" jsonschema:"project name or ID; defaults to the connection's project"`
	Status     string `json:"status,omitempty" jsonschema:"one of active, abandoned, completed, all" validate:"omitempty,oneof=active abandoned completed all"`
	Top        int    `json:"top,omitempty" jsonschema:"maximum number of pull requests" validate:"gte=0"`
}

type getPullRequestArgs struct {
	Repository string `json:"repository" jsonschema:"repository name or ID" validate:"required"`
	ID         int    `json:"id" jsonschema:"pull request ID" validate:"gt=0"`
	Project    string `json:"project,omitempty" jsonschema:"project name or ID; defaults to the connection's project"`
}

type listPipelinesArgs struct {
	Project string `json:"project,omitempty" jsonschema:"project name or ID; defaults to the connection's project"`
	Top     int    `json:"top,omitempty" jsonschema:"maximum number of pipelines" validate:"gte=0"`
}

type listPipelineRunsArgs struct {
	PipelineID int    `json:"pipelineId" jsonschema:"pipeline ID" validate:"gt=0"`
	Project    string `json:"project,omitempty" jsonschema:"project name or ID; defaults to the connection's project"`
}

type listBuildsArgs struct {
	Project      string `json:"project,omitempty" jsonschema:"project name or ID; defaults to the connection's project"`
	DefinitionID int    `json:"definitionId,omitempty" jsonschema:"only builds of this definition" validate:"gte=0"`
	Status       string `json:"status,omitempty" jsonschema:"one of inProgress, completed, cancelling, postponed, notStarted, all" validate:"omitempty,oneof=inProgress completed cancelling postponed notStarted all"`
	Top          int    `json:"top,omitempty" jsonschema:"maximum number of builds" validate:"gte=0"`
}

type listIterationsArgs struct {
	Project   string `json:"project,omitempty" jsonschema:"project name or ID; defaults to the connection's project"`
	Timeframe string `json:"timeframe,omitempty" jsonschema:"set to current for the active iteration only" validate:"omitempty,oneof=current"`
}

// DevOpsTools returns the tool catalog served to every tenant.
func DevOpsTools() []tool.Tool {
	return []tool.Tool{
		{
			Definition: define[listProjectsArgs]("list_projects", "List projects",
				"List the projects in the organization or collection.", true),
			Handler: typed(func(ctx context.Context, b tool.Backend, a listProjectsArgs) (*tool.Result, error) {
				q := url.Values{}
				setInt(q, "$top", a.Top)
				setString(q, "continuationToken", a.ContinuationToken)
				return call(ctx, b, tool.Request{Scope: tool.ScopeOrg, Path: "projects", Query: q})
			}),
		},
		{
			Definition: define[projectArgs]("get_project", "Get project",
				"Get a project's details, including its default team and capabilities.", true),
			Handler: typed(func(ctx context.Context, b tool.Backend, a projectArgs) (*tool.Result, error) {
				project := a.Project
				if project == "" {
					project = b.DefaultProject()
				}
				q := url.Values{"includeCapabilities": {"true"}}
				return call(ctx, b, tool.Request{Scope: tool.ScopeOrg, Path: "projects/" + url.PathEscape(project), Query: q})
			}),
		},
		{
			Definition: define[getWorkItemArgs]("get_work_item", "Get work item",
				"Get a work item by ID.", true),
			Handler: typed(func(ctx context.Context, b tool.Backend, a getWorkItemArgs) (*tool.Result, error) {
				q := url.Values{}
				setString(q, "$expand", a.Expand)
				return call(ctx, b, tool.Request{Project: a.Project, Path: "wit/workitems/" + strconv.Itoa(a.ID), Query: q})
			}),
		},
		{
			Definition: define[queryWorkItemsArgs]("query_work_items", "Query work items",
				"Run a WIQL query and return the matching work item references.", true),
			Handler: typed(func(ctx context.Context, b tool.Backend, a queryWorkItemsArgs) (*tool.Result, error) {
				q := url.Values{}
				setInt(q, "$top", a.Top)
				return call(ctx, b, tool.Request{
					Method:  http.MethodPost,
					Project: a.Project,
					Path:    "wit/wiql",
					Query:   q,
					Body:    map[string]string{"query": a.WIQL},
				})
			}),
		},
		{
			Definition: define[createWorkItemArgs]("create_work_item", "Create work item",
				"Create a work item of the given type with a title and optional extra fields.", false),
			Handler: typed(func(ctx context.Context, b tool.Backend, a createWorkItemArgs) (*tool.Result, error) {
				return call(ctx, b, tool.Request{
					Method:      http.MethodPost,
					Project:     a.Project,
					Path:        "wit/workitems/$" + url.PathEscape(a.Type),
					Body:        workItemPatch(a.Title, a.Fields),
					ContentType: tool.JSONPatchContentType,
				})
			}),
		},
		{
			Definition: define[projectArgs]("list_repositories", "List repositories",
				"List the Git repositories in a project.", true),
			Handler: typed(func(ctx context.Context, b tool.Backend, a projectArgs) (*tool.Result, error) {
				return call(ctx, b, tool.Request{Project: a.Project, Path: "git/repositories"})
			}),
		},
		{
			Definition: define[pullRequestListArgs]("list_pull_requests", "List pull requests",
				"List pull requests in a repository, or across the project when no repository is given.", true),
			Handler: typed(func(ctx context.Context, b tool.Backend, a pullRequestListArgs) (*tool.Result, error) {
				q := url.Values{}
				setString(q, "searchCriteria.status", a.Status)
				setInt(q, "$top", a.Top)
				path := "git/pullrequests"
				if a.Repository != "" {
					path = "git/repositories/" + url.PathEscape(a.Repository) + "/pullrequests"
				}
				return call(ctx, b, tool.Request{Project: a.Project, Path: path, Query: q})
			}),
		},
		{
			Definition: define[getPullRequestArgs]("get_pull_request", "Get pull request",
				"Get a pull request by repository and ID.", true),
			Handler: typed(func(ctx context.Context, b tool.Backend, a getPullRequestArgs) (*tool.Result, error) {
				path := "git/repositories/" + url.PathEscape(a.Repository) + "/pullrequests/" + strconv.Itoa(a.ID)
				return call(ctx, b, tool.Request{Project: a.Project, Path: path})
			}),
		},
		{
			Definition: define[listPipelinesArgs]("list_pipelines", "List pipelines",
				"List the pipelines defined in a project.", true),
			Handler: typed(func(ctx context.Context, b tool.Backend, a listPipelinesArgs) (*tool.Result, error) {
				q := url.Values{}
				setInt(q, "$top", a.Top)
				return call(ctx, b, tool.Request{Project: a.Project, Path: "pipelines", Query: q})
			}),
		},
		{
			Definition: define[listPipelineRunsArgs]("list_pipeline_runs", "List pipeline runs",
				"List the most recent runs of a pipeline.", true),
			Handler: typed(func(ctx context.Context, b tool.Backend, a listPipelineRunsArgs) (*tool.Result, error) {
				return call(ctx, b, tool.Request{Project: a.Project, Path: "pipelines/" + strconv.Itoa(a.PipelineID) + "/runs"})
			}),
		},
		{
			Definition: define[listBuildsArgs]("list_builds", "List builds",
				"List builds in a project, optionally filtered by definition and status.", true),
			Handler: typed(func(ctx context.Context, b tool.Backend, a listBuildsArgs) (*tool.Result, error) {
				q := url.Values{}
				setInt(q, "definitions", a.DefinitionID)
				setString(q, "statusFilter", a.Status)
				setInt(q, "$top", a.Top)
				return call(ctx, b, tool.Request{Project: a.Project, Path: "build/builds", Query: q})
			}),
		},
		{
			Definition: define[listIterationsArgs]("list_iterations", "List iterations",
				"List the iterations of the project's default team.", true),
			Handler: typed(func(ctx context.Context, b tool.Backend, a listIterationsArgs) (*tool.Result, error) {
				q := url.Values{}
				setString(q, "$timeframe", a.Timeframe)
				return call(ctx, b, tool.Request{Project: a.Project, Path: "work/teamsettings/iterations", Query: q})
			}),
		},
	}
}

// define builds a definition whose input schema is inferred from A.
func define[A any](name, title, description string, readOnly bool) tool.Definition {
	schema, err := jsonschema.For[A](nil)
	if err != nil {
		panic(fmt.Sprintf("infer schema for %s: %v", name, err))
	}
	return tool.Definition{
		Name:        name,
		Title:       title,
		Description: description,
		ReadOnly:    readOnly,
		InputSchema: schema,
	}
}

// typed decodes and validates arguments before calling fn. Bad arguments are
// reported as an error result so the caller can correct them.
func typed[A any](fn func(ctx context.Context, b tool.Backend, args A) (*tool.Result, error)) tool.Handler {
	return func(ctx context.Context, b tool.Backend, raw json.RawMessage) (*tool.Result, error) {
		var args A
		if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			if err := json.Unmarshal(raw, &args); err != nil {
				return &tool.Result{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
			}
		}
		if err := argValidator.Struct(args); err != nil {
			return &tool.Result{Content: "invalid arguments: " + formatArgErrors(err), IsError: true}, nil
		}
		return fn(ctx, b, args)
	}
}

// call runs req and maps the response to a result. Backend failures become
// error results, never Go errors.
func call(ctx context.Context, b tool.Backend, req tool.Request) (*tool.Result, error) {
	raw, err := b.Do(ctx, req)
	if err != nil {
		return tool.ErrorResult(err), nil
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode backend response: %w", err)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(raw)
	}
	return &tool.Result{Content: pretty.String(), RawData: data}, nil
}

func workItemPatch(title string, fields map[string]any) []map[string]any {
	ops := []map[string]any{{"op": "add", "path": "/fields/System.Title", "value": title}}
	for _, name := range slices.Sorted(maps.Keys(fields)) {
		if name == "System.Title" {
			continue
		}
		ops = append(ops, map[string]any{"op": "add", "path": "/fields/" + name, "value": fields[name]})
	}
	return ops
}

func formatArgErrors(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	var buf bytes.Buffer
	for i, fe := range verrs {
		if i > 0 {
			buf.WriteString("; ")
		}
		fmt.Fprintf(&buf, "%s failed %s", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			fmt.Fprintf(&buf, "=%s", fe.Param())
		}
	}
	return buf.String()
}

func setInt(q url.Values, key string, v int) {
	if v > 0 {
		q.Set(key, strconv.Itoa(v))
	}
}

func setString(q url.Values, key, v string) {
	if v != "" {
		q.Set(key, v)
	}
}
