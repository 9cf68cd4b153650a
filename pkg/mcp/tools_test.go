package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadstitch/flowline/internal/runtime"
	"github.com/leadstitch/flowline/internal/store"
	"github.com/leadstitch/flowline/pkg/schema"
)

func newTestServer(t *testing.T) *FlowlineServer {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "mcp-test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	runner, err := runtime.NewRunner(runtime.Options{Store: st})
	require.NoError(t, err)
	return NewFlowlineServer(runner, nil)
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func inlineDefinition() map[string]any {
	return map[string]any{
		"workflowId": "wf-inline",
		"nodes": []any{
			map[string]any{"id": "seed", "type": "input"},
			map[string]any{
				"id":     "pick",
				"type":   "transform",
				"config": map[string]any{"map": map[string]any{"userId": "user.id"}},
			},
		},
		"edges": []any{
			map[string]any{"id": "e1", "source": "seed", "target": "pick"},
		},
	}
}

func TestRunTool_InlineDefinition(t *testing.T) {
	s := newTestServer(t)

	req := buildRequest("flowline.run", map[string]any{
		"definition": inlineDefinition(),
		"input":      map[string]any{"user": map[string]any{"id": "u-7"}},
	})

	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var run struct {
		ExecutionID string         `json:"executionId"`
		Status      string         `json:"status"`
		Output      map[string]any `json:"output"`
	}
	unmarshalResult(t, result, &run)
	assert.Equal(t, string(schema.WorkflowStatusCompleted), run.Status)
	assert.Equal(t, "u-7", run.Output["userId"])
	assert.NotEmpty(t, run.ExecutionID)
}

func TestRunTool_MissingDefinitionAndID(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleRun(context.Background(), buildRequest("flowline.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunTool_UnknownWorkflowID(t *testing.T) {
	s := newTestServer(t)

	req := buildRequest("flowline.run", map[string]any{"workflow_id": "nope"})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDefineTool(t *testing.T) {
	s := newTestServer(t)

	req := buildRequest("flowline.define", map[string]any{
		"definition":  inlineDefinition(),
		"description": "extracts the user id",
	})

	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var saved struct {
		Saved      bool   `json:"saved"`
		WorkflowID string `json:"workflow_id"`
		Version    int    `json:"version"`
	}
	unmarshalResult(t, result, &saved)
	assert.True(t, saved.Saved)
	assert.Equal(t, "wf-inline", saved.WorkflowID)
	assert.Equal(t, 1, saved.Version)

	rec, err := s.runner.Store().GetWorkflow(context.Background(), "wf-inline")
	require.NoError(t, err)
	assert.Equal(t, "extracts the user id", rec.Description)
	assert.Len(t, rec.Definition.Nodes, 2)
}

func TestDefineTool_UpdateBumpsVersion(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	req := buildRequest("flowline.define", map[string]any{"definition": inlineDefinition()})
	_, err := s.handleDefine(ctx, req)
	require.NoError(t, err)

	result, err := s.handleDefine(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var saved struct {
		Version int `json:"version"`
	}
	unmarshalResult(t, result, &saved)
	assert.Equal(t, 2, saved.Version)
}

func TestDefineTool_InvalidDefinitionNotSaved(t *testing.T) {
	s := newTestServer(t)

	def := inlineDefinition()
	def["workflowId"] = ""
	req := buildRequest("flowline.define", map[string]any{"definition": def})

	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var resp struct {
		Saved      bool                    `json:"saved"`
		Validation schema.ValidationResult `json:"validation"`
	}
	unmarshalResult(t, result, &resp)
	assert.False(t, resp.Saved)
	assert.NotEmpty(t, resp.Validation.Errors)
}

func TestValidateTool(t *testing.T) {
	s := newTestServer(t)

	req := buildRequest("flowline.validate", map[string]any{"definition": inlineDefinition()})
	result, err := s.handleValidate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var resp struct {
		Valid bool `json:"valid"`
	}
	unmarshalResult(t, result, &resp)
	assert.True(t, resp.Valid)
}

func TestValidateTool_CycleReported(t *testing.T) {
	s := newTestServer(t)

	def := inlineDefinition()
	def["edges"] = []any{
		map[string]any{"id": "e1", "source": "seed", "target": "pick"},
		map[string]any{"id": "e2", "source": "pick", "target": "seed"},
	}
	req := buildRequest("flowline.validate", map[string]any{"definition": def})

	result, err := s.handleValidate(context.Background(), req)
	require.NoError(t, err)

	var resp struct {
		Valid  bool                     `json:"valid"`
		Errors []schema.ValidationIssue `json:"errors"`
	}
	unmarshalResult(t, result, &resp)
	assert.False(t, resp.Valid)
	require.NotEmpty(t, resp.Errors)
	assert.Equal(t, schema.TagDAG, resp.Errors[0].Tag)
}

func TestValidateTool_StoredWorkflow(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.handleDefine(ctx, buildRequest("flowline.define", map[string]any{"definition": inlineDefinition()}))
	require.NoError(t, err)

	req := buildRequest("flowline.validate", map[string]any{"workflow_id": "wf-inline"})
	result, err := s.handleValidate(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	result, err = s.handleValidate(ctx, buildRequest("flowline.validate", map[string]any{"workflow_id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	runResult, err := s.handleRun(ctx, buildRequest("flowline.run", map[string]any{
		"definition": inlineDefinition(),
		"input":      map[string]any{"user": map[string]any{"id": "u-1"}},
	}))
	require.NoError(t, err)
	var run struct {
		ExecutionID string `json:"executionId"`
	}
	unmarshalResult(t, runResult, &run)

	result, err := s.handleStatus(ctx, buildRequest("flowline.status", map[string]any{
		"execution_id": run.ExecutionID,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var status struct {
		Execution *store.ExecutionRecord       `json:"execution"`
		Nodes     []*store.NodeExecutionRecord `json:"nodes"`
		Events    []*store.EventRecord         `json:"events"`
	}
	unmarshalResult(t, result, &status)
	require.NotNil(t, status.Execution)
	assert.Equal(t, schema.WorkflowStatusCompleted, status.Execution.Status)
	assert.Len(t, status.Nodes, 2)
	assert.NotEmpty(t, status.Events)
	assert.Equal(t, schema.EventWorkflowStarted, status.Events[0].Event)
}

func TestStatusTool_MissingID(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleStatus(context.Background(), buildRequest("flowline.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryWorkflows(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	for _, id := range []string{"alpha", "beta"} {
		def := inlineDefinition()
		def["workflowId"] = id
		_, err := s.handleDefine(ctx, buildRequest("flowline.define", map[string]any{"definition": def}))
		require.NoError(t, err)
	}

	result, err := s.handleQuery(ctx, buildRequest("flowline.query", map[string]any{
		"resource": "workflows",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var resp struct {
		Workflows []*store.WorkflowRecord `json:"workflows"`
		HasMore   bool                    `json:"has_more"`
	}
	unmarshalResult(t, result, &resp)
	assert.Len(t, resp.Workflows, 2)
	assert.False(t, resp.HasMore)

	result, err = s.handleQuery(ctx, buildRequest("flowline.query", map[string]any{
		"resource": "workflows",
		"filter":   map[string]any{"name": "alp", "limit": float64(10)},
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &resp)
	require.Len(t, resp.Workflows, 1)
	assert.Equal(t, "alpha", resp.Workflows[0].ID)
}

func TestQueryExecutions(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.handleRun(ctx, buildRequest("flowline.run", map[string]any{
		"definition": inlineDefinition(),
	}))
	require.NoError(t, err)

	result, err := s.handleQuery(ctx, buildRequest("flowline.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"workflow_id": "wf-inline"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var resp struct {
		Executions []*store.ExecutionRecord `json:"executions"`
	}
	unmarshalResult(t, result, &resp)
	assert.Len(t, resp.Executions, 1)
}

func TestQueryBlocks(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleQuery(context.Background(), buildRequest("flowline.query", map[string]any{
		"resource": "blocks",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var resp struct {
		Blocks []map[string]any `json:"blocks"`
	}
	unmarshalResult(t, result, &resp)

	types := make(map[string]bool, len(resp.Blocks))
	for _, b := range resp.Blocks {
		types[b["type"].(string)] = true
	}
	for _, want := range []string{"input", "output", "transform", "branch", "delay", "http", "subworkflow"} {
		assert.True(t, types[want], want)
	}
}

func TestQueryUnknownResource(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleQuery(context.Background(), buildRequest("flowline.query", map[string]any{
		"resource": "invalid",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryMissingResource(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleQuery(context.Background(), buildRequest("flowline.query", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExtractInt(t *testing.T) {
	assert.Equal(t, 5, extractInt(nil, "limit", 5))
	assert.Equal(t, 5, extractInt(map[string]any{}, "limit", 5))
	assert.Equal(t, 10, extractInt(map[string]any{"limit": float64(10)}, "limit", 5))
	assert.Equal(t, 10, extractInt(map[string]any{"limit": 10}, "limit", 5))
	assert.Equal(t, 5, extractInt(map[string]any{"limit": "ten"}, "limit", 5))
}

func TestParseDefinition(t *testing.T) {
	req := buildRequest("flowline.define", map[string]any{"definition": inlineDefinition()})
	def, err := parseDefinition(req)
	require.NoError(t, err)
	assert.Equal(t, "wf-inline", def.WorkflowID)
	assert.Len(t, def.Nodes, 2)

	_, err = parseDefinition(buildRequest("flowline.define", map[string]any{}))
	assert.Error(t, err)
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
