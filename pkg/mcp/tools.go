package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/leadstitch/flowline/internal/runtime"
	"github.com/leadstitch/flowline/internal/store"
	"github.com/leadstitch/flowline/pkg/schema"
)

// handleRun executes a stored or inline workflow.
func (s *FlowlineServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := runtime.RunOptions{
		Mode:      schema.ExecutionMode(req.GetString("mode", string(schema.ModeProduction))),
		Variables: mcp.ParseStringMap(req, "variables", nil),
	}
	if input := mcp.ParseStringMap(req, "input", nil); input != nil {
		opts.Input = input
	}

	workflowID := req.GetString("workflow_id", "")
	if workflowID != "" {
		result, err := s.runner.RunByID(ctx, workflowID, opts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
		}
		return marshalResult(result)
	}

	def, defErr := parseDefinition(req)
	if defErr != nil {
		return mcp.NewToolResultError(defErr.Error()), nil
	}
	result, err := s.runner.RunWorkflow(ctx, def, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
	}
	return marshalResult(result)
}

// handleDefine stores a workflow definition. An existing workflow ID is
// updated in place with its version bumped.
func (s *FlowlineServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, defErr := parseDefinition(req)
	if defErr != nil {
		return mcp.NewToolResultError(defErr.Error()), nil
	}

	if vr := s.runner.Validator().Validate(def); !vr.Valid() {
		return marshalResult(map[string]any{"saved": false, "validation": vr})
	}

	now := time.Now().UTC()
	rec := &store.WorkflowRecord{
		ID:          def.WorkflowID,
		Name:        def.Name,
		Version:     1,
		Definition:  *def,
		Description: req.GetString("description", def.Description),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	st := s.runner.Store()
	if err := st.CreateWorkflow(ctx, rec); err != nil {
		var fe *schema.FlowError
		if !errors.As(err, &fe) || fe.Code != schema.ErrCodeConflict {
			return mcp.NewToolResultError(fmt.Sprintf("failed to save workflow: %v", err)), nil
		}
		if err := st.UpdateWorkflow(ctx, rec); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to update workflow: %v", err)), nil
		}
	}

	saved, err := st.GetWorkflow(ctx, rec.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read back workflow: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"saved":       true,
		"workflow_id": saved.ID,
		"version":     saved.Version,
	})
}

// handleValidate checks a definition without running it.
func (s *FlowlineServer) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mode := schema.ExecutionMode(req.GetString("mode", string(schema.ModeProduction)))

	var def *schema.WorkflowDefinition
	if workflowID := req.GetString("workflow_id", ""); workflowID != "" {
		rec, err := s.runner.Store().GetWorkflow(ctx, workflowID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err)), nil
		}
		d := rec.Definition
		def = &d
	} else {
		parsed, defErr := parseDefinition(req)
		if defErr != nil {
			return mcp.NewToolResultError(defErr.Error()), nil
		}
		def = parsed
	}

	vr := s.runner.Validator().ValidateForMode(def, mode)
	return marshalResult(map[string]any{
		"valid":    vr.Valid(),
		"errors":   vr.Errors,
		"warnings": vr.Warnings,
	})
}

// handleStatus returns an execution record with its node results and timeline.
func (s *FlowlineServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	since := int64(req.GetInt("events_since", 0))

	st := s.runner.Store()
	exec, err := st.GetExecution(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", err)), nil
	}
	nodes, err := st.ListNodeExecutions(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("node query failed: %v", err)), nil
	}
	events, err := st.ListEvents(ctx, executionID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"execution": exec,
		"nodes":     nodes,
		"events":    events,
	})
}

// handleQuery lists workflows, executions, schedules, or blocks.
func (s *FlowlineServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "schedules":
		return s.querySchedules(ctx, filter)
	case "blocks":
		return s.queryBlocks()
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *FlowlineServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		Limit:  extractInt(filter, "limit", store.DefaultPageSize),
		Offset: extractInt(filter, "offset", 0),
	}
	if name, ok := filter["name"].(string); ok {
		wf.NameLike = name
	}

	page, err := s.runner.Store().ListWorkflows(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": page.Items, "has_more": page.HasMore})
}

func (s *FlowlineServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit:  extractInt(filter, "limit", store.DefaultPageSize),
		Offset: extractInt(filter, "offset", 0),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		ef.WorkflowID = wfID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		ef.Status = schema.WorkflowStatus(status)
	}

	page, err := s.runner.Store().ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": page.Items, "has_more": page.HasMore})
}

func (s *FlowlineServer) querySchedules(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	sf := store.ScheduleFilter{
		Limit:  extractInt(filter, "limit", store.DefaultPageSize),
		Offset: extractInt(filter, "offset", 0),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		sf.WorkflowID = wfID
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		sf.EnabledOnly = enabled
	}

	page, err := s.runner.Store().ListSchedules(ctx, sf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"schedules": page.Items, "has_more": page.HasMore})
}

func (s *FlowlineServer) queryBlocks() (*mcp.CallToolResult, error) {
	reg := s.runner.Registry()
	blocks := make([]map[string]any, 0)
	for _, blockType := range reg.List() {
		meta, _ := reg.GetMetadata(blockType)
		blocks = append(blocks, map[string]any{
			"type":         blockType,
			"description":  meta.Description,
			"mock_capable": meta.MockCapable,
			"cacheable":    meta.Cacheable,
		})
	}
	return marshalResult(map[string]any{"blocks": blocks})
}

// --- Internal helpers ---

// parseDefinition extracts and decodes the "definition" object argument.
func parseDefinition(req mcp.CallToolRequest) (*schema.WorkflowDefinition, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return nil, fmt.Errorf("definition is required")
	}
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid definition: %v", err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return nil, fmt.Errorf("invalid definition: %v", err)
	}
	return &def, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
