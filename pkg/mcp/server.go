// Package mcp exposes the workflow engine to agents over the Model Context
// Protocol. The server speaks stdio and registers a small tool surface:
// run, define, validate, status, and query.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/leadstitch/flowline/internal/runtime"
)

// FlowlineServer wraps an MCP server with workflow tool handlers.
type FlowlineServer struct {
	runner    *runtime.Runner
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewFlowlineServer creates a server with all tools registered. The runner
// provides execution, validation, and storage.
func NewFlowlineServer(runner *runtime.Runner, logger *slog.Logger) *FlowlineServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowlineServer{
		runner: runner,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"flowline",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowline is a DAG workflow orchestration engine. Use flowline.run to execute a stored or inline workflow, flowline.define to save a definition, flowline.validate to check one without running it, flowline.status to inspect an execution, and flowline.query to list workflows/executions/schedules/blocks."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowlineServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowlineServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlowlineServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("flowline.run",
		mcp.WithDescription("Execute a workflow and return its result"),
		mcp.WithString("workflow_id", mcp.Description("ID of a stored workflow to run")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition (used when workflow_id is absent)")),
		mcp.WithObject("input", mcp.Description("Initial input delivered to the entry nodes")),
		mcp.WithObject("variables", mcp.Description("Workflow variables available to templates")),
		mcp.WithString("mode",
			mcp.Enum("production", "demo", "test"),
			mcp.Description("Execution mode (default: production)"),
		),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("flowline.define",
		mcp.WithDescription("Save a workflow definition; updating an existing ID bumps its version"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
		mcp.WithString("description", mcp.Description("Human-readable description")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("flowline.validate",
		mcp.WithDescription("Validate a workflow definition without executing it"),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition")),
		mcp.WithString("workflow_id", mcp.Description("ID of a stored workflow to validate")),
		mcp.WithString("mode",
			mcp.Enum("production", "demo", "test"),
			mcp.Description("Mode to validate against (default: production)"),
		),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flowline.status",
		mcp.WithDescription("Get an execution's status, node results, and timeline"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to inspect")),
		mcp.WithNumber("events_since", mcp.Description("Only return timeline events after this sequence number")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flowline.query",
		mcp.WithDescription("List workflows, executions, schedules, or available blocks"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions", "schedules", "blocks"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, status, name, limit, offset)")),
	)
}
