// Package mcp exposes event ingestion and execution inspection as MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/autoflow/internal/router"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// EventRouter is the subset of router.Router the tools need.
type EventRouter interface {
	RouteEvent(ctx context.Context, eventType string, data router.EventData) router.Result
	EnqueueWorkflow(ctx context.Context, wf *schema.Workflow, entityType, entityID, event string, payload map[string]any) (*schema.Execution, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Router  EventRouter
	Store   store.Store
	Logger  *slog.Logger
	Version string
}

// Server wraps an MCP server with autoflow tool handlers.
type Server struct {
	router    EventRouter
	store     store.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		router: deps.Router,
		store:  deps.Store,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"autoflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Autoflow runs CRM automation workflows. Use autoflow.route_event to report a CRM event, autoflow.execution_status to inspect one execution, autoflow.list_executions to browse executions, autoflow.enqueue to start a workflow by hand and autoflow.workflow_diagram to draw a workflow."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns a streamable HTTP transport for the server.
func (s *Server) HTTPHandler() *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: routeEventTool(), Handler: s.handleRouteEvent},
		{Tool: executionStatusTool(), Handler: s.handleExecutionStatus},
		{Tool: listExecutionsTool(), Handler: s.handleListExecutions},
		{Tool: enqueueTool(), Handler: s.handleEnqueue},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func routeEventTool() mcp.Tool {
	return mcp.NewTool("autoflow.route_event",
		mcp.WithDescription("Route a CRM event to matching workflows and pending waits"),
		mcp.WithString("event_type", mcp.Required(), mcp.Description("Event name, e.g. contact.created or DEAL_WON")),
		mcp.WithString("entity_type", mcp.Description("Type of the entity the event concerns")),
		mcp.WithString("entity_id", mcp.Description("ID of the entity the event concerns")),
		mcp.WithObject("payload", mcp.Description("Event payload made available to steps")),
	)
}

func executionStatusTool() mcp.Tool {
	return mcp.NewTool("autoflow.execution_status",
		mcp.WithDescription("Get an execution with its replayed event timeline"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func listExecutionsTool() mcp.Tool {
	return mcp.NewTool("autoflow.list_executions",
		mcp.WithDescription("List executions, oldest first"),
		mcp.WithString("status",
			mcp.Enum(
				string(schema.ExecutionPending),
				string(schema.ExecutionRunning),
				string(schema.ExecutionWaiting),
				string(schema.ExecutionCompleted),
				string(schema.ExecutionFailed),
			),
			mcp.Description("Only executions in this status"),
		),
		mcp.WithString("workflow_id", mcp.Description("Only executions of this workflow")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 50, max 500)")),
	)
}

func enqueueTool() mcp.Tool {
	return mcp.NewTool("autoflow.enqueue",
		mcp.WithDescription("Enqueue a new execution of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithString("entity_type", mcp.Description("Type of the trigger entity")),
		mcp.WithString("entity_id", mcp.Description("ID of the trigger entity")),
		mcp.WithObject("payload", mcp.Description("Trigger data made available to steps")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("autoflow.workflow_diagram",
		mcp.WithDescription("Render a workflow as a Mermaid flowchart"),
		mcp.WithString("workflow_id", mcp.Description("Workflow to draw; taken from the execution when omitted")),
		mcp.WithString("execution_id", mcp.Description("Overlay the progress of this execution")),
	)
}
