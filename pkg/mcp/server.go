package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/invoiceflow/internal/runs"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Service *runs.Service
	// DiagramBinDir is searched for the mermaid-ascii binary.
	DiagramBinDir string
	Logger        *slog.Logger
}

// Server wraps an MCP server with invoiceflow tool handlers.
type Server struct {
	svc           *runs.Service
	diagramBinDir string
	logger        *slog.Logger
	sessions      *SessionRegistry
	notifier      AssigneeNotifier
	mcpServer     *server.MCPServer
}

// NewServer creates a new Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		svc:           deps.Service,
		diagramBinDir: deps.DiagramBinDir,
		logger:        logger,
		sessions:      NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"invoiceflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Invoiceflow runs invoice approval workflows. Use invoiceflow.define to store a workflow, invoiceflow.run to run invoices through it, invoiceflow.get_run and invoiceflow.list_runs to inspect runs, invoiceflow.act to approve or reject a pending step, and invoiceflow.download_csv to fetch the exported CSV."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewSessionNotifier(mcpSrv, s.sessions)
	return s
}

// version is reported to MCP clients.
const version = "1.0.0"

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns the SSE transport rooted at /mcp: clients connect to
// /mcp/sse and post to /mcp/message. Only SSE sessions receive approval
// notifications.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewSSEServer(s.mcpServer, server.WithStaticBasePath("/mcp"))
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: listWorkflowsTool(), Handler: s.handleListWorkflows},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: getRunTool(), Handler: s.handleGetRun},
		{Tool: listRunsTool(), Handler: s.handleListRuns},
		{Tool: actTool(), Handler: s.handleAct},
		{Tool: downloadCSVTool(), Handler: s.handleDownloadCSV},
		{Tool: timelineTool(), Handler: s.handleTimeline},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

// callerOptions are the identity arguments shared by every tool.
func callerOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("company_id", mcp.Description("Caller company ID")),
		mcp.WithString("company_name", mcp.Description("Caller company name, used when company_id is not set")),
		mcp.WithString("user_id", mcp.Description("Caller user ID; approval steps assigned to a user only accept that user")),
	}
}

func newTool(name string, opts ...mcp.ToolOption) mcp.Tool {
	return mcp.NewTool(name, append(opts, callerOptions()...)...)
}

func defineTool() mcp.Tool {
	return newTool("invoiceflow.define",
		mcp.WithDescription("Validate and store an approval workflow"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow definition: name, nodes, edges, isActive, status")),
	)
}

func listWorkflowsTool() mcp.Tool {
	return newTool("invoiceflow.list_workflows",
		mcp.WithDescription("List the caller's workflows, newest first"),
		mcp.WithBoolean("active_only", mcp.Description("Only list active workflows")),
	)
}

func runTool() mcp.Tool {
	return newTool("invoiceflow.run",
		mcp.WithDescription("Run invoices through a workflow"),
		mcp.WithString("workflow_id", mcp.Description("Workflow to run (default: the newest active workflow of company_id)")),
		mcp.WithObject("input", mcp.Description("A single invoice row")),
		mcp.WithArray("rows", mcp.Description("A batch of invoice rows; takes precedence over input"), mcp.Items(map[string]any{"type": "object"})),
	)
}

func getRunTool() mcp.Tool {
	return newTool("invoiceflow.get_run",
		mcp.WithDescription("Get a run with its steps and status"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func listRunsTool() mcp.Tool {
	return newTool("invoiceflow.list_runs",
		mcp.WithDescription("List the caller's runs, newest first"),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default 50)")),
	)
}

func actTool() mcp.Tool {
	return newTool("invoiceflow.act",
		mcp.WithDescription("Approve or reject a step of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithNumber("index", mcp.Required(), mcp.Description("Index of the step in the run's step list")),
		mcp.WithString("action", mcp.Required(), mcp.Enum("approve", "reject"), mcp.Description("Decision to record")),
		mcp.WithString("comment", mcp.Description("Comment stored with the decision")),
	)
}

func downloadCSVTool() mcp.Tool {
	return newTool("invoiceflow.download_csv",
		mcp.WithDescription("Fetch the CSV exported by a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func timelineTool() mcp.Tool {
	return newTool("invoiceflow.timeline",
		mcp.WithDescription("Replay the event history of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func diagramTool() mcp.Tool {
	return newTool("invoiceflow.diagram",
		mcp.WithDescription("Generate a visual diagram of a workflow. Returns ASCII art, Mermaid flowchart syntax, or base64-encoded PNG image"),
		mcp.WithString("workflow_id", mcp.Description("Workflow to diagram")),
		mcp.WithString("run_id", mcp.Description("Run whose decisions are overlaid on its workflow")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
	)
}
