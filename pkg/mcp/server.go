package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/subflow"
)

// ServerName is the implementation name announced to MCP clients.
const ServerName = "stepflow"

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Registry *engine.Registry
	Loader   *subflow.Loader   // resolves flows requested by name (nil = inline definitions only)
	Hub      streaming.EventHub // execution events forwarded as notifications (nil = none)
	Version  string
	Logger   *slog.Logger
}

// Server wraps an MCP server with the stepflow tool handlers.
type Server struct {
	registry  *engine.Registry
	loader    *subflow.Loader
	hub       streaming.EventHub
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with the four execution tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		registry: deps.Registry,
		loader:   deps.Loader,
		hub:      deps.Hub,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		ServerName,
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(s.hooks()),
		server.WithInstructions("Stepflow runs declarative workflows. Use stepflow.run to start a flow (inline definition or by name), stepflow.status to inspect an execution, stepflow.cancel to stop one, and stepflow.list to browse recent executions. Events of executions you start arrive as notifications."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Execution events are forwarded while it runs.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.hub != nil {
		notifier := NewMCPNotifier(s.mcpServer, s.sessions)
		forwarder := NewForwarder(s.hub, notifier, s.sessions, s.logger)
		go func() {
			if err := forwarder.Run(ctx); err != nil {
				s.logger.Warn("event forwarding stopped", slog.String("error", err.Error()))
			}
		}()
	}

	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the execution-to-session map used for notifications.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

// hooks drops session mappings when a client goes away.
func (s *Server) hooks() *server.Hooks {
	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})
	return hooks
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: listTool(), Handler: s.handleList},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("stepflow.run",
		mcp.WithDescription("Start a workflow execution"),
		mcp.WithString("definition", mcp.Description("Inline workflow definition, YAML or JSON text")),
		mcp.WithString("flow", mcp.Description("Name of a flow to resolve from the flows directory (used when definition is empty)")),
		mcp.WithObject("inputs", mcp.Description("Input values for the flow")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution finishes and return the final handle (default: false)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get the handle of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("stepflow.cancel",
		mcp.WithDescription("Cancel a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("reason", mcp.Description("Cancellation reason recorded on the handle")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("stepflow.list",
		mcp.WithDescription("List running and recently finished executions"),
		mcp.WithString("flow", mcp.Description("Only executions of this flow")),
		mcp.WithString("status", mcp.Description("Only executions in this status")),
	)
}
