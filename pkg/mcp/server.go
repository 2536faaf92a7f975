// Package mcp exposes the engine to agents as MCP tools: compile a pipeline,
// run a plan, inspect an execution, deliver async responses and interrupt
// nodes.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/pms/internal/plancreator"
	"github.com/rendis/pms/internal/store"
	"github.com/rendis/pms/internal/streaming"
	"github.com/rendis/pms/pkg/ambiance"
	"github.com/rendis/pms/pkg/schema"
)

// DefaultWaitTimeout caps how long pms.run blocks when asked to wait.
const DefaultWaitTimeout = 5 * time.Minute

// Engine is the part of the engine the tools drive.
type Engine interface {
	StartPlan(ctx context.Context, plan *schema.Plan, md ambiance.Metadata) (*store.PlanExecution, error)
	AwaitPlan(ctx context.Context, planExecutionID string) (*store.PlanExecution, error)
	Notify(ctx context.Context, correlationID string, data schema.ResponseData) error
	HandleInterrupt(ctx context.Context, ev schema.InterruptEvent) (bool, error)
}

// Compiler turns pipeline YAML into a plan.
type Compiler interface {
	CreatePlanFromYAML(ctx context.Context, pctx *plancreator.Context, data []byte) (*schema.Plan, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine      Engine
	Compiler    Compiler
	Steps       plancreator.StepCatalog
	Store       store.Store
	Hub         streaming.EventHub
	Logger      *slog.Logger
	WaitTimeout time.Duration
}

// Server wraps an MCP server with the plan execution tools.
type Server struct {
	engine      Engine
	compiler    Compiler
	steps       plancreator.StepCatalog
	store       store.Store
	hub         streaming.EventHub
	logger      *slog.Logger
	waitTimeout time.Duration
	sessions    *SessionRegistry
	notifier    *PlanNotifier
	mcpServer   *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.WaitTimeout <= 0 {
		deps.WaitTimeout = DefaultWaitTimeout
	}

	s := &Server{
		engine:      deps.Engine,
		compiler:    deps.Compiler,
		steps:       deps.Steps,
		store:       deps.Store,
		hub:         deps.Hub,
		logger:      logger,
		waitTimeout: deps.WaitTimeout,
		sessions:    NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"pms",
		Version,
		server.WithHooks(hooks),
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("PMS compiles pipeline YAML into execution plans and runs them. Use pms.compile to check a pipeline, pms.run to execute it, pms.status to follow progress, pms.notify to answer a waiting node, pms.interrupt to abort, pause, resume, retry or expire nodes and pms.diagram to draw a plan."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewPlanNotifier(mcpSrv, s.sessions, deps.Hub, logger)
	return s
}

// Version is reported to MCP clients.
var Version = "dev"

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Close stops plan watchers.
func (s *Server) Close() {
	s.notifier.Close()
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: compileTool(), Handler: s.handleCompile},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: notifyTool(), Handler: s.handleNotify},
		{Tool: interruptTool(), Handler: s.handleInterrupt},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func compileTool() mcp.Tool {
	return mcp.NewTool("pms.compile",
		mcp.WithDescription("Compile pipeline YAML into a stored execution plan"),
		mcp.WithString("yaml", mcp.Required(), mcp.Description("Pipeline document with a top-level pipeline field")),
		mcp.WithString("account_id", mcp.Description("Account the plan belongs to")),
		mcp.WithString("org_id", mcp.Description("Organization the plan belongs to")),
		mcp.WithString("project_id", mcp.Description("Project the plan belongs to")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("pms.run",
		mcp.WithDescription("Start a plan execution from a stored plan or pipeline YAML"),
		mcp.WithString("plan_id", mcp.Description("ID returned by pms.compile")),
		mcp.WithString("yaml", mcp.Description("Pipeline document, compiled before running when plan_id is absent")),
		mcp.WithString("principal_id", mcp.Required(), mcp.Description("ID of the agent starting the run; it is notified when the run ends")),
		mcp.WithString("account_id", mcp.Description("Account metadata")),
		mcp.WithString("org_id", mcp.Description("Organization metadata")),
		mcp.WithString("project_id", mcp.Description("Project metadata")),
		mcp.WithString("wait", mcp.Description("Block until the run ends: true or false (default false)")),
		mcp.WithString("wait_timeout", mcp.Description("Longest wait as a Go duration, e.g. 30s")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("pms.status",
		mcp.WithDescription("Get a plan execution with its node executions"),
		mcp.WithString("plan_execution_id", mcp.Required(), mcp.Description("ID of the plan execution")),
		mcp.WithString("include_events", mcp.Description("Include the event log: true or false (default false)")),
		mcp.WithString("since", mcp.Description("Only events after this sequence number")),
	)
}

func notifyTool() mcp.Tool {
	return mcp.NewTool("pms.notify",
		mcp.WithDescription("Deliver the response for a correlation id a node is waiting on"),
		mcp.WithString("correlation_id", mcp.Required(), mcp.Description("Callback or task correlation id")),
		mcp.WithString("status", mcp.Description("Status of the delivered work (default SUCCEEDED)")),
		mcp.WithObject("payload", mcp.Description("Response payload")),
		mcp.WithObject("failure", mcp.Description("Failure info: message and failure_types")),
	)
}

func interruptTool() mcp.Tool {
	return mcp.NewTool("pms.interrupt",
		mcp.WithDescription("Interrupt a node execution or a whole plan execution"),
		mcp.WithString("plan_execution_id", mcp.Required(), mcp.Description("ID of the plan execution")),
		mcp.WithString("type", mcp.Required(),
			mcp.Enum(
				string(schema.InterruptAbort),
				string(schema.InterruptAbortAll),
				string(schema.InterruptPause),
				string(schema.InterruptResume),
				string(schema.InterruptRetry),
				string(schema.InterruptExpire),
			),
			mcp.Description("Interrupt type"),
		),
		mcp.WithString("node_execution_id", mcp.Description("Target node execution; omit for ABORT_ALL")),
		mcp.WithString("principal_id", mcp.Description("ID of the agent issuing the interrupt")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("pms.diagram",
		mcp.WithDescription("Draw a plan, optionally colored by the state of one of its executions"),
		mcp.WithString("plan_id", mcp.Description("Plan to draw")),
		mcp.WithString("plan_execution_id", mcp.Description("Execution whose plan is drawn with node statuses")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "text", "svg", "png"),
			mcp.Description("Output format (default mermaid)"),
		),
	)
}
