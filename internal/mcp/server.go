package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgraph/internal/checkpoint"
	"github.com/fyrsmithlabs/taskgraph/internal/graph"
	"github.com/fyrsmithlabs/taskgraph/internal/orchestrator"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
	"github.com/fyrsmithlabs/taskgraph/internal/verify"
)

// Engine is the orchestrator surface the tools use.
type Engine interface {
	Submit(ctx context.Context, t *task.Task) (*task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, f graph.Filter) ([]*task.Task, error)
	AddNote(ctx context.Context, id, text string) (*task.Task, error)

	Start(ctx context.Context, req orchestrator.StartRequest) (*task.Task, error)
	Lease(ctx context.Context, owner string) (*task.Task, error)
	Verify(ctx context.Context, req orchestrator.VerifyRequest) (*orchestrator.VerifyResult, error)
	RunVerification(ctx context.Context, id, owner string, checker verify.Checker) (*orchestrator.VerifyResult, error)
	Block(ctx context.Context, req orchestrator.TransitionRequest) (*task.Task, error)
	Unblock(ctx context.Context, req orchestrator.TransitionRequest) (*task.Task, error)
	Skip(ctx context.Context, req orchestrator.TransitionRequest) (*task.Task, error)
	Release(ctx context.Context, req orchestrator.TransitionRequest) (*task.Task, error)

	NextReady(ctx context.Context) (*task.Task, error)
	Ready(ctx context.Context) ([]*task.Task, error)
	Audit(ctx context.Context, req orchestrator.AuditRequest) (*orchestrator.AuditResult, error)

	Latest(ctx context.Context) (*checkpoint.Checkpoint, error)
	Checkpoints(ctx context.Context, afterSeq int64, limit int) ([]*checkpoint.Checkpoint, error)
	Snapshot(ctx context.Context) (*orchestrator.Snapshot, error)
	Resume(ctx context.Context, expected string) (*orchestrator.Recovery, error)

	ProposeDecision(ctx context.Context, d *task.Decision) (*task.Decision, error)
	EditDecision(ctx context.Context, d *task.Decision) (*task.Decision, error)
	AcceptDecision(ctx context.Context, req orchestrator.DecideRequest) (*task.Decision, error)
	RejectDecision(ctx context.Context, req orchestrator.DecideRequest) (*task.Decision, error)
	GetDecision(ctx context.Context, id string) (*task.Decision, error)
	ListDecisions(ctx context.Context, status task.DecisionStatus) ([]*task.Decision, error)
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "taskgraph").
	Name string

	// Version is the server version (default: "dev").
	Version string

	// Owner is the lease owner used when a tool call names none (default: "agent").
	Owner string

	// Checker runs a task's verify command for task_check. Nil disables the tool.
	Checker verify.Checker

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "taskgraph",
		Version: "dev",
		Owner:   "agent",
		Logger:  zap.NewNop(),
	}
}

// Server registers the taskgraph tools on an MCP server.
type Server struct {
	mcp      *mcp.Server
	engine   Engine
	config   *Config
	registry *ToolRegistry
	metrics  *Metrics
	logger   *zap.Logger
}

// NewServer creates the server and registers every tool.
func NewServer(cfg *Config, engine Engine) (*Server, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if cfg.Owner == "" {
		cfg.Owner = def.Owner
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	s := &Server{
		mcp:      mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, nil),
		engine:   engine,
		config:   cfg,
		registry: NewToolRegistry(),
		metrics:  NewMetrics(otel.GetMeterProvider(), cfg.Logger),
		logger:   cfg.Logger,
	}
	s.registerTaskTools()
	s.registerLifecycleTools()
	s.registerLedgerTools()
	s.registerDecisionTools()
	s.registerAuditTools()
	s.registerSearchTool()
	return s, nil
}

// MCP returns the underlying server, for in-process transports.
func (s *Server) MCP() *mcp.Server {
	return s.mcp
}

// Tools returns the registered tool metadata.
func (s *Server) Tools() *ToolRegistry {
	return s.registry
}

// Run serves on stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport", zap.Int("tools", s.registry.Count()))
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
