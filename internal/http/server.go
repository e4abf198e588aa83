// Package http serves the taskgraph REST API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgraph/internal/checkpoint"
	"github.com/fyrsmithlabs/taskgraph/internal/graph"
	"github.com/fyrsmithlabs/taskgraph/internal/logging"
	"github.com/fyrsmithlabs/taskgraph/internal/orchestrator"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
	"github.com/fyrsmithlabs/taskgraph/internal/telemetry"
)

// Engine is the orchestrator surface the API exposes.
type Engine interface {
	Submit(ctx context.Context, t *task.Task) (*task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, f graph.Filter) ([]*task.Task, error)
	AddNote(ctx context.Context, id, text string) (*task.Task, error)

	Start(ctx context.Context, req orchestrator.StartRequest) (*task.Task, error)
	Lease(ctx context.Context, owner string) (*task.Task, error)
	Verify(ctx context.Context, req orchestrator.VerifyRequest) (*orchestrator.VerifyResult, error)
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
	Session() orchestrator.Session

	ProposeDecision(ctx context.Context, d *task.Decision) (*task.Decision, error)
	EditDecision(ctx context.Context, d *task.Decision) (*task.Decision, error)
	AcceptDecision(ctx context.Context, req orchestrator.DecideRequest) (*task.Decision, error)
	RejectDecision(ctx context.Context, req orchestrator.DecideRequest) (*task.Decision, error)
	GetDecision(ctx context.Context, id string) (*task.Decision, error)
	ListDecisions(ctx context.Context, status task.DecisionStatus) ([]*task.Decision, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server provides the REST endpoints.
type Server struct {
	echo      *echo.Echo
	engine    Engine
	logger    *logging.Logger
	config    *Config
	telemetry *telemetry.Telemetry
	meters    metric.MeterProvider
}

// Option configures a Server.
type Option func(*Server)

// WithTelemetry reports telemetry health on /health and records request
// metrics through its meter provider.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Server) {
		s.telemetry = t
		s.meters = t.MeterProvider()
	}
}

// WithMeterProvider overrides the meter provider for request metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Server) {
		s.meters = mp
	}
}

// NewServer creates a server over engine.
func NewServer(engine Engine, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 8484}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		engine: engine,
		logger: logger,
		config: cfg,
		meters: otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}

	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.contextMiddleware)
	e.Use(NewHTTPMetrics(s.meters, logger.Underlying()).MetricsMiddleware())
	e.Use(s.accessLog)

	s.registerRoutes()
	return s, nil
}

// contextMiddleware joins the caller's trace and tags the request id.
func (s *Server) contextMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
		if id := c.Response().Header().Get(echo.HeaderXRequestID); logging.ValidID(id) {
			ctx = logging.WithRequestID(ctx, id)
		}
		ctx = logging.WithLogger(ctx, s.logger)
		c.SetRequest(req.WithContext(ctx))
		return next(c)
	}
}

func (s *Server) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Debug(c.Request().Context(), "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/session", s.handleSession)

	v1.GET("/tasks", s.handleListTasks)
	v1.POST("/tasks", s.handleCreateTask)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.PUT("/tasks/:id", s.handleUpdateTask)
	v1.POST("/tasks/:id/start", s.handleStart)
	v1.POST("/tasks/:id/verify", s.handleVerify)
	v1.POST("/tasks/:id/block", s.handleTransition(s.engine.Block))
	v1.POST("/tasks/:id/unblock", s.handleTransition(s.engine.Unblock))
	v1.POST("/tasks/:id/skip", s.handleTransition(s.engine.Skip))
	v1.POST("/tasks/:id/release", s.handleTransition(s.engine.Release))
	v1.POST("/tasks/:id/notes", s.handleAddNote)

	v1.POST("/lease", s.handleLease)
	v1.GET("/next", s.handleNext)
	v1.GET("/ready", s.handleReady)
	v1.POST("/audits", s.handleAudit)

	v1.GET("/checkpoints", s.handleCheckpoints)
	v1.GET("/checkpoints/latest", s.handleLatest)
	v1.GET("/snapshot", s.handleSnapshot)
	v1.POST("/resume", s.handleResume)

	v1.GET("/decisions", s.handleListDecisions)
	v1.POST("/decisions", s.handleProposeDecision)
	v1.GET("/decisions/:id", s.handleGetDecision)
	v1.PUT("/decisions/:id", s.handleEditDecision)
	v1.POST("/decisions/:id/accept", s.handleDecide(s.engine.AcceptDecision))
	v1.POST("/decisions/:id/reject", s.handleDecide(s.engine.RejectDecision))
}

// ServeHTTP lets the server be mounted or driven by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	addr := s.config.Addr()
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
