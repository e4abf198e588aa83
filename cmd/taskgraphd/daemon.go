package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/taskgraph/internal/auditor"
	"github.com/fyrsmithlabs/taskgraph/internal/config"
	"github.com/fyrsmithlabs/taskgraph/internal/events"
	"github.com/fyrsmithlabs/taskgraph/internal/graph"
	api "github.com/fyrsmithlabs/taskgraph/internal/http"
	"github.com/fyrsmithlabs/taskgraph/internal/logging"
	mcpserver "github.com/fyrsmithlabs/taskgraph/internal/mcp"
	"github.com/fyrsmithlabs/taskgraph/internal/orchestrator"
	"github.com/fyrsmithlabs/taskgraph/internal/plan"
	"github.com/fyrsmithlabs/taskgraph/internal/secrets"
	"github.com/fyrsmithlabs/taskgraph/internal/store/memory"
	"github.com/fyrsmithlabs/taskgraph/internal/store/sqlite"
	"github.com/fyrsmithlabs/taskgraph/internal/telemetry"
	"github.com/fyrsmithlabs/taskgraph/internal/verify"
	"github.com/fyrsmithlabs/taskgraph/internal/worker"
)

type daemonOptions struct {
	http bool
	// logLevel overrides logging.level; it also accepts "trace".
	logLevel string
}

// daemon holds every component the process runs, in construction order.
type daemon struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     graph.Backend
	nc        *nats.Conn
	engine    *orchestrator.Orchestrator
	checker   verify.Checker

	api     *api.Server
	mcp     *mcpserver.Server
	pool    *worker.Pool
	watcher *plan.Watcher
}

// newDaemon builds the components and recovers engine state. On error
// everything built so far is closed.
func newDaemon(ctx context.Context, cfg *config.Config, opts daemonOptions) (_ *daemon, err error) {
	d := &daemon{cfg: cfg}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if err := d.initTelemetry(ctx); err != nil {
		return nil, err
	}
	if err := d.initLogger(opts.logLevel); err != nil {
		return nil, err
	}
	log := d.logger.Underlying()

	log.Info("starting taskgraphd",
		zap.String("version", version),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("http", opts.http),
		zap.Bool("mcp", cfg.Server.MCP),
		zap.Bool("workers", cfg.Workers.Enabled))

	if err := d.initStore(ctx); err != nil {
		return nil, err
	}
	if err := d.initEngine(); err != nil {
		return nil, err
	}

	rec, err := d.engine.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover engine state: %w", err)
	}
	logRecovery(log, rec)

	d.checker = &verify.CommandChecker{Timeout: cfg.Workers.VerifyTimeout.Duration()}

	if opts.http {
		d.api, err = api.NewServer(d.engine, d.logger,
			&api.Config{Host: cfg.Server.Host, Port: cfg.Server.Port},
			api.WithTelemetry(d.telemetry),
			api.WithMeterProvider(d.telemetry.MeterProvider()),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP server: %w", err)
		}
	}
	if cfg.Server.MCP {
		d.mcp, err = mcpserver.NewServer(&mcpserver.Config{
			Name:    "taskgraph",
			Version: version,
			Checker: d.checker,
			Logger:  log.Named("mcp"),
		}, d.engine)
		if err != nil {
			return nil, fmt.Errorf("failed to create MCP server: %w", err)
		}
	}
	if cfg.Workers.Enabled {
		d.pool, err = worker.New(d.engine,
			&worker.CommandExecutor{Command: cfg.Workers.Command, Args: cfg.Workers.Args, Dir: cfg.Workers.Dir},
			d.checker,
			worker.Config{
				Workers:           cfg.Workers.Count,
				PollInterval:      cfg.Workers.PollInterval.Duration(),
				Name:              cfg.Workers.Name,
				ReleaseOnShutdown: cfg.Workers.ReleaseOnShutdown,
			},
			log.Named("worker"))
		if err != nil {
			return nil, fmt.Errorf("failed to create worker pool: %w", err)
		}
	}
	if err := d.initPlan(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *daemon) initTelemetry(ctx context.Context) error {
	tcfg := telemetry.NewDefaultConfig()
	tcfg.ServiceVersion = version
	if err := d.cfg.Unmarshal("telemetry", tcfg); err != nil {
		return err
	}
	t, err := telemetry.New(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	d.telemetry = t
	return nil
}

func (d *daemon) initLogger(level string) error {
	lcfg := logging.NewDefaultConfig()
	if err := d.cfg.Unmarshal("logging", lcfg); err != nil {
		return err
	}
	if level != "" {
		lvl, err := logging.LevelFromString(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lcfg.Level = lvl
	}
	if d.cfg.Server.MCP {
		lcfg = lcfg.ForStdio()
	}
	logger, err := logging.NewLogger(lcfg, d.telemetry.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	d.logger = logger
	return nil
}

func (d *daemon) initStore(ctx context.Context) error {
	switch d.cfg.Store.Driver {
	case "memory":
		d.store = memory.New()
	default:
		b, err := sqlite.Open(ctx, sqlite.Config{
			Path:        d.cfg.Store.Path,
			BusyTimeout: d.cfg.Store.BusyTimeout.Duration(),
		}, d.logger.Underlying().Named("store"))
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		d.store = b
	}
	return nil
}

func (d *daemon) initEngine() error {
	cfg := d.cfg
	log := d.logger.Underlying()

	spawn, err := auditor.ParseSeverity(cfg.Engine.SpawnMinSeverity)
	if err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}

	scrubber, err := secrets.New(secrets.Config{Enabled: cfg.Secrets.Enabled, MaxBytes: cfg.Secrets.MaxBytes})
	if err != nil {
		return fmt.Errorf("failed to create secret scrubber: %w", err)
	}

	registry, err := newAuditors(cfg.Auditors, log.Named("auditor"))
	if err != nil {
		return err
	}

	opts := []orchestrator.Option{
		orchestrator.WithGate(&verify.Gate{RequireCommand: cfg.Engine.RequireCommandMatch}),
		orchestrator.WithAuditors(registry),
		orchestrator.WithRedactor(scrubber),
		orchestrator.WithLogger(log.Named("engine")),
		orchestrator.WithTracerProvider(d.telemetry.TracerProvider()),
	}
	if cfg.Events.Enabled {
		nc, err := events.Connect(events.Config{
			Enabled: true,
			URL:     cfg.Events.URL,
			Prefix:  cfg.Events.Prefix,
			Name:    "taskgraphd",
			Token:   cfg.Events.Token.Value(),
		}, log.Named("events"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		d.nc = nc
		opts = append(opts, orchestrator.WithPublisher(events.NewNATSPublisher(nc, cfg.Events.Prefix)))
	}

	d.engine, err = orchestrator.New(d.store, &orchestrator.Config{
		MaxTaskScope:      cfg.Engine.MaxTaskScope,
		MaxVerifyAttempts: cfg.Engine.MaxVerifyAttempts,
		SpawnMinSeverity:  spawn,
		StaleLeaseAfter:   cfg.Engine.StaleLeaseAfter.Duration(),
		WriteRetries:      cfg.Engine.WriteRetries,
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return nil
}

// newAuditors creates the registry and registers the configured command
// auditors.
func newAuditors(cfg config.AuditorsConfig, log *zap.Logger) (*auditor.Registry, error) {
	registry := auditor.NewRegistry(auditor.Config{
		Timeout:   cfg.Timeout.Duration(),
		RateLimit: cfg.RateLimit,
		Burst:     cfg.Burst,
		CacheSize: cfg.CacheSize,
		CacheTTL:  cfg.CacheTTL.Duration(),
	}, log)
	for _, a := range cfg.Commands {
		capability := auditor.Capability(a.Capability)
		if err := registry.Register(a.Name, capability, &auditor.CommandAnalyzer{
			Command: a.Command,
			Args:    a.Args,
			Dir:     a.Dir,
		}); err != nil {
			return nil, fmt.Errorf("failed to register auditor %s: %w", a.Name, err)
		}
		log.Info("auditor registered", zap.String("auditor", a.Name), zap.String("capability", a.Capability))
	}
	return registry, nil
}

func (d *daemon) initPlan(ctx context.Context) error {
	path := d.cfg.Plan.Path
	if path == "" {
		return nil
	}
	log := d.logger.Underlying().Named("plan")
	importer := plan.NewImporter(d.engine, log)

	if d.cfg.Plan.Watch {
		w, err := plan.NewWatcher(path, importer, d.cfg.Plan.Debounce.Duration(), log)
		if err != nil {
			return fmt.Errorf("failed to create plan watcher: %w", err)
		}
		d.watcher = w
		return nil
	}

	res, err := importer.ImportFile(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to import plan %s: %w", path, err)
	}
	log.Info("plan imported",
		zap.String("path", path),
		zap.Int("created", len(res.Created)),
		zap.Int("updated", len(res.Updated)),
		zap.Int("skipped", len(res.Skipped)))
	return nil
}

func logRecovery(log *zap.Logger, rec *orchestrator.Recovery) {
	fields := []zap.Field{
		zap.String("session_id", rec.Session.ID),
		zap.Int("tasks", len(rec.Snapshot.Tasks)),
		zap.Int("completed", len(rec.Snapshot.Completed)),
	}
	if rec.Snapshot.Next != nil {
		fields = append(fields, zap.String("next_task", rec.Snapshot.Next.ID))
	}
	log.Info("engine state recovered", fields...)
	for _, msg := range rec.Snapshot.Inconsistencies {
		log.Warn("graph and ledger disagree", zap.String("detail", msg))
	}
}

// Run serves every enabled surface until ctx is done. When the MCP client
// disconnects the daemon shuts down.
func (d *daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log := d.logger.Underlying()

	g, ctx := errgroup.WithContext(ctx)
	if d.api != nil {
		g.Go(func() error {
			log.Info("HTTP API listening", zap.String("addr", d.cfg.Server.Addr()))
			return d.api.Start()
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout.Duration())
			defer done()
			return d.api.Shutdown(shutdownCtx)
		})
	}
	if d.mcp != nil {
		g.Go(func() error {
			defer cancel()
			if err := d.mcp.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}
	if d.pool != nil {
		g.Go(func() error { return d.pool.Run(ctx) })
	}
	if d.watcher != nil {
		g.Go(func() error {
			if err := d.watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		return d.engine.RunReaper(ctx, d.cfg.Engine.ReapInterval.Duration())
	})

	err := g.Wait()
	log.Info("taskgraphd stopped", zap.Error(err))
	return err
}

// Close releases resources in reverse construction order.
func (d *daemon) Close() {
	if d.nc != nil {
		_ = d.nc.Drain()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil && d.logger != nil {
			d.logger.Underlying().Warn("failed to close store", zap.Error(err))
		}
	}
	if d.telemetry != nil {
		timeout := 5 * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		_ = d.telemetry.Shutdown(ctx)
		cancel()
	}
	if d.logger != nil {
		_ = d.logger.Sync()
	}
}
