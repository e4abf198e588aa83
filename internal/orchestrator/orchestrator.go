package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgraph/internal/auditor"
	"github.com/fyrsmithlabs/taskgraph/internal/checkpoint"
	"github.com/fyrsmithlabs/taskgraph/internal/events"
	"github.com/fyrsmithlabs/taskgraph/internal/graph"
	"github.com/fyrsmithlabs/taskgraph/internal/scheduler"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
	"github.com/fyrsmithlabs/taskgraph/internal/verify"
)

const instrumentationName = "github.com/fyrsmithlabs/taskgraph/internal/orchestrator"

// Config holds engine policy.
type Config struct {
	// MaxTaskScope rejects submissions whose estimate exceeds it; 0 disables the check.
	MaxTaskScope int `json:"max_task_scope" koanf:"max_task_scope"`

	// MaxVerifyAttempts escalates a task after this many failed verifications (default: 3).
	MaxVerifyAttempts int `json:"max_verify_attempts" koanf:"max_verify_attempts"`

	// SpawnMinSeverity is the lowest finding severity that spawns a follow-up task.
	SpawnMinSeverity auditor.Severity `json:"spawn_min_severity" koanf:"spawn_min_severity"`

	// StaleLeaseAfter releases leases older than this; 0 disables the reaper.
	StaleLeaseAfter time.Duration `json:"stale_lease_after" koanf:"stale_lease_after"`

	// WriteRetries bounds compare-and-swap retries on a version conflict.
	WriteRetries int `json:"write_retries" koanf:"write_retries"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxVerifyAttempts: 3,
		SpawnMinSeverity:  auditor.SeverityHigh,
		WriteRetries:      8,
	}
}

// Redactor removes secrets from free text before it is persisted.
type Redactor interface {
	Redact(text string) string
}

// Auditors invokes named analyzers. *auditor.Registry implements it.
type Auditors interface {
	Invoke(ctx context.Context, name string, scope auditor.Scope) (*auditor.Report, error)
}

type nopRedactor struct{}

func (nopRedactor) Redact(text string) string { return text }

// Session is this process's belief about the ledger.
type Session struct {
	ID            string    `json:"id"`
	LastCompleted string    `json:"last_completed,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

// Orchestrator drives tasks through the state machine.
type Orchestrator struct {
	store     graph.Backend
	gate      *verify.Gate
	auditors  Auditors
	redactor  Redactor
	publisher events.Publisher
	config    *Config
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time

	// completeMu serializes completions and snapshots.
	completeMu sync.Mutex

	sessionMu sync.RWMutex
	session   Session
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGate sets the verification gate.
func WithGate(g *verify.Gate) Option {
	return func(o *Orchestrator) {
		o.gate = g
	}
}

// WithAuditors sets the auditor registry.
func WithAuditors(a Auditors) Option {
	return func(o *Orchestrator) {
		o.auditors = a
	}
}

// WithRedactor sets the secret redactor applied to notes and findings.
func WithRedactor(r Redactor) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.redactor = r
		}
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithTracerProvider takes spans from tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		if tp != nil {
			o.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// New creates an orchestrator over store.
func New(store graph.Backend, cfg *Config, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxVerifyAttempts <= 0 {
		cfg.MaxVerifyAttempts = 3
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = 8
	}
	if cfg.SpawnMinSeverity == "" {
		cfg.SpawnMinSeverity = auditor.SeverityHigh
	}
	if cfg.SpawnMinSeverity.Rank() < 0 {
		return nil, fmt.Errorf("unknown spawn severity %q", cfg.SpawnMinSeverity)
	}

	o := &Orchestrator{
		store:     store,
		gate:      verify.NewGate(),
		redactor:  nopRedactor{},
		publisher: events.Nop{},
		config:    cfg,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(instrumentationName),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	o.session = Session{ID: uuid.New().String(), StartedAt: o.now()}
	return o, nil
}

// Config returns the engine policy in effect.
func (o *Orchestrator) Config() Config {
	return *o.config
}

// Session returns the current session.
func (o *Orchestrator) Session() Session {
	o.sessionMu.RLock()
	defer o.sessionMu.RUnlock()
	return o.session
}

// GetTask returns a task by id.
func (o *Orchestrator) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return o.store.GetTask(ctx, id)
}

// ListTasks returns tasks matching f in scheduling order.
func (o *Orchestrator) ListTasks(ctx context.Context, f graph.Filter) ([]*task.Task, error) {
	return o.store.ListTasks(ctx, f)
}

// NextReady returns the task the scheduler recommends, or nil when none is ready.
func (o *Orchestrator) NextReady(ctx context.Context) (*task.Task, error) {
	ready, err := o.Ready(ctx)
	if err != nil || len(ready) == 0 {
		return nil, err
	}
	return ready[0], nil
}

// Ready returns every ready task in scheduling order.
func (o *Orchestrator) Ready(ctx context.Context) ([]*task.Task, error) {
	all, err := o.store.ListTasks(ctx, graph.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return scheduler.Ready(all), nil
}

// Latest returns the ledger head, or nil when nothing has completed.
func (o *Orchestrator) Latest(ctx context.Context) (*checkpoint.Checkpoint, error) {
	return o.store.Latest(ctx)
}

// Checkpoints returns ledger entries after afterSeq.
func (o *Orchestrator) Checkpoints(ctx context.Context, afterSeq int64, limit int) ([]*checkpoint.Checkpoint, error) {
	return o.store.List(ctx, afterSeq, limit)
}

// mutate reads id, applies fn and writes the result, retrying fn on a
// version conflict so it always decides against the committed state.
func (o *Orchestrator) mutate(ctx context.Context, id string, fn func(cur *task.Task) (*task.Task, error)) (*task.Task, error) {
	for attempt := 0; ; attempt++ {
		cur, err := o.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		saved, err := o.store.PutTask(ctx, next)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, task.ErrConflict) || attempt >= o.config.WriteRetries {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	if err := o.publisher.Publish(ctx, e); err != nil {
		o.logger.Warn("failed to publish event",
			zap.String("type", string(e.Type)),
			zap.Error(err),
		)
	}
}

// reject records err on span and in the rejection counter.
func reject(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	rejectionsTotal.WithLabelValues(kindLabel(err)).Inc()
	return err
}

func kindLabel(err error) string {
	if name := task.KindName(err); name != "" {
		return name
	}
	if k := auditor.KindOf(err); k != "" {
		return "auditor_" + string(k)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "internal"
}

// checkOwner rejects a request from anyone but the lease holder. An empty
// owner skips the check; operators and single-agent clients act that way.
func checkOwner(t *task.Task, owner string) error {
	if owner == "" || t.Lease == nil || t.Lease.Owner == owner {
		return nil
	}
	return &task.Error{Kind: task.ErrLeaseHeld, ID: t.ID, Reason: fmt.Sprintf("leased by %s", t.Lease.Owner)}
}

// checkLease is checkOwner plus, when token is set, a match on the lease
// token.
func checkLease(t *task.Task, owner, token string) error {
	if err := checkOwner(t, owner); err != nil {
		return err
	}
	if token == "" || (t.Lease != nil && t.Lease.Token == token) {
		return nil
	}
	return &task.Error{Kind: task.ErrLeaseHeld, ID: t.ID, Reason: "lease was renewed"}
}
