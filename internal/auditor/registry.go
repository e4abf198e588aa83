package auditor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/fyrsmithlabs/taskgraph/internal/auditor"

// Analyzer inspects a scope and reports findings.
type Analyzer interface {
	Analyze(ctx context.Context, scope Scope) ([]Finding, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, scope Scope) ([]Finding, error)

// Analyze implements Analyzer.
func (f AnalyzerFunc) Analyze(ctx context.Context, scope Scope) ([]Finding, error) {
	return f(ctx, scope)
}

// Config configures a Registry.
type Config struct {
	// Timeout bounds one invocation (default: 2m).
	Timeout time.Duration

	// RateLimit is invocations per second per auditor; 0 disables limiting.
	RateLimit float64

	// Burst is the limiter burst (default: 1).
	Burst int

	// CacheSize enables an LRU of reports keyed by auditor and scope; 0 disables it.
	CacheSize int

	// CacheTTL expires cached reports (default: 5m).
	CacheTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:   2 * time.Minute,
		RateLimit: 2,
		Burst:     2,
		CacheSize: 128,
		CacheTTL:  5 * time.Minute,
	}
}

// Registration describes a registered auditor.
type Registration struct {
	Name       string     `json:"name"`
	Capability Capability `json:"capability"`
}

type entry struct {
	Registration
	analyzer Analyzer
	limiter  *rate.Limiter
}

type cached struct {
	report   Report
	storedAt time.Time
}

// Registry holds the auditors the orchestrator may invoke.
type Registry struct {
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	mu      sync.RWMutex
	entries map[string]*entry
	cache   *lru.Cache[string, cached]
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	r := &Registry{
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		entries: make(map[string]*entry),
	}
	if cfg.CacheSize > 0 {
		c, err := lru.New[string, cached](cfg.CacheSize)
		if err == nil {
			r.cache = c
		}
	}
	return r
}

// Register adds an analyzer under name.
func (r *Registry) Register(name string, capability Capability, a Analyzer) error {
	if name == "" {
		return errors.New("auditor name is required")
	}
	if !capability.Valid() {
		return fmt.Errorf("auditor %s: unknown capability %q", name, capability)
	}
	if a == nil {
		return fmt.Errorf("auditor %s: analyzer is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[name]; dup {
		return fmt.Errorf("auditor %s already registered", name)
	}
	e := &entry{Registration: Registration{Name: name, Capability: capability}, analyzer: a}
	if r.cfg.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(r.cfg.RateLimit), r.cfg.Burst)
	}
	r.entries[name] = e
	return nil
}

// List returns registrations ordered by name.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Registration)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ByCapability returns the names of auditors with capability c.
func (r *Registry) ByCapability(c Capability) []string {
	var names []string
	for _, reg := range r.List() {
		if reg.Capability == c {
			names = append(names, reg.Name)
		}
	}
	return names
}

// Invoke runs the named auditor over scope.
func (r *Registry) Invoke(ctx context.Context, name string, scope Scope) (*Report, error) {
	ctx, span := r.tracer.Start(ctx, "auditor.invoke")
	defer span.End()
	span.SetAttributes(attribute.String("auditor", name), attribute.Int("scope.paths", len(scope.Paths)))

	report, err := r.invoke(ctx, name, scope)
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("auditor invocation failed", zap.String("auditor", name), zap.Error(err))
	} else {
		span.SetAttributes(attribute.Int("findings", len(report.Findings)), attribute.Bool("cached", report.Cached))
		for _, f := range report.Findings {
			findingsTotal.WithLabelValues(name, string(f.Severity)).Inc()
		}
	}
	invocationsTotal.WithLabelValues(name, outcome).Inc()
	return report, err
}

func (r *Registry) invoke(ctx context.Context, name string, scope Scope) (*Report, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &Error{Auditor: name, Kind: KindUnknownAuditor, Reason: "no auditor registered under this name"}
	}
	if err := scope.Validate(); err != nil {
		return nil, &Error{Auditor: name, Kind: KindScopeRejected, Reason: err.Error()}
	}

	key := name + "/" + scope.key()
	if r.cache != nil {
		if c, ok := r.cache.Get(key); ok {
			if time.Since(c.storedAt) < r.cfg.CacheTTL {
				rep := c.report
				rep.Findings = append([]Finding(nil), c.report.Findings...)
				rep.Scope = scope
				rep.Cached = true
				return &rep, nil
			}
			r.cache.Remove(key)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, &Error{Auditor: name, Kind: KindTimeout, Reason: "rate limit wait exceeded deadline", Err: err}
		}
	}

	type result struct {
		findings []Finding
		err      error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		findings, err := e.analyzer.Analyze(ctx, scope)
		done <- result{findings, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		return nil, &Error{Auditor: name, Kind: KindTimeout, Reason: fmt.Sprintf("no result within %s", r.cfg.Timeout), Err: ctx.Err()}
	}
	if res.err != nil {
		var ae *Error
		if errors.As(res.err, &ae) {
			if ae.Auditor == "" {
				ae.Auditor = name
			}
			return nil, ae
		}
		if errors.Is(res.err, context.DeadlineExceeded) {
			return nil, &Error{Auditor: name, Kind: KindTimeout, Reason: "analyzer exceeded its deadline", Err: res.err}
		}
		return nil, &Error{Auditor: name, Kind: KindFailed, Reason: "analyzer returned an error", Err: res.err}
	}
	if res.findings == nil {
		res.findings = []Finding{}
	}
	for i, f := range res.findings {
		if err := f.validate(); err != nil {
			return nil, &Error{Auditor: name, Kind: KindMalformedOutput, Reason: fmt.Sprintf("finding %d: %v", i, err)}
		}
	}

	rep := Report{
		Auditor:    name,
		Capability: e.Capability,
		Scope:      scope,
		Findings:   res.findings,
		Duration:   time.Since(start),
	}
	if r.cache != nil {
		stored := rep
		stored.Findings = append([]Finding(nil), rep.Findings...)
		r.cache.Add(key, cached{report: stored, storedAt: time.Now()})
	}
	return &rep, nil
}
