// Package worker runs leased tasks concurrently. Each worker holds at most
// one lease at a time: it leases the next ready task, executes it, runs its
// verification and retries until the task passes, escalates or blocks.
// Every exit path other than a pass hands the lease back, either by blocking
// the task or releasing it to todo.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/taskgraph/internal/orchestrator"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
	"github.com/fyrsmithlabs/taskgraph/internal/verify"
)

// Engine is the subset of the orchestrator a worker drives.
type Engine interface {
	LeaseMatching(ctx context.Context, owner string, accept func(*task.Task) bool) (*task.Task, error)
	RunVerification(ctx context.Context, id, owner string, checker verify.Checker) (*orchestrator.VerifyResult, error)
	Block(ctx context.Context, req orchestrator.TransitionRequest) (*task.Task, error)
	Release(ctx context.Context, req orchestrator.TransitionRequest) (*task.Task, error)
}

// Config configures a Pool.
type Config struct {
	// Workers is the number of concurrent leases (default: 2).
	Workers int `json:"workers" koanf:"workers"`

	// PollInterval is the wait between lease attempts when nothing is ready (default: 2s).
	PollInterval time.Duration `json:"poll_interval" koanf:"poll_interval"`

	// Name prefixes lease owners; defaults to the hostname.
	Name string `json:"name" koanf:"name"`

	// ReleaseOnShutdown returns in-flight tasks to todo when the pool stops.
	ReleaseOnShutdown bool `json:"release_on_shutdown" koanf:"release_on_shutdown"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Workers: 2, PollInterval: 2 * time.Second, ReleaseOnShutdown: true}
}

// Stats counts what the pool has done.
type Stats struct {
	Leased    int64 `json:"leased"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Escalated int64 `json:"escalated"`
	Blocked   int64 `json:"blocked"`
	Released  int64 `json:"released"`
}

// Pool runs tasks with bounded concurrency.
type Pool struct {
	engine  Engine
	exec    Executor
	checker verify.Checker
	cfg     Config
	logger  *zap.Logger

	// unrunnable holds ids the checker refused; they wait for an attestation.
	unrunnable sync.Map

	leased, completed, failed, escalated, blocked, released atomic.Int64
}

// New creates a pool.
func New(engine Engine, exec Executor, checker verify.Checker, cfg Config, logger *zap.Logger) (*Pool, error) {
	if engine == nil || exec == nil || checker == nil {
		return nil, errors.New("engine, executor and checker are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		cfg.Name = host
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{engine: engine, exec: exec, checker: checker, cfg: cfg, logger: logger}, nil
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Leased:    p.leased.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Escalated: p.escalated.Load(),
		Blocked:   p.blocked.Load(),
		Released:  p.released.Load(),
	}
}

// Run starts the workers and blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	p.logger.Info("worker pool started", zap.Int("workers", p.cfg.Workers), zap.String("name", p.cfg.Name))
	for i := 0; i < p.cfg.Workers; i++ {
		owner := fmt.Sprintf("%s-%d", p.cfg.Name, i)
		g.Go(func() error {
			p.work(ctx, owner)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped", zap.Any("stats", p.Stats()))
	return err
}

func (p *Pool) work(ctx context.Context, owner string) {
	log := p.logger.With(zap.String("lease_owner", owner))
	for ctx.Err() == nil {
		t, err := p.engine.LeaseMatching(ctx, owner, p.accepts)
		if err != nil && ctx.Err() == nil {
			log.Warn("lease failed", zap.Error(err))
		}
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		p.leased.Add(1)
		p.run(ctx, log, owner, t)
	}
}

// accepts filters out tasks this pool's checker cannot verify.
func (p *Pool) accepts(t *task.Task) bool {
	if _, skip := p.unrunnable.Load(t.ID); skip {
		return false
	}
	if sel, ok := p.checker.(verify.Selective); ok {
		return sel.Accepts(t)
	}
	return true
}

// run drives one leased task until it leaves this worker's hands.
func (p *Pool) run(ctx context.Context, log *zap.Logger, owner string, t *task.Task) {
	log = log.With(zap.String("task_id", t.ID))
	for {
		if err := p.exec.Execute(ctx, t); err != nil {
			if ctx.Err() != nil {
				p.shutdown(log, owner, t.ID)
				return
			}
			log.Warn("executor failed, blocking task", zap.Error(err))
			p.settle(ctx, log, p.engine.Block, owner, t.ID, "executor failed: "+err.Error(), &p.blocked)
			return
		}

		res, err := p.engine.RunVerification(ctx, t.ID, owner, p.checker)
		switch {
		case ctx.Err() != nil:
			p.shutdown(log, owner, t.ID)
			return
		case errors.Is(err, verify.ErrNotRunnable):
			p.unrunnable.Store(t.ID, struct{}{})
			log.Info("task awaits attestation, releasing")
			p.settle(ctx, log, p.engine.Release, owner, t.ID, "verification needs a human attestation", &p.released)
			return
		case err != nil:
			log.Warn("verification could not run, releasing task", zap.Error(err))
			p.settle(ctx, log, p.engine.Release, owner, t.ID, "verification could not run: "+err.Error(), &p.released)
			return
		case res.Verdict.Pass:
			p.completed.Add(1)
			log.Info("task completed", zap.Int64("checkpoint_seq", res.Checkpoint.Seq))
			return
		case res.Escalated:
			p.failed.Add(1)
			p.escalated.Add(1)
			log.Warn("task escalated, blocking", zap.Int("attempts", res.Task.Attempts))
			reason := fmt.Sprintf("escalated after %d failed verifications: %s", res.Task.Attempts, res.Verdict.Reason)
			p.settle(ctx, log, p.engine.Block, owner, t.ID, reason, &p.blocked)
			return
		}
		p.failed.Add(1)
		log.Info("verification failed, retrying", zap.String("reason", res.Verdict.Reason))
		t = res.Task
	}
}

func (p *Pool) shutdown(log *zap.Logger, owner, id string) {
	if !p.cfg.ReleaseOnShutdown {
		return
	}
	p.transition(log, p.engine.Release, owner, id, "worker shutting down", &p.released)
}

type transitionFunc func(context.Context, orchestrator.TransitionRequest) (*task.Task, error)

// settle retries a hand-back until it lands, the lease is gone or ctx ends.
// A worker must not lease again while it still holds a task.
func (p *Pool) settle(ctx context.Context, log *zap.Logger, fn transitionFunc, owner, id, reason string, counter *atomic.Int64) {
	for !p.transition(log, fn, owner, id, reason, counter) {
		select {
		case <-ctx.Done():
			p.shutdown(log, owner, id)
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// transition uses a fresh context so it still lands while the pool is
// stopping. It reports false only when retrying could help.
func (p *Pool) transition(log *zap.Logger, fn transitionFunc, owner, id, reason string, counter *atomic.Int64) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := fn(ctx, orchestrator.TransitionRequest{ID: id, Owner: owner, Reason: reason})
	switch {
	case err == nil:
		counter.Add(1)
		return true
	case errors.Is(err, task.ErrLeaseHeld), errors.Is(err, task.ErrInvalidTransition), errors.Is(err, task.ErrNotFound):
		log.Info("task already out of this worker's hands", zap.Error(err))
		return true
	}
	log.Warn("transition failed", zap.Error(err))
	return false
}
