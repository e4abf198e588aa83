package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgraph/internal/checkpoint"
	"github.com/fyrsmithlabs/taskgraph/internal/events"
	"github.com/fyrsmithlabs/taskgraph/internal/graph"
	"github.com/fyrsmithlabs/taskgraph/internal/scheduler"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
	"github.com/fyrsmithlabs/taskgraph/internal/verify"
)

// StartRequest leases a todo task.
type StartRequest struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`

	// Deliverable, when set, must match the task's declared deliverable.
	Deliverable string `json:"deliverable,omitempty"`
}

// TransitionRequest carries an explicit block, unblock, skip or release.
type TransitionRequest struct {
	ID string `json:"id"`

	// Owner, when set, must hold the lease of a doing task.
	Owner string `json:"owner,omitempty"`

	// Token, when set, must match the current lease. It pins the request to
	// one lease, so a task released and leased again is left alone.
	Token  string `json:"token,omitempty"`
	Reason string `json:"reason"`
}

// VerifyRequest submits evidence for a doing task. An empty Owner is the
// operator path: the lease is not checked, and the evidence is judged on
// its own like any other.
type VerifyRequest struct {
	ID       string          `json:"id"`
	Owner    string          `json:"owner,omitempty"`
	Evidence verify.Evidence `json:"evidence"`
}

// VerifyResult is the outcome of a verification submission.
type VerifyResult struct {
	Verdict    verify.Verdict         `json:"verdict"`
	Task       *task.Task             `json:"task"`
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
	Escalated  bool                   `json:"escalated,omitempty"`
}

// Err returns nil for a pass, ErrEscalationRequired for an escalated task
// and ErrVerificationFailed otherwise.
func (r *VerifyResult) Err() error {
	switch {
	case r.Verdict.Pass:
		return nil
	case r.Escalated:
		return &task.Error{Kind: task.ErrEscalationRequired, ID: r.Task.ID, Reason: r.Verdict.Reason}
	default:
		return &task.Error{Kind: task.ErrVerificationFailed, ID: r.Task.ID, Reason: r.Verdict.Reason}
	}
}

// Start moves a todo task to doing under a new lease for req.Owner.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*task.Task, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.start")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", req.ID), attribute.String("lease.owner", req.Owner))

	if strings.TrimSpace(req.Owner) == "" {
		return nil, reject(span, task.Validation(req.ID, "owner is required to start a task"))
	}

	saved, err := o.mutate(ctx, req.ID, func(cur *task.Task) (*task.Task, error) {
		if cur.Status == task.StatusDoing && cur.Lease != nil {
			return nil, &task.Error{Kind: task.ErrLeaseHeld, ID: cur.ID, Reason: fmt.Sprintf("leased by %s", cur.Lease.Owner)}
		}
		if err := o.checkScope(cur); err != nil {
			return nil, err
		}
		if want := strings.TrimSpace(req.Deliverable); want != "" && want != strings.TrimSpace(cur.Deliverable) {
			return nil, task.Validation(cur.ID, fmt.Sprintf("declared deliverable %q does not match the task's %q", want, cur.Deliverable))
		}
		satisfied, err := o.store.DependenciesSatisfied(ctx, cur.ID)
		if err != nil {
			return nil, err
		}
		now := o.now()
		return task.Apply(cur, task.EventStart, task.Input{
			At:            now,
			DepsSatisfied: satisfied,
			Lease:         &task.Lease{Owner: req.Owner, Token: uuid.New().String(), AcquiredAt: now},
		})
	})
	if err != nil {
		return nil, reject(span, err)
	}

	transitionsTotal.WithLabelValues(string(task.EventStart)).Inc()
	o.logger.Info("task started", zap.String("task_id", saved.ID), zap.String("lease_owner", req.Owner))
	o.publish(ctx, events.TaskEvent(events.TaskStarted, saved, ""))
	return saved, nil
}

// Lease starts the highest ranked ready task that owner can win. It returns
// nil when nothing is ready.
func (o *Orchestrator) Lease(ctx context.Context, owner string) (*task.Task, error) {
	return o.LeaseMatching(ctx, owner, nil)
}

// LeaseMatching is Lease restricted to ready tasks accept reports true for.
// A nil accept takes any ready task.
func (o *Orchestrator) LeaseMatching(ctx context.Context, owner string, accept func(*task.Task) bool) (*task.Task, error) {
	ready, err := o.Ready(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range ready {
		if accept != nil && !accept(t) {
			continue
		}
		got, err := o.Start(ctx, StartRequest{ID: t.ID, Owner: owner})
		if err == nil {
			return got, nil
		}
		switch {
		case errors.Is(err, task.ErrLeaseHeld),
			errors.Is(err, task.ErrConflict),
			errors.Is(err, task.ErrInvalidTransition),
			errors.Is(err, task.ErrScopeTooLarge):
			continue
		}
		return nil, err
	}
	return nil, nil
}

// Verify evaluates evidence for a doing task. A pass completes the task and
// appends its checkpoint; a fail keeps it doing and appends the reason to
// its notes.
func (o *Orchestrator) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.verify")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", req.ID), attribute.String("evidence.kind", string(req.Evidence.Kind)))

	if err := ctx.Err(); err != nil {
		return nil, reject(span, err)
	}
	cur, err := o.store.GetTask(ctx, req.ID)
	if err != nil {
		return nil, reject(span, err)
	}
	if cur.Status != task.StatusDoing {
		return nil, reject(span, &task.Error{Kind: task.ErrInvalidTransition, ID: cur.ID, Reason: fmt.Sprintf("cannot verify a %s task", cur.Status)})
	}
	if err := checkOwner(cur, req.Owner); err != nil {
		return nil, reject(span, err)
	}

	verdict := o.gate.Evaluate(cur, req.Evidence)
	verificationsTotal.WithLabelValues(string(verdict.Code)).Inc()
	span.SetAttributes(attribute.Bool("verdict.pass", verdict.Pass), attribute.String("verdict.code", string(verdict.Code)))

	var res *VerifyResult
	if verdict.Pass {
		res, err = o.complete(ctx, cur, verdict)
	} else {
		res, err = o.recordFailure(ctx, cur, req.Owner, verdict)
	}
	if err != nil {
		return nil, reject(span, err)
	}
	return res, nil
}

// RunVerification runs checker for a doing task and submits its evidence.
// A cancelled run changes nothing.
func (o *Orchestrator) RunVerification(ctx context.Context, id, owner string, checker verify.Checker) (*VerifyResult, error) {
	cur, err := o.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != task.StatusDoing {
		return nil, &task.Error{Kind: task.ErrInvalidTransition, ID: id, Reason: fmt.Sprintf("cannot verify a %s task", cur.Status)}
	}
	if err := checkOwner(cur, owner); err != nil {
		return nil, err
	}

	ev, err := checker.Check(ctx, cur)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("verification of %s cancelled: %w", id, ctxErr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to run verification for %s: %w", id, err)
	}
	return o.Verify(ctx, VerifyRequest{ID: id, Owner: owner, Evidence: ev})
}

func (o *Orchestrator) complete(ctx context.Context, cur *task.Task, verdict verify.Verdict) (*VerifyResult, error) {
	o.completeMu.Lock()
	defer o.completeMu.Unlock()

	now := o.now()
	next, err := task.Apply(cur, task.EventPass, task.Input{At: now})
	if err != nil {
		return nil, err
	}

	// The recommendation is computed as if next were already committed.
	all, err := o.store.ListTasks(ctx, graph.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	for i, t := range all {
		if t.ID == next.ID {
			all[i] = next
		}
	}
	var nextID string
	if rec := scheduler.NextReady(all); rec != nil {
		nextID = rec.ID
	}

	done, cp, err := o.store.Complete(ctx, next, checkpoint.New(next.ID, nextID, now))
	if err != nil {
		return nil, err
	}

	o.sessionMu.Lock()
	o.session.LastCompleted = done.ID
	o.sessionMu.Unlock()

	transitionsTotal.WithLabelValues(string(task.EventPass)).Inc()
	checkpointsTotal.Inc()
	o.logger.Info("task completed",
		zap.String("task_id", done.ID),
		zap.Int64("checkpoint_seq", cp.Seq),
		zap.String("next_task", cp.NextTask),
	)
	o.publish(ctx, events.TaskEvent(events.TaskCompleted, done, ""))
	o.publish(ctx, events.CheckpointEvent(cp))
	return &VerifyResult{Verdict: verdict, Task: done, Checkpoint: cp}, nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, cur *task.Task, owner string, verdict verify.Verdict) (*VerifyResult, error) {
	reason := o.redactor.Redact(verdict.Reason)
	if strings.TrimSpace(reason) == "" {
		reason = string(verdict.Code)
	}

	escalatedNow := false
	saved, err := o.mutate(ctx, cur.ID, func(cur *task.Task) (*task.Task, error) {
		if cur.Status != task.StatusDoing {
			return nil, &task.Error{Kind: task.ErrInvalidTransition, ID: cur.ID, Reason: fmt.Sprintf("cannot verify a %s task", cur.Status)}
		}
		if err := checkOwner(cur, owner); err != nil {
			return nil, err
		}
		at := o.now()
		next, err := task.Apply(cur, task.EventFail, task.Input{At: at, Reason: reason})
		if err != nil {
			return nil, err
		}
		escalatedNow = false
		if next.Attempts >= o.config.MaxVerifyAttempts && !next.Escalated {
			next.Escalated = true
			next.AddNote(at, task.NoteEscalation, fmt.Sprintf(
				"verification failed %d times; a decision is needed before further attempts", next.Attempts))
			escalatedNow = true
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}

	transitionsTotal.WithLabelValues(string(task.EventFail)).Inc()
	o.logger.Info("verification failed",
		zap.String("task_id", saved.ID),
		zap.String("code", string(verdict.Code)),
		zap.Int("attempts", saved.Attempts),
	)
	o.publish(ctx, events.TaskEvent(events.TaskVerifyFailed, saved, reason))
	if escalatedNow {
		escalationsTotal.Inc()
		o.logger.Warn("task escalated", zap.String("task_id", saved.ID), zap.Int("attempts", saved.Attempts))
		o.publish(ctx, events.TaskEvent(events.TaskEscalated, saved, reason))
	}
	verdict.Reason = reason
	return &VerifyResult{Verdict: verdict, Task: saved, Escalated: saved.Escalated}, nil
}

// Block parks a doing task with a reason.
func (o *Orchestrator) Block(ctx context.Context, req TransitionRequest) (*task.Task, error) {
	return o.transition(ctx, task.EventBlock, events.TaskBlocked, req)
}

// Unblock returns a blocked task to todo.
func (o *Orchestrator) Unblock(ctx context.Context, req TransitionRequest) (*task.Task, error) {
	return o.transition(ctx, task.EventUnblock, events.TaskUnblocked, req)
}

// Skip abandons a todo or doing task for good.
func (o *Orchestrator) Skip(ctx context.Context, req TransitionRequest) (*task.Task, error) {
	return o.transition(ctx, task.EventSkip, events.TaskSkipped, req)
}

// Release gives up the lease on a doing task and returns it to todo.
func (o *Orchestrator) Release(ctx context.Context, req TransitionRequest) (*task.Task, error) {
	return o.transition(ctx, task.EventRelease, events.TaskReleased, req)
}

func (o *Orchestrator) transition(ctx context.Context, ev task.Event, typ events.Type, req TransitionRequest) (*task.Task, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator."+string(ev))
	defer span.End()
	span.SetAttributes(attribute.String("task.id", req.ID))

	reason := o.redactor.Redact(req.Reason)
	saved, err := o.mutate(ctx, req.ID, func(cur *task.Task) (*task.Task, error) {
		if cur.Status == task.StatusDoing {
			if err := checkLease(cur, req.Owner, req.Token); err != nil {
				return nil, err
			}
		}
		return task.Apply(cur, ev, task.Input{At: o.now(), Reason: reason})
	})
	if err != nil {
		return nil, reject(span, err)
	}

	transitionsTotal.WithLabelValues(string(ev)).Inc()
	o.logger.Info("task "+string(typ), zap.String("task_id", saved.ID), zap.String("reason", reason))
	o.publish(ctx, events.TaskEvent(typ, saved, reason))
	return saved, nil
}
