package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgraph/internal/events"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// Submit creates a task (Version 0) or updates its definition (Version > 0).
//
// Status, lease and attempt counters are owned by the lifecycle operations;
// an update that changes the status is rejected and the other fields are
// carried over from the stored task.
func (o *Orchestrator) Submit(ctx context.Context, t *task.Task) (*task.Task, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.submit")
	defer span.End()

	if t == nil {
		return nil, reject(span, task.Validation("", "task is required"))
	}
	span.SetAttributes(attribute.String("task.id", t.ID), attribute.Bool("create", t.Version == 0))

	if err := o.checkScope(t); err != nil {
		return nil, reject(span, err)
	}

	next := t.Clone()
	now := o.now()
	if next.Version == 0 {
		if next.Status == "" {
			next.Status = task.StatusTodo
		}
		next.Lease = nil
		next.Attempts = 0
		next.Escalated = false
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
		next.UpdatedAt = next.CreatedAt
	} else {
		prev, err := o.store.GetTask(ctx, next.ID)
		if err != nil {
			return nil, reject(span, err)
		}
		if next.Status == "" {
			next.Status = prev.Status
		}
		if next.Status != prev.Status {
			return nil, reject(span, &task.Error{
				Kind:   task.ErrInvalidTransition,
				ID:     next.ID,
				Reason: fmt.Sprintf("status is %s; use the lifecycle operations to change it", prev.Status),
			})
		}
		if next.Notes == nil {
			next.Notes = prev.Notes
		}
		next.Lease = prev.Lease
		next.Attempts = prev.Attempts
		next.Escalated = prev.Escalated
		next.CreatedAt = prev.CreatedAt
		next.UpdatedAt = now
	}

	saved, err := o.store.PutTask(ctx, next)
	if err != nil {
		return nil, reject(span, err)
	}

	typ := events.TaskUpdated
	if t.Version == 0 {
		typ = events.TaskCreated
	}
	o.logger.Debug("task submitted",
		zap.String("task_id", saved.ID),
		zap.String("event", string(typ)),
		zap.Int64("version", saved.Version),
	)
	o.publish(ctx, events.TaskEvent(typ, saved, ""))
	return saved, nil
}

// AddNote appends an informational note to a task that is not terminal.
func (o *Orchestrator) AddNote(ctx context.Context, id, text string) (*task.Task, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.add_note")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	if strings.TrimSpace(text) == "" {
		return nil, reject(span, task.Validation(id, "note text is required"))
	}
	saved, err := o.mutate(ctx, id, func(cur *task.Task) (*task.Task, error) {
		if cur.Status.Terminal() {
			return nil, &task.Error{Kind: task.ErrInvalidTransition, ID: id, Reason: fmt.Sprintf("task is %s", cur.Status)}
		}
		next := cur.Clone()
		now := o.now()
		next.AddNote(now, task.NoteInfo, o.redactor.Redact(text))
		next.UpdatedAt = now
		return next, nil
	})
	if err != nil {
		return nil, reject(span, err)
	}
	o.publish(ctx, events.TaskEvent(events.TaskUpdated, saved, ""))
	return saved, nil
}

// checkScope applies the decomposition threshold.
func (o *Orchestrator) checkScope(t *task.Task) error {
	if o.config.MaxTaskScope > 0 && t.Estimate > o.config.MaxTaskScope {
		return &task.Error{
			Kind:   task.ErrScopeTooLarge,
			ID:     t.ID,
			Reason: fmt.Sprintf("estimate %d exceeds the decomposition threshold %d; submit sub-tasks instead", t.Estimate, o.config.MaxTaskScope),
		}
	}
	return nil
}
