package graph

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// PrepareTask runs the checks every backend applies before persisting next.
// prev is the committed task with the same id, nil when absent. It returns
// the copy to persist with its version advanced and timestamps stamped.
//
// The done status is only reachable through PrepareCompletion.
func PrepareTask(prev, next *task.Task, lookup Lookup, now time.Time) (*task.Task, error) {
	if err := next.Validate(); err != nil {
		return nil, err
	}

	out := next.Clone()
	switch {
	case next.Version == 0:
		if prev != nil {
			return nil, &task.Error{Kind: task.ErrConflict, ID: next.ID, Reason: "task already exists"}
		}
		if next.Status != task.StatusTodo {
			return nil, task.Validation(next.ID, fmt.Sprintf("tasks are created as todo, got %s", next.Status))
		}
		if next.CreatedAt.IsZero() {
			out.CreatedAt = now
		}
	default:
		if prev == nil {
			return nil, task.NotFound(next.ID)
		}
		if prev.Version != next.Version {
			return nil, task.Conflict(next.ID, next.Version, prev.Version)
		}
		if prev.Status.Terminal() {
			return nil, &task.Error{Kind: task.ErrInvalidTransition, ID: next.ID, Reason: fmt.Sprintf("task is %s", prev.Status)}
		}
		if prev.Status != next.Status && !task.CanTransition(prev.Status, next.Status) {
			return nil, &task.Error{
				Kind:   task.ErrInvalidTransition,
				ID:     next.ID,
				Reason: fmt.Sprintf("cannot move from %s to %s", prev.Status, next.Status),
			}
		}
		if !task.NotesExtend(prev.Notes, next.Notes) {
			return nil, task.Validation(next.ID, "notes are append-only")
		}
		out.CreatedAt = prev.CreatedAt
	}
	if next.Status == task.StatusDone {
		return nil, &task.Error{Kind: task.ErrInvalidTransition, ID: next.ID, Reason: "done is only reachable through a verified completion"}
	}

	if err := CheckEdges(next, lookup); err != nil {
		return nil, err
	}

	out.Version = next.Version + 1
	if out.UpdatedAt.IsZero() || (prev != nil && !out.UpdatedAt.After(prev.UpdatedAt)) {
		out.UpdatedAt = now
	}
	return out, nil
}

// PrepareCompletion checks a doing -> done write and returns the copy to persist.
func PrepareCompletion(prev, next *task.Task, now time.Time) (*task.Task, error) {
	if prev == nil {
		return nil, task.NotFound(next.ID)
	}
	if prev.Version != next.Version {
		return nil, task.Conflict(next.ID, next.Version, prev.Version)
	}
	if prev.Status != task.StatusDoing || next.Status != task.StatusDone {
		return nil, &task.Error{
			Kind:   task.ErrInvalidTransition,
			ID:     next.ID,
			Reason: fmt.Sprintf("completion requires doing -> done, got %s -> %s", prev.Status, next.Status),
		}
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if !task.NotesExtend(prev.Notes, next.Notes) {
		return nil, task.Validation(next.ID, "notes are append-only")
	}
	out := next.Clone()
	out.CreatedAt = prev.CreatedAt
	out.Version = next.Version + 1
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = now
	}
	return out, nil
}

// PrepareDecision checks a decision write against the committed prev.
func PrepareDecision(prev, next *task.Decision, now time.Time) (*task.Decision, error) {
	if err := next.Validate(); err != nil {
		return nil, err
	}
	switch {
	case next.Version == 0 && prev != nil:
		return nil, &task.Error{Kind: task.ErrConflict, ID: next.ID, Reason: "decision already exists"}
	case next.Version > 0 && prev == nil:
		return nil, task.NotFound(next.ID)
	case prev != nil && prev.Version != next.Version:
		return nil, task.Conflict(next.ID, next.Version, prev.Version)
	}
	if err := task.CheckDecisionUpdate(prev, next); err != nil {
		return nil, err
	}
	out := *next
	out.Version = next.Version + 1
	if prev != nil {
		out.CreatedAt = prev.CreatedAt
	} else if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.UpdatedAt = now
	return &out, nil
}
