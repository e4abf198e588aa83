// Package graph defines the task dependency graph store and the checks every
// backend applies before committing a write.
package graph

import (
	"context"

	"github.com/fyrsmithlabs/taskgraph/internal/checkpoint"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// Store persists tasks and decisions.
//
// Reads always observe the latest committed write. A rejected write leaves
// the store unchanged.
type Store interface {
	// GetTask returns a copy of the task or task.ErrNotFound.
	GetTask(ctx context.Context, id string) (*task.Task, error)

	// ListTasks returns matching tasks in scheduling order.
	ListTasks(ctx context.Context, f Filter) ([]*task.Task, error)

	// PutTask creates (Version 0) or compare-and-swap updates (Version > 0) a task.
	// The returned task carries the committed version and timestamps.
	PutTask(ctx context.Context, t *task.Task) (*task.Task, error)

	// DependenciesSatisfied reports whether every dependency of id is done.
	DependenciesSatisfied(ctx context.Context, id string) (bool, error)

	// GetDecision returns a copy of the decision or task.ErrNotFound.
	GetDecision(ctx context.Context, id string) (*task.Decision, error)

	// ListDecisions returns decisions, optionally filtered by status, ordered by id.
	ListDecisions(ctx context.Context, status task.DecisionStatus) ([]*task.Decision, error)

	// PutDecision creates or compare-and-swap updates a decision.
	PutDecision(ctx context.Context, d *task.Decision) (*task.Decision, error)
}

// Backend is a Store with a checkpoint ledger that commits alongside it.
type Backend interface {
	Store
	checkpoint.Ledger

	// Complete commits the doing -> done write of t and appends cp as one
	// atomic unit. Either both are visible afterwards or neither is.
	Complete(ctx context.Context, t *task.Task, cp *checkpoint.Checkpoint) (*task.Task, *checkpoint.Checkpoint, error)

	// Close releases backend resources.
	Close() error
}

// Filter selects tasks. Zero-valued fields match everything.
type Filter struct {
	Statuses   []task.Status
	Priorities []task.Priority
	IDs        []string
	Tag        string
}

// Match reports whether t passes the filter.
func (f Filter) Match(t *task.Task) bool {
	if len(f.Statuses) > 0 && !contains(f.Statuses, t.Status) {
		return false
	}
	if len(f.Priorities) > 0 && !contains(f.Priorities, t.Priority) {
		return false
	}
	if len(f.IDs) > 0 && !contains(f.IDs, t.ID) {
		return false
	}
	if f.Tag != "" && !t.HasTag(f.Tag) {
		return false
	}
	return true
}

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
