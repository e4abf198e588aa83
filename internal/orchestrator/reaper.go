package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgraph/internal/graph"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// ReapStale releases leases acquired more than olderThan ago. Escalated
// tasks are left for a human. A non-positive olderThan reaps nothing.
func (o *Orchestrator) ReapStale(ctx context.Context, olderThan time.Duration) ([]*task.Task, error) {
	if olderThan <= 0 {
		return nil, nil
	}
	doing, err := o.store.ListTasks(ctx, graph.Filter{Statuses: []task.Status{task.StatusDoing}})
	if err != nil {
		return nil, fmt.Errorf("failed to list doing tasks: %w", err)
	}
	cutoff := o.now().Add(-olderThan)

	var released []*task.Task
	for _, t := range doing {
		if t.Lease == nil || t.Escalated || !t.Lease.AcquiredAt.Before(cutoff) {
			continue
		}
		got, err := o.Release(ctx, TransitionRequest{
			ID:     t.ID,
			Owner:  t.Lease.Owner,
			Token:  t.Lease.Token,
			Reason: fmt.Sprintf("lease held by %s expired after %s", t.Lease.Owner, olderThan),
		})
		if err != nil {
			if errors.Is(err, task.ErrLeaseHeld) || errors.Is(err, task.ErrInvalidTransition) {
				continue
			}
			return released, err
		}
		released = append(released, got)
	}
	return released, nil
}

// RunReaper calls ReapStale every interval with the configured threshold
// until ctx is done. It returns immediately when the reaper is disabled.
func (o *Orchestrator) RunReaper(ctx context.Context, interval time.Duration) error {
	after := o.config.StaleLeaseAfter
	if after <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = after / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			released, err := o.ReapStale(ctx, after)
			if err != nil && ctx.Err() == nil {
				o.logger.Warn("stale lease reaper failed", zap.Error(err))
			}
			for _, t := range released {
				o.logger.Info("released stale lease", zap.String("task_id", t.ID))
			}
		}
	}
}
