package orchestrator

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgraph/internal/events"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// DecideRequest accepts or rejects a proposed decision.
type DecideRequest struct {
	ID        string `json:"id"`
	By        string `json:"by,omitempty"`
	Reasoning string `json:"reasoning"`
}

// ProposeDecision records a new decision as proposed.
func (o *Orchestrator) ProposeDecision(ctx context.Context, d *task.Decision) (*task.Decision, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.decision.propose")
	defer span.End()

	if d == nil {
		return nil, reject(span, task.Validation("", "decision is required"))
	}
	span.SetAttributes(attribute.String("decision.id", d.ID))
	next := *d
	if next.Status == "" {
		next.Status = task.DecisionProposed
	}
	if next.Version != 0 {
		return nil, reject(span, task.Validation(d.ID, "new decisions must have version 0"))
	}
	return o.putDecision(ctx, span, &next)
}

// EditDecision updates the description or reasoning of a proposed decision.
func (o *Orchestrator) EditDecision(ctx context.Context, d *task.Decision) (*task.Decision, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.decision.edit")
	defer span.End()

	if d == nil {
		return nil, reject(span, task.Validation("", "decision is required"))
	}
	span.SetAttributes(attribute.String("decision.id", d.ID))
	next := *d
	if next.Status == "" {
		next.Status = task.DecisionProposed
	}
	if next.Status != task.DecisionProposed {
		return nil, reject(span, task.Validation(d.ID, "use accept or reject to decide"))
	}
	if next.Version == 0 {
		return nil, reject(span, task.Validation(d.ID, "version is required to edit a decision"))
	}
	return o.putDecision(ctx, span, &next)
}

// AcceptDecision marks a proposed decision accepted. It is immutable afterwards.
func (o *Orchestrator) AcceptDecision(ctx context.Context, req DecideRequest) (*task.Decision, error) {
	return o.decide(ctx, req, task.DecisionAccepted)
}

// RejectDecision marks a proposed decision rejected. It is immutable afterwards.
func (o *Orchestrator) RejectDecision(ctx context.Context, req DecideRequest) (*task.Decision, error) {
	return o.decide(ctx, req, task.DecisionRejected)
}

// GetDecision returns a decision by id.
func (o *Orchestrator) GetDecision(ctx context.Context, id string) (*task.Decision, error) {
	return o.store.GetDecision(ctx, id)
}

// ListDecisions returns decisions, optionally filtered by status.
func (o *Orchestrator) ListDecisions(ctx context.Context, status task.DecisionStatus) ([]*task.Decision, error) {
	return o.store.ListDecisions(ctx, status)
}

func (o *Orchestrator) decide(ctx context.Context, req DecideRequest, status task.DecisionStatus) (*task.Decision, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.decision."+string(status))
	defer span.End()
	span.SetAttributes(attribute.String("decision.id", req.ID))

	prev, err := o.store.GetDecision(ctx, req.ID)
	if err != nil {
		return nil, reject(span, err)
	}
	next := *prev
	next.Status = status
	next.Reasoning = strings.TrimSpace(req.Reasoning)
	next.DecidedBy = req.By
	return o.putDecision(ctx, span, &next)
}

func (o *Orchestrator) putDecision(ctx context.Context, span trace.Span, d *task.Decision) (*task.Decision, error) {
	saved, err := o.store.PutDecision(ctx, d)
	if err != nil {
		return nil, reject(span, err)
	}
	o.logger.Info("decision recorded",
		zap.String("decision_id", saved.ID),
		zap.String("status", string(saved.Status)),
	)
	o.publish(ctx, events.DecisionEvent(saved))
	return saved, nil
}
