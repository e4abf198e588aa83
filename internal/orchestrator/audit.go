package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgraph/internal/auditor"
	"github.com/fyrsmithlabs/taskgraph/internal/events"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// AuditRequest invokes one auditor.
type AuditRequest struct {
	Auditor string        `json:"auditor"`
	Scope   auditor.Scope `json:"scope"`

	// Spawn creates a follow-up task for every finding at or above MinSeverity.
	Spawn       bool             `json:"spawn,omitempty"`
	MinSeverity auditor.Severity `json:"min_severity,omitempty"`
}

// AuditResult holds the report and what the orchestrator did with it.
type AuditResult struct {
	Report  *auditor.Report `json:"report"`
	Task    *task.Task      `json:"task,omitempty"`
	Spawned []*task.Task    `json:"spawned,omitempty"`
}

const maxTitleLen = 120

// Audit invokes an auditor. Findings are attached to the scope's task as
// notes when the task is not terminal, and optionally spawned as new tasks.
// Auditor failures are returned as *auditor.Error.
//
// Spawning is not atomic. When a spawn fails, Audit returns the error along
// with a result whose Spawned lists the tasks created before the failure.
func (o *Orchestrator) Audit(ctx context.Context, req AuditRequest) (*AuditResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.audit")
	defer span.End()
	span.SetAttributes(attribute.String("auditor", req.Auditor), attribute.String("task.id", req.Scope.TaskID))

	if o.auditors == nil {
		return nil, reject(span, &auditor.Error{Auditor: req.Auditor, Kind: auditor.KindUnknownAuditor, Reason: "no auditors are configured"})
	}
	minSeverity := req.MinSeverity
	if minSeverity == "" {
		minSeverity = o.config.SpawnMinSeverity
	}
	if minSeverity.Rank() < 0 {
		return nil, reject(span, task.Validation(req.Scope.TaskID, fmt.Sprintf("unknown severity %q", minSeverity)))
	}

	var target *task.Task
	if req.Scope.TaskID != "" {
		t, err := o.store.GetTask(ctx, req.Scope.TaskID)
		if err != nil {
			return nil, reject(span, err)
		}
		target = t
	}

	report, err := o.auditors.Invoke(ctx, req.Auditor, req.Scope)
	if err != nil {
		return nil, reject(span, err)
	}
	for i := range report.Findings {
		f := &report.Findings[i]
		f.Description = o.redactor.Redact(f.Description)
		f.Location = o.redactor.Redact(f.Location)
		f.Recommendation = o.redactor.Redact(f.Recommendation)
	}

	res := &AuditResult{Report: report}
	if target != nil && !target.Status.Terminal() {
		saved, err := o.attachFindings(ctx, target.ID, report)
		if err != nil {
			return nil, reject(span, err)
		}
		res.Task = saved
	}

	if req.Spawn {
		prefix := "audit"
		if target != nil {
			prefix = target.ID
		}
		findings := report.AtLeast(minSeverity)
		for _, f := range findings {
			spawned, err := o.Submit(ctx, followUp(prefix, req.Auditor, f))
			if err != nil {
				return res, reject(span, fmt.Errorf("failed to spawn task %d of %d for finding %q: %w",
					len(res.Spawned)+1, len(findings), f.Description, err))
			}
			res.Spawned = append(res.Spawned, spawned)
		}
	}

	o.logger.Info("audit completed",
		zap.String("auditor", req.Auditor),
		zap.Int("findings", len(report.Findings)),
		zap.Int("spawned", len(res.Spawned)),
	)
	return res, nil
}

func (o *Orchestrator) attachFindings(ctx context.Context, id string, report *auditor.Report) (*task.Task, error) {
	saved, err := o.mutate(ctx, id, func(cur *task.Task) (*task.Task, error) {
		next := cur.Clone()
		now := o.now()
		if len(report.Findings) == 0 {
			next.AddNote(now, task.NoteInfo, fmt.Sprintf("audit %s: no findings", report.Auditor))
		}
		for _, f := range report.Findings {
			next.AddNote(now, task.NoteFinding, fmt.Sprintf("audit %s: %s", report.Auditor, f))
		}
		next.UpdatedAt = now
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, events.TaskEvent(events.TaskUpdated, saved, "findings attached"))
	return saved, nil
}

func followUp(prefix, auditorName string, f auditor.Finding) *task.Task {
	title := fmt.Sprintf("%s: %s", f.Category, f.Description)
	if r := []rune(title); len(r) > maxTitleLen {
		title = string(r[:maxTitleLen-3]) + "..."
	}
	return &task.Task{
		ID:          fmt.Sprintf("%s-%s", prefix, uuid.New().String()[:8]),
		Title:       title,
		Status:      task.StatusTodo,
		Priority:    severityPriority(f.Severity),
		Deliverable: f.Recommendation,
		Verify: task.VerifySpec{
			Kind:      task.VerifyManual,
			Criterion: "finding resolved: " + f.String(),
		},
		Tags: []string{"audit", auditorName},
	}
}

func severityPriority(s auditor.Severity) task.Priority {
	switch s {
	case auditor.SeverityCritical:
		return task.P0
	case auditor.SeverityHigh:
		return task.P1
	case auditor.SeverityMedium:
		return task.P2
	}
	return task.P3
}
