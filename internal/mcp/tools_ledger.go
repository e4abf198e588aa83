package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/taskgraph/internal/auditor"
	"github.com/fyrsmithlabs/taskgraph/internal/checkpoint"
	"github.com/fyrsmithlabs/taskgraph/internal/orchestrator"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// ===== LEDGER TOOLS =====

type checkpointListInput struct {
	After int64 `json:"after,omitempty" jsonschema:"Only checkpoints with a greater sequence number"`
	Limit int   `json:"limit,omitempty" jsonschema:"Maximum checkpoints to return (default 50)"`
}

type sessionResumeInput struct {
	Expected string `json:"expected,omitempty" jsonschema:"Task id you believe completed last; a mismatch is reported as a discontinuity"`
}

func (s *Server) registerLedgerTools() {
	addTool(s, ToolMetadata{
		Name:        "checkpoint_latest",
		Description: "Return the most recent checkpoint: the last completed task and the recommended next task",
		Category:    CategoryLedger,
		Keywords:    []string{"progress", "resume", "last"},
	}, func(ctx context.Context, _ emptyInput) (any, string, error) {
		cp, err := s.engine.Latest(ctx)
		if err != nil {
			return nil, "", err
		}
		if cp == nil {
			return nil, "No task has completed yet", nil
		}
		return cp, fmt.Sprintf("Checkpoint %d: completed %s, next %s", cp.Seq, cp.LastTaskCompleted, orNone(cp.NextTask)), nil
	})

	addTool(s, ToolMetadata{
		Name:        "checkpoint_list",
		Description: "List checkpoints in sequence order",
		Category:    CategoryLedger,
		Keywords:    []string{"history", "ledger"},
	}, func(ctx context.Context, in checkpointListInput) (any, string, error) {
		limit := in.Limit
		if limit <= 0 {
			limit = 50
		}
		cps, err := s.engine.Checkpoints(ctx, in.After, limit)
		if err != nil {
			return nil, "", err
		}
		if cps == nil {
			cps = []*checkpoint.Checkpoint{}
		}
		return cps, fmt.Sprintf("%d checkpoints", len(cps)), nil
	})

	addTool(s, ToolMetadata{
		Name:        "session_resume",
		Description: "Reconstruct state after an interruption: the graph, decisions and ledger, plus any discontinuity against what you expected",
		Category:    CategoryLedger,
		Keywords:    []string{"recover", "restart", "context"},
	}, func(ctx context.Context, in sessionResumeInput) (any, string, error) {
		rec, err := s.engine.Resume(ctx, in.Expected)
		if err != nil {
			return nil, "", err
		}
		return rec, resumeSummary(rec), nil
	})

	addTool(s, ToolMetadata{
		Name:        "graph_snapshot",
		Description: "Return every task and decision with status counts and the next recommendation",
		Category:    CategoryLedger,
		Keywords:    []string{"export", "board", "state"},
	}, func(ctx context.Context, _ emptyInput) (any, string, error) {
		snap, err := s.engine.Snapshot(ctx)
		if err != nil {
			return nil, "", err
		}
		return snap, countsSummary(snap.Counts), nil
	})
}

func resumeSummary(rec *orchestrator.Recovery) string {
	var b strings.Builder
	if rec.Discontinuity != nil {
		b.WriteString("DISCONTINUITY: ")
		b.WriteString(rec.Discontinuity.Error())
		b.WriteString(". ")
	}
	snap := rec.Snapshot
	if snap.Latest != nil {
		fmt.Fprintf(&b, "Last completed %s. ", snap.Latest.LastTaskCompleted)
	}
	if snap.Next != nil {
		fmt.Fprintf(&b, "Next %s. ", snap.Next.ID)
	}
	b.WriteString(countsSummary(snap.Counts))
	return b.String()
}

func countsSummary(counts map[task.Status]int) string {
	parts := make([]string, 0, len(task.Statuses))
	for _, st := range task.Statuses {
		parts = append(parts, fmt.Sprintf("%s=%d", st, counts[st]))
	}
	return strings.Join(parts, " ")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// ===== DECISION TOOLS =====

type decisionProposeInput struct {
	ID          string `json:"id" jsonschema:"Decision id"`
	Description string `json:"description" jsonschema:"The choice being proposed"`
}

type decisionEditInput struct {
	ID          string `json:"id" jsonschema:"Decision id"`
	Description string `json:"description" jsonschema:"Revised description"`
	Version     int64  `json:"version" jsonschema:"Current version of the decision"`
}

type decisionDecideInput struct {
	ID        string `json:"id" jsonschema:"Decision id"`
	By        string `json:"by,omitempty" jsonschema:"Who decided (default: the server's configured owner)"`
	Reasoning string `json:"reasoning" jsonschema:"Why; required"`
}

type decisionIDInput struct {
	ID string `json:"id" jsonschema:"Decision id"`
}

type decisionListInput struct {
	Status string `json:"status,omitempty" jsonschema:"proposed, accepted or rejected"`
}

func (s *Server) registerDecisionTools() {
	addTool(s, ToolMetadata{
		Name:        "decision_propose",
		Description: "Record a proposed architectural decision",
		Category:    CategoryDecisions,
		Keywords:    []string{"adr", "architecture", "choice"},
	}, func(ctx context.Context, in decisionProposeInput) (any, string, error) {
		d, err := s.engine.ProposeDecision(ctx, &task.Decision{ID: in.ID, Description: in.Description})
		if err != nil {
			return nil, "", err
		}
		return d, fmt.Sprintf("Decision %s proposed", d.ID), nil
	})

	addTool(s, ToolMetadata{
		Name:        "decision_edit",
		Description: "Revise a proposed decision. Accepted and rejected decisions cannot change.",
		Category:    CategoryDecisions,
	}, func(ctx context.Context, in decisionEditInput) (any, string, error) {
		d, err := s.engine.EditDecision(ctx, &task.Decision{ID: in.ID, Description: in.Description, Version: in.Version})
		if err != nil {
			return nil, "", err
		}
		return d, fmt.Sprintf("Decision %s updated to version %d", d.ID, d.Version), nil
	})

	decide := []struct {
		name, desc string
		fn         func(context.Context, orchestrator.DecideRequest) (*task.Decision, error)
	}{
		{"decision_accept", "Accept a proposed decision with reasoning; this is permanent", s.engine.AcceptDecision},
		{"decision_reject", "Reject a proposed decision with reasoning; this is permanent", s.engine.RejectDecision},
	}
	for _, dc := range decide {
		addTool(s, ToolMetadata{
			Name:        dc.name,
			Description: dc.desc,
			Category:    CategoryDecisions,
		}, func(ctx context.Context, in decisionDecideInput) (any, string, error) {
			by := in.By
			if by == "" {
				by = s.config.Owner
			}
			d, err := dc.fn(ctx, orchestrator.DecideRequest{ID: in.ID, By: by, Reasoning: in.Reasoning})
			if err != nil {
				return nil, "", err
			}
			return d, fmt.Sprintf("Decision %s %s by %s", d.ID, d.Status, d.DecidedBy), nil
		})
	}

	addTool(s, ToolMetadata{
		Name:        "decision_get",
		Description: "Get one decision",
		Category:    CategoryDecisions,
	}, func(ctx context.Context, in decisionIDInput) (any, string, error) {
		d, err := s.engine.GetDecision(ctx, in.ID)
		if err != nil {
			return nil, "", err
		}
		return d, fmt.Sprintf("Decision %s is %s", d.ID, d.Status), nil
	})

	addTool(s, ToolMetadata{
		Name:        "decision_list",
		Description: "List decisions, optionally by status",
		Category:    CategoryDecisions,
	}, func(ctx context.Context, in decisionListInput) (any, string, error) {
		status := task.DecisionStatus(in.Status)
		if status != "" && !status.Valid() {
			return nil, "", task.Validation("", fmt.Sprintf("unknown decision status %q", in.Status))
		}
		ds, err := s.engine.ListDecisions(ctx, status)
		if err != nil {
			return nil, "", err
		}
		if ds == nil {
			ds = []*task.Decision{}
		}
		return ds, fmt.Sprintf("%d decisions", len(ds)), nil
	})
}

// ===== AUDIT TOOLS =====

type auditInvokeInput struct {
	Auditor     string   `json:"auditor" jsonschema:"Registered auditor name"`
	Paths       []string `json:"paths" jsonschema:"Files or directories to analyze, relative to the workspace"`
	TaskID      string   `json:"task_id,omitempty" jsonschema:"Task the findings are attached to as notes"`
	Spawn       bool     `json:"spawn,omitempty" jsonschema:"Create a follow-up task per finding at or above min_severity"`
	MinSeverity string   `json:"min_severity,omitempty" jsonschema:"critical, high, medium or low"`
}

func (s *Server) registerAuditTools() {
	addTool(s, ToolMetadata{
		Name:        "audit_invoke",
		Description: "Run a registered auditor over a bounded scope and return its findings. Findings can be attached to a task and spawned as follow-up tasks.",
		Category:    CategoryAudit,
		Keywords:    []string{"review", "security", "lint", "findings"},
	}, func(ctx context.Context, in auditInvokeInput) (any, string, error) {
		res, err := s.engine.Audit(ctx, orchestrator.AuditRequest{
			Auditor:     in.Auditor,
			Scope:       auditor.Scope{TaskID: in.TaskID, Paths: in.Paths},
			Spawn:       in.Spawn,
			MinSeverity: auditor.Severity(in.MinSeverity),
		})
		if err != nil {
			return nil, "", err
		}
		summary := fmt.Sprintf("%s reported %d findings", res.Report.Auditor, len(res.Report.Findings))
		if len(res.Spawned) > 0 {
			summary += fmt.Sprintf(", spawned %d tasks", len(res.Spawned))
		}
		return res, summary, nil
	})
}

// ===== SEARCH =====

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Text or regular expression matched against tool names, descriptions and keywords"`
	Category string `json:"category,omitempty" jsonschema:"Restrict to one category"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results (default 10)"`
}

func (s *Server) registerSearchTool() {
	addTool(s, ToolMetadata{
		Name:        "tool_search",
		Description: "Find taskgraph tools by name, description or keyword",
		Category:    CategorySearch,
		Keywords:    []string{"discover", "help"},
	}, func(_ context.Context, in toolSearchInput) (any, string, error) {
		if strings.TrimSpace(in.Query) == "" {
			return nil, "", task.Validation("", "query is required")
		}
		results := s.registry.Search(in.Query, ToolCategory(in.Category))
		limit := in.Limit
		if limit <= 0 {
			limit = 10
		}
		if len(results) > limit {
			results = results[:limit]
		}
		if results == nil {
			results = []SearchResult{}
		}
		return results, fmt.Sprintf("%d tools match %q", len(results), in.Query), nil
	})
}
