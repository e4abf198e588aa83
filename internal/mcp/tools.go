package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/taskgraph/internal/graph"
	"github.com/fyrsmithlabs/taskgraph/internal/orchestrator"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
	"github.com/fyrsmithlabs/taskgraph/internal/verify"
)

// handler returns the value to encode, a one-line summary and an error.
type handler[In any] func(ctx context.Context, in In) (any, string, error)

// addTool registers the tool with the SDK and the search registry, and
// wraps it with metrics.
func addTool[In any](s *Server, meta ToolMetadata, fn handler[In]) {
	s.registry.Register(&meta)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        meta.Name,
		Description: meta.Description,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
		done := s.metrics.Begin(ctx, meta.Name)
		out, summary, err := fn(ctx, in)
		done(err)
		if err != nil {
			return nil, nil, err
		}
		return textResult(summary, out)
	})
}

func textResult(summary string, out any) (*mcp.CallToolResult, any, error) {
	buf, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encoding result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: summary},
			&mcp.TextContent{Text: string(buf)},
		},
	}, nil, nil
}

func (s *Server) owner(o string) string {
	if strings.TrimSpace(o) == "" {
		return s.config.Owner
	}
	return o
}

// ===== TASK TOOLS =====

type taskSubmitInput struct {
	ID             string   `json:"id" jsonschema:"Stable task id ([A-Za-z0-9._-], max 128)"`
	Title          string   `json:"title" jsonschema:"Short title"`
	Priority       string   `json:"priority,omitempty" jsonschema:"P0 (most urgent) to P3; default P2"`
	DependsOn      []string `json:"depends_on,omitempty" jsonschema:"Ids of tasks that must be done first"`
	Deliverable    string   `json:"deliverable,omitempty" jsonschema:"The artifact this task produces"`
	VerifyKind     string   `json:"verify_kind" jsonschema:"command, check or manual"`
	VerifyCommand  string   `json:"verify_command,omitempty" jsonschema:"Command whose exit status proves completion"`
	Criterion      string   `json:"criterion,omitempty" jsonschema:"Acceptance criterion for check and manual verification"`
	ExpectExitCode int      `json:"expect_exit_code,omitempty" jsonschema:"Exit code that counts as a pass (default 0)"`
	MinTests       int      `json:"min_tests,omitempty" jsonschema:"Minimum passing tests for check verification"`
	Estimate       int      `json:"estimate,omitempty" jsonschema:"Scope estimate; large estimates must be decomposed"`
	Tags           []string `json:"tags,omitempty" jsonschema:"Free-form labels"`
	Version        int64    `json:"version,omitempty" jsonschema:"Current version when updating; omit to create"`
}

func (in taskSubmitInput) task() (*task.Task, error) {
	p := task.P2
	if in.Priority != "" {
		parsed, err := task.ParsePriority(in.Priority)
		if err != nil {
			return nil, task.Validation(in.ID, err.Error())
		}
		p = parsed
	}
	t := &task.Task{
		ID:          in.ID,
		Title:       in.Title,
		Priority:    p,
		DependsOn:   in.DependsOn,
		Deliverable: in.Deliverable,
		Verify: task.VerifySpec{
			Kind:           task.VerifyKind(in.VerifyKind),
			Command:        in.VerifyCommand,
			Criterion:      in.Criterion,
			ExpectExitCode: in.ExpectExitCode,
			MinTests:       in.MinTests,
		},
		Estimate: in.Estimate,
		Tags:     in.Tags,
		Version:  in.Version,
	}
	return t, nil
}

type taskIDInput struct {
	ID string `json:"id" jsonschema:"Task id"`
}

type taskListInput struct {
	Status   []string `json:"status,omitempty" jsonschema:"Only tasks in these statuses (todo doing blocked done skipped)"`
	Priority []string `json:"priority,omitempty" jsonschema:"Only tasks with these priorities"`
	Tag      string   `json:"tag,omitempty" jsonschema:"Only tasks carrying this tag"`
}

type emptyInput struct{}

func (s *Server) registerTaskTools() {
	addTool(s, ToolMetadata{
		Name:        "task_submit",
		Description: "Create a task (omit version) or update a todo task's definition (pass its current version). Rejections name the kind: validation, cycle detected, unknown dependency, scope too large, version conflict.",
		Category:    CategoryTasks,
		Keywords:    []string{"create", "update", "add", "decompose"},
	}, func(ctx context.Context, in taskSubmitInput) (any, string, error) {
		t, err := in.task()
		if err != nil {
			return nil, "", err
		}
		saved, err := s.engine.Submit(ctx, t)
		if err != nil {
			return nil, "", err
		}
		return saved, fmt.Sprintf("Task %s saved at version %d", saved.ID, saved.Version), nil
	})

	addTool(s, ToolMetadata{
		Name:        "task_get",
		Description: "Get one task with its notes, lease and attempt counter",
		Category:    CategoryTasks,
	}, func(ctx context.Context, in taskIDInput) (any, string, error) {
		t, err := s.engine.GetTask(ctx, in.ID)
		if err != nil {
			return nil, "", err
		}
		return t, fmt.Sprintf("Task %s is %s", t.ID, t.Status), nil
	})

	addTool(s, ToolMetadata{
		Name:        "task_list",
		Description: "List tasks in scheduling order, optionally filtered by status, priority or tag",
		Category:    CategoryTasks,
		Keywords:    []string{"board", "status"},
	}, func(ctx context.Context, in taskListInput) (any, string, error) {
		var f graph.Filter
		for _, v := range in.Status {
			st, err := task.ParseStatus(v)
			if err != nil {
				return nil, "", task.Validation("", err.Error())
			}
			f.Statuses = append(f.Statuses, st)
		}
		for _, v := range in.Priority {
			p, err := task.ParsePriority(v)
			if err != nil {
				return nil, "", task.Validation("", err.Error())
			}
			f.Priorities = append(f.Priorities, p)
		}
		f.Tag = in.Tag
		tasks, err := s.engine.ListTasks(ctx, f)
		if err != nil {
			return nil, "", err
		}
		if tasks == nil {
			tasks = []*task.Task{}
		}
		return tasks, fmt.Sprintf("%d tasks", len(tasks)), nil
	})

	addTool(s, ToolMetadata{
		Name:        "task_next",
		Description: "Return the single task the scheduler recommends next, without leasing it",
		Category:    CategoryTasks,
		Keywords:    []string{"schedule", "ready", "what next"},
	}, func(ctx context.Context, _ emptyInput) (any, string, error) {
		t, err := s.engine.NextReady(ctx)
		if err != nil {
			return nil, "", err
		}
		if t == nil {
			return nil, "No task is ready", nil
		}
		return t, fmt.Sprintf("Next task: %s (%s) %s", t.ID, t.Priority, t.Title), nil
	})

	addTool(s, ToolMetadata{
		Name:        "task_ready",
		Description: "List every ready task (todo with all dependencies done) in scheduling order",
		Category:    CategoryTasks,
		Keywords:    []string{"schedule", "queue"},
	}, func(ctx context.Context, _ emptyInput) (any, string, error) {
		ready, err := s.engine.Ready(ctx)
		if err != nil {
			return nil, "", err
		}
		if ready == nil {
			ready = []*task.Task{}
		}
		return ready, fmt.Sprintf("%d ready tasks", len(ready)), nil
	})
}

// ===== LIFECYCLE TOOLS =====

type taskStartInput struct {
	ID          string `json:"id" jsonschema:"Task id"`
	Owner       string `json:"owner,omitempty" jsonschema:"Lease owner (default: the server's configured owner)"`
	Deliverable string `json:"deliverable,omitempty" jsonschema:"Deliverable you intend to produce; must match the task's"`
}

type taskLeaseInput struct {
	Owner string `json:"owner,omitempty" jsonschema:"Lease owner"`
}

type taskVerifyInput struct {
	ID        string `json:"id" jsonschema:"Task id"`
	Owner     string `json:"owner,omitempty" jsonschema:"Lease owner"`
	Kind      string `json:"kind" jsonschema:"Evidence kind: exit_status, test_report or attestation"`
	Command   string `json:"command,omitempty" jsonschema:"Command that produced the evidence"`
	ExitCode  *int   `json:"exit_code,omitempty" jsonschema:"Exit code, for exit_status evidence"`
	Output    string `json:"output,omitempty" jsonschema:"Captured output"`
	Passed    int    `json:"passed,omitempty" jsonschema:"Passed tests, for test_report evidence"`
	Failed    int    `json:"failed,omitempty" jsonschema:"Failed tests"`
	Skipped   int    `json:"skipped,omitempty" jsonschema:"Skipped tests"`
	Attestor  string `json:"attestor,omitempty" jsonschema:"Who attests, for attestation evidence"`
	Approved  bool   `json:"approved,omitempty" jsonschema:"Whether the attestor approves"`
	Statement string `json:"statement,omitempty" jsonschema:"What the attestor checked"`
}

func (in taskVerifyInput) evidence() verify.Evidence {
	return verify.Evidence{
		Kind:      verify.EvidenceKind(in.Kind),
		Command:   in.Command,
		ExitCode:  in.ExitCode,
		Output:    in.Output,
		Passed:    in.Passed,
		Failed:    in.Failed,
		Skipped:   in.Skipped,
		Attestor:  in.Attestor,
		Approved:  in.Approved,
		Statement: in.Statement,
	}
}

type taskCheckInput struct {
	ID    string `json:"id" jsonschema:"Task id"`
	Owner string `json:"owner,omitempty" jsonschema:"Lease owner"`
}

type taskTransitionInput struct {
	ID     string `json:"id" jsonschema:"Task id"`
	Owner  string `json:"owner,omitempty" jsonschema:"Lease owner, for doing tasks"`
	Reason string `json:"reason,omitempty" jsonschema:"Why; required for block, unblock, skip and release"`
}

type taskNoteInput struct {
	ID   string `json:"id" jsonschema:"Task id"`
	Text string `json:"text" jsonschema:"Note text; secrets are redacted before storage"`
}

func verdictSummary(res *orchestrator.VerifyResult) string {
	switch {
	case res.Verdict.Pass:
		return fmt.Sprintf("Task %s is done (checkpoint %d)", res.Task.ID, res.Checkpoint.Seq)
	case res.Escalated:
		return fmt.Sprintf("Task %s escalated after %d attempts: %s", res.Task.ID, res.Task.Attempts, res.Verdict.Reason)
	default:
		return fmt.Sprintf("Task %s failed verification (attempt %d): %s", res.Task.ID, res.Task.Attempts, res.Verdict.Reason)
	}
}

func (s *Server) registerLifecycleTools() {
	addTool(s, ToolMetadata{
		Name:        "task_start",
		Description: "Move a todo task to doing under your lease. Fails unless every dependency is done.",
		Category:    CategoryLifecycle,
		Keywords:    []string{"begin", "claim", "lease"},
	}, func(ctx context.Context, in taskStartInput) (any, string, error) {
		t, err := s.engine.Start(ctx, orchestrator.StartRequest{ID: in.ID, Owner: s.owner(in.Owner), Deliverable: in.Deliverable})
		if err != nil {
			return nil, "", err
		}
		return t, fmt.Sprintf("Task %s started by %s", t.ID, t.Lease.Owner), nil
	})

	addTool(s, ToolMetadata{
		Name:        "task_lease",
		Description: "Start the highest ranked ready task for owner; returns nothing when no task is ready",
		Category:    CategoryLifecycle,
		Keywords:    []string{"claim", "next"},
	}, func(ctx context.Context, in taskLeaseInput) (any, string, error) {
		t, err := s.engine.Lease(ctx, s.owner(in.Owner))
		if err != nil {
			return nil, "", err
		}
		if t == nil {
			return nil, "No task is ready", nil
		}
		return t, fmt.Sprintf("Leased %s (%s) %s", t.ID, t.Priority, t.Title), nil
	})

	addTool(s, ToolMetadata{
		Name:        "task_verify",
		Description: "Submit evidence for a doing task. A pass marks it done and appends a checkpoint; a fail keeps it doing and records the reason. Help text is not evidence.",
		Category:    CategoryLifecycle,
		Keywords:    []string{"complete", "finish", "done", "evidence"},
	}, func(ctx context.Context, in taskVerifyInput) (any, string, error) {
		res, err := s.engine.Verify(ctx, orchestrator.VerifyRequest{ID: in.ID, Owner: s.owner(in.Owner), Evidence: in.evidence()})
		if err != nil {
			return nil, "", err
		}
		return res, verdictSummary(res), nil
	})

	if s.config.Checker != nil {
		addTool(s, ToolMetadata{
			Name:        "task_check",
			Description: "Run a doing task's verify command on the server and submit the resulting evidence",
			Category:    CategoryLifecycle,
			Keywords:    []string{"run", "test", "complete"},
		}, func(ctx context.Context, in taskCheckInput) (any, string, error) {
			res, err := s.engine.RunVerification(ctx, in.ID, s.owner(in.Owner), s.config.Checker)
			if err != nil {
				return nil, "", err
			}
			return res, verdictSummary(res), nil
		})
	}

	transitions := []struct {
		name, desc string
		fn         func(context.Context, orchestrator.TransitionRequest) (*task.Task, error)
	}{
		{"task_block", "Park a doing task as blocked; the reason is recorded and the lease released", s.engine.Block},
		{"task_unblock", "Return a blocked task to todo", s.engine.Unblock},
		{"task_skip", "Abandon a todo or doing task permanently", s.engine.Skip},
		{"task_release", "Give up the lease on a doing task and return it to todo", s.engine.Release},
	}
	for _, tr := range transitions {
		addTool(s, ToolMetadata{
			Name:        tr.name,
			Description: tr.desc,
			Category:    CategoryLifecycle,
		}, func(ctx context.Context, in taskTransitionInput) (any, string, error) {
			t, err := tr.fn(ctx, orchestrator.TransitionRequest{ID: in.ID, Owner: in.Owner, Reason: in.Reason})
			if err != nil {
				return nil, "", err
			}
			return t, fmt.Sprintf("Task %s is %s", t.ID, t.Status), nil
		})
	}

	addTool(s, ToolMetadata{
		Name:        "task_note",
		Description: "Append a note to a task that is not done or skipped",
		Category:    CategoryLifecycle,
		Keywords:    []string{"comment", "annotate"},
	}, func(ctx context.Context, in taskNoteInput) (any, string, error) {
		t, err := s.engine.AddNote(ctx, in.ID, in.Text)
		if err != nil {
			return nil, "", err
		}
		return t, fmt.Sprintf("Task %s has %d notes", t.ID, len(t.Notes)), nil
	})
}
