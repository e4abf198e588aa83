package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskgraph/internal/auditor"
	"github.com/fyrsmithlabs/taskgraph/internal/orchestrator"
	"github.com/fyrsmithlabs/taskgraph/internal/store/memory"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
	"github.com/fyrsmithlabs/taskgraph/internal/verify"
)

type fixedChecker struct {
	code int
}

func (c fixedChecker) Check(_ context.Context, t *task.Task) (verify.Evidence, error) {
	return verify.ExitStatus(t.Verify.Command, c.code, "checked"), nil
}

func newTestSession(t *testing.T, cfg *Config) (*Server, *mcp.ClientSession) {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })

	reg := auditor.NewRegistry(auditor.Config{}, nil)
	require.NoError(t, reg.Register("semgrep", auditor.CapabilitySecurity, auditor.AnalyzerFunc(
		func(context.Context, auditor.Scope) ([]auditor.Finding, error) {
			return []auditor.Finding{{Severity: auditor.SeverityHigh, Category: "injection", Location: "db.go:10", Description: "query concatenation"}}, nil
		})))

	engine, err := orchestrator.New(store, nil, orchestrator.WithAuditors(reg))
	require.NoError(t, err)

	srv, err := NewServer(cfg, engine)
	require.NoError(t, err)

	st, ct := mcp.NewInMemoryTransports()
	ss, err := srv.MCP().Connect(ctx, st, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return srv, cs
}

// call invokes a tool and returns the summary line, the JSON payload and
// whether the call was an error.
func call(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) (string, string, bool) {
	t.Helper()
	if args == nil {
		args = map[string]any{}
	}
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)

	first, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	if res.IsError {
		return first.Text, "", true
	}
	require.Len(t, res.Content, 2)
	payload, ok := res.Content[1].(*mcp.TextContent)
	require.True(t, ok)
	return first.Text, payload.Text, false
}

func decode[T any](t *testing.T, payload string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(payload), &v))
	return v
}

func submit(t *testing.T, cs *mcp.ClientSession, id, priority string, deps ...string) {
	t.Helper()
	args := map[string]any{
		"id":             id,
		"title":          "task " + id,
		"priority":       priority,
		"verify_kind":    "command",
		"verify_command": "make test",
	}
	if len(deps) > 0 {
		args["depends_on"] = deps
	}
	_, _, isErr := call(t, cs, "task_submit", args)
	require.False(t, isErr)
}

func TestNewServerRequiresEngine(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.Error(t, err)
}

func TestListTools(t *testing.T) {
	srv, cs := newTestSession(t, nil)

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	for _, want := range []string{
		"task_submit", "task_get", "task_list", "task_next", "task_ready",
		"task_start", "task_lease", "task_verify", "task_block", "task_unblock",
		"task_skip", "task_release", "task_note",
		"checkpoint_latest", "checkpoint_list", "session_resume", "graph_snapshot",
		"decision_propose", "decision_edit", "decision_accept", "decision_reject",
		"decision_get", "decision_list", "audit_invoke", "tool_search",
	} {
		assert.Contains(t, names, want)
	}
	assert.NotContains(t, names, "task_check")
	assert.Equal(t, len(res.Tools), srv.Tools().Count())
}

func TestTaskLifecycle(t *testing.T) {
	_, cs := newTestSession(t, nil)

	submit(t, cs, "A", "P1")
	submit(t, cs, "B", "P0", "A")

	summary, payload, _ := call(t, cs, "task_next", nil)
	assert.Contains(t, summary, "A")
	assert.Equal(t, "A", decode[task.Task](t, payload).ID)

	summary, _, isErr := call(t, cs, "task_start", map[string]any{"id": "B"})
	assert.True(t, isErr)
	assert.Contains(t, summary, "invalid transition")

	_, payload, isErr = call(t, cs, "task_lease", nil)
	require.False(t, isErr)
	leased := decode[task.Task](t, payload)
	assert.Equal(t, "A", leased.ID)
	require.NotNil(t, leased.Lease)
	assert.Equal(t, "agent", leased.Lease.Owner)

	summary, payload, isErr = call(t, cs, "task_verify", map[string]any{
		"id": "A", "kind": "exit_status", "command": "make test", "exit_code": 1, "output": "FAIL",
	})
	require.False(t, isErr)
	assert.Contains(t, summary, "failed verification")
	failed := decode[orchestrator.VerifyResult](t, payload)
	assert.False(t, failed.Verdict.Pass)
	assert.Equal(t, task.StatusDoing, failed.Task.Status)

	summary, _, isErr = call(t, cs, "task_verify", map[string]any{
		"id": "A", "owner": "someone-else", "kind": "exit_status", "command": "make test", "exit_code": 0,
	})
	assert.True(t, isErr)
	assert.Contains(t, summary, "lease held")

	summary, payload, isErr = call(t, cs, "task_verify", map[string]any{
		"id": "A", "kind": "exit_status", "command": "make test", "exit_code": 0, "output": "ok",
	})
	require.False(t, isErr)
	assert.Contains(t, summary, "done")
	passed := decode[orchestrator.VerifyResult](t, payload)
	require.NotNil(t, passed.Checkpoint)
	assert.Equal(t, "B", passed.Checkpoint.NextTask)

	summary, _, _ = call(t, cs, "checkpoint_latest", nil)
	assert.Contains(t, summary, "completed A, next B")

	_, payload, _ = call(t, cs, "task_list", map[string]any{"status": []string{"done"}})
	done := decode[[]task.Task](t, payload)
	require.Len(t, done, 1)
	assert.Equal(t, "A", done[0].ID)

	summary, _, isErr = call(t, cs, "task_list", map[string]any{"status": []string{"finished"}})
	assert.True(t, isErr)
	assert.Contains(t, summary, "validation")
}

func TestSubmitRejections(t *testing.T) {
	_, cs := newTestSession(t, nil)

	summary, _, isErr := call(t, cs, "task_submit", map[string]any{
		"id": "X", "title": "x", "verify_kind": "command", "verify_command": "make test", "depends_on": []string{"ghost"},
	})
	assert.True(t, isErr)
	assert.Contains(t, summary, "unknown dependency")

	summary, _, isErr = call(t, cs, "task_submit", map[string]any{
		"id": "X", "title": "x", "priority": "urgent", "verify_kind": "command", "verify_command": "make test",
	})
	assert.True(t, isErr)
	assert.Contains(t, summary, "validation")

	submit(t, cs, "X", "P2")
	summary, _, isErr = call(t, cs, "task_submit", map[string]any{
		"id": "X", "title": "renamed", "verify_kind": "command", "verify_command": "make test", "version": 7,
	})
	assert.True(t, isErr)
	assert.Contains(t, summary, "conflict")
}

func TestTransitionsAndNotes(t *testing.T) {
	_, cs := newTestSession(t, nil)
	submit(t, cs, "A", "P1")

	_, _, isErr := call(t, cs, "task_start", map[string]any{"id": "A", "owner": "w1"})
	require.False(t, isErr)

	_, payload, isErr := call(t, cs, "task_block", map[string]any{"id": "A", "owner": "w1", "reason": "waiting on review"})
	require.False(t, isErr)
	assert.Equal(t, task.StatusBlocked, decode[task.Task](t, payload).Status)

	_, payload, isErr = call(t, cs, "task_unblock", map[string]any{"id": "A", "reason": "review done"})
	require.False(t, isErr)
	assert.Equal(t, task.StatusTodo, decode[task.Task](t, payload).Status)

	summary, _, isErr := call(t, cs, "task_note", map[string]any{"id": "A", "text": "remember the migration"})
	require.False(t, isErr)
	assert.Contains(t, summary, "notes")

	_, payload, isErr = call(t, cs, "task_skip", map[string]any{"id": "A", "reason": "superseded"})
	require.False(t, isErr)
	assert.Equal(t, task.StatusSkipped, decode[task.Task](t, payload).Status)

	summary, _, isErr = call(t, cs, "task_note", map[string]any{"id": "A", "text": "too late"})
	assert.True(t, isErr)
	assert.Contains(t, summary, "invalid transition")
}

func TestTaskCheck(t *testing.T) {
	_, cs := newTestSession(t, &Config{Owner: "runner", Checker: fixedChecker{code: 0}})
	submit(t, cs, "A", "P1")

	_, _, isErr := call(t, cs, "task_start", map[string]any{"id": "A"})
	require.False(t, isErr)

	summary, payload, isErr := call(t, cs, "task_check", map[string]any{"id": "A"})
	require.False(t, isErr)
	assert.Contains(t, summary, "done")
	res := decode[orchestrator.VerifyResult](t, payload)
	assert.True(t, res.Verdict.Pass)
	assert.Equal(t, task.StatusDone, res.Task.Status)
}

func TestSessionResume(t *testing.T) {
	_, cs := newTestSession(t, nil)
	submit(t, cs, "A", "P1")
	submit(t, cs, "B", "P1", "A")

	_, _, isErr := call(t, cs, "task_lease", nil)
	require.False(t, isErr)
	_, _, isErr = call(t, cs, "task_verify", map[string]any{"id": "A", "kind": "exit_status", "command": "make test", "exit_code": 0})
	require.False(t, isErr)

	summary, payload, isErr := call(t, cs, "session_resume", map[string]any{"expected": "A"})
	require.False(t, isErr)
	assert.NotContains(t, summary, "DISCONTINUITY")
	assert.Contains(t, summary, "Next B")
	rec := decode[orchestrator.Recovery](t, payload)
	assert.Nil(t, rec.Discontinuity)

	summary, payload, _ = call(t, cs, "session_resume", map[string]any{"expected": "B"})
	assert.Contains(t, summary, "DISCONTINUITY")
	rec = decode[orchestrator.Recovery](t, payload)
	require.NotNil(t, rec.Discontinuity)
	assert.Equal(t, "A", rec.Discontinuity.Actual)

	summary, payload, _ = call(t, cs, "graph_snapshot", nil)
	assert.Contains(t, summary, "done=1")
	assert.Contains(t, summary, "todo=1")
	assert.Equal(t, []string{"A"}, decode[orchestrator.Snapshot](t, payload).Completed)
}

func TestDecisionTools(t *testing.T) {
	_, cs := newTestSession(t, nil)

	_, payload, isErr := call(t, cs, "decision_propose", map[string]any{"id": "D1", "description": "use sqlite"})
	require.False(t, isErr)
	d := decode[task.Decision](t, payload)
	assert.Equal(t, task.DecisionProposed, d.Status)

	_, payload, isErr = call(t, cs, "decision_edit", map[string]any{"id": "D1", "description": "use sqlite with WAL", "version": d.Version})
	require.False(t, isErr)
	assert.Equal(t, "use sqlite with WAL", decode[task.Decision](t, payload).Description)

	summary, _, isErr := call(t, cs, "decision_accept", map[string]any{"id": "D1", "reasoning": ""})
	assert.True(t, isErr)
	assert.Contains(t, summary, "validation")

	summary, _, isErr = call(t, cs, "decision_accept", map[string]any{"id": "D1", "by": "lead", "reasoning": "single node"})
	require.False(t, isErr)
	assert.Contains(t, summary, "accepted by lead")

	summary, _, isErr = call(t, cs, "decision_reject", map[string]any{"id": "D1", "reasoning": "changed my mind"})
	assert.True(t, isErr)
	assert.Contains(t, summary, "immutable")

	_, payload, _ = call(t, cs, "decision_list", map[string]any{"status": "accepted"})
	assert.Len(t, decode[[]task.Decision](t, payload), 1)

	_, _, isErr = call(t, cs, "decision_list", map[string]any{"status": "maybe"})
	assert.True(t, isErr)
}

func TestAuditInvoke(t *testing.T) {
	_, cs := newTestSession(t, nil)
	submit(t, cs, "A", "P2")

	summary, payload, isErr := call(t, cs, "audit_invoke", map[string]any{
		"auditor": "semgrep", "paths": []string{"internal"}, "task_id": "A", "spawn": true,
	})
	require.False(t, isErr)
	assert.Contains(t, summary, "1 findings")
	assert.Contains(t, summary, "spawned 1 tasks")
	res := decode[orchestrator.AuditResult](t, payload)
	require.Len(t, res.Spawned, 1)
	assert.Equal(t, task.P1, res.Spawned[0].Priority)

	summary, _, isErr = call(t, cs, "audit_invoke", map[string]any{"auditor": "nope", "paths": []string{"internal"}})
	assert.True(t, isErr)
	assert.Contains(t, summary, "unknown_auditor")
}

func TestToolSearch(t *testing.T) {
	_, cs := newTestSession(t, nil)

	summary, payload, isErr := call(t, cs, "tool_search", map[string]any{"query": "decision"})
	require.False(t, isErr)
	assert.Contains(t, summary, "decision")
	results := decode[[]SearchResult](t, payload)
	require.NotEmpty(t, results)
	assert.Equal(t, CategoryDecisions, results[0].Tool.Category)

	_, payload, _ = call(t, cs, "tool_search", map[string]any{"query": "task", "category": "ledger", "limit": 2})
	for _, r := range decode[[]SearchResult](t, payload) {
		assert.Equal(t, CategoryLedger, r.Tool.Category)
	}

	_, _, isErr = call(t, cs, "tool_search", map[string]any{"query": " "})
	assert.True(t, isErr)
}

func TestCategorizeError(t *testing.T) {
	assert.Equal(t, "", categorizeError(nil))
	assert.Equal(t, "lease_held", categorizeError(&task.Error{Kind: task.ErrLeaseHeld, ID: "A"}))
	assert.Equal(t, "auditor_timeout", categorizeError(&auditor.Error{Auditor: "x", Kind: auditor.KindTimeout}))
	assert.Equal(t, "timeout", categorizeError(context.DeadlineExceeded))
	assert.Equal(t, "internal_error", categorizeError(assert.AnError))
}
