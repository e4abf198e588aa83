package plan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskgraph/internal/orchestrator"
	"github.com/fyrsmithlabs/taskgraph/internal/store/memory"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

func newImporter(t *testing.T) (*Importer, *orchestrator.Orchestrator) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	o, err := orchestrator.New(store, nil)
	require.NoError(t, err)
	return NewImporter(o, nil), o
}

func spec(id string, deps ...string) TaskSpec {
	return TaskSpec{
		ID:        id,
		Title:     "task " + id,
		DependsOn: deps,
		Verify:    task.VerifySpec{Kind: task.VerifyCommand, Command: "make test"},
	}
}

func TestImport_DependencyOrder(t *testing.T) {
	im, o := newImporter(t)
	ctx := context.Background()

	// Listed dependents-first; the importer must still create C before B before A.
	res, err := im.Import(ctx, &Plan{Tasks: []TaskSpec{spec("A", "B"), spec("B", "C"), spec("C")}})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B", "A"}, res.Created)

	got, err := o.GetTask(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, got.DependsOn)
}

func TestImport_Idempotent(t *testing.T) {
	im, _ := newImporter(t)
	ctx := context.Background()
	p := &Plan{
		Tasks:     []TaskSpec{spec("A"), spec("B", "A")},
		Decisions: []DecisionSpec{{ID: "D1", Description: "pick a store"}},
	}

	_, err := im.Import(ctx, p)
	require.NoError(t, err)
	res, err := im.Import(ctx, p)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Empty(t, res.Updated)
	assert.Equal(t, []string{"A", "B"}, res.Unchanged)
	assert.Equal(t, []string{"D1"}, res.DecisionsUnchanged)
}

func TestImport_UpdatesOnlyTodoTasks(t *testing.T) {
	im, o := newImporter(t)
	ctx := context.Background()
	_, err := im.Import(ctx, &Plan{Tasks: []TaskSpec{spec("A"), spec("B")}})
	require.NoError(t, err)
	_, err = o.Start(ctx, orchestrator.StartRequest{ID: "A", Owner: "agent"})
	require.NoError(t, err)

	a, b := spec("A"), spec("B")
	a.Title, b.Title = "renamed A", "renamed B"
	res, err := im.Import(ctx, &Plan{Tasks: []TaskSpec{a, b}})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res.Skipped)
	assert.Equal(t, []string{"B"}, res.Updated)

	gotA, err := o.GetTask(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "task A", gotA.Title)
	assert.Equal(t, task.StatusDoing, gotA.Status)
	gotB, err := o.GetTask(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, "renamed B", gotB.Title)
	assert.Equal(t, int64(2), gotB.Version)
}

func TestImport_RejectsBeforeWriting(t *testing.T) {
	tests := []struct {
		name string
		plan *Plan
		kind error
	}{
		{"cycle", &Plan{Tasks: []TaskSpec{spec("A"), spec("B", "C"), spec("C", "B")}}, task.ErrCycleDetected},
		{"self dependency", &Plan{Tasks: []TaskSpec{spec("A"), spec("B", "B")}}, task.ErrCycleDetected},
		{"duplicate", &Plan{Tasks: []TaskSpec{spec("A"), spec("A")}}, task.ErrValidation},
		{"invalid task", &Plan{Tasks: []TaskSpec{spec("A"), {ID: "B", Title: "b"}}}, task.ErrValidation},
		{"invalid decision", &Plan{Tasks: []TaskSpec{spec("A")}, Decisions: []DecisionSpec{{ID: "D1"}}}, task.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			im, o := newImporter(t)
			ctx := context.Background()
			_, err := im.Import(ctx, tt.plan)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)

			_, err = o.GetTask(ctx, "A")
			assert.ErrorIs(t, err, task.ErrNotFound, "nothing should be written")
		})
	}
}

func TestImport_ExternalDependencies(t *testing.T) {
	im, o := newImporter(t)
	ctx := context.Background()
	_, err := im.Import(ctx, &Plan{Tasks: []TaskSpec{spec("base")}})
	require.NoError(t, err)

	res, err := im.Import(ctx, &Plan{Tasks: []TaskSpec{spec("next", "base")}})
	require.NoError(t, err)
	assert.Equal(t, []string{"next"}, res.Created)

	_, err = im.Import(ctx, &Plan{Tasks: []TaskSpec{spec("orphan", "nowhere")}})
	assert.ErrorIs(t, err, task.ErrUnknownDependency)
	_, err = o.GetTask(ctx, "orphan")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestImport_Decisions(t *testing.T) {
	im, o := newImporter(t)
	ctx := context.Background()

	res, err := im.Import(ctx, &Plan{Decisions: []DecisionSpec{{ID: "D1", Description: "v1"}, {ID: "D2", Description: "other"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"D1", "D2"}, res.DecisionsProposed)

	_, err = o.AcceptDecision(ctx, orchestrator.DecideRequest{ID: "D2", By: "lead", Reasoning: "fine"})
	require.NoError(t, err)

	res, err = im.Import(ctx, &Plan{Decisions: []DecisionSpec{{ID: "D1", Description: "v2"}, {ID: "D2", Description: "changed"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"D1"}, res.DecisionsUpdated)
	assert.Equal(t, []string{"D2"}, res.DecisionsUnchanged)

	d1, err := o.GetDecision(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, "v2", d1.Description)
	d2, err := o.GetDecision(ctx, "D2")
	require.NoError(t, err)
	assert.Equal(t, "other", d2.Description)
	assert.Equal(t, task.DecisionAccepted, d2.Status)
}

func TestWatcher_ReimportsOnChange(t *testing.T) {
	im, o := newImporter(t)
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlPlan), 0o600))

	w, err := NewWatcher(path, im, 20*time.Millisecond, nil)
	require.NoError(t, err)
	imports := make(chan *Result, 8)
	w.OnImport = func(res *Result, err error) {
		if err == nil {
			imports <- res
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case res := <-imports:
		assert.Equal(t, []string{"A", "B"}, res.Created)
	case <-time.After(5 * time.Second):
		t.Fatal("initial import did not happen")
	}

	updated := `
tasks:
  - id: A
    title: write parser
    priority: P1
    verify:
      kind: command
      command: go test ./parser/...
  - id: C
    title: ship it
    depends_on: [A]
    verify:
      kind: manual
      criterion: released
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		_, err := o.GetTask(context.Background(), "C")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestNewWatcher_RejectsUnknownExtension(t *testing.T) {
	im, _ := newImporter(t)
	_, err := NewWatcher("plan.txt", im, 0, nil)
	assert.Error(t, err)
}
