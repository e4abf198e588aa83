// Package storetest is a conformance suite every graph.Backend must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskgraph/internal/checkpoint"
	"github.com/fyrsmithlabs/taskgraph/internal/graph"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) graph.Backend

// Run executes the suite against backends from newBackend.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b graph.Backend)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"ListOrderAndFilter", testListOrderAndFilter},
		{"UnknownDependency", testUnknownDependency},
		{"CycleRejectionLeavesGraphUnchanged", testCycleRejection},
		{"VersionConflict", testVersionConflict},
		{"DependenciesSatisfied", testDependenciesSatisfied},
		{"CompleteAppendsCheckpoint", testComplete},
		{"StaleCompleteAppendsNothing", testStaleComplete},
		{"LedgerMonotonic", testLedgerMonotonic},
		{"Decisions", testDecisions},
		{"ConcurrentStartOneWinner", testConcurrentStart},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			t.Cleanup(func() { _ = b.Close() })
			tt.fn(t, b)
		})
	}
}

// NewTask builds a minimal valid todo task.
func NewTask(id string, p task.Priority, deps ...string) *task.Task {
	return &task.Task{
		ID:        id,
		Title:     "task " + id,
		Status:    task.StatusTodo,
		Priority:  p,
		DependsOn: deps,
		Verify:    task.VerifySpec{Kind: task.VerifyCommand, Command: "make test"},
	}
}

func put(t *testing.T, b graph.Backend, tk *task.Task) *task.Task {
	t.Helper()
	out, err := b.PutTask(context.Background(), tk)
	require.NoError(t, err)
	return out
}

func start(t *testing.T, b graph.Backend, id, owner string) *task.Task {
	t.Helper()
	ctx := context.Background()
	cur, err := b.GetTask(ctx, id)
	require.NoError(t, err)
	ok, err := b.DependenciesSatisfied(ctx, id)
	require.NoError(t, err)
	next, err := task.Apply(cur, task.EventStart, task.Input{DepsSatisfied: ok, Lease: &task.Lease{Owner: owner, Token: owner}})
	require.NoError(t, err)
	return put(t, b, next)
}

func complete(t *testing.T, b graph.Backend, doing *task.Task) (*task.Task, *checkpoint.Checkpoint) {
	t.Helper()
	next, err := task.Apply(doing, task.EventPass, task.Input{})
	require.NoError(t, err)
	done, cp, err := b.Complete(context.Background(), next, checkpoint.New(doing.ID, "", time.Now().UTC()))
	require.NoError(t, err)
	return done, cp
}

func testCreateAndGet(t *testing.T, b graph.Backend) {
	ctx := context.Background()
	created := put(t, b, NewTask("A", task.P1))
	assert.Equal(t, int64(1), created.Version)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := b.GetTask(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "A", got.ID)
	assert.Equal(t, task.StatusTodo, got.Status)
	assert.Equal(t, task.P1, got.Priority)

	_, err = b.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, task.ErrNotFound)

	_, err = b.PutTask(ctx, NewTask("A", task.P1))
	assert.ErrorIs(t, err, task.ErrConflict)
}

func testListOrderAndFilter(t *testing.T, b graph.Backend) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, spec := range []struct {
		id string
		p  task.Priority
	}{{"T10", task.P1}, {"T2", task.P1}, {"Z", task.P0}, {"late", task.P3}} {
		tk := NewTask(spec.id, spec.p)
		tk.CreatedAt = base
		if spec.id == "late" {
			tk.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		}
		put(t, b, tk)
	}

	all, err := b.ListTasks(ctx, graph.Filter{})
	require.NoError(t, err)
	ids := make([]string, len(all))
	for i, tk := range all {
		ids[i] = tk.ID
	}
	assert.Equal(t, []string{"Z", "T2", "T10", "late"}, ids)

	p1, err := b.ListTasks(ctx, graph.Filter{Priorities: []task.Priority{task.P1}})
	require.NoError(t, err)
	assert.Len(t, p1, 2)

	none, err := b.ListTasks(ctx, graph.Filter{Statuses: []task.Status{task.StatusDone}})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testUnknownDependency(t *testing.T, b graph.Backend) {
	_, err := b.PutTask(context.Background(), NewTask("B", task.P1, "nope"))
	assert.ErrorIs(t, err, task.ErrUnknownDependency)

	_, err = b.GetTask(context.Background(), "B")
	assert.ErrorIs(t, err, task.ErrNotFound, "rejected create must not be visible")
}

func testCycleRejection(t *testing.T, b graph.Backend) {
	ctx := context.Background()

	_, err := b.PutTask(ctx, NewTask("C", task.P1, "C"))
	require.ErrorIs(t, err, task.ErrCycleDetected)
	_, err = b.GetTask(ctx, "C")
	assert.ErrorIs(t, err, task.ErrNotFound)

	a := put(t, b, NewTask("A", task.P1))
	put(t, b, NewTask("B", task.P1, "A"))

	before, err := b.ListTasks(ctx, graph.Filter{})
	require.NoError(t, err)

	closing := a.Clone()
	closing.DependsOn = []string{"B"}
	_, err = b.PutTask(ctx, closing)
	require.ErrorIs(t, err, task.ErrCycleDetected)

	after, err := b.ListTasks(ctx, graph.Filter{})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func testVersionConflict(t *testing.T, b graph.Backend) {
	ctx := context.Background()
	v1 := put(t, b, NewTask("A", task.P2))

	first := v1.Clone()
	first.Title = "first writer"
	v2 := put(t, b, first)
	assert.Equal(t, int64(2), v2.Version)

	second := v1.Clone()
	second.Title = "second writer"
	_, err := b.PutTask(ctx, second)
	assert.ErrorIs(t, err, task.ErrConflict)

	got, err := b.GetTask(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "first writer", got.Title)
}

func testDependenciesSatisfied(t *testing.T, b graph.Backend) {
	ctx := context.Background()
	put(t, b, NewTask("A", task.P0))
	put(t, b, NewTask("B", task.P1, "A"))

	ok, err := b.DependenciesSatisfied(ctx, "A")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.DependenciesSatisfied(ctx, "B")
	require.NoError(t, err)
	assert.False(t, ok)

	complete(t, b, start(t, b, "A", "w1"))

	ok, err = b.DependenciesSatisfied(ctx, "B")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = b.DependenciesSatisfied(ctx, "missing")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func testComplete(t *testing.T, b graph.Backend) {
	ctx := context.Background()
	put(t, b, NewTask("A", task.P0))
	done, cp := complete(t, b, start(t, b, "A", "w1"))

	assert.Equal(t, task.StatusDone, done.Status)
	assert.Nil(t, done.Lease)
	assert.Equal(t, int64(1), cp.Seq)
	assert.Equal(t, "A", cp.LastTaskCompleted)

	latest, err := b.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, cp.ID, latest.ID)

	// done is terminal
	_, err = b.PutTask(ctx, done)
	assert.ErrorIs(t, err, task.ErrInvalidTransition)
}

func testStaleComplete(t *testing.T, b graph.Backend) {
	ctx := context.Background()
	put(t, b, NewTask("A", task.P0))
	doing := start(t, b, "A", "w1")
	complete(t, b, doing)

	next, err := task.Apply(doing, task.EventPass, task.Input{})
	require.NoError(t, err)
	_, _, err = b.Complete(ctx, next, checkpoint.New("A", "", time.Now()))
	assert.Error(t, err)

	cps, err := b.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, cps, 1, "a rejected completion must not append")

	put(t, b, NewTask("B", task.P0))
	todo, err := b.GetTask(ctx, "B")
	require.NoError(t, err)
	todo.Status = task.StatusDone
	_, _, err = b.Complete(ctx, todo, checkpoint.New("B", "", time.Now()))
	assert.ErrorIs(t, err, task.ErrInvalidTransition)
}

func testLedgerMonotonic(t *testing.T, b graph.Backend) {
	ctx := context.Background()

	latest, err := b.Latest(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	var seqs []int64
	for i := 0; i < 5; i++ {
		cp, err := b.Append(ctx, checkpoint.New(fmt.Sprintf("T%d", i), "", time.Now()))
		require.NoError(t, err)
		seqs = append(seqs, cp.Seq)
	}
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}

	latest, err = b.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, seqs[4], latest.Seq)
	assert.Equal(t, "T4", latest.LastTaskCompleted)

	page, err := b.List(ctx, seqs[1], 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, seqs[2], page[0].Seq)
	assert.Equal(t, seqs[3], page[1].Seq)

	h, err := checkpoint.Load(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"T0", "T1", "T2", "T3", "T4"}, h.Completed)
}

func testDecisions(t *testing.T, b graph.Backend) {
	ctx := context.Background()
	d, err := b.PutDecision(ctx, &task.Decision{ID: "ADR-2", Description: "queue", Status: task.DecisionProposed})
	require.NoError(t, err)
	_, err = b.PutDecision(ctx, &task.Decision{ID: "ADR-10", Description: "cache", Status: task.DecisionProposed})
	require.NoError(t, err)

	edit := *d
	edit.Description = "queue via nats"
	d, err = b.PutDecision(ctx, &edit)
	require.NoError(t, err)

	accept := *d
	accept.Status = task.DecisionAccepted
	accept.Reasoning = "already in the stack"
	d, err = b.PutDecision(ctx, &accept)
	require.NoError(t, err)
	assert.Equal(t, task.DecisionAccepted, d.Status)

	revert := *d
	revert.Status = task.DecisionProposed
	_, err = b.PutDecision(ctx, &revert)
	assert.ErrorIs(t, err, task.ErrDecisionImmutable)

	all, err := b.ListDecisions(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ADR-2", all[0].ID)

	accepted, err := b.ListDecisions(ctx, task.DecisionAccepted)
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	assert.Equal(t, "queue via nats", accepted[0].Description)
}

func testConcurrentStart(t *testing.T, b graph.Backend) {
	ctx := context.Background()
	put(t, b, NewTask("E", task.P1))
	snapshot, err := b.GetTask(ctx, "E")
	require.NoError(t, err)

	const workers = 8
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("w%d", i)
			next, err := task.Apply(snapshot, task.EventStart, task.Input{DepsSatisfied: true, Lease: &task.Lease{Owner: owner, Token: owner}})
			if err != nil {
				return
			}
			if _, err := b.PutTask(ctx, next); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
