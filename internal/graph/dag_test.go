package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

func lookupOf(tasks ...*task.Task) Lookup {
	m := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t
	}
	return func(id string) (*task.Task, bool) {
		t, ok := m[id]
		return t, ok
	}
}

func node(id string, deps ...string) *task.Task {
	return &task.Task{
		ID:        id,
		Title:     id,
		Status:    task.StatusTodo,
		DependsOn: deps,
		Verify:    task.VerifySpec{Kind: task.VerifyManual, Criterion: "reviewed"},
	}
}

func TestCheckEdges(t *testing.T) {
	a := node("A")
	b := node("B", "A")
	c := node("C", "B")
	lookup := lookupOf(a, b, c)

	t.Run("acyclic", func(t *testing.T) {
		assert.NoError(t, CheckEdges(node("D", "C", "A"), lookup))
	})

	t.Run("unknown dependency", func(t *testing.T) {
		err := CheckEdges(node("D", "Z"), lookup)
		assert.ErrorIs(t, err, task.ErrUnknownDependency)
	})

	t.Run("self dependency", func(t *testing.T) {
		err := CheckEdges(node("C", "C"), lookup)
		assert.ErrorIs(t, err, task.ErrCycleDetected)
	})

	t.Run("closing a long cycle", func(t *testing.T) {
		err := CheckEdges(node("A", "C"), lookup)
		require.ErrorIs(t, err, task.ErrCycleDetected)

		var te *task.Error
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "A", te.ID)
		assert.Contains(t, te.Reason, "A -> C -> B -> A")
	})

	t.Run("diamond is fine", func(t *testing.T) {
		d := node("D", "B", "C")
		assert.NoError(t, CheckEdges(d, lookupOf(a, b, c, d)))
	})
}

func TestPrepareTask(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	lookup := lookupOf(node("A"))

	t.Run("create stamps version and time", func(t *testing.T) {
		out, err := PrepareTask(nil, node("B", "A"), lookup, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), out.Version)
		assert.Equal(t, now, out.CreatedAt)
		assert.Equal(t, now, out.UpdatedAt)
	})

	t.Run("create of existing id conflicts", func(t *testing.T) {
		_, err := PrepareTask(node("A"), node("A"), lookup, now)
		assert.ErrorIs(t, err, task.ErrConflict)
	})

	t.Run("create must be todo", func(t *testing.T) {
		n := node("B")
		n.Status = task.StatusBlocked
		_, err := PrepareTask(nil, n, lookup, now)
		assert.ErrorIs(t, err, task.ErrValidation)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		prev := node("A")
		prev.Version = 3
		next := node("A")
		next.Version = 2
		_, err := PrepareTask(prev, next, lookup, now)
		assert.ErrorIs(t, err, task.ErrConflict)
	})

	t.Run("update of missing task", func(t *testing.T) {
		next := node("Q")
		next.Version = 1
		_, err := PrepareTask(nil, next, lookup, now)
		assert.ErrorIs(t, err, task.ErrNotFound)
	})

	t.Run("notes are append-only", func(t *testing.T) {
		prev := node("A")
		prev.Version = 1
		prev.AddNote(now, task.NoteInfo, "first")
		next := prev.Clone()
		next.Notes = nil
		_, err := PrepareTask(prev, next, lookup, now)
		assert.ErrorIs(t, err, task.ErrValidation)
	})

	t.Run("done is not reachable by put", func(t *testing.T) {
		prev := node("A")
		prev.Version = 1
		prev.Status = task.StatusDoing
		prev.Lease = &task.Lease{Owner: "w"}
		next := prev.Clone()
		next.Status = task.StatusDone
		next.Lease = nil
		_, err := PrepareTask(prev, next, lookup, now)
		assert.ErrorIs(t, err, task.ErrInvalidTransition)

		out, err := PrepareCompletion(prev, next, now)
		require.NoError(t, err)
		assert.Equal(t, int64(2), out.Version)
	})

	t.Run("illegal status jump", func(t *testing.T) {
		prev := node("A")
		prev.Version = 1
		next := prev.Clone()
		next.Status = task.StatusBlocked
		_, err := PrepareTask(prev, next, lookup, now)
		assert.ErrorIs(t, err, task.ErrInvalidTransition)
	})
}

func TestPrepareDecision(t *testing.T) {
	now := time.Now().UTC()
	d := &task.Decision{ID: "ADR-1", Description: "pick a store", Status: task.DecisionProposed}

	created, err := PrepareDecision(nil, d, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	accept := *created
	accept.Status = task.DecisionAccepted
	accept.Reasoning = "embedded, no ops"
	accepted, err := PrepareDecision(created, &accept, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), accepted.Version)

	again := *accepted
	again.Description = "changed"
	_, err = PrepareDecision(accepted, &again, now)
	assert.ErrorIs(t, err, task.ErrDecisionImmutable)
}

func TestFilterMatch(t *testing.T) {
	tk := node("A")
	tk.Priority = task.P2
	tk.Tags = []string{"backend"}

	assert.True(t, Filter{}.Match(tk))
	assert.True(t, Filter{Statuses: []task.Status{task.StatusTodo}}.Match(tk))
	assert.False(t, Filter{Statuses: []task.Status{task.StatusDone}}.Match(tk))
	assert.True(t, Filter{Priorities: []task.Priority{task.P1, task.P2}}.Match(tk))
	assert.False(t, Filter{IDs: []string{"B"}}.Match(tk))
	assert.True(t, Filter{Tag: "backend"}.Match(tk))
	assert.False(t, Filter{Tag: "frontend"}.Match(tk))
}
