package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskgraph/internal/checkpoint"
	"github.com/fyrsmithlabs/taskgraph/internal/orchestrator"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

type fakeSource struct {
	snap  *orchestrator.Snapshot
	ready []*task.Task
	err   error
}

func (f *fakeSource) Snapshot(context.Context) (*orchestrator.Snapshot, error) {
	return f.snap, f.err
}

func (f *fakeSource) Ready(context.Context) ([]*task.Task, error) {
	return f.ready, f.err
}

func sampleSnapshot() *orchestrator.Snapshot {
	now := time.Now()
	a := &task.Task{ID: "A", Title: "schema", Priority: task.P1, Status: task.StatusDone}
	b := &task.Task{ID: "B", Title: "api", Priority: task.P0, Status: task.StatusDoing,
		Lease: &task.Lease{Owner: "w1", AcquiredAt: now.Add(-3 * time.Minute)}, Attempts: 1}
	c := &task.Task{ID: "C", Title: "docs", Priority: task.P2, Status: task.StatusBlocked,
		Notes: []task.Note{{Kind: task.NoteBlocked, Text: "waiting on review"}}}
	d := &task.Task{ID: "D", Title: "flaky", Priority: task.P2, Status: task.StatusTodo, Escalated: true, Attempts: 3}
	e := &task.Task{ID: "E", Title: "cli", Priority: task.P3, Status: task.StatusTodo}
	return &orchestrator.Snapshot{
		TakenAt:   now,
		Tasks:     []*task.Task{a, b, c, d, e},
		Decisions: []*task.Decision{{ID: "D1", Status: task.DecisionProposed}, {ID: "D2", Status: task.DecisionAccepted}},
		Latest:    &checkpoint.Checkpoint{Seq: 1, LastTaskCompleted: "A", NextTask: "E"},
		Completed: []string{"A"},
		Next:      e,
		Counts: map[task.Status]int{
			task.StatusTodo: 2, task.StatusDoing: 1, task.StatusBlocked: 1, task.StatusDone: 1,
		},
	}
}

func TestSummarize(t *testing.T) {
	snap := sampleSnapshot()
	s := Summarize(snap, []*task.Task{snap.Next})

	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 1, s.Completed)
	assert.Equal(t, int64(1), s.Seq)
	assert.Equal(t, "A", s.LastDone)
	assert.Equal(t, 1, s.Proposed)
	require.Len(t, s.Doing, 1)
	assert.Equal(t, "B", s.Doing[0].ID)
	require.Len(t, s.Blocked, 1)
	assert.Equal(t, "waiting on review", lastBlockReason(s.Blocked[0]))
	require.Len(t, s.Escalated, 1)
	assert.Equal(t, "D", s.Escalated[0].ID)
	assert.InDelta(t, 0.2, s.Progress(), 1e-9)
}

func TestSummarizeNil(t *testing.T) {
	s := Summarize(nil, nil)
	assert.Equal(t, 0, s.Total)
	assert.Zero(t, s.Progress())
}

func TestStatusBadge(t *testing.T) {
	assert.Contains(t, statusBadge(Stats{Mismatches: []string{"x"}}), "INCONSISTENT")
	assert.Contains(t, statusBadge(Stats{Escalated: []*task.Task{{ID: "D"}}}), "ESCALATED")
	assert.Contains(t, statusBadge(Stats{Blocked: []*task.Task{{ID: "C"}}}), "BLOCKED")
	assert.Contains(t, statusBadge(Stats{Total: 1, Counts: map[task.Status]int{task.StatusDone: 1}}), "COMPLETE")
	assert.Contains(t, statusBadge(Stats{}), "OK")
}

func TestModelInit(t *testing.T) {
	m := NewModel(&fakeSource{}, "http://127.0.0.1:8484", 0)
	assert.Equal(t, 2*time.Second, m.interval)
	assert.NotNil(t, m.Init())
}

func TestModelQuitKey(t *testing.T) {
	m := NewModel(&fakeSource{}, "x", time.Second)
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	assert.True(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, updated.(Model).View())
}

func TestModelRefreshKey(t *testing.T) {
	m := NewModel(&fakeSource{}, "x", time.Second)
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	assert.False(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
}

func TestModelFetch(t *testing.T) {
	snap := sampleSnapshot()
	src := &fakeSource{snap: snap, ready: []*task.Task{snap.Next}}

	msg := fetch(src)()
	sm, ok := msg.(statsMsg)
	require.True(t, ok)
	assert.Equal(t, 5, sm.stats.Total)

	src.err = errors.New("connection refused")
	_, ok = fetch(src)().(errMsg)
	assert.True(t, ok)
}

func TestModelTracksCompletions(t *testing.T) {
	m := NewModel(&fakeSource{}, "x", time.Second)

	updated, _ := m.Update(statsMsg{stats: Stats{Completed: 2}, at: time.Now()})
	m = updated.(Model)
	assert.Empty(t, m.history)

	updated, _ = m.Update(statsMsg{stats: Stats{Completed: 5}, at: time.Now()})
	m = updated.(Model)
	assert.Equal(t, []float64{3}, m.history)

	for i := 0; i < historySize+5; i++ {
		updated, _ = m.Update(statsMsg{stats: Stats{Completed: 5}, at: time.Now()})
		m = updated.(Model)
	}
	assert.Len(t, m.history, historySize)
}

func TestModelView(t *testing.T) {
	snap := sampleSnapshot()
	m := NewModel(&fakeSource{}, "http://127.0.0.1:8484", time.Second)
	updated, _ := m.Update(statsMsg{stats: Summarize(snap, []*task.Task{snap.Next}), at: time.Now()})
	view := updated.(Model).View()

	assert.Contains(t, view, "taskgraph board")
	assert.Contains(t, view, "ESCALATED")
	assert.Contains(t, view, "A (seq 1)")
	assert.Contains(t, view, "Ready (1)")
	assert.Contains(t, view, "w1")
	assert.Contains(t, view, "waiting on review")
	assert.Contains(t, view, "Decisions pending")
}

func TestModelErrorView(t *testing.T) {
	m := NewModel(&fakeSource{}, "http://127.0.0.1:8484", time.Second)
	updated, _ := m.Update(errMsg{errors.New("connection refused")})
	view := updated.(Model).View()
	assert.Contains(t, view, "Cannot reach taskgraphd")
	assert.Contains(t, view, "connection refused")

	updated, _ = updated.Update(statsMsg{stats: Stats{}, at: time.Now()})
	assert.Nil(t, updated.(Model).err)
}
