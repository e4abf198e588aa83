package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskgraph/internal/checkpoint"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

func TestResume_DetectsDiscontinuity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.submit(t, "A", task.P1)
	f.submit(t, "B", task.P0, "A")
	f.complete(t, "A")
	assert.Equal(t, "A", f.o.Session().LastCompleted)

	// A new process over the same store has lost its working memory.
	fresh, err := New(f.store, nil, WithClock(f.clock.Now))
	require.NoError(t, err)
	before := fresh.Session().ID

	rec, err := fresh.Recover(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec.Discontinuity)
	assert.Equal(t, "", rec.Discontinuity.Expected)
	assert.Equal(t, "A", rec.Discontinuity.Actual)
	assert.Equal(t, int64(1), rec.Discontinuity.Seq)
	assert.Contains(t, rec.Discontinuity.Error(), "recovery discontinuity")

	var asErr error = rec.Discontinuity
	var d *Discontinuity
	assert.True(t, errors.As(asErr, &d))

	assert.NotEqual(t, before, rec.Session.ID)
	assert.Equal(t, "A", rec.Session.LastCompleted)
	require.NotNil(t, rec.Snapshot.Next)
	assert.Equal(t, "B", rec.Snapshot.Next.ID)

	again, err := fresh.Recover(ctx)
	require.NoError(t, err)
	assert.Nil(t, again.Discontinuity, "the session adopted the ledger head")
}

func TestResume_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.submit(t, "A", task.P1)
	f.submit(t, "B", task.P2, "A")
	f.submit(t, "C", task.P1, "A")
	f.complete(t, "A")

	first, err := f.o.Resume(ctx, "A")
	require.NoError(t, err)
	assert.Nil(t, first.Discontinuity)

	for i := 0; i < 5; i++ {
		rec, err := f.o.Resume(ctx, "A")
		require.NoError(t, err)
		require.NotNil(t, rec.Snapshot.Next)
		assert.Equal(t, first.Snapshot.Next.ID, rec.Snapshot.Next.ID)
		assert.Equal(t, "C", rec.Snapshot.Next.ID)
	}

	rec, err := f.o.Resume(ctx, "B")
	require.NoError(t, err)
	require.NotNil(t, rec.Discontinuity)
	assert.Equal(t, "C", rec.Snapshot.Next.ID, "recommendation comes from storage alone")
}

func TestResume_EmptyLedger(t *testing.T) {
	f := newFixture(t, nil)
	rec, err := f.o.Recover(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec.Discontinuity)
	assert.Nil(t, rec.Snapshot.Latest)
	assert.Empty(t, rec.Snapshot.Completed)
	assert.Nil(t, rec.Snapshot.Next)
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.submit(t, "A", task.P1)
	f.submit(t, "B", task.P1, "A")
	f.submit(t, "C", task.P3)
	f.complete(t, "A")
	_, err := f.o.Skip(ctx, TransitionRequest{ID: "C", Reason: "out of scope"})
	require.NoError(t, err)
	_, err = f.o.ProposeDecision(ctx, &task.Decision{ID: "ADR-1", Description: "use sqlite"})
	require.NoError(t, err)

	snap, err := f.o.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Tasks, 3)
	assert.Len(t, snap.Decisions, 1)
	assert.Equal(t, []string{"A"}, snap.Completed)
	assert.Equal(t, 1, snap.Counts[task.StatusDone])
	assert.Equal(t, 1, snap.Counts[task.StatusTodo])
	assert.Equal(t, 1, snap.Counts[task.StatusSkipped])
	assert.Equal(t, 0, snap.Counts[task.StatusBlocked])
	assert.Empty(t, snap.Inconsistencies)
	require.NotNil(t, snap.Latest)
	assert.Equal(t, "A", snap.Latest.LastTaskCompleted)
}

func TestSnapshot_ReportsLedgerDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.submit(t, "A", task.P1)

	_, err := f.store.Append(ctx, checkpoint.New("ghost", "", f.clock.Now()))
	require.NoError(t, err)

	snap, err := f.o.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Inconsistencies, 1)
	assert.Contains(t, snap.Inconsistencies[0], "ghost")
}
