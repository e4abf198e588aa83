package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskgraph/internal/events"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

func TestDecisionLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	d, err := f.o.ProposeDecision(ctx, &task.Decision{ID: "ADR-1", Description: "store the graph in sqlite"})
	require.NoError(t, err)
	assert.Equal(t, task.DecisionProposed, d.Status)
	assert.Equal(t, int64(1), d.Version)

	_, err = f.o.ProposeDecision(ctx, &task.Decision{ID: "ADR-1", Description: "again"})
	assert.ErrorIs(t, err, task.ErrConflict)

	edited := *d
	edited.Description = "store the graph and ledger in sqlite"
	d, err = f.o.EditDecision(ctx, &edited)
	require.NoError(t, err)
	assert.Equal(t, "store the graph and ledger in sqlite", d.Description)

	_, err = f.o.AcceptDecision(ctx, DecideRequest{ID: "ADR-1", By: "maintainer"})
	assert.ErrorIs(t, err, task.ErrValidation, "reasoning is required")

	accepted, err := f.o.AcceptDecision(ctx, DecideRequest{ID: "ADR-1", By: "maintainer", Reasoning: "embedded, transactional"})
	require.NoError(t, err)
	assert.Equal(t, task.DecisionAccepted, accepted.Status)
	assert.Equal(t, "maintainer", accepted.DecidedBy)

	_, err = f.o.RejectDecision(ctx, DecideRequest{ID: "ADR-1", Reasoning: "changed my mind"})
	assert.ErrorIs(t, err, task.ErrDecisionImmutable)

	back := *accepted
	back.Status = task.DecisionProposed
	_, err = f.o.EditDecision(ctx, &back)
	assert.ErrorIs(t, err, task.ErrDecisionImmutable)

	list, err := f.o.ListDecisions(ctx, task.DecisionAccepted)
	require.NoError(t, err)
	require.Len(t, list, 1)

	assert.Contains(t, f.pub.types(), events.DecisionChanged)
}

func TestEditDecision_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.o.EditDecision(ctx, &task.Decision{ID: "ADR-9", Description: "x"})
	assert.ErrorIs(t, err, task.ErrValidation, "version required")

	_, err = f.o.EditDecision(ctx, &task.Decision{ID: "ADR-9", Description: "x", Version: 1})
	assert.ErrorIs(t, err, task.ErrNotFound)

	_, err = f.o.EditDecision(ctx, &task.Decision{ID: "ADR-9", Description: "x", Version: 1, Status: task.DecisionAccepted})
	assert.ErrorIs(t, err, task.ErrValidation)

	_, err = f.o.ProposeDecision(ctx, &task.Decision{ID: "ADR-2", Description: "x", Status: task.DecisionAccepted})
	assert.ErrorIs(t, err, task.ErrValidation, "decisions are created as proposed")

	_, err = f.o.AcceptDecision(ctx, DecideRequest{ID: "nope", Reasoning: "r"})
	assert.ErrorIs(t, err, task.ErrNotFound)
}
