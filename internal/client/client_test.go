package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "github.com/fyrsmithlabs/taskgraph/internal/http"
	"github.com/fyrsmithlabs/taskgraph/internal/logging"
	"github.com/fyrsmithlabs/taskgraph/internal/orchestrator"
	"github.com/fyrsmithlabs/taskgraph/internal/store/memory"
	"github.com/fyrsmithlabs/taskgraph/internal/store/storetest"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
	"github.com/fyrsmithlabs/taskgraph/internal/verify"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	engine, err := orchestrator.New(store, nil)
	require.NoError(t, err)
	srv, err := api.NewServer(engine, logging.Nop(), nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	c, err := New(ts.URL, 5*time.Second)
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	c, err := New("", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultURL, c.BaseURL())

	c, err = New("http://example.test:9000/", 0)
	require.NoError(t, err)
	assert.Equal(t, "http://example.test:9000", c.BaseURL())

	_, err = New("not a url", 0)
	assert.Error(t, err)
}

func TestClientRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)

	next, err := c.NextReady(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	a, err := c.Submit(ctx, storetest.NewTask("A", task.P1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Version)
	_, err = c.Submit(ctx, storetest.NewTask("B", task.P0, "A"))
	require.NoError(t, err)

	a.Title = "first"
	a, err = c.Submit(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "first", a.Title)

	leased, err := c.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, "A", leased.ID)

	res, err := c.Verify(ctx, "A", "w1", verify.ExitStatus("make test", 0, "ok"))
	require.NoError(t, err)
	require.NoError(t, res.Err())
	require.NotNil(t, res.Checkpoint)

	latest, err := c.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "A", latest.LastTaskCompleted)
	assert.Equal(t, "B", latest.NextTask)

	cps, err := c.Checkpoints(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, cps, 1)

	todo, err := c.ListTasks(ctx, ListOptions{Statuses: []task.Status{task.StatusTodo}})
	require.NoError(t, err)
	require.Len(t, todo, 1)
	assert.Equal(t, "B", todo[0].ID)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, snap.Completed)

	rec, err := c.Resume(ctx, "A")
	require.NoError(t, err)
	assert.Nil(t, rec.Discontinuity)
}

func TestClientErrorsMatchSentinels(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, task.ErrNotFound)

	_, err = c.Submit(ctx, storetest.NewTask("X", task.P1, "ghost"))
	assert.ErrorIs(t, err, task.ErrUnknownDependency)

	_, err = c.Submit(ctx, storetest.NewTask("A", task.P1))
	require.NoError(t, err)
	_, err = c.Start(ctx, "A", "w1", "")
	require.NoError(t, err)

	_, err = c.Start(ctx, "A", "w2", "")
	assert.ErrorIs(t, err, task.ErrLeaseHeld)

	_, err = c.Release(ctx, "A", "w2", "not mine")
	assert.ErrorIs(t, err, task.ErrLeaseHeld)

	released, err := c.Release(ctx, "A", "w1", "handing off")
	require.NoError(t, err)
	assert.Equal(t, task.StatusTodo, released.Status)

	var te *task.Error
	_, err = c.Block(ctx, "A", "", "cannot block todo")
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "A", te.ID)
}

func TestClientDecisions(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	d, err := c.ProposeDecision(ctx, &task.Decision{ID: "D1", Description: "ship v1"})
	require.NoError(t, err)

	d.Description = "ship v1 on friday"
	d, err = c.EditDecision(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, "ship v1 on friday", d.Description)

	_, err = c.Decide(ctx, "D1", false, "lead", "")
	assert.ErrorIs(t, err, task.ErrValidation)

	d, err = c.Decide(ctx, "D1", false, "lead", "not ready")
	require.NoError(t, err)
	assert.Equal(t, task.DecisionRejected, d.Status)

	_, err = c.Decide(ctx, "D1", true, "lead", "actually ready")
	assert.ErrorIs(t, err, task.ErrDecisionImmutable)

	got, err := c.ListDecisions(ctx, task.DecisionRejected)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestNonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	t.Cleanup(ts.Close)

	c, err := New(ts.URL, time.Second)
	require.NoError(t, err)

	_, err = c.GetTask(context.Background(), "A")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream exploded")
}
