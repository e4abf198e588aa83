package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskgraph/internal/graph"
	"github.com/fyrsmithlabs/taskgraph/internal/orchestrator"
	"github.com/fyrsmithlabs/taskgraph/internal/store/memory"
	"github.com/fyrsmithlabs/taskgraph/internal/store/storetest"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
	"github.com/fyrsmithlabs/taskgraph/internal/verify"
)

type checkerFunc func(ctx context.Context, t *task.Task) (verify.Evidence, error)

func (f checkerFunc) Check(ctx context.Context, t *task.Task) (verify.Evidence, error) {
	return f(ctx, t)
}

func passing() verify.Checker {
	return checkerFunc(func(context.Context, *task.Task) (verify.Evidence, error) {
		return verify.ExitStatus("make test", 0, "ok"), nil
	})
}

func failing() verify.Checker {
	return checkerFunc(func(context.Context, *task.Task) (verify.Evidence, error) {
		return verify.ExitStatus("make test", 1, "FAIL"), nil
	})
}

func newEngine(t *testing.T, cfg *orchestrator.Config, ids ...string) *orchestrator.Orchestrator {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	o, err := orchestrator.New(store, cfg)
	require.NoError(t, err)
	for _, id := range ids {
		_, err := o.Submit(context.Background(), storetest.NewTask(id, task.P2))
		require.NoError(t, err)
	}
	return o
}

// runPool starts p and returns a stop function that cancels it and waits.
func runPool(t *testing.T, p *Pool) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func status(t *testing.T, o *orchestrator.Orchestrator, id string) task.Status {
	t.Helper()
	got, err := o.GetTask(context.Background(), id)
	require.NoError(t, err)
	return got.Status
}

func TestNew_RequiresCollaborators(t *testing.T) {
	o := newEngine(t, nil)
	_, err := New(nil, ExecutorFunc(func(context.Context, *task.Task) error { return nil }), passing(), Config{}, nil)
	assert.Error(t, err)
	_, err = New(o, nil, passing(), Config{}, nil)
	assert.Error(t, err)
	_, err = New(o, ExecutorFunc(func(context.Context, *task.Task) error { return nil }), nil, Config{}, nil)
	assert.Error(t, err)

	p, err := New(o, ExecutorFunc(func(context.Context, *task.Task) error { return nil }), passing(), Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, p.cfg.Workers)
	assert.Equal(t, 2*time.Second, p.cfg.PollInterval)
	assert.NotEmpty(t, p.cfg.Name)
}

func TestPool_CompletesAllTasks(t *testing.T) {
	ids := []string{"A", "B", "C", "D", "E"}
	o := newEngine(t, nil, ids...)

	var mu sync.Mutex
	active := map[string]int{}
	peak := 0
	exec := ExecutorFunc(func(_ context.Context, tk *task.Task) error {
		require.NotNil(t, tk.Lease)
		owner := tk.Lease.Owner
		mu.Lock()
		active[owner]++
		if active[owner] > peak {
			peak = active[owner]
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active[owner]--
		mu.Unlock()
		return nil
	})

	p, err := New(o, exec, passing(), Config{Workers: 3, PollInterval: 10 * time.Millisecond, Name: "w"}, nil)
	require.NoError(t, err)
	stop := runPool(t, p)

	require.Eventually(t, func() bool { return p.Stats().Completed == int64(len(ids)) }, 5*time.Second, 10*time.Millisecond)
	stop()

	for _, id := range ids {
		assert.Equal(t, task.StatusDone, status(t, o, id), id)
	}
	latest, err := o.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(ids)), latest.Seq)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak, "a worker held more than one lease at a time")
	assert.Equal(t, int64(len(ids)), p.Stats().Leased)
}

func TestPool_RespectsDependencies(t *testing.T) {
	o := newEngine(t, nil, "A")
	_, err := o.Submit(context.Background(), storetest.NewTask("B", task.P0, "A"))
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	exec := ExecutorFunc(func(_ context.Context, tk *task.Task) error {
		mu.Lock()
		order = append(order, tk.ID)
		mu.Unlock()
		return nil
	})
	p, err := New(o, exec, passing(), Config{Workers: 2, PollInterval: 5 * time.Millisecond, Name: "w"}, nil)
	require.NoError(t, err)
	stop := runPool(t, p)
	require.Eventually(t, func() bool { return p.Stats().Completed == 2 }, 5*time.Second, 10*time.Millisecond)
	stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B"}, order)
}

func TestPool_StopsRetryingOnEscalation(t *testing.T) {
	cfg := orchestrator.DefaultConfig()
	cfg.MaxVerifyAttempts = 2
	o := newEngine(t, cfg, "A")

	var calls atomic.Int64
	exec := ExecutorFunc(func(context.Context, *task.Task) error {
		calls.Add(1)
		return nil
	})
	p, err := New(o, exec, failing(), Config{Workers: 1, PollInterval: 5 * time.Millisecond, Name: "w"}, nil)
	require.NoError(t, err)
	stop := runPool(t, p)
	require.Eventually(t, func() bool { return p.Stats().Escalated == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	stop()

	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, int64(2), p.Stats().Failed)
	assert.Equal(t, int64(1), p.Stats().Blocked)
	assert.Equal(t, int64(1), p.Stats().Leased)
	got, err := o.GetTask(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, got.Status)
	assert.Nil(t, got.Lease)
	assert.True(t, got.Escalated)
	assert.Equal(t, 2, got.Attempts)
	require.NotEmpty(t, got.Notes)
	assert.Contains(t, got.Notes[len(got.Notes)-1].Text, "escalated after 2 failed verifications")
}

func TestPool_BlocksOnExecutorFailure(t *testing.T) {
	o := newEngine(t, nil, "A")
	exec := ExecutorFunc(func(context.Context, *task.Task) error { return errors.New("toolchain missing") })
	p, err := New(o, exec, passing(), Config{Workers: 1, PollInterval: 5 * time.Millisecond, Name: "w"}, nil)
	require.NoError(t, err)
	stop := runPool(t, p)
	require.Eventually(t, func() bool { return p.Stats().Blocked == 1 }, 5*time.Second, 10*time.Millisecond)
	stop()

	got, err := o.GetTask(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, got.Status)
	require.NotEmpty(t, got.Notes)
	assert.Contains(t, got.Notes[len(got.Notes)-1].Text, "toolchain missing")
}

// commandOnly passes every task it accepts and accepts what a
// CommandChecker could run.
type commandOnly struct{ verify.Checker }

func (commandOnly) Accepts(t *task.Task) bool { return (&verify.CommandChecker{}).Accepts(t) }

func submitManual(t *testing.T, o *orchestrator.Orchestrator, ids ...string) {
	t.Helper()
	for _, id := range ids {
		m := storetest.NewTask(id, task.P1)
		m.Verify = task.VerifySpec{Kind: task.VerifyManual, Criterion: "reviewed"}
		_, err := o.Submit(context.Background(), m)
		require.NoError(t, err)
	}
}

// doingByOwner counts doing tasks per lease owner.
func doingByOwner(t *testing.T, o *orchestrator.Orchestrator) map[string]int {
	t.Helper()
	doing, err := o.ListTasks(context.Background(), graph.Filter{Statuses: []task.Status{task.StatusDoing}})
	require.NoError(t, err)
	out := map[string]int{}
	for _, d := range doing {
		if d.Lease != nil {
			out[d.Lease.Owner]++
		}
	}
	return out
}

func assertAwaitingAttestation(t *testing.T, o *orchestrator.Orchestrator, ids ...string) {
	t.Helper()
	for _, id := range ids {
		got, err := o.GetTask(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusTodo, got.Status, id)
		assert.Nil(t, got.Lease, id)
		assert.Equal(t, 0, got.Attempts, id)
	}
}

func TestPool_SkipsTasksTheCheckerCannotRun(t *testing.T) {
	o := newEngine(t, nil, "R")
	submitManual(t, o, "M1", "M2", "M3")

	p, err := New(o, ExecutorFunc(func(context.Context, *task.Task) error { return nil }),
		commandOnly{passing()}, Config{Workers: 1, PollInterval: 5 * time.Millisecond, Name: "w"}, nil)
	require.NoError(t, err)
	stop := runPool(t, p)
	require.Eventually(t, func() bool { return p.Stats().Completed == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	stop()

	assert.Equal(t, task.StatusDone, status(t, o, "R"))
	assert.Equal(t, int64(1), p.Stats().Leased)
	assertAwaitingAttestation(t, o, "M1", "M2", "M3")
}

func TestPool_ReleasesTasksAwaitingAttestation(t *testing.T) {
	o := newEngine(t, nil, "R")
	submitManual(t, o, "M1", "M2", "M3")

	var mu sync.Mutex
	peak := 0
	checker := checkerFunc(func(_ context.Context, tk *task.Task) (verify.Evidence, error) {
		mu.Lock()
		for _, n := range doingByOwner(t, o) {
			if n > peak {
				peak = n
			}
		}
		mu.Unlock()
		if tk.Verify.Kind == task.VerifyManual {
			return verify.Evidence{}, verify.ErrNotRunnable
		}
		return verify.ExitStatus("make test", 0, "ok"), nil
	})

	p, err := New(o, ExecutorFunc(func(context.Context, *task.Task) error { return nil }),
		checker, Config{Workers: 1, PollInterval: 5 * time.Millisecond, Name: "w"}, nil)
	require.NoError(t, err)
	stop := runPool(t, p)
	require.Eventually(t, func() bool { return p.Stats().Completed == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	stop()

	mu.Lock()
	assert.Equal(t, 1, peak, "a worker held more than one lease at a time")
	mu.Unlock()
	assert.Empty(t, doingByOwner(t, o))
	assert.Equal(t, int64(4), p.Stats().Leased, "released tasks must not be leased again")
	assert.Equal(t, int64(3), p.Stats().Released)
	assert.Equal(t, task.StatusDone, status(t, o, "R"))
	assertAwaitingAttestation(t, o, "M1", "M2", "M3")
}

func TestPool_ReleasesOnShutdown(t *testing.T) {
	o := newEngine(t, nil, "A")
	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, _ *task.Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	p, err := New(o, exec, passing(), Config{Workers: 1, PollInterval: 5 * time.Millisecond, Name: "w", ReleaseOnShutdown: true}, nil)
	require.NoError(t, err)
	stop := runPool(t, p)
	<-started
	stop()

	assert.Equal(t, task.StatusTodo, status(t, o, "A"))
	assert.Equal(t, int64(1), p.Stats().Released)
}

func TestCommandExecutor(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "seen")
	script := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"$TASKGRAPH_TASK_ID\" > \""+out+"\"\ncat >> \""+out+"\"\n"), 0o755))

	exec := &CommandExecutor{Command: script}
	require.NoError(t, exec.Execute(context.Background(), storetest.NewTask("T1", task.P2)))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "T1\n")
	assert.Contains(t, string(data), `"id":"T1"`)
}

func TestCommandExecutor_Failure(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fail.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho 'no compiler' >&2\nexit 3\n"), 0o755))

	err := (&CommandExecutor{Command: script}).Execute(context.Background(), storetest.NewTask("T1", task.P2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Contains(t, err.Error(), "no compiler")

	assert.Error(t, (&CommandExecutor{}).Execute(context.Background(), storetest.NewTask("T1", task.P2)))
}
