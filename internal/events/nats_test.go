package events

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskgraph/internal/checkpoint"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestSubject(t *testing.T) {
	tk := &task.Task{ID: "T7"}
	assert.Equal(t, "taskgraph.tasks.T7.completed", TaskEvent(TaskCompleted, tk, "").Subject(""))
	assert.Equal(t, "tg.checkpoints.appended", CheckpointEvent(&checkpoint.Checkpoint{}).Subject("tg"))
	assert.Equal(t, "taskgraph.decisions.ADR-2.accepted",
		DecisionEvent(&task.Decision{ID: "ADR-2", Status: task.DecisionAccepted}).Subject("taskgraph"))
}

func TestNATSPublisher_Publish(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("taskgraph.tasks.*.blocked", ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	pub := NewNATSPublisher(nc, "")
	tk := &task.Task{ID: "T3", Title: "wire auth", Status: task.StatusBlocked}
	require.NoError(t, pub.Publish(context.Background(), TaskEvent(TaskBlocked, tk, "waiting on creds")))

	select {
	case msg := <-ch:
		assert.Equal(t, "taskgraph.tasks.T3.blocked", msg.Subject)
		e, err := Decode(msg.Data)
		require.NoError(t, err)
		assert.Equal(t, TaskBlocked, e.Type)
		assert.Equal(t, "waiting on creds", e.Reason)
		require.NotNil(t, e.Task)
		assert.Equal(t, "T3", e.Task.ID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for blocked event")
	}
}

func TestNATSPublisher_CanceledContext(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewNATSPublisher(nc, "").Publish(ctx, CheckpointEvent(&checkpoint.Checkpoint{Seq: 1}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscribe(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- Subscribe(ctx, nc, "tg", func(subject string, e Event) { got <- subject })
	}()

	pub := NewNATSPublisher(nc, "tg")
	// Subscription setup races the first publish; retry until one lands.
	deadline := time.After(2 * time.Second)
	for {
		require.NoError(t, pub.Publish(context.Background(), CheckpointEvent(&checkpoint.Checkpoint{Seq: 1})))
		select {
		case subject := <-got:
			assert.Equal(t, "tg.checkpoints.appended", subject)
			cancel()
			require.NoError(t, <-done)
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event delivered")
		}
	}
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{}))
}
