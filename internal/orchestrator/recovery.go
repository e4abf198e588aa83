package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgraph/internal/checkpoint"
	"github.com/fyrsmithlabs/taskgraph/internal/graph"
	"github.com/fyrsmithlabs/taskgraph/internal/scheduler"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// Snapshot is the full engine state read from durable storage.
type Snapshot struct {
	TakenAt   time.Time              `json:"taken_at"`
	Tasks     []*task.Task           `json:"tasks"`
	Decisions []*task.Decision       `json:"decisions"`
	Latest    *checkpoint.Checkpoint `json:"latest,omitempty"`

	// Completed lists task ids in the order the ledger recorded them.
	Completed []string `json:"completed"`

	// Next is the scheduler's recommendation for this snapshot.
	Next *task.Task `json:"next,omitempty"`

	Counts map[task.Status]int `json:"counts"`

	// Inconsistencies are disagreements between the graph and the ledger.
	Inconsistencies []string `json:"inconsistencies,omitempty"`
}

// Discontinuity reports that the caller's expectation disagrees with the ledger.
type Discontinuity struct {
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Seq      int64  `json:"seq"`
}

func (d *Discontinuity) Error() string {
	return fmt.Sprintf("recovery discontinuity: expected last completed %q, ledger has %q at seq %d", d.Expected, d.Actual, d.Seq)
}

// Recovery is the result of Resume.
type Recovery struct {
	Session       Session        `json:"session"`
	Snapshot      *Snapshot      `json:"snapshot"`
	Discontinuity *Discontinuity `json:"discontinuity,omitempty"`
}

// Snapshot reads the graph, decisions and ledger as one consistent view.
func (o *Orchestrator) Snapshot(ctx context.Context) (*Snapshot, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.snapshot")
	defer span.End()

	o.completeMu.Lock()
	defer o.completeMu.Unlock()

	tasks, err := o.store.ListTasks(ctx, graph.Filter{})
	if err != nil {
		return nil, reject(span, fmt.Errorf("failed to list tasks: %w", err))
	}
	decisions, err := o.store.ListDecisions(ctx, "")
	if err != nil {
		return nil, reject(span, fmt.Errorf("failed to list decisions: %w", err))
	}
	latest, err := o.store.Latest(ctx)
	if err != nil {
		return nil, reject(span, fmt.Errorf("failed to read ledger head: %w", err))
	}
	hist, err := checkpoint.Load(ctx, o.store)
	if err != nil {
		return nil, reject(span, err)
	}

	snap := &Snapshot{
		TakenAt:   o.now(),
		Tasks:     tasks,
		Decisions: decisions,
		Latest:    latest,
		Completed: hist.Completed,
		Next:      scheduler.NextReady(tasks),
		Counts:    make(map[task.Status]int, len(task.Statuses)),
	}
	if snap.Completed == nil {
		snap.Completed = []string{}
	}
	for _, s := range task.Statuses {
		snap.Counts[s] = 0
	}

	byID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		snap.Counts[t.Status]++
		if t.Status == task.StatusDone && !hist.Has(t.ID) {
			snap.Inconsistencies = append(snap.Inconsistencies, fmt.Sprintf("task %s is done without a checkpoint", t.ID))
		}
	}
	for _, id := range hist.Completed {
		if t, ok := byID[id]; !ok || t.Status != task.StatusDone {
			seq, _ := hist.SeqOf(id)
			snap.Inconsistencies = append(snap.Inconsistencies, fmt.Sprintf("checkpoint %d records %s, which is not done", seq, id))
		}
	}
	if (latest == nil) != (hist.Latest == nil) || (latest != nil && latest.Seq != hist.Latest.Seq) {
		snap.Inconsistencies = append(snap.Inconsistencies, "ledger head does not match the last checkpoint")
	}

	for s, n := range snap.Counts {
		tasksByStatus.WithLabelValues(string(s)).Set(float64(n))
	}
	span.SetAttributes(attribute.Int("tasks", len(tasks)), attribute.Int("completed", len(snap.Completed)))
	return snap, nil
}

// Resume starts a new session. expected is what the caller believes was
// last completed ("" for nothing). When the ledger disagrees the result
// carries a Discontinuity; either way the snapshot is rebuilt from storage
// and the session adopts the ledger's head.
func (o *Orchestrator) Resume(ctx context.Context, expected string) (*Recovery, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.resume")
	defer span.End()

	latest, err := o.store.Latest(ctx)
	if err != nil {
		return nil, reject(span, fmt.Errorf("failed to read ledger head: %w", err))
	}
	var actual string
	var seq int64
	if latest != nil {
		actual, seq = latest.LastTaskCompleted, latest.Seq
	}

	var disc *Discontinuity
	if expected != actual {
		disc = &Discontinuity{Expected: expected, Actual: actual, Seq: seq}
		discontinuitiesTotal.Inc()
		span.SetAttributes(attribute.Bool("discontinuity", true))
		o.logger.Warn("recovery discontinuity, rebuilding from storage",
			zap.String("expected", expected),
			zap.String("actual", actual),
			zap.Int64("seq", seq),
		)
	}

	snap, err := o.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	head := ""
	if snap.Latest != nil {
		head = snap.Latest.LastTaskCompleted
	}
	sess := Session{ID: uuid.New().String(), LastCompleted: head, StartedAt: o.now()}
	o.sessionMu.Lock()
	o.session = sess
	o.sessionMu.Unlock()

	for _, msg := range snap.Inconsistencies {
		o.logger.Warn("ledger inconsistency", zap.String("detail", msg))
	}
	return &Recovery{Session: sess, Snapshot: snap, Discontinuity: disc}, nil
}

// Recover resumes using this process's own expectation.
func (o *Orchestrator) Recover(ctx context.Context) (*Recovery, error) {
	return o.Resume(ctx, o.Session().LastCompleted)
}
