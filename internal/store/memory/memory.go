// Package memory provides an in-process graph.Backend. State is lost when the
// process exits; it backs tests and ephemeral daemons.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/taskgraph/internal/checkpoint"
	"github.com/fyrsmithlabs/taskgraph/internal/graph"
	"github.com/fyrsmithlabs/taskgraph/internal/scheduler"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("store is closed")

// Backend keeps tasks, decisions and the checkpoint ledger behind one lock,
// so a completion and its checkpoint commit together.
type Backend struct {
	mu        sync.RWMutex
	tasks     map[string]*task.Task
	decisions map[string]*task.Decision
	ledger    []*checkpoint.Checkpoint
	latest    *checkpoint.Checkpoint
	closed    bool

	now func() time.Time
}

var _ graph.Backend = (*Backend)(nil)

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		tasks:     make(map[string]*task.Task),
		decisions: make(map[string]*task.Decision),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (b *Backend) lookup(id string) (*task.Task, bool) {
	t, ok := b.tasks[id]
	return t, ok
}

// GetTask implements graph.Store.
func (b *Backend) GetTask(_ context.Context, id string) (*task.Task, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	t, ok := b.tasks[id]
	if !ok {
		return nil, task.NotFound(id)
	}
	return t.Clone(), nil
}

// ListTasks implements graph.Store.
func (b *Backend) ListTasks(_ context.Context, f graph.Filter) ([]*task.Task, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	out := make([]*task.Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		if f.Match(t) {
			out = append(out, t.Clone())
		}
	}
	scheduler.Sort(out)
	return out, nil
}

// PutTask implements graph.Store.
func (b *Backend) PutTask(_ context.Context, t *task.Task) (*task.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	prev, _ := b.lookup(t.ID)
	out, err := graph.PrepareTask(prev, t, b.lookup, b.now())
	if err != nil {
		return nil, err
	}
	b.tasks[out.ID] = out
	return out.Clone(), nil
}

// DependenciesSatisfied implements graph.Store.
func (b *Backend) DependenciesSatisfied(_ context.Context, id string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false, ErrClosed
	}
	t, ok := b.tasks[id]
	if !ok {
		return false, task.NotFound(id)
	}
	for _, dep := range t.DependsOn {
		if d, ok := b.tasks[dep]; !ok || d.Status != task.StatusDone {
			return false, nil
		}
	}
	return true, nil
}

// GetDecision implements graph.Store.
func (b *Backend) GetDecision(_ context.Context, id string) (*task.Decision, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	d, ok := b.decisions[id]
	if !ok {
		return nil, task.NotFound(id)
	}
	c := *d
	return &c, nil
}

// ListDecisions implements graph.Store.
func (b *Backend) ListDecisions(_ context.Context, status task.DecisionStatus) ([]*task.Decision, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	out := make([]*task.Decision, 0, len(b.decisions))
	for _, d := range b.decisions {
		if status == "" || d.Status == status {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return scheduler.CompareIDs(out[i].ID, out[j].ID) })
	return out, nil
}

// PutDecision implements graph.Store.
func (b *Backend) PutDecision(_ context.Context, d *task.Decision) (*task.Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	out, err := graph.PrepareDecision(b.decisions[d.ID], d, b.now())
	if err != nil {
		return nil, err
	}
	b.decisions[out.ID] = out
	c := *out
	return &c, nil
}

// Append implements checkpoint.Ledger.
func (b *Backend) Append(_ context.Context, cp *checkpoint.Checkpoint) (*checkpoint.Checkpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	return b.appendLocked(cp), nil
}

func (b *Backend) appendLocked(cp *checkpoint.Checkpoint) *checkpoint.Checkpoint {
	c := *cp
	c.Seq = int64(len(b.ledger)) + 1
	if c.Timestamp.IsZero() {
		c.Timestamp = b.now()
	}
	b.ledger = append(b.ledger, &c)
	b.latest = &c
	out := c
	return &out
}

// Latest implements checkpoint.Ledger.
func (b *Backend) Latest(_ context.Context) (*checkpoint.Checkpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.latest == nil {
		return nil, nil
	}
	c := *b.latest
	return &c, nil
}

// List implements checkpoint.Ledger.
func (b *Backend) List(_ context.Context, afterSeq int64, limit int) ([]*checkpoint.Checkpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	start := int(afterSeq)
	if start < 0 {
		start = 0
	}
	if start > len(b.ledger) {
		start = len(b.ledger)
	}
	end := len(b.ledger)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]*checkpoint.Checkpoint, 0, end-start)
	for _, cp := range b.ledger[start:end] {
		c := *cp
		out = append(out, &c)
	}
	return out, nil
}

// Complete implements graph.Backend.
func (b *Backend) Complete(_ context.Context, t *task.Task, cp *checkpoint.Checkpoint) (*task.Task, *checkpoint.Checkpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrClosed
	}
	prev, _ := b.lookup(t.ID)
	out, err := graph.PrepareCompletion(prev, t, b.now())
	if err != nil {
		return nil, nil, err
	}
	b.tasks[out.ID] = out
	appended := b.appendLocked(cp)
	return out.Clone(), appended, nil
}

// Close implements graph.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
