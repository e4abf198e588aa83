package plan

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgraph/internal/scheduler"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// Engine is what an import writes through. *orchestrator.Orchestrator
// implements it.
type Engine interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
	Submit(ctx context.Context, t *task.Task) (*task.Task, error)
	GetDecision(ctx context.Context, id string) (*task.Decision, error)
	ProposeDecision(ctx context.Context, d *task.Decision) (*task.Decision, error)
	EditDecision(ctx context.Context, d *task.Decision) (*task.Decision, error)
}

// Result reports what an import did, by id.
type Result struct {
	Created   []string `json:"created,omitempty"`
	Updated   []string `json:"updated,omitempty"`
	Unchanged []string `json:"unchanged,omitempty"`
	// Skipped tasks already left todo; their definitions are frozen.
	Skipped []string `json:"skipped,omitempty"`

	DecisionsProposed  []string `json:"decisions_proposed,omitempty"`
	DecisionsUpdated   []string `json:"decisions_updated,omitempty"`
	DecisionsUnchanged []string `json:"decisions_unchanged,omitempty"`
}

// Importer writes plans into the graph.
type Importer struct {
	engine Engine
	logger *zap.Logger
}

// NewImporter creates an importer.
func NewImporter(engine Engine, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{engine: engine, logger: logger}
}

// ImportFile loads path and imports it.
func (im *Importer) ImportFile(ctx context.Context, path string) (*Result, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	res, err := im.Import(ctx, p)
	if err != nil {
		return res, fmt.Errorf("import %s: %w", path, err)
	}
	return res, nil
}

// Import submits every task in dependency order, creating missing tasks and
// updating the definitions of tasks that are still todo. Each task is
// validated and the plan's own edges are checked for cycles before anything
// is written.
func (im *Importer) Import(ctx context.Context, p *Plan) (*Result, error) {
	order, err := topoOrder(p.Tasks)
	if err != nil {
		return nil, err
	}
	for _, spec := range p.Tasks {
		if err := spec.Task().Validate(); err != nil {
			return nil, err
		}
	}
	for _, spec := range p.Decisions {
		d := &task.Decision{ID: spec.ID, Description: spec.Description, Status: task.DecisionProposed}
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}

	res := &Result{}
	for _, spec := range order {
		if err := im.importTask(ctx, spec, res); err != nil {
			return res, err
		}
	}
	for _, spec := range p.Decisions {
		if err := im.importDecision(ctx, spec, res); err != nil {
			return res, err
		}
	}

	im.logger.Info("plan imported",
		zap.String("plan", p.Name),
		zap.Int("created", len(res.Created)),
		zap.Int("updated", len(res.Updated)),
		zap.Int("unchanged", len(res.Unchanged)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int("decisions", len(res.DecisionsProposed)+len(res.DecisionsUpdated)),
	)
	return res, nil
}

func (im *Importer) importTask(ctx context.Context, spec TaskSpec, res *Result) error {
	want := spec.Task()
	cur, err := im.engine.GetTask(ctx, spec.ID)
	switch {
	case errors.Is(err, task.ErrNotFound):
		if _, err := im.engine.Submit(ctx, want); err != nil {
			return err
		}
		res.Created = append(res.Created, spec.ID)
		return nil
	case err != nil:
		return err
	}

	if cur.Status != task.StatusTodo {
		im.logger.Debug("plan task already started, leaving it",
			zap.String("task_id", cur.ID), zap.String("status", string(cur.Status)))
		res.Skipped = append(res.Skipped, spec.ID)
		return nil
	}
	if sameDefinition(cur, want) {
		res.Unchanged = append(res.Unchanged, spec.ID)
		return nil
	}

	want.Version = cur.Version
	if _, err := im.engine.Submit(ctx, want); err != nil {
		return err
	}
	res.Updated = append(res.Updated, spec.ID)
	return nil
}

func (im *Importer) importDecision(ctx context.Context, spec DecisionSpec, res *Result) error {
	cur, err := im.engine.GetDecision(ctx, spec.ID)
	switch {
	case errors.Is(err, task.ErrNotFound):
		if _, err := im.engine.ProposeDecision(ctx, &task.Decision{ID: spec.ID, Description: spec.Description}); err != nil {
			return err
		}
		res.DecisionsProposed = append(res.DecisionsProposed, spec.ID)
		return nil
	case err != nil:
		return err
	}

	if cur.Status != task.DecisionProposed || cur.Description == spec.Description {
		res.DecisionsUnchanged = append(res.DecisionsUnchanged, spec.ID)
		return nil
	}
	next := *cur
	next.Description = spec.Description
	if _, err := im.engine.EditDecision(ctx, &next); err != nil {
		return err
	}
	res.DecisionsUpdated = append(res.DecisionsUpdated, spec.ID)
	return nil
}

func sameDefinition(cur, want *task.Task) bool {
	return cur.Title == want.Title &&
		cur.Priority == want.Priority &&
		cur.Deliverable == want.Deliverable &&
		cur.Verify == want.Verify &&
		cur.Estimate == want.Estimate &&
		slices.Equal(cur.DependsOn, want.DependsOn) &&
		slices.Equal(cur.Tags, want.Tags)
}

// topoOrder orders specs so every task follows the plan tasks it depends
// on. Dependencies outside the plan are left for the store to resolve.
// Ties are broken by id so the order is deterministic.
func topoOrder(specs []TaskSpec) ([]TaskSpec, error) {
	byID := make(map[string]TaskSpec, len(specs))
	for _, s := range specs {
		if _, dup := byID[s.ID]; dup {
			return nil, task.Validation(s.ID, "task is listed more than once in the plan")
		}
		byID[s.ID] = s
	}

	indegree := make(map[string]int, len(specs))
	dependents := make(map[string][]string)
	for _, s := range specs {
		indegree[s.ID] += 0
		for _, dep := range s.DependsOn {
			if _, inPlan := byID[dep]; !inPlan {
				continue
			}
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var queue []string
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	sortIDs(queue)

	out := make([]TaskSpec, 0, len(specs))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, byID[id])
		var freed []string
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				freed = append(freed, next)
			}
		}
		sortIDs(freed)
		queue = append(queue, freed...)
	}

	if len(out) != len(specs) {
		var stuck []string
		for id, n := range indegree {
			if n > 0 {
				stuck = append(stuck, id)
			}
		}
		sortIDs(stuck)
		return nil, &task.Error{
			Kind:   task.ErrCycleDetected,
			ID:     stuck[0],
			Reason: "plan dependency cycle among " + strings.Join(stuck, ", "),
		}
	}
	return out, nil
}

func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return scheduler.CompareIDs(ids[i], ids[j]) })
}
