package graph

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// Lookup resolves a task id against the committed graph.
type Lookup func(id string) (*task.Task, bool)

// CheckEdges validates the dependency edges of t against the committed graph
// as if t were already written. Unknown ids yield ErrUnknownDependency; any
// path from a dependency back to t yields ErrCycleDetected naming the path.
func CheckEdges(t *task.Task, lookup Lookup) error {
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return &task.Error{Kind: task.ErrCycleDetected, ID: t.ID, Reason: "task depends on itself"}
		}
		if _, ok := lookup(dep); !ok {
			return &task.Error{Kind: task.ErrUnknownDependency, ID: t.ID, Reason: fmt.Sprintf("depends on unknown task %q", dep)}
		}
	}

	edges := func(id string) []string {
		if id == t.ID {
			return t.DependsOn
		}
		if n, ok := lookup(id); ok {
			return n.DependsOn
		}
		return nil
	}

	const (
		unvisited = iota
		onPath
		finished
	)
	state := make(map[string]int)
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = onPath
		path = append(path, id)
		for _, next := range edges(id) {
			switch state[next] {
			case onPath:
				if next == t.ID {
					return append(append([]string(nil), path...), next)
				}
			case unvisited:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = finished
		return nil
	}

	if cycle := visit(t.ID); cycle != nil {
		return &task.Error{
			Kind:   task.ErrCycleDetected,
			ID:     t.ID,
			Reason: "dependency cycle " + strings.Join(cycle, " -> "),
		}
	}
	return nil
}
