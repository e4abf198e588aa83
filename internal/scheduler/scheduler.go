// Package scheduler picks the next ready task from a graph snapshot.
//
// Selection is a pure function of its input: the same snapshot always yields
// the same task. Ready means status todo with every dependency done. Ready
// tasks are ordered by priority (P0 first), then creation time, then id.
package scheduler

import (
	"sort"
	"strconv"

	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// NextReady returns the first ready task in scheduling order, or nil when
// nothing is ready.
func NextReady(tasks []*task.Task) *task.Task {
	done := doneSet(tasks)
	var best *task.Task
	for _, t := range tasks {
		if !isReady(t, done) {
			continue
		}
		if best == nil || Less(t, best) {
			best = t
		}
	}
	return best
}

// Ready returns every ready task in scheduling order.
func Ready(tasks []*task.Task) []*task.Task {
	done := doneSet(tasks)
	ready := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if isReady(t, done) {
			ready = append(ready, t)
		}
	}
	Sort(ready)
	return ready
}

// Unmet returns the dependencies of t that are not done, in declaration order.
func Unmet(t *task.Task, tasks []*task.Task) []string {
	done := doneSet(tasks)
	var unmet []string
	for _, dep := range t.DependsOn {
		if _, ok := done[dep]; !ok {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// Sort orders tasks in place by scheduling order.
func Sort(tasks []*task.Task) {
	sort.SliceStable(tasks, func(i, j int) bool { return Less(tasks[i], tasks[j]) })
}

// Less reports whether a is scheduled before b.
func Less(a, b *task.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return CompareIDs(a.ID, b.ID)
}

// CompareIDs returns true if id1 sorts before id2. Ids compare by their
// non-numeric prefix, then by trailing number, so "T2" precedes "T10", then
// lexicographically, which keeps the ordering total.
func CompareIDs(id1, id2 string) bool {
	p1, n1 := splitID(id1)
	p2, n2 := splitID(id2)
	if p1 != p2 {
		return p1 < p2
	}
	if n1 != n2 {
		return n1 < n2
	}
	return id1 < id2
}

// splitID separates a trailing decimal number from its prefix.
// It returns -1 when the id does not end in digits.
func splitID(id string) (string, int) {
	i := len(id)
	for i > 0 && id[i-1] >= '0' && id[i-1] <= '9' {
		i--
	}
	if i == len(id) {
		return id, -1
	}
	n, err := strconv.Atoi(id[i:])
	if err != nil {
		return id, -1
	}
	return id[:i], n
}

func doneSet(tasks []*task.Task) map[string]struct{} {
	done := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if t.Status == task.StatusDone {
			done[t.ID] = struct{}{}
		}
	}
	return done
}

func isReady(t *task.Task, done map[string]struct{}) bool {
	if t.Status != task.StatusTodo {
		return false
	}
	for _, dep := range t.DependsOn {
		if _, ok := done[dep]; !ok {
			return false
		}
	}
	return true
}
