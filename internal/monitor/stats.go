package monitor

import (
	"sort"

	"github.com/fyrsmithlabs/taskgraph/internal/orchestrator"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// Stats is what the board renders for one poll.
type Stats struct {
	Counts     map[task.Status]int
	Total      int
	Completed  int
	Seq        int64
	LastDone   string
	Next       *task.Task
	Ready      []*task.Task
	Doing      []*task.Task
	Blocked    []*task.Task
	Escalated  []*task.Task
	Proposed   int
	Mismatches []string
}

// Progress is the finished share of the graph. Skipped tasks count as
// finished.
func (s Stats) Progress() float64 {
	if s.Total == 0 {
		return 0
	}
	finished := s.Counts[task.StatusDone] + s.Counts[task.StatusSkipped]
	return float64(finished) / float64(s.Total)
}

// Summarize reduces a snapshot and the ready list to board stats.
func Summarize(snap *orchestrator.Snapshot, ready []*task.Task) Stats {
	s := Stats{Counts: map[task.Status]int{}, Ready: ready}
	if snap == nil {
		return s
	}
	for st, n := range snap.Counts {
		s.Counts[st] = n
	}
	s.Total = len(snap.Tasks)
	s.Completed = len(snap.Completed)
	s.Next = snap.Next
	s.Mismatches = snap.Inconsistencies
	if snap.Latest != nil {
		s.Seq = snap.Latest.Seq
		s.LastDone = snap.Latest.LastTaskCompleted
	}

	for _, t := range snap.Tasks {
		switch t.Status {
		case task.StatusDoing:
			s.Doing = append(s.Doing, t)
		case task.StatusBlocked:
			s.Blocked = append(s.Blocked, t)
		}
		if t.Escalated && !t.Status.Terminal() {
			s.Escalated = append(s.Escalated, t)
		}
	}
	for _, d := range snap.Decisions {
		if d.Status == task.DecisionProposed {
			s.Proposed++
		}
	}
	byID := func(ts []*task.Task) {
		sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
	}
	byID(s.Doing)
	byID(s.Blocked)
	byID(s.Escalated)
	return s
}

// lastBlockReason returns the newest block note on t, if any.
func lastBlockReason(t *task.Task) string {
	for i := len(t.Notes) - 1; i >= 0; i-- {
		if t.Notes[i].Kind == task.NoteBlocked {
			return t.Notes[i].Text
		}
	}
	return ""
}
