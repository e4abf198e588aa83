// internal/task/transition.go
package task

import (
	"fmt"
	"strings"
	"time"
)

// Event drives a task from one status to the next.
type Event string

const (
	// EventStart leases a todo task (todo -> doing).
	EventStart Event = "start"
	// EventPass records a passing verdict (doing -> done).
	EventPass Event = "pass"
	// EventFail records a failing verdict (doing -> doing).
	EventFail Event = "fail"
	// EventBlock parks a doing task (doing -> blocked).
	EventBlock Event = "block"
	// EventUnblock returns a blocked task to the queue (blocked -> todo).
	EventUnblock Event = "unblock"
	// EventSkip abandons a task for good (todo|doing -> skipped).
	EventSkip Event = "skip"
	// EventRelease gives up a lease without finishing (doing -> todo).
	EventRelease Event = "release"
)

// allowed maps every legal (from, event) pair to its target status.
var allowed = map[Status]map[Event]Status{
	StatusTodo: {
		EventStart: StatusDoing,
		EventSkip:  StatusSkipped,
	},
	StatusDoing: {
		EventPass:    StatusDone,
		EventFail:    StatusDoing,
		EventBlock:   StatusBlocked,
		EventSkip:    StatusSkipped,
		EventRelease: StatusTodo,
	},
	StatusBlocked: {
		EventUnblock: StatusTodo,
	},
}

// Target returns the status ev moves from into, if legal.
func Target(from Status, ev Event) (Status, bool) {
	to, ok := allowed[from][ev]
	return to, ok
}

// CanTransition reports whether any event moves from into to.
func CanTransition(from, to Status) bool {
	for _, target := range allowed[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Input carries what an event needs beyond the task itself.
type Input struct {
	At            time.Time
	Reason        string
	Lease         *Lease
	DepsSatisfied bool
}

// Apply returns a copy of t with ev applied. t is never modified. The
// returned task keeps t's Version so the store can compare-and-swap.
func Apply(t *Task, ev Event, in Input) (*Task, error) {
	to, ok := Target(t.Status, ev)
	if !ok {
		return nil, &Error{
			Kind:   ErrInvalidTransition,
			ID:     t.ID,
			Reason: fmt.Sprintf("cannot %s a %s task", ev, t.Status),
		}
	}
	at := in.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	reason := strings.TrimSpace(in.Reason)

	next := t.Clone()
	switch ev {
	case EventStart:
		if !in.DepsSatisfied {
			return nil, &Error{Kind: ErrInvalidTransition, ID: t.ID, Reason: "dependencies are not all done"}
		}
		if in.Lease == nil || strings.TrimSpace(in.Lease.Owner) == "" {
			return nil, Validation(t.ID, "lease owner is required to start")
		}
		l := *in.Lease
		next.Lease = &l
		next.Attempts = 0
		next.Escalated = false
	case EventPass:
		next.Lease = nil
	case EventFail:
		if reason == "" {
			return nil, Validation(t.ID, "failure reason is required")
		}
		next.AddNote(at, NoteVerifyFail, in.Reason)
		next.Attempts++
	case EventBlock:
		if reason == "" {
			return nil, Validation(t.ID, "block reason is required")
		}
		next.AddNote(at, NoteBlocked, reason)
		next.Lease = nil
	case EventUnblock:
		if reason == "" {
			reason = "unblocked"
		}
		next.AddNote(at, NoteUnblocked, reason)
	case EventSkip:
		if reason == "" {
			return nil, Validation(t.ID, "skip reason is required")
		}
		next.AddNote(at, NoteSkipped, reason)
		next.Lease = nil
	case EventRelease:
		if reason == "" {
			return nil, Validation(t.ID, "release reason is required")
		}
		next.AddNote(at, NoteReleased, reason)
		next.Lease = nil
	}
	next.Status = to
	next.UpdatedAt = at
	return next, nil
}
