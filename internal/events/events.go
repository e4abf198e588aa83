// Package events publishes engine state changes to NATS.
//
// Subjects, relative to the configured prefix (default "taskgraph"):
//   - {prefix}.tasks.{task_id}.{type}
//   - {prefix}.checkpoints.appended
//   - {prefix}.decisions.{decision_id}.{status}
//
// Publishing is best-effort from the engine's point of view: a failed
// publish is logged by the caller and never rolls back a committed write.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/taskgraph/internal/checkpoint"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// Type names what happened.
type Type string

const (
	TaskCreated        Type = "created"
	TaskUpdated        Type = "updated"
	TaskStarted        Type = "started"
	TaskVerifyFailed   Type = "verify_failed"
	TaskCompleted      Type = "completed"
	TaskBlocked        Type = "blocked"
	TaskUnblocked      Type = "unblocked"
	TaskSkipped        Type = "skipped"
	TaskReleased       Type = "released"
	TaskEscalated      Type = "escalated"
	CheckpointAppended Type = "appended"
	DecisionChanged    Type = "decision"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "taskgraph"

// Event is one published change. Exactly one of Task, Checkpoint or
// Decision is set.
type Event struct {
	Type       Type                   `json:"type"`
	At         time.Time              `json:"at"`
	Reason     string                 `json:"reason,omitempty"`
	Task       *task.Task             `json:"task,omitempty"`
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
	Decision   *task.Decision         `json:"decision,omitempty"`
}

// Subject returns the NATS subject for e under prefix.
func (e Event) Subject(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	switch {
	case e.Task != nil:
		return fmt.Sprintf("%s.tasks.%s.%s", prefix, e.Task.ID, e.Type)
	case e.Checkpoint != nil:
		return prefix + ".checkpoints.appended"
	case e.Decision != nil:
		return fmt.Sprintf("%s.decisions.%s.%s", prefix, e.Decision.ID, e.Decision.Status)
	}
	return prefix + ".unknown"
}

// TaskEvent builds a task event.
func TaskEvent(typ Type, t *task.Task, reason string) Event {
	return Event{Type: typ, At: time.Now().UTC(), Reason: reason, Task: t}
}

// CheckpointEvent builds a checkpoint event.
func CheckpointEvent(cp *checkpoint.Checkpoint) Event {
	return Event{Type: CheckpointAppended, At: time.Now().UTC(), Checkpoint: cp}
}

// DecisionEvent builds a decision event.
func DecisionEvent(d *task.Decision) Event {
	return Event{Type: DecisionChanged, At: time.Now().UTC(), Decision: d}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Decode parses an event payload.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}
