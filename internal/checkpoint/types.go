package checkpoint

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Checkpoint marks one verified completion.
type Checkpoint struct {
	// Seq is assigned by the ledger on append and strictly increases.
	Seq int64 `json:"seq"`

	// ID is the unique identifier for this checkpoint.
	ID string `json:"id"`

	// Timestamp is when the completion was committed.
	Timestamp time.Time `json:"timestamp"`

	// LastTaskCompleted is the task whose done transition wrote this checkpoint.
	LastTaskCompleted string `json:"last_task_completed,omitempty"`

	// NextTask is the scheduler's recommendation at write time, if any.
	NextTask string `json:"next_task,omitempty"`
}

// New builds an unsequenced checkpoint for a completion.
func New(completed, next string, at time.Time) *Checkpoint {
	return &Checkpoint{
		ID:                uuid.New().String(),
		Timestamp:         at,
		LastTaskCompleted: completed,
		NextTask:          next,
	}
}

// Ledger is the append-only checkpoint log.
type Ledger interface {
	// Append assigns the next sequence number and persists cp.
	Append(ctx context.Context, cp *Checkpoint) (*Checkpoint, error)

	// Latest returns the most recent checkpoint, or nil when the ledger is empty.
	Latest(ctx context.Context) (*Checkpoint, error)

	// List returns checkpoints with Seq > afterSeq in ascending order.
	// limit <= 0 returns all of them.
	List(ctx context.Context, afterSeq int64, limit int) ([]*Checkpoint, error)
}
