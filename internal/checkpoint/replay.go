package checkpoint

import (
	"context"
	"fmt"
)

// History is the fold of a ledger.
type History struct {
	// Completed lists completed task ids in commit order.
	Completed []string

	// Latest is the last checkpoint, nil when empty.
	Latest *Checkpoint

	completed map[string]int64
}

// Has reports whether id was recorded as completed.
func (h *History) Has(id string) bool {
	_, ok := h.completed[id]
	return ok
}

// SeqOf returns the sequence number that recorded id.
func (h *History) SeqOf(id string) (int64, bool) {
	seq, ok := h.completed[id]
	return seq, ok
}

// Replay folds checkpoints in ledger order. It fails when sequence numbers
// are not strictly increasing or a task was completed twice.
func Replay(cps []*Checkpoint) (*History, error) {
	h := &History{completed: make(map[string]int64, len(cps))}
	var prev int64
	for _, cp := range cps {
		if cp.Seq <= prev {
			return nil, fmt.Errorf("checkpoint %s: seq %d does not follow %d", cp.ID, cp.Seq, prev)
		}
		prev = cp.Seq
		if id := cp.LastTaskCompleted; id != "" {
			if seq, dup := h.completed[id]; dup {
				return nil, fmt.Errorf("task %s completed twice (seq %d and %d)", id, seq, cp.Seq)
			}
			h.completed[id] = cp.Seq
			h.Completed = append(h.Completed, id)
		}
		h.Latest = cp
	}
	return h, nil
}

// Load reads the whole ledger and replays it.
func Load(ctx context.Context, l Ledger) (*History, error) {
	cps, err := l.List(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return Replay(cps)
}
