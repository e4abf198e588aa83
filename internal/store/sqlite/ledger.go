package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgraph/internal/checkpoint"
	"github.com/fyrsmithlabs/taskgraph/internal/graph"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

func appendCheckpoint(ctx context.Context, tx *sql.Tx, cp *checkpoint.Checkpoint, now time.Time) (*checkpoint.Checkpoint, error) {
	out := *cp
	if out.Timestamp.IsZero() {
		out.Timestamp = now
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (id, ts, last_task_completed, next_task) VALUES (?, ?, ?, ?)`,
		out.ID, out.Timestamp.UTC().Format(time.RFC3339Nano), out.LastTaskCompleted, out.NextTask)
	if err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read checkpoint seq: %w", err)
	}
	out.Seq = seq
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_head (singleton, seq) VALUES (1, ?) ON CONFLICT(singleton) DO UPDATE SET seq = excluded.seq`,
		seq); err != nil {
		return nil, fmt.Errorf("advance ledger head: %w", err)
	}
	return &out, nil
}

func scanCheckpoint(scan func(dest ...any) error) (*checkpoint.Checkpoint, error) {
	var (
		cp checkpoint.Checkpoint
		ts string
	)
	if err := scan(&cp.Seq, &cp.ID, &ts, &cp.LastTaskCompleted, &cp.NextTask); err != nil {
		return nil, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint %s timestamp: %w", cp.ID, err)
	}
	cp.Timestamp = parsed
	return &cp, nil
}

// Append implements checkpoint.Ledger.
func (b *Backend) Append(ctx context.Context, cp *checkpoint.Checkpoint) (*checkpoint.Checkpoint, error) {
	var out *checkpoint.Checkpoint
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = appendCheckpoint(ctx, tx, cp, b.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Latest implements checkpoint.Ledger.
func (b *Backend) Latest(ctx context.Context) (*checkpoint.Checkpoint, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT c.seq, c.id, c.ts, c.last_task_completed, c.next_task
		FROM ledger_head h JOIN checkpoints c ON c.seq = h.seq
		WHERE h.singleton = 1`)
	cp, err := scanCheckpoint(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read latest checkpoint: %w", err)
	}
	return cp, nil
}

// List implements checkpoint.Ledger.
func (b *Backend) List(ctx context.Context, afterSeq int64, limit int) ([]*checkpoint.Checkpoint, error) {
	query := `SELECT seq, id, ts, last_task_completed, next_task FROM checkpoints WHERE seq > ? ORDER BY seq`
	args := []any{afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Complete implements graph.Backend.
func (b *Backend) Complete(ctx context.Context, t *task.Task, cp *checkpoint.Checkpoint) (*task.Task, *checkpoint.Checkpoint, error) {
	var (
		doneTask *task.Task
		written  *checkpoint.Checkpoint
	)
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := loadTask(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		prepared, err := graph.PrepareCompletion(prev, t, b.now())
		if err != nil {
			return err
		}
		if err := writeTask(ctx, tx, prepared, t.Version); err != nil {
			return err
		}
		written, err = appendCheckpoint(ctx, tx, cp, b.now())
		if err != nil {
			return err
		}
		doneTask = prepared
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	b.logger.Debug("committed completion",
		zap.String("task_id", doneTask.ID),
		zap.Int64("checkpoint_seq", written.Seq))
	return doneTask, written, nil
}
