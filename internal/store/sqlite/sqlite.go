// Package sqlite provides a durable graph.Backend on SQLite.
//
// Tasks and decisions are stored as JSON documents keyed by id with their
// version and status lifted into columns for compare-and-swap writes. The
// checkpoint ledger is an AUTOINCREMENT table plus a single-row head pointer
// that makes Latest a primary-key lookup. Completions update the task and
// append the checkpoint in one IMMEDIATE transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgraph/internal/graph"
	"github.com/fyrsmithlabs/taskgraph/internal/scheduler"
	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	version INTEGER NOT NULL,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	version INTEGER NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	ts TEXT NOT NULL,
	last_task_completed TEXT NOT NULL DEFAULT '',
	next_task TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS ledger_head (
	singleton INTEGER PRIMARY KEY CHECK (singleton = 1),
	seq INTEGER NOT NULL REFERENCES checkpoints(seq)
);
`

// Config configures the SQLite backend.
type Config struct {
	// Path is the database file. ":memory:" opens a private in-memory database.
	Path string

	// BusyTimeout bounds how long a writer waits on another process's lock.
	BusyTimeout time.Duration
}

// Backend implements graph.Backend on SQLite.
type Backend struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ graph.Backend = (*Backend)(nil)

// Open opens (creating if needed) the database at cfg.Path and applies the schema.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Backend, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	b := &Backend{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
	if err := b.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("opened task store", zap.String("path", cfg.Path))
	return b, nil
}

func (b *Backend) migrate(ctx context.Context) error {
	for _, q := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := b.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		var current int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if current > schemaVersion {
			return fmt.Errorf("db schema version %d is newer than supported %d", current, schemaVersion)
		}
		if current < schemaVersion {
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
				schemaVersion, b.now().Format(time.RFC3339Nano)); err != nil {
				return fmt.Errorf("record schema version: %w", err)
			}
		}
		return nil
	})
}

func (b *Backend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadTask(ctx context.Context, q queryer, id string) (*task.Task, error) {
	var doc string
	err := q.QueryRowContext(ctx, `SELECT doc FROM tasks WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	var t task.Task
	if err := json.Unmarshal([]byte(doc), &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

func loadAllTasks(ctx context.Context, q queryer) (map[string]*task.Task, error) {
	rows, err := q.QueryContext(ctx, `SELECT doc FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	all := make(map[string]*task.Task)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var t task.Task
		if err := json.Unmarshal([]byte(doc), &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		all[t.ID] = &t
	}
	return all, rows.Err()
}

func writeTask(ctx context.Context, tx *sql.Tx, t *task.Task, expect int64) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	if expect == 0 {
		_, err = tx.ExecContext(ctx, `INSERT INTO tasks (id, status, version, doc) VALUES (?, ?, ?, ?)`,
			t.ID, string(t.Status), t.Version, string(doc))
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
		return nil
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, version = ?, doc = ? WHERE id = ? AND version = ?`,
		string(t.Status), t.Version, string(doc), t.ID, expect)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return &task.Error{Kind: task.ErrConflict, ID: t.ID, Reason: fmt.Sprintf("version %d was superseded", expect)}
	}
	return nil
}

// GetTask implements graph.Store.
func (b *Backend) GetTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := loadTask(ctx, b.db, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, task.NotFound(id)
	}
	return t, nil
}

// ListTasks implements graph.Store.
func (b *Backend) ListTasks(ctx context.Context, f graph.Filter) ([]*task.Task, error) {
	all, err := loadAllTasks(ctx, b.db)
	if err != nil {
		return nil, err
	}
	out := make([]*task.Task, 0, len(all))
	for _, t := range all {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	scheduler.Sort(out)
	return out, nil
}

// PutTask implements graph.Store.
func (b *Backend) PutTask(ctx context.Context, t *task.Task) (*task.Task, error) {
	var out *task.Task
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		all, err := loadAllTasks(ctx, tx)
		if err != nil {
			return err
		}
		lookup := func(id string) (*task.Task, bool) {
			n, ok := all[id]
			return n, ok
		}
		prev, _ := lookup(t.ID)
		prepared, err := graph.PrepareTask(prev, t, lookup, b.now())
		if err != nil {
			return err
		}
		if err := writeTask(ctx, tx, prepared, t.Version); err != nil {
			return err
		}
		out = prepared
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DependenciesSatisfied implements graph.Store.
func (b *Backend) DependenciesSatisfied(ctx context.Context, id string) (bool, error) {
	t, err := b.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	for _, dep := range t.DependsOn {
		var status string
		err := b.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, dep).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("load dependency %s: %w", dep, err)
		}
		if task.Status(status) != task.StatusDone {
			return false, nil
		}
	}
	return true, nil
}

func loadDecision(ctx context.Context, q queryer, id string) (*task.Decision, error) {
	var doc string
	err := q.QueryRowContext(ctx, `SELECT doc FROM decisions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load decision %s: %w", id, err)
	}
	var d task.Decision
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		return nil, fmt.Errorf("decode decision %s: %w", id, err)
	}
	return &d, nil
}

// GetDecision implements graph.Store.
func (b *Backend) GetDecision(ctx context.Context, id string) (*task.Decision, error) {
	d, err := loadDecision(ctx, b.db, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, task.NotFound(id)
	}
	return d, nil
}

// ListDecisions implements graph.Store.
func (b *Backend) ListDecisions(ctx context.Context, status task.DecisionStatus) ([]*task.Decision, error) {
	query, args := `SELECT doc FROM decisions`, []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []*task.Decision
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		var d task.Decision
		if err := json.Unmarshal([]byte(doc), &d); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return scheduler.CompareIDs(out[i].ID, out[j].ID) })
	return out, nil
}

// PutDecision implements graph.Store.
func (b *Backend) PutDecision(ctx context.Context, d *task.Decision) (*task.Decision, error) {
	var out *task.Decision
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := loadDecision(ctx, tx, d.ID)
		if err != nil {
			return err
		}
		prepared, err := graph.PrepareDecision(prev, d, b.now())
		if err != nil {
			return err
		}
		doc, err := json.Marshal(prepared)
		if err != nil {
			return fmt.Errorf("encode decision %s: %w", d.ID, err)
		}
		if prev == nil {
			_, err = tx.ExecContext(ctx, `INSERT INTO decisions (id, status, version, doc) VALUES (?, ?, ?, ?)`,
				prepared.ID, string(prepared.Status), prepared.Version, string(doc))
		} else {
			_, err = tx.ExecContext(ctx, `UPDATE decisions SET status = ?, version = ?, doc = ? WHERE id = ? AND version = ?`,
				string(prepared.Status), prepared.Version, string(doc), prepared.ID, d.Version)
		}
		if err != nil {
			return fmt.Errorf("write decision %s: %w", d.ID, err)
		}
		out = prepared
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close implements graph.Backend.
func (b *Backend) Close() error {
	return b.db.Close()
}
