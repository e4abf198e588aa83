// internal/task/types.go
package task

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusTodo    Status = "todo"
	StatusDoing   Status = "doing"
	StatusDone    Status = "done"
	StatusBlocked Status = "blocked"
	StatusSkipped Status = "skipped"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusTodo, StatusDoing, StatusBlocked, StatusDone, StatusSkipped}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusDoing, StatusDone, StatusBlocked, StatusSkipped:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusSkipped
}

// ParseStatus parses a status name.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Priority orders ready work. P0 is the most urgent.
type Priority int

const (
	P0 Priority = iota
	P1
	P2
	P3
)

// String returns the "P<n>" form.
func (p Priority) String() string {
	return fmt.Sprintf("P%d", int(p))
}

// Valid reports whether p is within P0..P3.
func (p Priority) Valid() bool {
	return p >= P0 && p <= P3
}

// ParsePriority accepts "P0".."P3" (case-insensitive) or a bare digit.
func ParsePriority(s string) (Priority, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "P")
	if len(v) != 1 || v[0] < '0' || v[0] > '3' {
		return 0, fmt.Errorf("unknown priority %q (want P0..P3)", s)
	}
	return Priority(v[0] - '0'), nil
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// VerifyKind selects how a task proves it is complete.
type VerifyKind string

const (
	// VerifyCommand requires the exit status of a command.
	VerifyCommand VerifyKind = "command"
	// VerifyCheck requires a test report with no failures.
	VerifyCheck VerifyKind = "check"
	// VerifyManual requires a human or agent attestation.
	VerifyManual VerifyKind = "manual"
)

// VerifySpec describes the verification a task must pass before it is done.
type VerifySpec struct {
	Kind           VerifyKind `json:"kind" yaml:"kind" toml:"kind"`
	Command        string     `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	Criterion      string     `json:"criterion,omitempty" yaml:"criterion,omitempty" toml:"criterion,omitempty"`
	ExpectExitCode int        `json:"expect_exit_code,omitempty" yaml:"expect_exit_code,omitempty" toml:"expect_exit_code,omitempty"`
	MinTests       int        `json:"min_tests,omitempty" yaml:"min_tests,omitempty" toml:"min_tests,omitempty"`
}

// IsZero reports whether no verification has been specified.
func (v VerifySpec) IsZero() bool {
	return v.Kind == "" && v.Command == "" && v.Criterion == ""
}

// Validate checks that the verification settings are internally consistent.
func (v VerifySpec) Validate() error {
	switch v.Kind {
	case VerifyCommand:
		if strings.TrimSpace(v.Command) == "" {
			return fmt.Errorf("verify.command is required for kind %q", v.Kind)
		}
		if v.ExpectExitCode < 0 || v.ExpectExitCode > 255 {
			return fmt.Errorf("verify.expect_exit_code must be 0..255, got %d", v.ExpectExitCode)
		}
	case VerifyCheck:
		if strings.TrimSpace(v.Command) == "" && strings.TrimSpace(v.Criterion) == "" {
			return fmt.Errorf("verify.command or verify.criterion is required for kind %q", v.Kind)
		}
		if v.MinTests < 0 {
			return fmt.Errorf("verify.min_tests must be >= 0")
		}
	case VerifyManual:
		if strings.TrimSpace(v.Criterion) == "" {
			return fmt.Errorf("verify.criterion is required for kind %q", v.Kind)
		}
	case "":
		return fmt.Errorf("verify.kind is required")
	default:
		return fmt.Errorf("unknown verify.kind %q", v.Kind)
	}
	return nil
}

// NoteKind classifies an entry in a task's notes.
type NoteKind string

const (
	NoteInfo       NoteKind = "info"
	NoteVerifyFail NoteKind = "verify_fail"
	NoteBlocked    NoteKind = "blocked"
	NoteUnblocked  NoteKind = "unblocked"
	NoteSkipped    NoteKind = "skipped"
	NoteReleased   NoteKind = "released"
	NoteFinding    NoteKind = "finding"
	NoteEscalation NoteKind = "escalation"
)

// Note is one append-only entry in a task's history.
type Note struct {
	At   time.Time `json:"at"`
	Kind NoteKind  `json:"kind"`
	Text string    `json:"text"`
}

// Lease is the exclusive claim a worker holds on a task while it is doing.
type Lease struct {
	Owner      string    `json:"owner"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Task is a unit of work in the dependency graph.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Deliverable string     `json:"deliverable,omitempty"`
	Verify      VerifySpec `json:"verify"`
	Notes       []Note     `json:"notes,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Estimate    int        `json:"estimate,omitempty"`
	Lease       *Lease     `json:"lease,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	Escalated   bool       `json:"escalated,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateID checks that id is usable as a task or decision identifier.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("id exceeds %d characters", maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("id %q contains invalid characters (allowed: letters, digits, '.', '_', '-')", id)
	}
	return nil
}

// Validate checks the fields of a task that do not depend on the rest of
// the graph. Dependency existence and acyclicity are checked by the store.
func (t *Task) Validate() error {
	if err := ValidateID(t.ID); err != nil {
		return Validation(t.ID, err.Error())
	}
	if strings.TrimSpace(t.Title) == "" {
		return Validation(t.ID, "title is required")
	}
	if !t.Status.Valid() {
		return Validation(t.ID, fmt.Sprintf("unknown status %q", t.Status))
	}
	if !t.Priority.Valid() {
		return Validation(t.ID, fmt.Sprintf("unknown priority %d", int(t.Priority)))
	}
	if err := t.Verify.Validate(); err != nil {
		return Validation(t.ID, err.Error())
	}
	if t.Estimate < 0 {
		return Validation(t.ID, "estimate must be >= 0")
	}
	seen := make(map[string]struct{}, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return &Error{Kind: ErrCycleDetected, ID: t.ID, Reason: "task depends on itself"}
		}
		if err := ValidateID(dep); err != nil {
			return Validation(t.ID, "depends_on: "+err.Error())
		}
		if _, dup := seen[dep]; dup {
			return Validation(t.ID, fmt.Sprintf("depends_on lists %q twice", dep))
		}
		seen[dep] = struct{}{}
	}
	if t.Status == StatusDoing && t.Lease == nil {
		return Validation(t.ID, "doing task must hold a lease")
	}
	if t.Status != StatusDoing && t.Lease != nil {
		return Validation(t.ID, fmt.Sprintf("%s task cannot hold a lease", t.Status))
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without aliasing the store.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.Notes = append([]Note(nil), t.Notes...)
	c.Tags = append([]string(nil), t.Tags...)
	if t.Lease != nil {
		l := *t.Lease
		c.Lease = &l
	}
	return &c
}

// AddNote appends a note stamped with at.
func (t *Task) AddNote(at time.Time, kind NoteKind, text string) {
	t.Notes = append(t.Notes, Note{At: at, Kind: kind, Text: text})
}

// HasTag reports whether the task carries tag.
func (t *Task) HasTag(tag string) bool {
	for _, v := range t.Tags {
		if v == tag {
			return true
		}
	}
	return false
}

// NotesExtend reports whether next keeps every entry of prev, in order, as a prefix.
func NotesExtend(prev, next []Note) bool {
	if len(next) < len(prev) {
		return false
	}
	for i := range prev {
		a, b := prev[i], next[i]
		if a.Kind != b.Kind || a.Text != b.Text || !a.At.Equal(b.At) {
			return false
		}
	}
	return true
}
