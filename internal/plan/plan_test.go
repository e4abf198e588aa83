package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

const yamlPlan = `
version: 1
name: release
tasks:
  - id: A
    title: write parser
    priority: P1
    verify:
      kind: command
      command: go test ./parser/...
  - id: B
    title: wire parser
    depends_on: [A]
    verify:
      kind: manual
      criterion: reviewed by a human
decisions:
  - id: D1
    description: use sqlite for the ledger
`

const tomlPlan = `
version = 1
name = "release"

[[tasks]]
id = "A"
title = "write parser"
priority = "P1"
[tasks.verify]
kind = "command"
command = "go test ./parser/..."

[[tasks]]
id = "B"
title = "wire parser"
depends_on = ["A"]
[tasks.verify]
kind = "manual"
criterion = "reviewed by a human"

[[decisions]]
id = "D1"
description = "use sqlite for the ledger"
`

const jsonPlan = `{
  "version": 1,
  "name": "release",
  "tasks": [
    {"id": "A", "title": "write parser", "priority": "P1",
     "verify": {"kind": "command", "command": "go test ./parser/..."}},
    {"id": "B", "title": "wire parser", "depends_on": ["A"],
     "verify": {"kind": "manual", "criterion": "reviewed by a human"}}
  ],
  "decisions": [{"id": "D1", "description": "use sqlite for the ledger"}]
}`

func TestParse_FormatsAgree(t *testing.T) {
	tests := []struct {
		format Format
		data   string
	}{
		{FormatYAML, yamlPlan},
		{FormatTOML, tomlPlan},
		{FormatJSON, jsonPlan},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			p, err := Parse([]byte(tt.data), tt.format)
			require.NoError(t, err)

			assert.Equal(t, "release", p.Name)
			require.Len(t, p.Tasks, 2)
			a, b := p.Tasks[0].Task(), p.Tasks[1].Task()
			assert.Equal(t, task.P1, a.Priority)
			assert.Equal(t, task.P2, b.Priority, "priority defaults to P2")
			assert.Equal(t, task.StatusTodo, b.Status)
			assert.Equal(t, []string{"A"}, b.DependsOn)
			assert.Equal(t, task.VerifySpec{Kind: task.VerifyCommand, Command: "go test ./parser/..."}, a.Verify)
			require.Len(t, p.Decisions, 1)
			assert.Equal(t, "D1", p.Decisions[0].ID)
		})
	}
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{
			name: "missing title",
			data: `{"tasks": [{"id": "A", "verify": {"kind": "manual", "criterion": "x"}}]}`,
			want: "tasks[0]",
		},
		{
			name: "unknown field",
			data: `{"tasks": [{"id": "A", "title": "a", "owner": "bob", "verify": {"kind": "manual", "criterion": "x"}}]}`,
			want: "owner",
		},
		{
			name: "bad priority",
			data: `{"tasks": [{"id": "A", "title": "a", "priority": "P7", "verify": {"kind": "manual", "criterion": "x"}}]}`,
			want: "tasks[0].priority",
		},
		{
			name: "bad verify kind",
			data: `{"tasks": [{"id": "A", "title": "a", "verify": {"kind": "vibes"}}]}`,
			want: "tasks[0].verify.kind",
		},
		{
			name: "bad id",
			data: `{"tasks": [{"id": "a b", "title": "a", "verify": {"kind": "manual", "criterion": "x"}}]}`,
			want: "tasks[0].id",
		},
		{
			name: "not an object",
			data: `[1, 2]`,
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), FormatJSON)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPlan)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("tasks: [unclosed"), FormatYAML)
	assert.ErrorIs(t, err, ErrInvalidPlan)
	_, err = Parse([]byte("tasks = ["), FormatTOML)
	assert.ErrorIs(t, err, ErrInvalidPlan)
	_, err = Parse([]byte("{"), FormatJSON)
	assert.ErrorIs(t, err, ErrInvalidPlan)
	_, err = Parse([]byte("{}"), Format("ini"))
	assert.Error(t, err)
}

func TestDetectFormat(t *testing.T) {
	for path, want := range map[string]Format{
		"plan.yaml": FormatYAML,
		"plan.YML":  FormatYAML,
		"plan.toml": FormatTOML,
		"a/b.json":  FormatJSON,
	} {
		got, err := DetectFormat(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}
	_, err := DetectFormat("plan.txt")
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlPlan), 0o600))
	p, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, p.Tasks, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPointerToPath(t *testing.T) {
	assert.Equal(t, "", pointerToPath(""))
	assert.Equal(t, "tasks[0].verify.kind", pointerToPath("/tasks/0/verify/kind"))
	assert.Equal(t, "a/b", pointerToPath("/a~1b"))
}
