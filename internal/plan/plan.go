// Package plan loads task plans from YAML, TOML or JSON files, validates
// them against an embedded JSON Schema and imports them into the graph.
package plan

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// MaxFileSize bounds plan files.
const MaxFileSize = 4 << 20

// Format is a plan file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// ErrInvalidPlan is returned when a plan fails to parse or validate.
var ErrInvalidPlan = errors.New("invalid plan")

// Plan is the file form of a set of tasks and decisions.
type Plan struct {
	Version   int            `json:"version,omitempty"`
	Name      string         `json:"name,omitempty"`
	Tasks     []TaskSpec     `json:"tasks,omitempty"`
	Decisions []DecisionSpec `json:"decisions,omitempty"`
}

// TaskSpec is the definition of a task as written in a plan.
type TaskSpec struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Priority    *task.Priority  `json:"priority,omitempty"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	Deliverable string          `json:"deliverable,omitempty"`
	Verify      task.VerifySpec `json:"verify"`
	Tags        []string        `json:"tags,omitempty"`
	Estimate    int             `json:"estimate,omitempty"`
}

// DecisionSpec is a decision to propose.
type DecisionSpec struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Task converts a TaskSpec into a todo task. Priority defaults to P2.
func (s TaskSpec) Task() *task.Task {
	p := task.P2
	if s.Priority != nil {
		p = *s.Priority
	}
	return &task.Task{
		ID:          s.ID,
		Title:       s.Title,
		Status:      task.StatusTodo,
		Priority:    p,
		DependsOn:   append([]string(nil), s.DependsOn...),
		Deliverable: s.Deliverable,
		Verify:      s.Verify,
		Tags:        append([]string(nil), s.Tags...),
		Estimate:    s.Estimate,
	}
}

// SchemaError is one schema violation.
type SchemaError struct {
	Path    string
	Message string
}

func (e *SchemaError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// DetectFormat picks a format from the file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported plan file extension %q (want .yaml, .yml, .toml or .json)", filepath.Ext(path))
}

// Load reads and parses a plan file.
func Load(path string) (*Plan, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat plan file: %w", err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("plan file %s is %d bytes, larger than %d", path, info.Size(), MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	p, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes data in the given format, validates it against the plan
// schema and returns the plan. Every format is normalized through JSON so
// the schema sees the same document shape.
func Parse(data []byte, format Format) (*Plan, error) {
	var doc any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: yaml: %v", ErrInvalidPlan, err)
		}
	case FormatTOML:
		var m map[string]any
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, fmt.Errorf("%w: toml: %v", ErrInvalidPlan, err)
		}
		doc = m
	case FormatJSON:
		doc = json.RawMessage(data)
	default:
		return nil, fmt.Errorf("unsupported plan format %q", format)
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	var instance any
	if err := json.Unmarshal(normalized, &instance); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrInvalidPlan, err)
	}
	if err := validate(instance); err != nil {
		return nil, err
	}

	var p Plan
	dec := json.NewDecoder(bytes.NewReader(normalized))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return &p, nil
}

//go:embed plan.schema.json
var schemaJSON []byte

const schemaURL = "plan.schema.json"

var compiled = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add plan schema: %w", err)
	}
	return compiler.Compile(schemaURL)
})

func validate(instance any) error {
	schema, err := compiled()
	if err != nil {
		return fmt.Errorf("compile plan schema: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("%w: %w", ErrInvalidPlan, firstCause(ve))
		}
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return nil
}

// firstCause descends to the first leaf violation.
func firstCause(ve *jsonschema.ValidationError) *SchemaError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return &SchemaError{Path: pointerToPath(ve.InstanceLocation), Message: ve.Message}
}

// pointerToPath turns "/tasks/0/id" into "tasks[0].id".
func pointerToPath(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return ""
	}
	var b strings.Builder
	for i, part := range strings.Split(ptr, "/") {
		part = strings.ReplaceAll(strings.ReplaceAll(part, "~1", "/"), "~0", "~")
		if isIndex(part) {
			b.WriteString("[" + part + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
