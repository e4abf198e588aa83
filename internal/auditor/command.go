package auditor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandAnalyzer runs an external program as an auditor.
//
// The program receives the scope as JSON on stdin and its paths as trailing
// arguments. It must exit 0 and print either a JSON array of findings or an
// object with a "findings" array.
type CommandAnalyzer struct {
	Command string
	Args    []string
	Dir     string
}

// Analyze implements Analyzer.
func (c *CommandAnalyzer) Analyze(ctx context.Context, scope Scope) ([]Finding, error) {
	if c.Command == "" {
		return nil, &Error{Kind: KindFailed, Reason: "no command configured"}
	}
	args := append(append([]string(nil), c.Args...), scope.Paths...)
	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = time.Second

	input, err := json.Marshal(scope)
	if err != nil {
		return nil, fmt.Errorf("encode scope: %w", err)
	}
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &Error{
				Kind:   KindFailed,
				Reason: fmt.Sprintf("exit status %d: %s", exitErr.ExitCode(), firstLine(stderr.String())),
			}
		}
		return nil, err
	}
	return ParseFindings(stdout.Bytes())
}

// ParseFindings decodes analyzer output. Anything that is not a findings
// array or an object holding one is malformed.
func ParseFindings(data []byte) ([]Finding, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &Error{Kind: KindMalformedOutput, Reason: "empty output"}
	}

	var findings []Finding
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &findings); err != nil {
			return nil, &Error{Kind: KindMalformedOutput, Reason: "invalid findings array", Err: err}
		}
	case '{':
		var wrapped struct {
			Findings *[]Finding `json:"findings"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, &Error{Kind: KindMalformedOutput, Reason: "invalid findings object", Err: err}
		}
		if wrapped.Findings == nil {
			return nil, &Error{Kind: KindMalformedOutput, Reason: `object has no "findings" field`}
		}
		findings = *wrapped.Findings
	default:
		return nil, &Error{Kind: KindMalformedOutput, Reason: "output is not JSON"}
	}
	if findings == nil {
		findings = []Finding{}
	}
	return findings, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "no stderr output"
	}
	return s
}
