package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// Executor performs the work of a leased task.
type Executor interface {
	Execute(ctx context.Context, t *task.Task) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, t *task.Task) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, t *task.Task) error {
	return f(ctx, t)
}

// CommandExecutor runs an external program for each task. The task is
// written to its stdin as JSON and TASKGRAPH_TASK_ID is set in its
// environment.
type CommandExecutor struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// Execute implements Executor.
func (c *CommandExecutor) Execute(ctx context.Context, t *task.Task) error {
	if c.Command == "" {
		return errors.New("no executor command configured")
	}
	input, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = time.Second
	cmd.Env = append(append(os.Environ(), c.Env...), "TASKGRAPH_TASK_ID="+t.ID)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if i := strings.IndexByte(msg, '\n'); i >= 0 {
			msg = msg[:i]
		}
		if msg != "" {
			return fmt.Errorf("executor %s: %w: %s", c.Command, err, msg)
		}
		return fmt.Errorf("executor %s: %w", c.Command, err)
	}
	return nil
}
