package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// Checker produces evidence for a task by running its verification.
// Implementations must stop and return ctx.Err() when ctx is cancelled.
type Checker interface {
	Check(ctx context.Context, t *task.Task) (Evidence, error)
}

// ErrNotRunnable is returned for tasks whose verification needs a human.
var ErrNotRunnable = errors.New("verification is not runnable")

// Selective is implemented by checkers that can only verify some tasks.
// Workers consult it before leasing.
type Selective interface {
	Accepts(t *task.Task) bool
}

// CommandChecker runs verify.command through a shell.
type CommandChecker struct {
	// Shell runs the command; defaults to "sh".
	Shell string
	// Dir is the working directory; empty uses the daemon's.
	Dir string
	// Timeout bounds a single run; zero means only ctx bounds it.
	Timeout time.Duration
	// MaxOutput caps captured output bytes; defaults to 64 KiB.
	MaxOutput int
	// Env is appended to the inherited environment.
	Env []string
}

// Accepts reports whether t has a command to run. Manual and criterion-only
// checks need an attestation instead.
func (c *CommandChecker) Accepts(t *task.Task) bool {
	return t.Verify.Kind != task.VerifyManual && t.Verify.Command != ""
}

// Check implements Checker.
func (c *CommandChecker) Check(ctx context.Context, t *task.Task) (Evidence, error) {
	spec := t.Verify
	if !c.Accepts(t) {
		return Evidence{}, fmt.Errorf("task %s: %w", t.ID, ErrNotRunnable)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	shell := c.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", spec.Command)
	cmd.Dir = c.Dir
	cmd.WaitDelay = time.Second
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	limit := c.MaxOutput
	if limit <= 0 {
		limit = 64 << 10
	}
	out := &cappedBuffer{limit: limit}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Evidence{}, fmt.Errorf("task %s: verification interrupted: %w", t.ID, ctxErr)
	}
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Evidence{}, fmt.Errorf("task %s: run %q: %w", t.ID, spec.Command, err)
		}
		code = exitErr.ExitCode()
	}

	ev := ExitStatus(spec.Command, code, out.String())
	if spec.Kind == task.VerifyCheck {
		passed, failed, skipped := ParseTestCounts(ev.Output)
		if code != 0 && failed == 0 {
			// a failing run with no parseable failures still failed
			failed = 1
		}
		ev = TestReport(passed, failed, skipped, ev.Output)
		ev.Command = spec.Command
		ev.ExitCode = &code
	}
	ev.CollectedAt = time.Now().UTC()
	return ev, nil
}

var (
	goTestLine = regexp.MustCompile(`(?m)^\s*--- (PASS|FAIL|SKIP): `)
	summaryNum = map[string]*regexp.Regexp{
		"passed":  regexp.MustCompile(`(\d+) passed`),
		"failed":  regexp.MustCompile(`(\d+) failed`),
		"skipped": regexp.MustCompile(`(\d+) skipped`),
	}
)

// ParseTestCounts extracts pass/fail/skip counts from go test -v output or a
// "N passed, M failed" summary line.
func ParseTestCounts(output string) (passed, failed, skipped int) {
	for _, m := range goTestLine.FindAllStringSubmatch(output, -1) {
		switch m[1] {
		case "PASS":
			passed++
		case "FAIL":
			failed++
		case "SKIP":
			skipped++
		}
	}
	if passed+failed+skipped > 0 {
		return passed, failed, skipped
	}
	read := func(key string) int {
		m := summaryNum[key].FindStringSubmatch(output)
		if m == nil {
			return 0
		}
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return read("passed"), read("failed"), read("skipped")
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
