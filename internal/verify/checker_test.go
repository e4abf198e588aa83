package verify

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

func skipWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
}

func TestCommandChecker_ExitStatus(t *testing.T) {
	skipWindows(t)
	c := &CommandChecker{}

	ev, err := c.Check(context.Background(), withSpec(task.VerifySpec{Kind: task.VerifyCommand, Command: "echo built; exit 3"}))
	require.NoError(t, err)
	assert.Equal(t, EvidenceExitStatus, ev.Kind)
	require.NotNil(t, ev.ExitCode)
	assert.Equal(t, 3, *ev.ExitCode)
	assert.Contains(t, ev.Output, "built")
	assert.Equal(t, "echo built; exit 3", ev.Command)
}

func TestCommandChecker_TestReport(t *testing.T) {
	skipWindows(t)
	script := `printf '%s\n' '--- PASS: TestA (0.00s)' '--- FAIL: TestB (0.01s)' '--- PASS: TestC (0.00s)'; exit 1`
	tk := withSpec(task.VerifySpec{Kind: task.VerifyCheck, Command: script})

	ev, err := (&CommandChecker{}).Check(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, EvidenceTestReport, ev.Kind)
	assert.Equal(t, 2, ev.Passed)
	assert.Equal(t, 1, ev.Failed)

	v := NewGate().Evaluate(tk, ev)
	assert.False(t, v.Pass)
	assert.Equal(t, "tests failed: 1/3", v.Reason)
}

func TestCommandChecker_Cancellation(t *testing.T) {
	skipWindows(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := (&CommandChecker{}).Check(ctx, withSpec(task.VerifySpec{Kind: task.VerifyCommand, Command: "sleep 5"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestCommandChecker_Manual(t *testing.T) {
	_, err := (&CommandChecker{}).Check(context.Background(), withSpec(task.VerifySpec{Kind: task.VerifyManual, Criterion: "x"}))
	assert.ErrorIs(t, err, ErrNotRunnable)
}

func TestCommandChecker_Accepts(t *testing.T) {
	c := &CommandChecker{}
	assert.True(t, c.Accepts(withSpec(task.VerifySpec{Kind: task.VerifyCommand, Command: "make test"})))
	assert.True(t, c.Accepts(withSpec(task.VerifySpec{Kind: task.VerifyCheck, Command: "go test ./..."})))
	assert.False(t, c.Accepts(withSpec(task.VerifySpec{Kind: task.VerifyManual, Criterion: "reviewed"})))
	assert.False(t, c.Accepts(withSpec(task.VerifySpec{Kind: task.VerifyCheck, Criterion: "docs updated"})))

	var _ Selective = c
}

func TestCommandChecker_TruncatesOutput(t *testing.T) {
	skipWindows(t)
	c := &CommandChecker{MaxOutput: 16}
	ev, err := c.Check(context.Background(), withSpec(task.VerifySpec{Kind: task.VerifyCommand, Command: "printf '%0100d' 0"}))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(ev.Output, "[output truncated]"))
}

func TestParseTestCounts(t *testing.T) {
	p, f, s := ParseTestCounts("--- PASS: A (0s)\n--- SKIP: B (0s)\n    --- FAIL: C/sub (0s)")
	assert.Equal(t, []int{1, 1, 1}, []int{p, f, s})

	p, f, s = ParseTestCounts("===== 12 passed, 2 failed, 1 skipped in 3.2s =====")
	assert.Equal(t, []int{12, 2, 1}, []int{p, f, s})

	p, f, s = ParseTestCounts("nothing here")
	assert.Equal(t, []int{0, 0, 0}, []int{p, f, s})
}
