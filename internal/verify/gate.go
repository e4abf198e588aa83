package verify

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// EvidenceKind names the shape of submitted evidence.
type EvidenceKind string

const (
	EvidenceExitStatus  EvidenceKind = "exit_status"
	EvidenceTestReport  EvidenceKind = "test_report"
	EvidenceAttestation EvidenceKind = "attestation"
)

// Evidence is what a worker submits to claim a task is complete.
type Evidence struct {
	Kind EvidenceKind `json:"kind"`

	// Command is the command that produced the evidence, when one ran.
	Command  string `json:"command,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Output   string `json:"output,omitempty"`

	Passed  int `json:"passed,omitempty"`
	Failed  int `json:"failed,omitempty"`
	Skipped int `json:"skipped,omitempty"`

	Attestor  string `json:"attestor,omitempty"`
	Approved  bool   `json:"approved,omitempty"`
	Statement string `json:"statement,omitempty"`

	CollectedAt time.Time `json:"collected_at,omitempty"`
}

// ExitStatus builds exit-status evidence.
func ExitStatus(command string, code int, output string) Evidence {
	return Evidence{Kind: EvidenceExitStatus, Command: command, ExitCode: &code, Output: output}
}

// TestReport builds test-report evidence.
func TestReport(passed, failed, skipped int, output string) Evidence {
	return Evidence{Kind: EvidenceTestReport, Passed: passed, Failed: failed, Skipped: skipped, Output: output}
}

// Attestation builds attestation evidence.
func Attestation(attestor string, approved bool, statement string) Evidence {
	return Evidence{Kind: EvidenceAttestation, Attestor: attestor, Approved: approved, Statement: statement}
}

// Code classifies a verdict.
type Code string

const (
	CodePass            Code = "pass"
	CodeNoSpec          Code = "no_verification_spec"
	CodeWrongEvidence   Code = "wrong_evidence_kind"
	CodeCommandMismatch Code = "command_mismatch"
	CodeHelpOutput      Code = "help_as_verification"
	CodeExitStatus      Code = "exit_status"
	CodeTestsFailed     Code = "tests_failed"
	CodeTooFewTests     Code = "too_few_tests"
	CodeNotAttested     Code = "not_attested"
	CodeRejected        Code = "attestation_rejected"
)

// Verdict is the gate's decision.
type Verdict struct {
	Pass   bool   `json:"pass"`
	Code   Code   `json:"code"`
	Reason string `json:"reason,omitempty"`
}

func pass() Verdict { return Verdict{Pass: true, Code: CodePass} }

func fail(code Code, format string, args ...any) Verdict {
	return Verdict{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Gate evaluates evidence against a task's verification spec.
type Gate struct {
	// RequireCommand rejects exit-status evidence that does not name the
	// command it came from.
	RequireCommand bool
}

// NewGate returns a gate with default strictness.
func NewGate() *Gate {
	return &Gate{}
}

// Evaluate returns Pass only when ev satisfies t.Verify.
func (g *Gate) Evaluate(t *task.Task, ev Evidence) Verdict {
	spec := t.Verify
	if spec.IsZero() {
		return fail(CodeNoSpec, "task has no verification spec")
	}
	switch spec.Kind {
	case task.VerifyCommand:
		return g.evaluateCommand(spec, ev)
	case task.VerifyCheck:
		return g.evaluateCheck(spec, ev)
	case task.VerifyManual:
		return g.evaluateManual(ev)
	}
	return fail(CodeNoSpec, "unknown verification kind %q", spec.Kind)
}

func (g *Gate) evaluateCommand(spec task.VerifySpec, ev Evidence) Verdict {
	if ev.Kind != EvidenceExitStatus {
		return fail(CodeWrongEvidence, "expected %s evidence, got %q", EvidenceExitStatus, ev.Kind)
	}
	if v, ok := g.checkCommand(spec, ev); !ok {
		return v
	}
	if ev.ExitCode == nil {
		return fail(CodeExitStatus, "exit status missing")
	}
	if IsHelpOutput(ev.Output) {
		return fail(CodeHelpOutput, "output looks like --help text, not a real run")
	}
	if *ev.ExitCode != spec.ExpectExitCode {
		return fail(CodeExitStatus, "exit status %d, want %d", *ev.ExitCode, spec.ExpectExitCode)
	}
	return pass()
}

func (g *Gate) evaluateCheck(spec task.VerifySpec, ev Evidence) Verdict {
	if ev.Kind != EvidenceTestReport {
		return fail(CodeWrongEvidence, "expected %s evidence, got %q", EvidenceTestReport, ev.Kind)
	}
	if v, ok := g.checkCommand(spec, ev); !ok {
		return v
	}
	if ev.Passed < 0 || ev.Failed < 0 || ev.Skipped < 0 {
		return fail(CodeWrongEvidence, "test counts must be non-negative")
	}
	total := ev.Passed + ev.Failed
	if ev.Failed > 0 {
		return fail(CodeTestsFailed, "tests failed: %d/%d", ev.Failed, total)
	}
	minTests := spec.MinTests
	if minTests == 0 {
		minTests = 1
	}
	if total < minTests {
		if IsHelpOutput(ev.Output) {
			return fail(CodeHelpOutput, "output looks like --help text, not a real run")
		}
		return fail(CodeTooFewTests, "%d tests ran, want at least %d", total, minTests)
	}
	return pass()
}

func (g *Gate) evaluateManual(ev Evidence) Verdict {
	if ev.Kind != EvidenceAttestation {
		return fail(CodeWrongEvidence, "expected %s evidence, got %q", EvidenceAttestation, ev.Kind)
	}
	if strings.TrimSpace(ev.Attestor) == "" {
		return fail(CodeNotAttested, "attestation has no attestor")
	}
	if !ev.Approved {
		statement := strings.TrimSpace(ev.Statement)
		if statement == "" {
			statement = "no statement"
		}
		return fail(CodeRejected, "rejected by %s: %s", ev.Attestor, statement)
	}
	return pass()
}

func (g *Gate) checkCommand(spec task.VerifySpec, ev Evidence) (Verdict, bool) {
	if spec.Command == "" {
		return Verdict{}, true
	}
	got := normalizeCommand(ev.Command)
	if got == "" {
		if g.RequireCommand {
			return fail(CodeCommandMismatch, "evidence does not name the command that ran"), false
		}
		return Verdict{}, true
	}
	if got != normalizeCommand(spec.Command) {
		return fail(CodeCommandMismatch, "evidence ran %q, want %q", ev.Command, spec.Command), false
	}
	return Verdict{}, true
}

func normalizeCommand(cmd string) string {
	return strings.Join(strings.Fields(cmd), " ")
}

var (
	helpPatterns = []string{
		"usage:",
		"--help",
		"-h, --help",
		"show help",
		"show this help",
		"options:",
	}

	testResultPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(pass|fail|error).*\d+`),
		regexp.MustCompile(`(?i)test.*\([\d.]+s\)`),
		regexp.MustCompile(`✓|✗`),
		regexp.MustCompile(`(?i)ok\s+\S+\s+[\d.]+s`),
		regexp.MustCompile(`(?i)test suites?:\s*\d+`),
	}
)

// IsHelpOutput reports whether output reads like a command's --help text
// rather than the result of a real run.
func IsHelpOutput(output string) bool {
	if output == "" {
		return false
	}
	for _, re := range testResultPatterns {
		if re.MatchString(output) {
			return false
		}
	}
	lower := strings.ToLower(output)
	hits := 0
	for _, p := range helpPatterns {
		if strings.Contains(lower, p) {
			hits++
		}
	}
	return hits >= 2
}
