// Package auditor invokes pluggable analyzers and returns their structured
// findings.
//
// The engine never interprets what an analyzer looks for. Analyzers register
// under a name with one of a fixed set of capabilities, and every invocation
// goes through Registry.Invoke, which bounds the scope, the time and the
// rate, and checks the output shape. Failures surface as *Error, never as an
// empty finding list.
package auditor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Capability is the kind of analysis an auditor performs.
type Capability string

const (
	CapabilitySecurity      Capability = "security"
	CapabilityDatabase      Capability = "database"
	CapabilityFrontend      Capability = "frontend"
	CapabilityArchitecture  Capability = "architecture"
	CapabilityTesting       Capability = "testing"
	CapabilityDocumentation Capability = "documentation"
)

// Capabilities lists every supported capability.
var Capabilities = []Capability{
	CapabilitySecurity, CapabilityDatabase, CapabilityFrontend,
	CapabilityArchitecture, CapabilityTesting, CapabilityDocumentation,
}

// Valid reports whether c is one of Capabilities.
func (c Capability) Valid() bool {
	for _, k := range Capabilities {
		if k == c {
			return true
		}
	}
	return false
}

// Severity ranks a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank orders severities; higher is worse. Unknown severities rank -1.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	case SeverityInfo:
		return 0
	}
	return -1
}

// ParseSeverity parses a severity name.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Rank() < 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Finding is one structured observation from an analyzer.
type Finding struct {
	Severity       Severity `json:"severity"`
	Category       string   `json:"category"`
	Location       string   `json:"location"`
	Description    string   `json:"description"`
	Recommendation string   `json:"recommendation,omitempty"`
}

func (f Finding) validate() error {
	if f.Severity.Rank() < 0 {
		return fmt.Errorf("unknown severity %q", f.Severity)
	}
	if strings.TrimSpace(f.Category) == "" {
		return fmt.Errorf("category is required")
	}
	if strings.TrimSpace(f.Description) == "" {
		return fmt.Errorf("description is required")
	}
	return nil
}

// String renders a one-line summary suitable for a task note.
func (f Finding) String() string {
	s := fmt.Sprintf("[%s] %s: %s", f.Severity, f.Category, f.Description)
	if f.Location != "" {
		s += " (" + f.Location + ")"
	}
	if f.Recommendation != "" {
		s += "; recommendation: " + f.Recommendation
	}
	return s
}

// Scope bounds what an analyzer may look at.
type Scope struct {
	// TaskID is the task the audit is for, if any.
	TaskID string `json:"task_id,omitempty"`

	// Paths are the files or directories to analyze. At least one is required.
	Paths []string `json:"paths"`
}

// Validate rejects empty scopes and any path that is not relative to the
// workspace: absolute paths, drive or UNC forms, and ".." escapes.
func (s Scope) Validate() error {
	if len(s.Paths) == 0 {
		return fmt.Errorf("scope must name at least one path")
	}
	for _, p := range s.Paths {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			return fmt.Errorf("scope contains an empty path")
		}
		slashed := strings.ReplaceAll(trimmed, `\`, "/")
		if path.IsAbs(slashed) || filepath.IsAbs(trimmed) || hasDriveLetter(slashed) {
			return fmt.Errorf("scope path %q is absolute; paths must be relative to the workspace", p)
		}
		clean := path.Clean(slashed)
		if clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("scope path %q escapes the workspace", p)
		}
	}
	return nil
}

// hasDriveLetter matches Windows volume forms such as C: and C:/x.
func hasDriveLetter(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0] | 0x20
	return c >= 'a' && c <= 'z'
}

// key identifies a scope for caching independent of path order.
func (s Scope) key() string {
	paths := append([]string(nil), s.Paths...)
	for i := range paths {
		paths[i] = path.Clean(paths[i])
	}
	sort.Strings(paths)
	sum := sha256.Sum256([]byte(strings.Join(paths, "\x00")))
	return hex.EncodeToString(sum[:])
}

// Report is a successful invocation's result.
type Report struct {
	Auditor    string        `json:"auditor"`
	Capability Capability    `json:"capability"`
	Scope      Scope         `json:"scope"`
	Findings   []Finding     `json:"findings"`
	Duration   time.Duration `json:"duration"`
	Cached     bool          `json:"cached,omitempty"`
}

// AtLeast returns findings with severity >= min.
func (r *Report) AtLeast(min Severity) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity.Rank() >= min.Rank() {
			out = append(out, f)
		}
	}
	return out
}
