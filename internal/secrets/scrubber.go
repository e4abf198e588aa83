package secrets

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Config controls scrubbing.
type Config struct {
	Enabled bool `koanf:"enabled"`

	// MaxBytes skips detection on larger inputs and truncates them instead.
	MaxBytes int `koanf:"max_bytes"`
}

// DefaultConfig enables scrubbing with a 256 KiB input cap.
func DefaultConfig() Config {
	return Config{Enabled: true, MaxBytes: 256 << 10}
}

// Finding names a redacted secret without its value.
type Finding struct {
	RuleID string `json:"rule_id"`
	Line   int    `json:"line"`
}

// Result is the outcome of a scrub.
type Result struct {
	Text     string
	Findings []Finding
}

// Scrubber detects and redacts secrets. It is safe for concurrent use.
type Scrubber struct {
	cfg      Config
	mu       sync.Mutex
	detector *detect.Detector
}

// New builds a scrubber. Loading the gitleaks rule set is costly, so build
// one and share it.
func New(cfg Config) (*Scrubber, error) {
	s := &Scrubber{cfg: cfg}
	if !cfg.Enabled {
		return s, nil
	}
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load gitleaks rules: %w", err)
	}
	s.detector = d
	return s, nil
}

// Scrub returns text with secrets replaced.
func (s *Scrubber) Scrub(text string) Result {
	if s == nil || s.detector == nil || text == "" {
		return Result{Text: text}
	}
	if s.cfg.MaxBytes > 0 && len(text) > s.cfg.MaxBytes {
		text = text[:s.cfg.MaxBytes] + "\n[truncated before secret scan]"
	}

	s.mu.Lock()
	found := s.detector.DetectString(text)
	s.mu.Unlock()

	if len(found) == 0 {
		return Result{Text: text}
	}

	// longest first so a secret containing another is replaced whole
	sort.SliceStable(found, func(i, j int) bool { return len(found[i].Secret) > len(found[j].Secret) })

	out := text
	findings := make([]Finding, 0, len(found))
	for _, f := range found {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" {
			continue
		}
		out = strings.ReplaceAll(out, secret, "[REDACTED:"+f.RuleID+"]")
		findings = append(findings, Finding{RuleID: f.RuleID, Line: f.StartLine})
	}
	return Result{Text: out, Findings: findings}
}

// Redact returns only the scrubbed text.
func (s *Scrubber) Redact(text string) string {
	return s.Scrub(text).Text
}
