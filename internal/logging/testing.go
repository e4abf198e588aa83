package logging

import (
	"reflect"
	"regexp"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records entries at every level, Trace included. Hand
// Underlying() to components that take a *zap.Logger.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	cfg := NewDefaultConfig()
	cfg.Caller.Enabled = false
	return &TestLogger{Logger: &Logger{zap: zap.New(core), config: cfg}, observed: observed}
}

func (t *TestLogger) All() []observer.LoggedEntry { return t.observed.All() }

// FilterMessage narrows to entries whose message contains msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessageSnippet(msg)
}

func (t *TestLogger) Reset() { t.observed.TakeAll() }

func (t *TestLogger) matching(level zapcore.Level, snippet string) []observer.LoggedEntry {
	var out []observer.LoggedEntry
	for _, e := range t.observed.All() {
		if e.Level == level && strings.Contains(e.Message, snippet) {
			out = append(out, e)
		}
	}
	return out
}

func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, snippet string) {
	tb.Helper()
	if len(t.matching(level, snippet)) == 0 {
		tb.Errorf("no %s entry containing %q in %+v", level, snippet, t.observed.All())
	}
}

// AssertNotLogged with an empty snippet forbids any entry at level.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, snippet string) {
	tb.Helper()
	for _, e := range t.matching(level, snippet) {
		tb.Errorf("unexpected %s entry %q", level, e.Message)
	}
}

// AssertField passes when some entry containing msg has key set to want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	for _, e := range t.FilterMessage(msg).All() {
		if got, ok := e.ContextMap()[key]; ok && reflect.DeepEqual(got, want) {
			return
		}
	}
	tb.Errorf("no entry %q with %s=%v", msg, key, want)
}

// AssertNoSecrets checks messages and string fields against the default
// redaction rules: nothing may match a pattern, and fields named like a
// secret must hold a redaction marker.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	rules := NewDefaultConfig().Redaction
	patterns, err := compilePatterns(rules.Patterns)
	if err != nil {
		tb.Fatalf("default redaction patterns: %v", err)
	}
	for _, e := range t.observed.All() {
		if leaks(patterns, e.Message) {
			tb.Errorf("secret in message %q", e.Message)
		}
		for _, f := range e.Context {
			if f.Type != zapcore.StringType {
				continue
			}
			if leaks(patterns, f.String) {
				tb.Errorf("secret in field %s=%q", f.Key, f.String)
			}
			if f.String != "" && !strings.HasPrefix(f.String, "[REDACTED") && sensitiveKey(rules.Fields, f.Key) {
				tb.Errorf("field %s=%q should be redacted", f.Key, f.String)
			}
		}
	}
}

func leaks(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func sensitiveKey(words []string, key string) bool {
	key = strings.ToLower(key)
	for _, w := range words {
		if strings.Contains(key, w) {
			return true
		}
	}
	return false
}

// AssertTraceCorrelation passes when an entry containing msg carries trace_id.
func (t *TestLogger) AssertTraceCorrelation(tb testing.TB, msg string) {
	tb.Helper()
	for _, e := range t.FilterMessage(msg).All() {
		if _, ok := e.ContextMap()["trace_id"]; ok {
			return
		}
	}
	tb.Errorf("entry %q has no trace_id", msg)
}
