package auditor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scope = Scope{TaskID: "T1", Paths: []string{"internal/store"}}

func staticAnalyzer(findings ...Finding) Analyzer {
	return AnalyzerFunc(func(ctx context.Context, s Scope) ([]Finding, error) {
		return findings, nil
	})
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	require.NoError(t, r.Register("sql-lint", CapabilityDatabase, staticAnalyzer()))

	assert.Error(t, r.Register("sql-lint", CapabilityDatabase, staticAnalyzer()), "duplicate name")
	assert.Error(t, r.Register("x", Capability("astrology"), staticAnalyzer()), "unknown capability")
	assert.Error(t, r.Register("", CapabilitySecurity, staticAnalyzer()))
	assert.Error(t, r.Register("y", CapabilitySecurity, nil))

	require.NoError(t, r.Register("gosec", CapabilitySecurity, staticAnalyzer()))
	assert.Equal(t, []Registration{
		{Name: "gosec", Capability: CapabilitySecurity},
		{Name: "sql-lint", Capability: CapabilityDatabase},
	}, r.List())
	assert.Equal(t, []string{"gosec"}, r.ByCapability(CapabilitySecurity))
}

func TestRegistry_InvokeReturnsFindings(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	want := Finding{Severity: SeverityHigh, Category: "injection", Location: "internal/store/sqlite.go:42", Description: "query built by concatenation", Recommendation: "use placeholders"}
	require.NoError(t, r.Register("gosec", CapabilitySecurity, staticAnalyzer(want)))

	rep, err := r.Invoke(context.Background(), "gosec", scope)
	require.NoError(t, err)
	assert.Equal(t, "gosec", rep.Auditor)
	assert.Equal(t, CapabilitySecurity, rep.Capability)
	assert.Equal(t, []Finding{want}, rep.Findings)
	assert.Len(t, rep.AtLeast(SeverityMedium), 1)
	assert.Empty(t, rep.AtLeast(SeverityCritical))
}

func TestRegistry_EmptyFindingsAreNotAnError(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	require.NoError(t, r.Register("clean", CapabilityTesting, staticAnalyzer()))

	rep, err := r.Invoke(context.Background(), "clean", scope)
	require.NoError(t, err)
	assert.NotNil(t, rep.Findings)
	assert.Empty(t, rep.Findings)
}

func TestRegistry_Errors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.CacheSize = 0
	r := NewRegistry(cfg, nil)

	require.NoError(t, r.Register("boom", CapabilityArchitecture, AnalyzerFunc(func(ctx context.Context, s Scope) ([]Finding, error) {
		return nil, errors.New("linter crashed")
	})))
	require.NoError(t, r.Register("slow", CapabilityArchitecture, AnalyzerFunc(func(ctx context.Context, s Scope) ([]Finding, error) {
		time.Sleep(time.Second)
		return nil, nil
	})))
	require.NoError(t, r.Register("garbage", CapabilityArchitecture, staticAnalyzer(Finding{Severity: "spicy", Category: "x", Description: "y"})))

	tests := []struct {
		name    string
		auditor string
		scope   Scope
		kind    ErrorKind
	}{
		{"unknown auditor", "nope", scope, KindUnknownAuditor},
		{"empty scope", "boom", Scope{}, KindScopeRejected},
		{"escaping scope", "boom", Scope{Paths: []string{"../../etc"}}, KindScopeRejected},
		{"filesystem root", "boom", Scope{Paths: []string{"/"}}, KindScopeRejected},
		{"absolute path", "boom", Scope{Paths: []string{"internal", "/etc"}}, KindScopeRejected},
		{"absolute file", "boom", Scope{Paths: []string{"/etc/shadow"}}, KindScopeRejected},
		{"drive path", "boom", Scope{Paths: []string{`C:\Windows`}}, KindScopeRejected},
		{"unc path", "boom", Scope{Paths: []string{`\\host\share`}}, KindScopeRejected},
		{"blank path", "boom", Scope{Paths: []string{"  "}}, KindScopeRejected},
		{"analyzer failure", "boom", scope, KindFailed},
		{"timeout", "slow", scope, KindTimeout},
		{"malformed finding", "garbage", scope, KindMalformedOutput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := r.Invoke(context.Background(), tt.auditor, tt.scope)
			require.Error(t, err)
			assert.Nil(t, rep)
			assert.ErrorIs(t, err, ErrAuditor)
			assert.Equal(t, tt.kind, KindOf(err))
		})
	}
}

func TestRegistry_Cache(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry(DefaultConfig(), nil)
	require.NoError(t, r.Register("counted", CapabilityDocumentation, AnalyzerFunc(func(ctx context.Context, s Scope) ([]Finding, error) {
		calls.Add(1)
		return []Finding{{Severity: SeverityLow, Category: "docs", Description: "missing package doc"}}, nil
	})))

	first, err := r.Invoke(context.Background(), "counted", Scope{Paths: []string{"b", "a"}})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := r.Invoke(context.Background(), "counted", Scope{Paths: []string{"a", "b/"}})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Findings, second.Findings)
	assert.Equal(t, int32(1), calls.Load())

	_, err = r.Invoke(context.Background(), "counted", Scope{Paths: []string{"c"}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRegistry_RateLimitHonoursContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 0.001
	cfg.Burst = 1
	cfg.CacheSize = 0
	r := NewRegistry(cfg, nil)
	require.NoError(t, r.Register("rare", CapabilityFrontend, staticAnalyzer()))

	_, err := r.Invoke(context.Background(), "rare", scope)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Invoke(ctx, "rare", scope)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestParseFindings(t *testing.T) {
	f, err := ParseFindings([]byte(`[{"severity":"low","category":"style","location":"a.go:1","description":"d"}]`))
	require.NoError(t, err)
	assert.Len(t, f, 1)

	f, err = ParseFindings([]byte(`{"findings":[]}`))
	require.NoError(t, err)
	assert.Empty(t, f)

	for _, bad := range []string{"", "not json", `{"results":[]}`, `[{"severity":1}]`} {
		_, err := ParseFindings([]byte(bad))
		assert.Equal(t, KindMalformedOutput, KindOf(err), bad)
	}
}

func TestCommandAnalyzer(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "audit.sh")
	require.NoError(t, os.WriteFile(script, []byte(`#!/bin/sh
cat > /dev/null
echo "[{\"severity\":\"medium\",\"category\":\"schema\",\"location\":\"$1\",\"description\":\"missing index\"}]"
`), 0o755))

	r := NewRegistry(DefaultConfig(), nil)
	require.NoError(t, r.Register("schema", CapabilityDatabase, &CommandAnalyzer{Command: script}))

	rep, err := r.Invoke(context.Background(), "schema", Scope{Paths: []string{"migrations"}})
	require.NoError(t, err)
	require.Len(t, rep.Findings, 1)
	assert.Equal(t, "migrations", rep.Findings[0].Location)

	bad := filepath.Join(dir, "bad.sh")
	require.NoError(t, os.WriteFile(bad, []byte("#!/bin/sh\necho oops >&2\nexit 4\n"), 0o755))
	require.NoError(t, r.Register("bad", CapabilityDatabase, &CommandAnalyzer{Command: bad}))

	_, err = r.Invoke(context.Background(), "bad", Scope{Paths: []string{"migrations"}})
	require.Error(t, err)
	assert.Equal(t, KindFailed, KindOf(err))
	assert.Contains(t, err.Error(), "exit status 4: oops")
}
