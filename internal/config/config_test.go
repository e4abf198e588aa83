package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the config directory.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "taskgraph")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	setupTestHome(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8484", cfg.Server.Addr())
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Engine.MaxVerifyAttempts)
	assert.Equal(t, "high", cfg.Engine.SpawnMinSeverity)
	assert.Zero(t, cfg.Engine.StaleLeaseAfter, "reaper is off by default")
	assert.False(t, cfg.Workers.Enabled)
	assert.True(t, cfg.Workers.ReleaseOnShutdown)
	assert.True(t, cfg.Secrets.Enabled)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
server:
  port: 9191
  shutdown_timeout: 3s
store:
  driver: memory
engine:
  max_task_scope: 8
  max_verify_attempts: 5
  stale_lease_after: 30m
auditors:
  commands:
    - name: gosec
      capability: security
      command: /usr/local/bin/gosec-audit
      args: ["--json"]
events:
  enabled: true
  url: nats://events:4222
  token: s3cr3t
`, 0o600)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 8, cfg.Engine.MaxTaskScope)
	assert.Equal(t, 5, cfg.Engine.MaxVerifyAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Engine.StaleLeaseAfter.Duration())
	assert.Equal(t, time.Minute, cfg.Engine.ReapInterval.Duration(), "defaults survive a partial section")
	require.Len(t, cfg.Auditors.Commands, 1)
	assert.Equal(t, AuditorConfig{
		Name: "gosec", Capability: "security", Command: "/usr/local/bin/gosec-audit", Args: []string{"--json"},
	}, cfg.Auditors.Commands[0])
	assert.Equal(t, "s3cr3t", cfg.Events.Token.Value())
	assert.Equal(t, "[REDACTED]", cfg.Events.Token.String())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  port: 9191\n", 0o600)
	t.Setenv("TASKGRAPH_SERVER_PORT", "9292")
	t.Setenv("TASKGRAPH_ENGINE_MAX_VERIFY_ATTEMPTS", "7")
	t.Setenv("TASKGRAPH_WORKERS_POLL_INTERVAL", "750ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9292, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Engine.MaxVerifyAttempts)
	assert.Equal(t, 750*time.Millisecond, cfg.Workers.PollInterval.Duration())
}

func TestLoad_FileChecks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs")
	}
	dir := setupTestHome(t)

	t.Run("world readable", func(t *testing.T) {
		path := writeConfig(t, dir, "server:\n  port: 9191\n", 0o644)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insecure config file permissions")
	})

	t.Run("read only is fine", func(t *testing.T) {
		path := writeConfig(t, dir, "server:\n  port: 9191\n", 0o400)
		_, err := Load(path)
		require.NoError(t, err)
		require.NoError(t, os.Chmod(path, 0o600))
	})

	t.Run("too large", func(t *testing.T) {
		big := make([]byte, maxConfigFileSize+1)
		for i := range big {
			big[i] = '#'
		}
		path := writeConfig(t, dir, string(big), 0o600)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})

	t.Run("outside allowed dirs", func(t *testing.T) {
		other := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(other, []byte("server:\n  port: 1\n"), 0o600))
		_, err := Load(other)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config path validation failed")
	})

	t.Run("sibling prefix is not allowed", func(t *testing.T) {
		sibling := dir + "-evil"
		require.NoError(t, os.MkdirAll(sibling, 0o700))
		path := filepath.Join(sibling, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 1\n"), 0o600))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("explicit missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"bad driver", func(c *Config) { c.Store.Driver = "postgres" }, "store.driver"},
		{"sqlite without path", func(c *Config) { c.Store.Path = " " }, "store.path"},
		{"zero attempts", func(c *Config) { c.Engine.MaxVerifyAttempts = 0 }, "max_verify_attempts"},
		{"bad severity", func(c *Config) { c.Engine.SpawnMinSeverity = "urgent" }, "spawn_min_severity"},
		{"negative scope", func(c *Config) { c.Engine.MaxTaskScope = -1 }, "max_task_scope"},
		{"reaper without interval", func(c *Config) {
			c.Engine.StaleLeaseAfter = Duration(time.Hour)
			c.Engine.ReapInterval = 0
		}, "reap_interval"},
		{"duplicate auditor", func(c *Config) {
			c.Auditors.Commands = []AuditorConfig{{Name: "a", Command: "x"}, {Name: "a", Command: "y"}}
		}, "duplicate auditor"},
		{"auditor without command", func(c *Config) {
			c.Auditors.Commands = []AuditorConfig{{Name: "a"}}
		}, "command is required"},
		{"workers without command", func(c *Config) { c.Workers.Enabled = true }, "workers.command"},
		{"watch without path", func(c *Config) { c.Plan.Watch = true }, "plan.path"},
		{"events without url", func(c *Config) {
			c.Events.Enabled = true
			c.Events.URL = ""
		}, "events.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.port", envKey("TASKGRAPH_SERVER_PORT"))
	assert.Equal(t, "engine.max_verify_attempts", envKey("TASKGRAPH_ENGINE_MAX_VERIFY_ATTEMPTS"))
	assert.Equal(t, "debug", envKey("TASKGRAPH_DEBUG"))
}

type loggingSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func TestUnmarshal_ForeignSection(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "logging:\n  level: debug\n", 0o600)
	cfg, err := Load(path)
	require.NoError(t, err)

	out := loggingSection{Level: "info", Format: "json"}
	require.NoError(t, cfg.Unmarshal("logging", &out))
	assert.Equal(t, "debug", out.Level)
	assert.Equal(t, "json", out.Format)

	// A Config built in code has no sources; defaults stand.
	untouched := loggingSection{Level: "info"}
	require.NoError(t, Default().Unmarshal("logging", &untouched))
	assert.Equal(t, "info", untouched.Level)
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("10")))

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))
}

func TestSecret(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "hunter2", s.Value())

	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"[REDACTED]"`, string(data))

	var back Secret
	assert.Error(t, back.UnmarshalJSON(data))
	require.NoError(t, back.UnmarshalJSON([]byte(`"hunter2"`)))
	assert.Equal(t, s, back)
	assert.Equal(t, "", Secret("").String())
}
