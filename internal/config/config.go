// Package config loads taskgraph configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// TASKGRAPH_* environment variables. Sections owned by other packages
// (logging, telemetry) are decoded on demand with Config.Unmarshal so those
// packages keep their own defaults and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/v2"
)

// Config holds the complete taskgraph configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Store    StoreConfig    `koanf:"store"`
	Engine   EngineConfig   `koanf:"engine"`
	Auditors AuditorsConfig `koanf:"auditors"`
	Events   EventsConfig   `koanf:"events"`
	Workers  WorkersConfig  `koanf:"workers"`
	Plan     PlanConfig     `koanf:"plan"`
	Secrets  SecretsConfig  `koanf:"secrets"`

	k *koanf.Koanf
}

// ServerConfig holds HTTP and MCP surface configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// MCP serves the tool surface on stdio instead of (or alongside) HTTP.
	MCP bool `koanf:"mcp"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig selects the graph backend.
type StoreConfig struct {
	Driver      string   `koanf:"driver"` // sqlite or memory
	Path        string   `koanf:"path"`
	BusyTimeout Duration `koanf:"busy_timeout"`
}

// EngineConfig holds orchestration policy.
type EngineConfig struct {
	MaxTaskScope      int      `koanf:"max_task_scope"`
	MaxVerifyAttempts int      `koanf:"max_verify_attempts"`
	SpawnMinSeverity  string   `koanf:"spawn_min_severity"`
	StaleLeaseAfter   Duration `koanf:"stale_lease_after"`
	ReapInterval      Duration `koanf:"reap_interval"`
	WriteRetries      int      `koanf:"write_retries"`
	// RequireCommandMatch rejects command evidence for a different command.
	RequireCommandMatch bool `koanf:"require_command_match"`
}

// AuditorsConfig configures the auditor registry and the command auditors
// registered at startup.
type AuditorsConfig struct {
	Timeout   Duration        `koanf:"timeout"`
	RateLimit float64         `koanf:"rate_limit"`
	Burst     int             `koanf:"burst"`
	CacheSize int             `koanf:"cache_size"`
	CacheTTL  Duration        `koanf:"cache_ttl"`
	Commands  []AuditorConfig `koanf:"commands"`
}

// AuditorConfig registers one external analyzer.
type AuditorConfig struct {
	Name       string   `koanf:"name"`
	Capability string   `koanf:"capability"`
	Command    string   `koanf:"command"`
	Args       []string `koanf:"args"`
	Dir        string   `koanf:"dir"`
}

// EventsConfig configures lifecycle event publishing over NATS.
type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Prefix  string `koanf:"prefix"`
	Token   Secret `koanf:"token"`
}

// WorkersConfig configures the in-process worker pool.
type WorkersConfig struct {
	Enabled           bool     `koanf:"enabled"`
	Count             int      `koanf:"count"`
	PollInterval      Duration `koanf:"poll_interval"`
	Name              string   `koanf:"name"`
	Command           string   `koanf:"command"`
	Args              []string `koanf:"args"`
	Dir               string   `koanf:"dir"`
	VerifyTimeout     Duration `koanf:"verify_timeout"`
	ReleaseOnShutdown bool     `koanf:"release_on_shutdown"`
}

// PlanConfig configures plan import at startup.
type PlanConfig struct {
	Path     string   `koanf:"path"`
	Watch    bool     `koanf:"watch"`
	Debounce Duration `koanf:"debounce"`
}

// SecretsConfig configures secret scrubbing of notes, evidence and findings.
type SecretsConfig struct {
	Enabled  bool `koanf:"enabled"`
	MaxBytes int  `koanf:"max_bytes"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8484,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Store: StoreConfig{
			Driver:      "sqlite",
			Path:        defaultStorePath(),
			BusyTimeout: Duration(5 * time.Second),
		},
		Engine: EngineConfig{
			MaxVerifyAttempts: 3,
			SpawnMinSeverity:  "high",
			ReapInterval:      Duration(time.Minute),
			WriteRetries:      8,
		},
		Auditors: AuditorsConfig{
			Timeout:   Duration(2 * time.Minute),
			RateLimit: 2,
			Burst:     2,
			CacheSize: 128,
			CacheTTL:  Duration(5 * time.Minute),
		},
		Events: EventsConfig{
			URL:    "nats://127.0.0.1:4222",
			Prefix: "taskgraph",
		},
		Workers: WorkersConfig{
			Count:             2,
			PollInterval:      Duration(2 * time.Second),
			VerifyTimeout:     Duration(10 * time.Minute),
			ReleaseOnShutdown: true,
		},
		Plan: PlanConfig{
			Debounce: Duration(250 * time.Millisecond),
		},
		Secrets: SecretsConfig{
			Enabled:  true,
			MaxBytes: 256 << 10,
		},
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "taskgraph.db"
	}
	return filepath.Join(home, ".local", "share", "taskgraph", "taskgraph.db")
}

var severities = map[string]bool{"critical": true, "high": true, "medium": true, "low": true, "info": true}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or memory, got %q", c.Store.Driver))
	}

	if c.Engine.MaxTaskScope < 0 {
		errs = append(errs, errors.New("engine.max_task_scope must be >= 0"))
	}
	if c.Engine.MaxVerifyAttempts < 1 {
		errs = append(errs, errors.New("engine.max_verify_attempts must be >= 1"))
	}
	if !severities[c.Engine.SpawnMinSeverity] {
		errs = append(errs, fmt.Errorf("engine.spawn_min_severity %q is not a severity", c.Engine.SpawnMinSeverity))
	}
	if c.Engine.StaleLeaseAfter > 0 && c.Engine.ReapInterval <= 0 {
		errs = append(errs, errors.New("engine.reap_interval must be positive when stale_lease_after is set"))
	}

	if c.Auditors.RateLimit < 0 {
		errs = append(errs, errors.New("auditors.rate_limit must be >= 0"))
	}
	seen := map[string]bool{}
	for i, a := range c.Auditors.Commands {
		switch {
		case a.Name == "":
			errs = append(errs, fmt.Errorf("auditors.commands[%d].name is required", i))
		case seen[a.Name]:
			errs = append(errs, fmt.Errorf("auditors.commands[%d]: duplicate auditor %q", i, a.Name))
		}
		seen[a.Name] = true
		if a.Command == "" {
			errs = append(errs, fmt.Errorf("auditors.commands[%d].command is required", i))
		}
	}

	if c.Events.Enabled && c.Events.URL == "" {
		errs = append(errs, errors.New("events.url is required when events are enabled"))
	}

	if c.Workers.Enabled {
		if c.Workers.Count < 1 {
			errs = append(errs, errors.New("workers.count must be >= 1"))
		}
		if c.Workers.Command == "" {
			errs = append(errs, errors.New("workers.command is required when workers are enabled"))
		}
	}

	if c.Plan.Watch && c.Plan.Path == "" {
		errs = append(errs, errors.New("plan.path is required when plan.watch is set"))
	}
	return errors.Join(errs...)
}

// Unmarshal decodes the section at path into out. out should already hold
// the owning package's defaults; keys absent from the sources leave them
// untouched.
func (c *Config) Unmarshal(path string, out any) error {
	if c.k == nil {
		return nil
	}
	if err := c.k.Unmarshal(path, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s config: %w", path, err)
	}
	return nil
}
