package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TASKGRAPH_"

const maxConfigFileSize = 1 << 20

// Load layers built-in defaults, the YAML file at path and TASKGRAPH_*
// environment variables, later layers winning, then validates the result.
//
// With an empty path the file is ~/.config/taskgraph/config.yaml and may be
// missing. An explicit path must exist. Either way the file has to sit under
// ~/.config/taskgraph/ or /etc/taskgraph/, be mode 0600 or 0400 and be no
// larger than 1MiB.
//
// Environment names lose the prefix and split at the first underscore into
// section and field:
//
//	TASKGRAPH_SERVER_PORT                -> server.port
//	TASKGRAPH_ENGINE_MAX_VERIFY_ATTEMPTS -> engine.max_verify_attempts
func Load(path string) (*Config, error) {
	optional := path == ""
	if optional {
		dir, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "config.yaml")
	}
	if err := checkLocation(path); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	k := koanf.New(".")
	raw, err := readFile(path)
	if err != nil && !(optional && errors.Is(err, fs.ErrNotExist)) {
		return nil, err
	}
	if raw != nil {
		if err := k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.k = k
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func envKey(name string) string {
	name = strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	if section, field, ok := strings.Cut(name, "_"); ok {
		return section + "." + field
	}
	return name
}

// DefaultDir is ~/.config/taskgraph.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "taskgraph"), nil
}

// checkLocation resolves symlinks before comparing, so a link inside an
// allowed directory cannot point outside it. A file that does not exist yet
// is checked by its absolute path.
func checkLocation(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	userDir, err := DefaultDir()
	if err != nil {
		return err
	}
	for _, root := range []string{userDir, "/etc/taskgraph"} {
		if rel, err := filepath.Rel(root, abs); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("%s is outside ~/.config/taskgraph/ and /etc/taskgraph/", abs)
}

// readFile checks mode and size on the descriptor it reads from.
func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if perm := info.Mode().Perm(); runtime.GOOS != "windows" && perm != 0o600 && perm != 0o400 {
		return nil, fmt.Errorf("insecure config file permissions: %v (want 0600 or 0400)", perm)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes", info.Size())
	}
	raw, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(raw) > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: over %d bytes", maxConfigFileSize)
	}
	return raw, nil
}
