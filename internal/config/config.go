package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Daemon contains process identity and lifecycle settings.
type Daemon struct {
	Name              string `toml:"name"`
	PIDFile           string `toml:"pid_file"`
	SocketPath        string `toml:"socket_path"`
	ShutdownTimeoutMS int    `toml:"shutdown_timeout_ms"`
}

// Health contains the default check schedule and the configured checks.
type Health struct {
	IntervalMS int     `toml:"interval_ms"`
	TimeoutMS  int     `toml:"timeout_ms"`
	Checks     []Check `toml:"checks"`
}

// Check describes one built-in health check.
//
// Kind selects the probe: "path" checks that Path is readable and writable,
// "disk" checks free space on the filesystem holding Path, and "socket" pings
// the daemon IPC endpoint at Path (the daemon's own socket when empty), and
// "binary" checks that Command resolves to an executable on PATH.
type Check struct {
	Name       string `toml:"name"`
	Kind       string `toml:"kind"`
	Path       string `toml:"path"`
	Command    string `toml:"command"`
	Critical   bool   `toml:"critical"`
	IntervalMS int    `toml:"interval_ms"`
	TimeoutMS  int    `toml:"timeout_ms"`
	MinFreeMB  int64  `toml:"min_free_mb"`
	WarnFreeMB int64  `toml:"warn_free_mb"`
}

// Journal contains configuration for the sqlite health journal.
type Journal struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
	Retain  int    `toml:"retain"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	Dir    string `toml:"dir"`
}

// Config encapsulates all configuration values for daemonkit.
type Config struct {
	Daemon  Daemon  `toml:"daemon"`
	Health  Health  `toml:"health"`
	Journal Journal `toml:"journal"`
	Logging Logging `toml:"logging"`
}

// Check kinds understood by the daemon host.
const (
	CheckKindPath   = "path"
	CheckKindDisk   = "disk"
	CheckKindSocket = "socket"
	CheckKindBinary = "binary"
)

// LogFilePath is where the JSON copy of the daemon log is written, or "" when
// file logging is disabled.
func (c *Config) LogFilePath() string {
	if c.Logging.Dir == "" {
		return ""
	}
	return filepath.Join(c.Logging.Dir, c.Daemon.Name+".log")
}

// ShutdownTimeout is the overall deadline for a stop.
func (d Daemon) ShutdownTimeout() time.Duration {
	return time.Duration(d.ShutdownTimeoutMS) * time.Millisecond
}

// Interval is the default spacing between runs of a check.
func (h Health) Interval() time.Duration {
	return time.Duration(h.IntervalMS) * time.Millisecond
}

// Timeout is the default bound on a single check run.
func (h Health) Timeout() time.Duration {
	return time.Duration(h.TimeoutMS) * time.Millisecond
}

// Interval returns the check's own interval, or zero to inherit the default.
func (c Check) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// Timeout returns the check's own timeout, or zero to inherit the default.
func (c Check) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded. exists reports whether a file was
// actually read; a missing file yields defaults.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, "", false, fmt.Errorf("parse config: %s", strict.String())
			}
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs(projectConfigName)
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the parent directories of every file the daemon
// writes.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Daemon.SocketPath)}
	if c.Daemon.PIDFile != "" {
		dirs = append(dirs, filepath.Dir(c.Daemon.PIDFile))
	}
	if c.Journal.Enabled {
		dirs = append(dirs, filepath.Dir(c.Journal.Path))
	}
	if c.Logging.Dir != "" {
		dirs = append(dirs, c.Logging.Dir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && pathValue[1] == '/' {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
