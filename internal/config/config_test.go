package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"daemonkit/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}
	if want := filepath.Join(tempHome, ".config", "daemonkit", "config.toml"); resolved != want {
		t.Fatalf("resolved = %q, want %q", resolved, want)
	}

	wantSocket := filepath.Join(tempHome, ".local", "state", "daemonkit", "daemonkit.sock")
	if cfg.Daemon.SocketPath != wantSocket {
		t.Fatalf("unexpected socket path: got %q want %q", cfg.Daemon.SocketPath, wantSocket)
	}
	if cfg.Daemon.ShutdownTimeout() != 10*time.Second {
		t.Fatalf("unexpected shutdown timeout: %s", cfg.Daemon.ShutdownTimeout())
	}
	if !cfg.Journal.Enabled {
		t.Fatal("expected journal enabled by default")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{filepath.Dir(cfg.Daemon.SocketPath), filepath.Dir(cfg.Journal.Path), cfg.Logging.Dir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be directory", dir)
		}
	}
}

func TestLoadProjectConfigFallback(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	project := t.TempDir()
	t.Chdir(project)
	if err := os.WriteFile(filepath.Join(project, "daemonkit.toml"), []byte("[daemon]\nname = \"proj\"\n"), 0o644); err != nil {
		t.Fatalf("write project config: %v", err)
	}

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || filepath.Base(resolved) != "daemonkit.toml" {
		t.Fatalf("expected project config, got %q (exists=%v)", resolved, exists)
	}
	if cfg.Daemon.Name != "proj" {
		t.Fatalf("expected name from project config, got %q", cfg.Daemon.Name)
	}
}

func TestLoadCustomPath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	configPath := filepath.Join(t.TempDir(), "custom.toml")

	custom := config.Default()
	custom.Daemon.Name = "worker"
	custom.Daemon.PIDFile = ""
	custom.Daemon.ShutdownTimeoutMS = 2500
	custom.Health.Checks = []config.Check{
		{Name: "spool", Kind: "PATH", Path: "~/spool", Critical: true},
		{Name: "disk", Kind: "disk", Path: "/", MinFreeMB: 10, WarnFreeMB: 20, IntervalMS: 1000},
	}
	custom.Logging.Format = "JSON"
	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal custom config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected exists to be true")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: got %q want %q", resolved, configPath)
	}
	if cfg.Daemon.Name != "worker" {
		t.Fatalf("expected name from file, got %q", cfg.Daemon.Name)
	}
	if cfg.Daemon.PIDFile != "" {
		t.Fatalf("expected pid file disabled, got %q", cfg.Daemon.PIDFile)
	}
	if cfg.Daemon.ShutdownTimeout() != 2500*time.Millisecond {
		t.Fatalf("unexpected shutdown timeout: %s", cfg.Daemon.ShutdownTimeout())
	}
	if len(cfg.Health.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(cfg.Health.Checks))
	}
	if cfg.Health.Checks[0].Kind != config.CheckKindPath {
		t.Fatalf("expected kind normalized to path, got %q", cfg.Health.Checks[0].Kind)
	}
	if !filepath.IsAbs(cfg.Health.Checks[0].Path) || strings.Contains(cfg.Health.Checks[0].Path, "~") {
		t.Fatalf("expected expanded check path, got %q", cfg.Health.Checks[0].Path)
	}
	if cfg.Health.Checks[1].Interval() != time.Second {
		t.Fatalf("unexpected check interval: %s", cfg.Health.Checks[1].Interval())
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("expected format normalized to json, got %q", cfg.Logging.Format)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "typo.toml")
	if err := os.WriteFile(configPath, []byte("[daemon]\nsocket = \"/tmp/x.sock\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(configPath); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestEnvOverridesLogLevel(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DAEMONKIT_LOG_LEVEL", "DEBUG")

	cfg, _, _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected debug level from env, got %q", cfg.Logging.Level)
	}
}

func TestCreateSample(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "sample.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}

	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}
	if !exists {
		t.Fatal("expected sample to exist")
	}
	if len(cfg.Health.Checks) != 3 {
		t.Fatalf("expected 3 sample checks, got %d", len(cfg.Health.Checks))
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero shutdown timeout", func(c *config.Config) { c.Daemon.ShutdownTimeoutMS = 0 }},
		{"long socket path", func(c *config.Config) { c.Daemon.SocketPath = "/" + strings.Repeat("s", 120) }},
		{"name with slash", func(c *config.Config) { c.Daemon.Name = "a/b" }},
		{"zero health interval", func(c *config.Config) { c.Health.IntervalMS = 0 }},
		{"unknown check kind", func(c *config.Config) {
			c.Health.Checks = []config.Check{{Name: "x", Kind: "http"}}
		}},
		{"duplicate check names", func(c *config.Config) {
			c.Health.Checks = []config.Check{{Name: "x", Kind: "socket"}, {Name: "x", Kind: "socket"}}
		}},
		{"path check without path", func(c *config.Config) {
			c.Health.Checks = []config.Check{{Name: "p", Kind: "path"}}
		}},
		{"warn below min", func(c *config.Config) {
			c.Health.Checks = []config.Check{{Name: "d", Kind: "disk", Path: "/", MinFreeMB: 100, WarnFreeMB: 10}}
		}},
		{"binary check without command", func(c *config.Config) {
			c.Health.Checks = []config.Check{{Name: "b", Kind: "binary"}}
		}},
		{"bad log format", func(c *config.Config) { c.Logging.Format = "xml" }},
		{"bad log level", func(c *config.Config) { c.Logging.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Daemon.SocketPath = "/tmp/daemonkit.sock"
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	cfg := config.Default()
	cfg.Daemon.SocketPath = "/tmp/daemonkit.sock"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
