package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"daemonkit/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config rooted in per-test temp directories. The socket
// lives in a short temp dir of its own so it stays under the sun_path limit.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Daemon.Name = "daemonkit-test"
	cfgVal.Daemon.PIDFile = filepath.Join(base, "run", "daemonkit.pid")
	cfgVal.Daemon.SocketPath = SocketPath(t)
	cfgVal.Daemon.ShutdownTimeoutMS = 2000
	cfgVal.Health.IntervalMS = 50
	cfgVal.Health.TimeoutMS = 500
	cfgVal.Journal.Path = filepath.Join(base, "health.db")
	cfgVal.Logging.Dir = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithoutPIDFile disables pid-file handling.
func WithoutPIDFile() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Daemon.PIDFile = ""
	}
}

// WithoutJournal disables the health journal.
func WithoutJournal() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Journal.Enabled = false
	}
}

// WithCheck appends a health check to the test config.
func WithCheck(check config.Check) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Health.Checks = append(b.cfg.Health.Checks, check)
	}
}

// WithLogDir enables the JSON log file under the test's temp dir.
func WithLogDir() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Logging.Dir = filepath.Join(b.baseDir, "logs")
	}
}

// SocketPath returns a fresh unix socket path in a short-lived temp dir.
func SocketPath(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "dk")
	if err != nil {
		t.Fatalf("mkdir socket dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}
