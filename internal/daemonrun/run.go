// Package daemonrun hosts a daemon in the foreground: it turns configuration
// into a logger, health checks and a journal, runs the daemon until it stops
// and reports the exit code.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"daemonkit/internal/config"
	"daemonkit/internal/daemon"
	"daemonkit/internal/health"
	"daemonkit/internal/healthlog"
	"daemonkit/internal/ipc"
	"daemonkit/internal/logging"
)

const bytesPerMB = 1 << 20

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// Handler serves application verbs beyond the built-in control set.
	Handler ipc.Handler
	// Setup runs after the daemon is built and before it starts, so hosts can
	// register shutdown handlers and extra checks.
	Setup func(*daemon.Daemon) error
}

// ExitError carries a non-zero daemon exit code out of Run.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("daemon exited with code %d", e.Code)
	}
	return fmt.Sprintf("daemon exited with code %d: %v", e.Code, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode extracts the process exit code for err: 0 for nil, the daemon's
// code for an ExitError and 1 for anything else.
func ExitCode(err error) int {
	if err == nil {
		return daemon.ExitClean
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return daemon.ExitCrashed
}

// Run starts the daemon described by cfg and blocks until it stops, either
// through a signal, the stop control verb, or cmdCtx being cancelled.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	runCfg := *cfg
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		runCfg.Logging.Level = level
	}
	if opts.Development {
		runCfg.Logging.Level = "debug"
	}
	logger, err := logging.NewFromConfig(&runCfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logConfigSnapshot(logger, &runCfg)

	var journal daemon.Journal
	if runCfg.Journal.Enabled {
		store, err := healthlog.Open(runCfg.Journal.Path, runCfg.Daemon.Name, runCfg.Journal.Retain)
		if err != nil {
			logger.Error("open health journal", logging.Error(err))
			return err
		}
		defer store.Close()
		journal = store
	}

	d, err := daemon.New(daemon.Options{
		Name:            runCfg.Daemon.Name,
		PIDFile:         runCfg.Daemon.PIDFile,
		SocketPath:      runCfg.Daemon.SocketPath,
		ShutdownTimeout: runCfg.Daemon.ShutdownTimeout(),
		HealthInterval:  runCfg.Health.Interval(),
		HealthTimeout:   runCfg.Health.Timeout(),
		Checks:          BuildChecks(&runCfg),
		Logger:          logger,
		Handler:         opts.Handler,
		Journal:         journal,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if opts.Setup != nil {
		if err := opts.Setup(d); err != nil {
			return fmt.Errorf("set up daemon: %w", err)
		}
	}

	stopSignals := d.HandleSignals(cmdCtx)
	defer stopSignals()

	if err := d.Start(cmdCtx); err != nil {
		return err
	}

	var stopErr error
	select {
	case <-d.Done():
	case <-cmdCtx.Done():
		_, stopErr = d.Stop(context.WithoutCancel(cmdCtx), "host context cancelled")
	}
	<-d.Done()

	code := d.ExitCode()
	logger.Info("daemon exiting",
		logging.String(logging.FieldEventType, "daemon_exit"),
		logging.String("state", d.State().String()),
		logging.Int("exit_code", code))
	if code != daemon.ExitClean {
		return &ExitError{Code: code, Err: stopErr}
	}
	return nil
}

// BuildChecks turns configured check entries into health checks. Socket
// checks without a path ping the daemon's own socket.
func BuildChecks(cfg *config.Config) []health.Check {
	checks := make([]health.Check, 0, len(cfg.Health.Checks))
	for _, entry := range cfg.Health.Checks {
		check := health.Check{
			Name:     entry.Name,
			Interval: entry.Interval(),
			Timeout:  entry.Timeout(),
			Critical: entry.Critical,
		}
		switch entry.Kind {
		case config.CheckKindPath:
			check.Func = health.PathAccess(entry.Path)
		case config.CheckKindDisk:
			check.Func = health.DiskSpace(entry.Path, mbToBytes(entry.MinFreeMB), mbToBytes(entry.WarnFreeMB))
		case config.CheckKindSocket:
			path := entry.Path
			if path == "" {
				path = cfg.Daemon.SocketPath
			}
			check.Func = health.SocketPing(path)
		case config.CheckKindBinary:
			check.Func = health.Executable(entry.Command)
		default:
			continue
		}
		checks = append(checks, check)
	}
	return checks
}

func mbToBytes(mb int64) uint64 {
	if mb <= 0 {
		return 0
	}
	return uint64(mb) * bytesPerMB
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	logger.Info("daemon configuration",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String(logging.FieldDaemon, cfg.Daemon.Name),
		logging.Int("pid", os.Getpid()),
		logging.String("socket", cfg.Daemon.SocketPath),
		logging.String("pid_file", cfg.Daemon.PIDFile),
		logging.Duration("shutdown_timeout", cfg.Daemon.ShutdownTimeout()),
		logging.Int("health_checks", len(cfg.Health.Checks)),
		logging.Bool("journal_enabled", cfg.Journal.Enabled),
		logging.String("journal_path", cfg.Journal.Path),
	)
}
