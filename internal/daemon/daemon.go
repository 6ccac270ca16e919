package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"daemonkit/internal/daemonerr"
	"daemonkit/internal/health"
	"daemonkit/internal/ipc"
	"daemonkit/internal/logging"
	"daemonkit/internal/pidfile"
)

// Daemon is one daemon instance. All methods are safe for concurrent use.
type Daemon struct {
	opts    Options
	logger  *slog.Logger
	pid     *pidfile.File
	checker *health.Checker

	// startMu serializes Start calls; Stop never takes it.
	startMu sync.Mutex

	mu         sync.Mutex
	state      State
	startedAt  time.Time
	handlers   []shutdownHandler
	server     *ipc.Server
	cancelLife context.CancelFunc
	started    chan struct{}
	stopped    chan struct{}
	done       chan struct{}
	stopResult StopResult
	exitCode   int
	subs       map[*ipc.Conn]struct{}
	lastHealth health.Status
}

// Snapshot is a point-in-time view of the daemon.
type Snapshot struct {
	Name      string
	State     State
	PID       int
	StartedAt time.Time
	Uptime    time.Duration
}

// New validates opts and returns a daemon in the created state.
func New(opts Options) (*Daemon, error) {
	opts, err := opts.normalized()
	if err != nil {
		return nil, err
	}
	d := &Daemon{
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "daemon").With(logging.String(logging.FieldDaemon, opts.Name)),
		state:  StateCreated,
		done:   make(chan struct{}),
		subs:   make(map[*ipc.Conn]struct{}),
	}
	if opts.PIDFile != "" {
		d.pid = pidfile.New(opts.PIDFile)
	}

	healthLogger := opts.Logger
	if healthLogger != nil {
		healthLogger = healthLogger.With(logging.String(logging.FieldDaemon, opts.Name))
	}
	d.checker, err = health.NewChecker(opts.Checks, health.Options{
		Interval: opts.HealthInterval,
		Timeout:  opts.HealthTimeout,
		Logger:   healthLogger,
		OnChange: d.onHealthChange,
	})
	if err != nil {
		return nil, fmt.Errorf("configure health checks: %w", err)
	}
	return d, nil
}

// Name returns the daemon name.
func (d *Daemon) Name() string { return d.opts.Name }

// SocketPath returns the control socket path.
func (d *Daemon) SocketPath() string { return d.opts.SocketPath }

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Done is closed when the current lifetime ends in stopped or crashed. A
// restart replaces it.
func (d *Daemon) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// ExitCode is the process exit code for the lifetime that closed Done.
func (d *Daemon) ExitCode() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode
}

// RegisterCheck adds a health check. It may be called at any time.
func (d *Daemon) RegisterCheck(check health.Check) error {
	return d.checker.Register(check)
}

// OnShutdown registers a handler to run during Stop. Handlers run newest
// first, each at most once; the list is consumed by the Stop that runs it.
func (d *Daemon) OnShutdown(name string, fn ShutdownHandler, opts ...HandlerOption) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("shutdown handler name is required")
	}
	if fn == nil {
		return fmt.Errorf("shutdown handler %q is nil", name)
	}
	h := shutdownHandler{name: name, fn: fn}
	for _, opt := range opts {
		opt(&h)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateStopping {
		return daemonerr.Newf(daemonerr.CodeInvalidState, "cannot register shutdown handler %q while stopping", name)
	}
	d.handlers = append(d.handlers, h)
	return nil
}

// Start acquires the pid file, opens the control socket and starts the
// health checks. It is valid from created and stopped. A pid file held by a
// live process returns ALREADY_RUNNING without a transition; every other
// failure moves the daemon through starting to crashed.
func (d *Daemon) Start(ctx context.Context) error {
	d.startMu.Lock()
	defer d.startMu.Unlock()

	switch state := d.State(); state {
	case StateCreated, StateStopped:
	case StateStarting, StateRunning:
		return daemonerr.Newf(daemonerr.CodeAlreadyRunning, "daemon %s is %s", d.opts.Name, state)
	default:
		return daemonerr.Newf(daemonerr.CodeInvalidState, "cannot start daemon %s from %s", d.opts.Name, state)
	}

	// A live owner leaves this instance untouched; any other pid file
	// failure is a failed start and crashes below.
	var pidErr error
	if d.pid != nil {
		if err := d.pid.Acquire(); err != nil {
			if daemonerr.HasCode(err, daemonerr.CodeAlreadyRunning) {
				logging.WarnWithContext(d.logger, "daemon already running", "daemon_already_running",
					logging.String("pid_file", d.pid.Path()),
					logging.Error(err),
					logging.String(logging.FieldImpact, "this instance will not start"),
					logging.String(logging.FieldErrorHint, "stop the running instance first"))
				return err
			}
			pidErr = fmt.Errorf("acquire pid file: %w", err)
		}
	}

	d.mu.Lock()
	d.started = make(chan struct{})
	d.done = make(chan struct{})
	d.exitCode = ExitClean
	d.stopResult = StopResult{}
	d.transitionLocked(StateStarting)
	d.mu.Unlock()
	d.publishState()

	err := pidErr
	if err == nil {
		err = d.launch(ctx)
	}

	d.mu.Lock()
	if err != nil {
		d.transitionLocked(StateCrashed)
		d.exitCode = ExitCrashed
		close(d.done)
	} else {
		d.transitionLocked(StateRunning)
		d.startedAt = time.Now()
	}
	close(d.started)
	d.mu.Unlock()

	if err != nil {
		if d.pid != nil && pidErr == nil {
			_ = d.pid.Release()
		}
		logging.ErrorWithContext(d.logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the pid file and socket paths and that no other process owns them"))
		return daemonerr.Wrap(daemonerr.CodeStartFailed, "start daemon "+d.opts.Name, err)
	}
	d.publishState()
	d.logger.Info("daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("socket", d.opts.SocketPath),
		logging.Int("pid", os.Getpid()))
	return nil
}

func (d *Daemon) launch(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	srv := ipc.NewServer(d.opts.SocketPath, d, d.opts.Logger)
	if err := srv.Listen(); err != nil {
		return err
	}
	srv.Serve()

	lifeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.mu.Lock()
	d.server = srv
	d.cancelLife = cancel
	d.mu.Unlock()

	d.checker.Start(lifeCtx)
	return nil
}

// Stop shuts the daemon down. It is valid from starting (it waits for the
// start to settle), running and stopping (it waits for the in-flight stop
// and returns its result). The shutdown itself is bounded by the configured
// shutdown timeout, not by ctx; ctx only bounds those waits.
func (d *Daemon) Stop(ctx context.Context, reason string) (StopResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "requested"
	}

	d.mu.Lock()
	switch d.state {
	case StateStarting:
		started := d.started
		d.mu.Unlock()
		select {
		case <-started:
		case <-ctx.Done():
			return StopResult{}, ctx.Err()
		}
		return d.Stop(ctx, reason)
	case StateStopping:
		stopped := d.stopped
		d.mu.Unlock()
		select {
		case <-stopped:
		case <-ctx.Done():
			return StopResult{}, ctx.Err()
		}
		d.mu.Lock()
		result := d.stopResult
		d.mu.Unlock()
		return result, result.Err
	case StateRunning:
	default:
		state := d.state
		d.mu.Unlock()
		return StopResult{}, daemonerr.Newf(daemonerr.CodeInvalidState, "cannot stop daemon %s from %s", d.opts.Name, state)
	}

	d.transitionLocked(StateStopping)
	d.stopped = make(chan struct{})
	handlers := d.handlers
	d.handlers = nil
	srv := d.server
	cancelLife := d.cancelLife
	d.mu.Unlock()
	d.publishState()

	d.logger.Info("daemon stopping",
		logging.String(logging.FieldEventType, "daemon_stopping"),
		logging.String("reason", reason),
		logging.Int("handlers", len(handlers)))

	plan, cancel := newShutdownPlan(context.WithoutCancel(ctx), d.opts.ShutdownTimeout, reason, d.logger)
	for i := len(handlers) - 1; i >= 0; i-- {
		plan.runHandler(handlers[i])
	}
	plan.runStep("ipc", func(ctx context.Context) error {
		if srv == nil {
			return nil
		}
		return srv.Shutdown(ctx)
	})
	plan.runStep("health", func(context.Context) error {
		d.checker.Stop()
		if cancelLife != nil {
			cancelLife()
		}
		return nil
	})
	plan.runStep("pidfile", func(context.Context) error {
		if d.pid == nil {
			return nil
		}
		return d.pid.Release()
	})
	result := plan.finish()
	cancel()

	d.mu.Lock()
	d.transitionLocked(StateStopped)
	d.server = nil
	d.cancelLife = nil
	d.startedAt = time.Time{}
	d.stopResult = result
	d.exitCode = result.ExitCode()
	close(d.stopped)
	close(d.done)
	d.mu.Unlock()

	if result.Err != nil {
		logging.WarnWithContext(d.logger, "daemon stopped with errors", "daemon_stopped_with_errors",
			logging.String("reason", reason),
			logging.Bool("timed_out", result.TimedOut),
			logging.Error(result.Err),
			logging.String(logging.FieldImpact, "some resources may not have been released"),
			logging.String(logging.FieldErrorHint, "review shutdown handler warnings above"))
	} else {
		d.logger.Info("daemon stopped",
			logging.String(logging.FieldEventType, "daemon_stopped"),
			logging.String("reason", reason))
	}
	return result, result.Err
}

// Crash records a fatal failure reported by the host. The control socket
// and health checks are torn down best effort, shutdown handlers do not run
// and the pid file is left behind. Valid only while running.
func (d *Daemon) Crash(cause error) error {
	d.mu.Lock()
	if d.state != StateRunning {
		state := d.state
		d.mu.Unlock()
		return daemonerr.Newf(daemonerr.CodeInvalidState, "cannot crash daemon %s from %s", d.opts.Name, state)
	}
	d.transitionLocked(StateCrashed)
	srv := d.server
	cancelLife := d.cancelLife
	d.server = nil
	d.cancelLife = nil
	d.exitCode = ExitCrashed
	d.mu.Unlock()
	d.publishState()

	logging.ErrorWithContext(d.logger, "daemon crashed", "daemon_crashed",
		logging.Error(cause),
		logging.String(logging.FieldErrorHint, "inspect the error and restart the daemon"))

	if srv != nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = srv.Shutdown(ctx)
	}
	d.checker.Stop()
	if cancelLife != nil {
		cancelLife()
	}
	if d.pid != nil {
		_ = d.pid.Abandon()
	}

	d.mu.Lock()
	close(d.done)
	d.mu.Unlock()
	return nil
}

// Status returns a snapshot of the daemon.
func (d *Daemon) Status() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap := Snapshot{
		Name:      d.opts.Name,
		State:     d.state,
		PID:       os.Getpid(),
		StartedAt: d.startedAt,
	}
	if d.state == StateRunning && !d.startedAt.IsZero() {
		snap.Uptime = time.Since(d.startedAt)
	}
	return snap
}

// Health returns the cached health report, re-running every check first
// when refresh is set.
func (d *Daemon) Health(ctx context.Context, refresh bool) health.Report {
	if refresh {
		return d.checker.RunAll(ctx)
	}
	return d.checker.Report()
}

// transitionLocked moves to next. Callers hold d.mu and have already
// validated the move; an invalid move is a programming error and is logged
// rather than applied.
func (d *Daemon) transitionLocked(next State) {
	if !CanTransition(d.state, next) {
		logging.ErrorWithContext(d.logger, "invalid state transition", "daemon_invalid_transition",
			logging.String("from", d.state.String()),
			logging.String("to", next.String()))
		return
	}
	d.logger.Debug("state transition",
		logging.String("from", d.state.String()),
		logging.String("to", next.String()))
	d.state = next
}
