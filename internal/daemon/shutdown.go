package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"daemonkit/internal/daemonerr"
	"daemonkit/internal/logging"
)

// ShutdownHandler releases an application resource during Stop. ctx expires
// at the handler's own timeout or the overall shutdown deadline, whichever
// comes first.
type ShutdownHandler func(ctx context.Context, reason string) error

// HandlerOption customizes a registered shutdown handler.
type HandlerOption func(*shutdownHandler)

// WithTimeout bounds a single handler. Without it a handler may use whatever
// remains of the shutdown deadline.
func WithTimeout(d time.Duration) HandlerOption {
	return func(h *shutdownHandler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

type shutdownHandler struct {
	name    string
	fn      ShutdownHandler
	timeout time.Duration
}

// TaskOutcome is what happened to one step of a shutdown.
type TaskOutcome struct {
	Name     string
	Duration time.Duration
	// Skipped is set for handlers abandoned because the deadline had passed.
	Skipped bool
	// TimedOut is set when the step was cut off by its own timeout or the
	// shutdown deadline.
	TimedOut bool
	Err      error
}

// StopResult reports how a Stop went.
type StopResult struct {
	Reason   string
	Tasks    []TaskOutcome
	TimedOut bool
	// Err joins STOP_TIMEOUT and every SHUTDOWN_HANDLER_FAILED error.
	Err error
}

// ExitCode maps the result onto the process exit codes.
func (r StopResult) ExitCode() int {
	switch {
	case r.TimedOut:
		return ExitStopTimeout
	case r.Err != nil:
		return ExitHandlerFailure
	default:
		return ExitClean
	}
}

// Errors flattens Err into one message per failure.
func (r StopResult) Errors() []string {
	if r.Err == nil {
		return nil
	}
	var out []string
	if joined, ok := r.Err.(interface{ Unwrap() []error }); ok {
		for _, err := range joined.Unwrap() {
			out = append(out, err.Error())
		}
		return out
	}
	return []string{r.Err.Error()}
}

// shutdownPlan runs an ordered task list under one monotonic deadline.
type shutdownPlan struct {
	ctx     context.Context
	timeout time.Duration
	reason  string
	logger  *slog.Logger

	result    StopResult
	failures  []error
	abandoned []string
}

func newShutdownPlan(ctx context.Context, timeout time.Duration, reason string, logger *slog.Logger) (*shutdownPlan, context.CancelFunc) {
	planCtx, cancel := context.WithTimeout(ctx, timeout)
	return &shutdownPlan{
		ctx:     planCtx,
		timeout: timeout,
		reason:  reason,
		logger:  logger,
		result:  StopResult{Reason: reason},
	}, cancel
}

func (p *shutdownPlan) expired() bool {
	return p.ctx.Err() != nil
}

// runHandler runs one handler in its own goroutine so a handler that ignores
// ctx cannot hold the shutdown past its deadline.
func (p *shutdownPlan) runHandler(h shutdownHandler) {
	outcome := TaskOutcome{Name: h.name}
	if p.expired() {
		outcome.Skipped = true
		outcome.TimedOut = true
		p.abandoned = append(p.abandoned, h.name)
		p.result.Tasks = append(p.result.Tasks, outcome)
		return
	}

	hctx := p.ctx
	cancel := context.CancelFunc(func() {})
	if h.timeout > 0 {
		hctx, cancel = context.WithTimeout(p.ctx, h.timeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- h.fn(hctx, p.reason)
	}()

	var err error
	select {
	case err = <-done:
	case <-hctx.Done():
		outcome.TimedOut = true
		if p.expired() {
			p.abandoned = append(p.abandoned, h.name)
		} else {
			err = fmt.Errorf("timed out after %s", h.timeout)
		}
	}
	outcome.Duration = time.Since(start)

	if err != nil {
		outcome.Err = daemonerr.Wrap(daemonerr.CodeShutdownHandlerFailed, "handler "+h.name, err)
		p.failures = append(p.failures, outcome.Err)
		logging.WarnWithContext(p.logger, "shutdown handler failed", "shutdown_handler_failed",
			logging.String("handler", h.name),
			logging.Duration("duration", outcome.Duration),
			logging.Error(err),
			logging.String(logging.FieldImpact, "resource may not have been released cleanly"),
			logging.String(logging.FieldErrorHint, "check the handler's dependency and its timeout"))
	} else if !outcome.TimedOut {
		p.logger.Debug("shutdown handler finished",
			logging.String("handler", h.name),
			logging.Duration("duration", outcome.Duration))
	}
	p.result.Tasks = append(p.result.Tasks, outcome)
}

// runStep runs a built-in teardown step. These always run, even past the
// deadline, so the daemon never stays half-open.
func (p *shutdownPlan) runStep(name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(p.ctx)
	outcome := TaskOutcome{Name: name, Duration: time.Since(start), Err: err}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			outcome.TimedOut = true
			p.abandoned = append(p.abandoned, name)
		}
		logging.WarnWithContext(p.logger, "shutdown step failed", "shutdown_step_failed",
			logging.String("step", name),
			logging.Error(err),
			logging.String(logging.FieldImpact, "shutdown continued without this step completing"))
	}
	p.result.Tasks = append(p.result.Tasks, outcome)
}

func (p *shutdownPlan) finish() StopResult {
	errs := make([]error, 0, len(p.failures)+1)
	if len(p.abandoned) > 0 {
		p.result.TimedOut = true
		errs = append(errs, daemonerr.Newf(daemonerr.CodeStopTimeout,
			"shutdown deadline %s exceeded (abandoned: %s)", p.timeout, strings.Join(p.abandoned, ", ")))
	}
	errs = append(errs, p.failures...)
	p.result.Err = errors.Join(errs...)
	return p.result
}
