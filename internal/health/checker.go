package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"daemonkit/internal/daemonerr"
	"daemonkit/internal/logging"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// Func probes one dependency. A non-nil error (or a panic) records the run as
// unhealthy with the error as its message; otherwise the returned result's
// status and message are cached.
type Func func(ctx context.Context) (Result, error)

// Check is a named probe. Zero Interval and Timeout inherit the checker's
// defaults.
type Check struct {
	Name     string
	Func     Func
	Interval time.Duration
	Timeout  time.Duration
	Critical bool
}

// Options configures a Checker.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
	// OnChange is called, one call at a time, whenever the aggregate status
	// differs from the last one reported. It must not call back into the
	// Checker's Register.
	OnChange func(Report)
}

// Checker schedules checks and caches their latest results.
type Checker struct {
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	onChange func(Report)

	mu       sync.Mutex
	entries  []*entry
	byName   map[string]*entry
	ctx      context.Context
	cancel   context.CancelFunc
	last     Status
	notifyMu sync.Mutex

	wg sync.WaitGroup
}

type entry struct {
	check Check
	// issued and applied are run sequence numbers; a completion whose
	// sequence is not newer than applied is stale and dropped.
	issued  uint64
	applied uint64
	result  Result
}

// NewChecker returns a Checker with the given checks registered.
func NewChecker(checks []Check, opts Options) (*Checker, error) {
	c := &Checker{
		interval: opts.Interval,
		timeout:  opts.Timeout,
		logger:   logging.NewComponentLogger(opts.Logger, "health"),
		onChange: opts.OnChange,
		byName:   make(map[string]*entry),
	}
	if c.interval <= 0 {
		c.interval = DefaultInterval
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	for _, check := range checks {
		if err := c.Register(check); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds a check. Names must be unique. A check registered while the
// checker is running starts on its own schedule immediately.
func (c *Checker) Register(check Check) error {
	check.Name = strings.TrimSpace(check.Name)
	if check.Name == "" {
		return errors.New("health check name must be set")
	}
	if check.Func == nil {
		return fmt.Errorf("health check %q has no function", check.Name)
	}
	if check.Interval <= 0 {
		check.Interval = c.interval
	}
	if check.Timeout <= 0 {
		check.Timeout = c.timeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.byName[check.Name]; dup {
		return fmt.Errorf("health check %q already registered", check.Name)
	}
	e := &entry{check: check}
	c.entries = append(c.entries, e)
	c.byName[check.Name] = e
	if c.ctx != nil {
		c.wg.Add(1)
		go c.loop(c.ctx, e)
	}
	return nil
}

// Start launches every check's schedule. Each check runs once immediately.
// Calling Start on a running checker is a no-op.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	for _, e := range c.entries {
		c.wg.Add(1)
		go c.loop(c.ctx, e)
	}
	c.logger.Debug("health checker started", logging.Int("checks", len(c.entries)))
}

// Stop halts all schedules and waits for their loops to exit. Runs stuck in
// a check function are abandoned, not awaited. Cached results are kept.
func (c *Checker) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.ctx, c.cancel = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.logger.Debug("health checker stopped")
}

// RunAll runs every check once, concurrently, and returns the resulting
// report. Schedules are left alone.
func (c *Checker) RunAll(ctx context.Context) Report {
	c.mu.Lock()
	entries := append([]*entry(nil), c.entries...)
	c.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			c.execute(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
	return c.Report()
}

// Report returns the aggregate and per-check breakdown from cached results.
func (c *Checker) Report() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reportLocked()
}

// Status returns the aggregate status from cached results.
func (c *Checker) Status() Status {
	return c.Report().Status
}

func (c *Checker) reportLocked() Report {
	checks := make([]CheckReport, 0, len(c.entries))
	for _, e := range c.entries {
		checks = append(checks, CheckReport{
			Name:     e.check.Name,
			Critical: e.check.Critical,
			Pending:  e.applied == 0,
			Result:   e.result,
		})
	}
	return Report{Status: Aggregate(checks), Checks: checks}
}

func (c *Checker) loop(ctx context.Context, e *entry) {
	defer c.wg.Done()
	c.spawn(ctx, e)
	ticker := time.NewTicker(e.check.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.spawn(ctx, e)
		}
	}
}

// spawn starts a run without waiting for it, so a hung run never delays the
// next tick.
func (c *Checker) spawn(ctx context.Context, e *entry) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.execute(ctx, e)
	}()
}

type outcome struct {
	result Result
	err    error
}

func (c *Checker) execute(ctx context.Context, e *entry) {
	c.mu.Lock()
	e.issued++
	seq := e.issued
	c.mu.Unlock()

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, e.check.Timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("check panicked: %v", r)}
			}
		}()
		result, err := e.check.Func(runCtx)
		done <- outcome{result: result, err: err}
	}()

	var result Result
	select {
	case out := <-done:
		result = out.result
		switch {
		case out.err != nil:
			result = failed(e.check.Name, out.err)
		case result.Status == "":
			result.Status = StatusHealthy
		case !result.Status.Valid():
			result = failed(e.check.Name, fmt.Errorf("invalid status %q", result.Status))
		}
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return
		}
		result = failed(e.check.Name, fmt.Errorf("timed out after %s", e.check.Timeout))
	}
	result.Timestamp = time.Now()
	result.Duration = result.Timestamp.Sub(start)
	c.apply(e, seq, result)
}

func failed(name string, cause error) Result {
	return Result{
		Status:  StatusUnhealthy,
		Message: cause.Error(),
		Err:     daemonerr.Wrap(daemonerr.CodeHealthCheckFailed, name, cause),
	}
}

func (c *Checker) apply(e *entry, seq uint64, result Result) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if seq <= e.applied {
		c.mu.Unlock()
		return
	}
	previous := e.result.Status
	e.applied = seq
	e.result = result
	report := c.reportLocked()
	changed := report.Status != c.last
	c.last = report.Status
	c.mu.Unlock()

	if result.Status != previous {
		attrs := []logging.Attr{
			logging.String("check", e.check.Name),
			logging.String("status", string(result.Status)),
			logging.Duration("duration", result.Duration),
		}
		if result.Message != "" {
			attrs = append(attrs, logging.String("message", result.Message))
		}
		if result.Status == StatusHealthy {
			c.logger.Info("health check status changed", logging.Args(attrs...)...)
		} else {
			logging.WarnWithContext(c.logger, "health check status changed", "health_check_changed",
				append(attrs,
					logging.String(logging.FieldImpact, "aggregate daemon health may be degraded"),
					logging.String(logging.FieldErrorHint, "inspect the check message and the dependency it probes"))...)
		}
	}

	if changed && c.onChange != nil {
		c.onChange(report)
	}
}
