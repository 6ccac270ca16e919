// Package daemonctl drives a daemon from the outside: launching it detached,
// waiting for its socket, querying it and stopping it, falling back to
// SIGKILL when a stop does not finish in time.
package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"daemonkit/internal/ipc"
	"daemonkit/internal/pidfile"
)

const pollInterval = 200 * time.Millisecond

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	SocketPath string
	LogLevel   string
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State    StartState
	Launched bool
	PID      int
}

// ErrDaemonNotRunning indicates daemon IPC is unavailable.
var ErrDaemonNotRunning = errors.New("daemon not running")

// Launch starts a detached daemon process running `<exe> run`.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}

	args := []string{"run"}
	if socket := strings.TrimSpace(opts.SocketPath); socket != "" {
		args = append(args, "--socket", socket)
	}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		args = append(args, "--log-level", level)
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// Dial connects to the daemon socket, bounding the connect by timeout.
func Dial(socketPath string, timeout time.Duration, opts ...ipc.ClientOption) (*ipc.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return ipc.Dial(ctx, socketPath, opts...)
}

// WaitForClient waits for IPC socket availability and returns a connected client.
func WaitForClient(socketPath string, timeout time.Duration) (*ipc.Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := Dial(socketPath, pollInterval)
		if err == nil {
			if err = client.Ping(context.Background()); err == nil {
				return client, nil
			}
			_ = client.Close()
		}
		lastErr = err
		time.Sleep(pollInterval)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for daemon")
	}
	return nil, fmt.Errorf("daemon failed to start: %w", lastErr)
}

// EnsureStarted launches the daemon unless one already answers on the socket.
func EnsureStarted(socketPath, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	if client, err := Dial(socketPath, pollInterval); err == nil {
		defer client.Close()
		status, statusErr := FetchStatus(context.Background(), client)
		if statusErr == nil && (status.State == "running" || status.State == "starting") {
			return StartResult{State: StartStateAlreadyRunning, PID: status.PID}, nil
		}
	}

	if err := Launch(executablePath, opts); err != nil {
		return StartResult{}, err
	}
	client, err := WaitForClient(socketPath, waitTimeout)
	if err != nil {
		return StartResult{}, err
	}
	defer client.Close()
	result := StartResult{State: StartStateStarted, Launched: true}
	if status, err := FetchStatus(context.Background(), client); err == nil {
		result.PID = status.PID
	}
	return result, nil
}

// WaitForShutdown waits for the daemon socket to stop answering.
func WaitForShutdown(socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := Dial(socketPath, pollInterval)
		if err != nil {
			if isDaemonUnavailable(err) {
				return nil
			}
			lastErr = err
			time.Sleep(pollInterval)
			continue
		}
		status, statusErr := FetchStatus(context.Background(), client)
		_ = client.Close()
		if statusErr == nil && status.State == "stopped" {
			return nil
		}
		if statusErr != nil {
			lastErr = statusErr
		} else {
			lastErr = fmt.Errorf("daemon still %s", status.State)
		}
		time.Sleep(pollInterval)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for shutdown")
	}
	return fmt.Errorf("daemon did not stop: %w", lastErr)
}

// ProcessInfo returns whether daemon IPC is reachable and the daemon PID when available.
func ProcessInfo(socketPath string) (bool, int, error) {
	client, err := Dial(socketPath, pollInterval)
	if err != nil {
		if isDaemonUnavailable(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	defer client.Close()
	status, err := FetchStatus(context.Background(), client)
	if err != nil {
		return true, 0, err
	}
	return true, status.PID, nil
}

// ForceKillProcess sends SIGKILL to the daemon process and cleans its pid
// file and lock.
func ForceKillProcess(pidPath string, fallbackPID int) (int, error) {
	pid := fallbackPID
	if pidPath != "" {
		parsed, err := pidfile.Read(pidPath)
		switch {
		case err == nil:
			pid = parsed
		case errors.Is(err, os.ErrNotExist):
		default:
			if pid <= 0 {
				return 0, fmt.Errorf("read daemon pid file %q: %w", pidPath, err)
			}
		}
	}
	if pid <= 0 {
		return 0, fmt.Errorf("unable to determine daemon pid (pid file: %s)", pidPath)
	}
	if pid == os.Getpid() {
		return 0, fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("locate daemon process %d: %w", pid, err)
	}
	if err := proc.Kill(); err != nil {
		return 0, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	if pidPath != "" {
		if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("remove pid file %q: %w", pidPath, err)
		}
		_ = os.Remove(pidfile.LockPath(pidPath))
	}
	return pid, nil
}

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	StopAcknowledged bool
	TimedOut         bool
	Errors           []string
	ForcedKill       bool
	PID              int
}

// RestartResult captures stop/start outcomes for daemon restart.
type RestartResult struct {
	WasRunning bool
	Stop       StopResult
	Start      StartResult
}

// StopAndTerminate requests a stop and force-kills the process if it is
// still alive after gracePeriod.
func StopAndTerminate(socketPath, pidPath string, gracePeriod time.Duration) (StopResult, error) {
	client, err := Dial(socketPath, pollInterval, ipc.WithTimeout(gracePeriod))
	if err != nil {
		if isDaemonUnavailable(err) {
			return StopResult{}, ErrDaemonNotRunning
		}
		return StopResult{}, err
	}
	var result StopResult
	if status, statusErr := FetchStatus(context.Background(), client); statusErr == nil {
		result.PID = status.PID
	}
	var stop ipc.StopPayload
	stopErr := client.Call(context.Background(), ipc.TypeStop, ipc.StopRequest{Reason: "daemonkit stop"}, &stop)
	_ = client.Close()
	if stopErr == nil {
		result.StopAcknowledged = true
		result.TimedOut = stop.TimedOut
		result.Errors = stop.Errors
	}

	_ = WaitForShutdown(socketPath, gracePeriod)
	alive, livePID, aliveErr := ProcessInfo(socketPath)
	if aliveErr != nil {
		alive = false
	}
	if !alive {
		return result, nil
	}

	currentPID := livePID
	if currentPID == 0 {
		currentPID = result.PID
	}
	killedPID, killErr := ForceKillProcess(pidPath, currentPID)
	if killErr != nil {
		return result, fmt.Errorf("failed to stop daemon process: %w", killErr)
	}
	_ = os.Remove(socketPath)
	result.ForcedKill = true
	result.PID = killedPID
	return result, nil
}

// Restart stops the daemon if running, then ensures it is started.
func Restart(socketPath, pidPath, executablePath string, opts LaunchOptions, stopGracePeriod, startWaitTimeout time.Duration) (RestartResult, error) {
	stopResult, stopErr := StopAndTerminate(socketPath, pidPath, stopGracePeriod)
	if stopErr != nil && !errors.Is(stopErr, ErrDaemonNotRunning) {
		return RestartResult{}, stopErr
	}

	startResult, err := EnsureStarted(socketPath, executablePath, opts, startWaitTimeout)
	if err != nil {
		return RestartResult{}, err
	}

	return RestartResult{
		WasRunning: stopErr == nil,
		Stop:       stopResult,
		Start:      startResult,
	}, nil
}

// FetchStatus issues the status verb.
func FetchStatus(ctx context.Context, client *ipc.Client) (ipc.StatusPayload, error) {
	var status ipc.StatusPayload
	err := client.Call(ctx, ipc.TypeStatus, nil, &status)
	return status, err
}

// FetchHealth issues the health verb, optionally forcing every check to run.
func FetchHealth(ctx context.Context, client *ipc.Client, refresh bool) (ipc.HealthPayload, error) {
	var payload ipc.HealthPayload
	err := client.Call(ctx, ipc.TypeHealth, ipc.HealthRequest{Refresh: refresh}, &payload)
	return payload, err
}

// FetchHistory issues the health.history verb.
func FetchHistory(ctx context.Context, client *ipc.Client, limit int) (ipc.HistoryPayload, error) {
	var payload ipc.HistoryPayload
	err := client.Call(ctx, ipc.TypeHealthHistory, ipc.HistoryRequest{Limit: limit}, &payload)
	return payload, err
}

// Subscribe registers client for state and health events and returns the
// daemon status at the moment of subscription. Set the event callback with
// client.OnEvent before calling it.
func Subscribe(ctx context.Context, client *ipc.Client) (ipc.StatusPayload, error) {
	var status ipc.StatusPayload
	err := client.Call(ctx, ipc.TypeSubscribe, nil, &status)
	return status, err
}

func isDaemonUnavailable(err error) bool {
	return os.IsNotExist(err) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
