package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"daemonkit/internal/daemonctl"
	"daemonkit/internal/ipc"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var startLogLevel string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			result, err := daemonctl.EnsureStarted(
				ctx.socketPath(),
				exe,
				daemonLaunchOptions(ctx, startLogLevel),
				10*time.Second,
			)
			if err != nil {
				return err
			}

			if result.Launched {
				fmt.Fprintln(stdout, "Daemon not running, launching...")
			}
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintf(stdout, "Daemon started (pid %d)\n", result.PID)
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintf(stdout, "Daemon already running (pid %d)\n", result.PID)
			}
			return nil
		},
	}
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "Log level for the launched daemon")

	var stopGrace time.Duration
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon, killing it if it outlives the grace period",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.socketPath(), ctx.pidPath(), stopGrace)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			printStopResult(stdout, result, shouldColorize(stdout))
			return nil
		},
	}
	stopCmd.Flags().DurationVar(&stopGrace, "grace", 15*time.Second, "How long to wait for a graceful stop before SIGKILL")

	var restartLogLevel string
	var restartGrace time.Duration
	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			result, err := daemonctl.Restart(
				ctx.socketPath(),
				ctx.pidPath(),
				exe,
				daemonLaunchOptions(ctx, restartLogLevel),
				restartGrace,
				10*time.Second,
			)
			if err != nil {
				return err
			}

			if result.WasRunning {
				printStopResult(stdout, result.Stop, shouldColorize(stdout))
			}
			fmt.Fprintf(stdout, "Daemon restarted (pid %d)\n", result.Start.PID)
			return nil
		},
	}
	restartCmd.Flags().StringVar(&restartLogLevel, "log-level", "", "Log level for the launched daemon")
	restartCmd.Flags().DurationVar(&restartGrace, "grace", 15*time.Second, "How long to wait for a graceful stop before SIGKILL")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the daemon lifecycle state",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			client, err := daemonctl.Dial(ctx.socketPath(), dialTimeout)
			if err != nil {
				for _, line := range renderSectionHeader("Daemon", colorize) {
					fmt.Fprintln(stdout, line)
				}
				fmt.Fprintln(stdout, renderStatusLine("State", statusError, "Not running", colorize))
				fmt.Fprintln(stdout, renderStatusLine("Socket", statusInfo, ctx.socketPath(), colorize))
				return nil
			}
			defer client.Close()

			status, err := daemonctl.FetchStatus(cmd.Context(), client)
			if err != nil {
				return err
			}
			for _, line := range renderDaemonStatus(status, ctx.socketPath(), time.Now(), colorize) {
				fmt.Fprintln(stdout, line)
			}

			health, err := daemonctl.FetchHealth(cmd.Context(), client, false)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout)
			fmt.Fprintln(stdout, renderStatusLine("Health", statusKindFromHealth(health.Status), healthLabel(health.Status), colorize))
			return nil
		},
	}

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers on its socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				started := time.Now()
				if err := client.Ping(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pong (%s)\n", time.Since(started).Round(time.Microsecond))
				return nil
			})
		},
	}

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd, pingCmd}
}

func printStopResult(out io.Writer, result daemonctl.StopResult, colorize bool) {
	if result.StopAcknowledged {
		fmt.Fprintln(out, "Stop acknowledged")
	} else {
		fmt.Fprintln(out, "Stop request sent")
	}
	if result.TimedOut {
		fmt.Fprintln(out, renderStatusLine("Shutdown", statusWarn, "deadline exceeded", colorize))
	}
	for _, msg := range result.Errors {
		fmt.Fprintln(out, renderStatusLine("Handler", statusError, msg, colorize))
	}
	if result.ForcedKill && result.PID > 0 {
		fmt.Fprintf(out, "Killed daemon process (pid %d)\n", result.PID)
	}
	fmt.Fprintln(out, "Daemon stopped")
}

func renderDaemonStatus(status ipc.StatusPayload, socket string, now time.Time, colorize bool) []string {
	lines := renderSectionHeader(titleCase(status.Name), colorize)
	lines = append(lines, renderStatusLine("State", statusKindFromState(status.State), status.State, colorize))
	if status.PID > 0 {
		lines = append(lines, renderStatusLine("PID", statusInfo, fmt.Sprintf("%d", status.PID), colorize))
	}
	if !status.StartedAt.IsZero() {
		uptime := time.Duration(status.UptimeMS) * time.Millisecond
		detail := fmt.Sprintf("%s (up %s)", humanize.RelTime(status.StartedAt, now, "ago", "from now"), uptime.Round(time.Second))
		lines = append(lines, renderStatusLine("Started", statusInfo, detail, colorize))
	}
	if strings.TrimSpace(socket) != "" {
		lines = append(lines, renderStatusLine("Socket", statusInfo, socket, colorize))
	}
	return lines
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

func daemonLaunchOptions(ctx *commandContext, logLevel string) daemonctl.LaunchOptions {
	return daemonctl.LaunchOptions{
		ConfigPath: ctx.configPath(),
		SocketPath: ctx.socketOverride(),
		LogLevel:   strings.TrimSpace(logLevel),
	}
}
