package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"daemonkit/internal/daemonctl"
	"daemonkit/internal/ipc"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream lifecycle and health events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := ctx.dialClient()
			if err != nil {
				return err
			}
			defer client.Close()

			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)
			var mu sync.Mutex
			client.OnEvent(func(msg ipc.Message) {
				line := formatEvent(msg, time.Now(), colorize)
				if line == "" {
					return
				}
				mu.Lock()
				fmt.Fprintln(stdout, line)
				mu.Unlock()
			})

			status, err := daemonctl.Subscribe(runCtx, client)
			if err != nil {
				return err
			}
			mu.Lock()
			fmt.Fprintf(stdout, "Watching %s (pid %d, %s)\n", status.Name, status.PID, status.State)
			mu.Unlock()

			return waitForWatchEnd(runCtx, client, stdout, &mu)
		},
	}
}

func waitForWatchEnd(ctx context.Context, client *ipc.Client, out io.Writer, mu *sync.Mutex) error {
	select {
	case <-ctx.Done():
		return nil
	case <-client.Done():
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(out, "Daemon closed the connection")
		return nil
	}
}

func formatEvent(msg ipc.Message, now time.Time, colorize bool) string {
	stamp := now.Format(time.TimeOnly)
	switch msg.Type {
	case ipc.EventStateChanged:
		var status ipc.StatusPayload
		if err := msg.Decode(&status); err != nil {
			return ""
		}
		return fmt.Sprintf("%s %s", stamp, renderStatusLine("State", statusKindFromState(status.State), status.State, colorize))
	case ipc.EventHealthChanged:
		var health ipc.HealthPayload
		if err := msg.Decode(&health); err != nil {
			return ""
		}
		detail := healthLabel(health.Status)
		if failing := failingChecks(health.Checks); len(failing) > 0 {
			detail += " (" + strings.Join(failing, ", ") + ")"
		}
		return fmt.Sprintf("%s %s", stamp, renderStatusLine("Health", statusKindFromHealth(health.Status), detail, colorize))
	default:
		return ""
	}
}

func failingChecks(checks []ipc.CheckPayload) []string {
	var names []string
	for _, check := range checks {
		if check.Pending || check.Status == "" || check.Status == "healthy" {
			continue
		}
		names = append(names, check.Name+"="+check.Status)
	}
	return names
}
