package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"daemonkit/internal/daemonctl"
	"daemonkit/internal/ipc"
)

var (
	checkColumns = []column{
		leftCol("Check"), leftCol("Critical"), leftCol("Status"), leftCol("Checked"), rightCol("Took"), leftCol("Message"),
	}
	historyColumns = []column{
		rightCol("ID"), leftCol("Recorded"), leftCol("Status"), leftCol("Previous"), leftCol("Unhealthy"),
	}
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	var refresh bool
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Show health check results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				payload, err := daemonctl.FetchHealth(cmd.Context(), client, refresh)
				if err != nil {
					return err
				}
				stdout := cmd.OutOrStdout()
				printHealth(stdout, payload, time.Now(), shouldColorize(stdout))
				return nil
			})
		},
	}
	healthCmd.Flags().BoolVar(&refresh, "refresh", false, "Run every check before reporting")

	var limit int
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded aggregate health transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				payload, err := daemonctl.FetchHistory(cmd.Context(), client, limit)
				if err != nil {
					return err
				}
				stdout := cmd.OutOrStdout()
				if len(payload.Entries) == 0 {
					fmt.Fprintln(stdout, "No health transitions recorded")
					return nil
				}
				fmt.Fprint(stdout, renderTable(historyColumns, historyRows(payload.Entries, time.Now())))
				fmt.Fprintln(stdout)
				return nil
			})
		},
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of transitions to show")
	healthCmd.AddCommand(historyCmd)

	return healthCmd
}

func printHealth(out io.Writer, payload ipc.HealthPayload, now time.Time, colorize bool) {
	fmt.Fprintln(out, renderStatusLine("Overall", statusKindFromHealth(payload.Status), healthLabel(payload.Status), colorize))
	if len(payload.Checks) == 0 {
		fmt.Fprintln(out, "No health checks registered")
		return
	}
	fmt.Fprint(out, renderTable(checkColumns, checkRows(payload.Checks, now)))
	fmt.Fprintln(out)
}

func checkRows(checks []ipc.CheckPayload, now time.Time) [][]string {
	rows := make([][]string, 0, len(checks))
	for _, check := range checks {
		status := healthLabel(check.Status)
		checked := "-"
		took := "-"
		if check.Pending {
			status = "Pending"
		} else {
			if !check.Timestamp.IsZero() {
				checked = humanize.RelTime(check.Timestamp, now, "ago", "from now")
			}
			took = (time.Duration(check.DurationMS) * time.Millisecond).String()
		}
		rows = append(rows, []string{
			check.Name,
			yesNo(check.Critical),
			status,
			checked,
			took,
			strings.TrimSpace(check.Message),
		})
	}
	return rows
}

func historyRows(entries []ipc.HistoryEntry, now time.Time) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		previous := "-"
		if entry.Previous != "" {
			previous = healthLabel(entry.Previous)
		}
		unhealthy := "-"
		if len(entry.Unhealthy) > 0 {
			unhealthy = strings.Join(entry.Unhealthy, ", ")
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", entry.ID),
			humanize.RelTime(entry.RecordedAt, now, "ago", "from now"),
			healthLabel(entry.Status),
			previous,
			unhealthy,
		})
	}
	return rows
}
