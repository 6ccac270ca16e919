package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"daemonkit/internal/logtail"
)

var levelRank = map[string]int{"debug": 0, "info": 1, "warn": 2, "warning": 2, "error": 3}

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool
	var raw bool
	var minLevel string

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the daemon's log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path := cfg.LogFilePath()
			if path == "" {
				return errors.New("file logging is disabled; set logging.dir in the config")
			}
			threshold, ok := levelRank[strings.ToLower(strings.TrimSpace(minLevel))]
			if !ok {
				return fmt.Errorf("unknown level %q (want debug, info, warn, or error)", minLevel)
			}

			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)
			emit := func(line string) {
				if raw {
					fmt.Fprintln(stdout, line)
					return
				}
				if formatted, keep := formatLogLine(line, threshold, colorize); keep {
					fmt.Fprintln(stdout, formatted)
				}
			}

			tail, offset, err := logtail.Last(path, lines)
			if err != nil {
				return err
			}
			for _, line := range tail {
				emit(line)
			}
			if !follow {
				return nil
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return logtail.Follow(runCtx, path, offset, logtail.DefaultPoll, emit)
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines until interrupted")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print JSON records unformatted")
	cmd.Flags().StringVar(&minLevel, "level", "debug", "Hide records below this level")
	return cmd
}

// formatLogLine renders one JSON record as "time LEVEL message key=value".
// Lines that are not JSON pass through unchanged.
func formatLogLine(line string, threshold int, colorize bool) (string, bool) {
	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		return line, true
	}
	level, _ := record["level"].(string)
	if rank, ok := levelRank[level]; ok && rank < threshold {
		return "", false
	}

	stamp := ""
	if ts, _ := record["ts"].(string); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			stamp = parsed.Local().Format("2006-01-02 15:04:05")
		} else {
			stamp = ts
		}
	}
	msg, _ := record["msg"].(string)
	delete(record, "ts")
	delete(record, "level")
	delete(record, "msg")

	keys := make([]string, 0, len(record))
	for key := range record {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString(stamp)
	b.WriteString(" ")
	b.WriteString(levelTag(level, colorize))
	b.WriteString(" ")
	b.WriteString(msg)
	for _, key := range keys {
		b.WriteString(" ")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(formatLogValue(record[key]))
	}
	return strings.TrimSpace(b.String()), true
}

func levelTag(level string, colorize bool) string {
	tag := fmt.Sprintf("%-5s", strings.ToUpper(level))
	if !colorize {
		return tag
	}
	switch level {
	case "error":
		return ansiRed + tag + ansiReset
	case "warn", "warning":
		return ansiYellow + tag + ansiReset
	case "debug":
		return ansiBlue + tag + ansiReset
	default:
		return tag
	}
}

func formatLogValue(value any) string {
	switch v := value.(type) {
	case string:
		if strings.ContainsAny(v, " \t\"=") {
			return fmt.Sprintf("%q", v)
		}
		return v
	case nil:
		return "null"
	case float64, bool:
		return fmt.Sprint(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
