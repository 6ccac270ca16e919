package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"daemonkit/internal/testsupport"
)

func TestFormatLogLine(t *testing.T) {
	line := `{"ts":"2026-03-01T12:00:00Z","level":"warn","msg":"daemon health changed","status":"degraded","impact":"checks failing","count":2}`
	got, keep := formatLogLine(line, levelRank["debug"], false)
	if !keep {
		t.Fatal("expected line to be kept")
	}
	for _, want := range []string{"WARN ", "daemon health changed", "count=2", `impact="checks failing"`, "status=degraded"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %q", want, got)
		}
	}
	if strings.Index(got, "count=") > strings.Index(got, "status=") {
		t.Fatalf("attrs not sorted: %q", got)
	}

	if _, keep := formatLogLine(`{"level":"debug","msg":"x"}`, levelRank["info"], false); keep {
		t.Fatal("debug record should be filtered at info")
	}
	if got, keep := formatLogLine("plain text", levelRank["error"], false); !keep || got != "plain text" {
		t.Fatalf("plain = %q, %v", got, keep)
	}
}

func TestLogsCommand(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithLogDir())
	configPath := filepath.Join(t.TempDir(), "config.toml")
	writeTestConfig(t, configPath, cfg)

	logPath := filepath.Join(cfg.Logging.Dir, cfg.Daemon.Name+".log")
	if err := os.MkdirAll(cfg.Logging.Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := `{"ts":"2026-03-01T12:00:00Z","level":"info","msg":"first"}
{"ts":"2026-03-01T12:00:01Z","level":"error","msg":"second"}
{"ts":"2026-03-01T12:00:02Z","level":"info","msg":"third"}
`
	if err := os.WriteFile(logPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, err := runCLI(t, []string{"logs", "-n", "2"}, configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if strings.Contains(out, "first") || !strings.Contains(out, "second") || !strings.Contains(out, "third") {
		t.Fatalf("unexpected output:\n%s", out)
	}

	out, _, err = runCLI(t, []string{"logs", "--level", "error"}, configPath)
	if err != nil {
		t.Fatalf("logs --level: %v", err)
	}
	if strings.Contains(out, "third") || !strings.Contains(out, "ERROR second") {
		t.Fatalf("unexpected filtered output:\n%s", out)
	}

	out, _, err = runCLI(t, []string{"logs", "--raw", "-n", "1"}, configPath)
	if err != nil {
		t.Fatalf("logs --raw: %v", err)
	}
	requireContains(t, out, `"msg":"third"`)
}

func TestLogsCommandWithoutLogDir(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := filepath.Join(t.TempDir(), "config.toml")
	writeTestConfig(t, configPath, cfg)
	if _, _, err := runCLI(t, []string{"logs"}, configPath); err == nil {
		t.Fatal("expected error when file logging is disabled")
	}
}
