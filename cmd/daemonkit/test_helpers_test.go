package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"daemonkit/internal/config"
	"daemonkit/internal/ipc"
	"daemonkit/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	socketPath string
	runErr     chan error
	cancel     context.CancelFunc
}

// setupCLITestEnv writes a config file and starts `daemonkit run` against it
// in-process.
func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	configPath := filepath.Join(t.TempDir(), "config.toml")
	writeTestConfig(t, configPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	env := &cliTestEnv{
		cfg:        cfg,
		configPath: configPath,
		socketPath: cfg.Daemon.SocketPath,
		runErr:     make(chan error, 1),
		cancel:     cancel,
	}
	go func() {
		cmd := newRootCommand()
		cmd.SetArgs([]string{"--config", configPath, "run"})
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		env.runErr <- cmd.ExecuteContext(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-env.runErr:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not exit during cleanup")
		}
	})

	env.waitForSocket(t)
	return env
}

func (e *cliTestEnv) waitForSocket(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-e.runErr:
			if err != nil && strings.Contains(err.Error(), "operation not permitted") {
				t.Skipf("skipping CLI daemon test: %v", err)
			}
			t.Fatalf("run exited early: %v", err)
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		client, err := ipc.Dial(ctx, e.socketPath)
		cancel()
		if err == nil {
			_ = client.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("daemon socket never came up")
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	full := args
	if configPath != "" {
		full = append([]string{"--config", configPath}, args...)
	}
	cmd.SetArgs(full)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substring string) {
	t.Helper()
	if !strings.Contains(output, substring) {
		t.Fatalf("expected output to contain %q\noutput:\n%s", substring, output)
	}
}
