package pidfile_test

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"daemonkit/internal/daemonerr"
	"daemonkit/internal/pidfile"
)

func readRaw(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	return string(data)
}

func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run helper process: %v", err)
	}
	return cmd.ProcessState.Pid()
}

func TestAcquireWritesAndReleaseRemoves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "d.pid")
	f := pidfile.New(path)
	if err := f.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	want := strconv.Itoa(os.Getpid()) + "\n"
	if got := readRaw(t, path); got != want {
		t.Fatalf("pid file = %q, want %q", got, want)
	}
	if err := f.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("pid file still present: %v", err)
	}
	if err := f.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestAcquireOverwritesStalePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	stale := deadPID(t)
	if err := os.WriteFile(path, []byte(strconv.Itoa(stale)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := pidfile.New(path)
	if err := f.Acquire(); err != nil {
		t.Fatalf("Acquire over stale pid %d: %v", stale, err)
	}
	t.Cleanup(func() { _ = f.Release() })
	if got, _ := pidfile.Read(path); got != os.Getpid() {
		t.Fatalf("pid = %d, want %d", got, os.Getpid())
	}
}

func TestAcquireOverwritesGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	if err := os.WriteFile(path, []byte("not a pid"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := pidfile.New(path)
	if err := f.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = f.Release() })
}

func TestAcquireRefusesLivePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	live := strconv.Itoa(os.Getppid()) + "\n"
	if err := os.WriteFile(path, []byte(live), 0o644); err != nil {
		t.Fatal(err)
	}
	err := pidfile.New(path).Acquire()
	if !errors.Is(err, daemonerr.ErrAlreadyRunning) {
		t.Fatalf("Acquire err = %v, want ALREADY_RUNNING", err)
	}
	if got := readRaw(t, path); got != live {
		t.Fatalf("pid file modified: %q", got)
	}
}

func TestAcquireRefusesWhileLockHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	first := pidfile.New(path)
	if err := first.Acquire(); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	t.Cleanup(func() { _ = first.Release() })

	err := pidfile.New(path).Acquire()
	if !errors.Is(err, daemonerr.ErrAlreadyRunning) {
		t.Fatalf("second Acquire err = %v, want ALREADY_RUNNING", err)
	}
}

func TestAbandonLeavesPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	f := pidfile.New(path)
	if err := f.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := f.Abandon(); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if got, err := pidfile.Read(path); err != nil || got != os.Getpid() {
		t.Fatalf("Read = %d, %v", got, err)
	}
}

func TestProcessAlive(t *testing.T) {
	if !pidfile.ProcessAlive(os.Getpid()) {
		t.Fatal("own process reported dead")
	}
	if pidfile.ProcessAlive(0) || pidfile.ProcessAlive(-1) {
		t.Fatal("non-positive pid reported alive")
	}
	if pidfile.ProcessAlive(deadPID(t)) {
		t.Fatal("reaped process reported alive")
	}
}
