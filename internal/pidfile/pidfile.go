// Package pidfile guards single-instance daemons with a pid file plus a
// flock-held sidecar lock.
//
// The sidecar lock settles races between instances starting at the same
// moment. The pid file itself is the durable record other tools read; a pid
// file naming a dead process is stale and gets overwritten.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"daemonkit/internal/daemonerr"
)

// File is a pid file owned by the current process once acquired.
type File struct {
	path string

	mu   sync.Mutex
	lock *flock.Flock
	held bool
}

// New returns a handle for the pid file at path. Nothing touches the
// filesystem until Acquire.
func New(path string) *File {
	return &File{path: path, lock: flock.New(LockPath(path))}
}

// LockPath returns the sidecar lock path for a pid file.
func LockPath(path string) string {
	return path + ".lock"
}

// Path returns the pid file path.
func (f *File) Path() string { return f.path }

// Acquire takes the sidecar lock and writes the current pid. It fails with
// ALREADY_RUNNING, leaving the existing file untouched, when another process
// holds the lock or the recorded pid is alive.
func (f *File) Acquire() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	ok, err := f.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire pid lock: %w", err)
	}
	if !ok {
		pid, _ := Read(f.path)
		return alreadyRunning(f.path, pid)
	}

	if pid, err := Read(f.path); err == nil && pid != os.Getpid() && ProcessAlive(pid) {
		_ = f.lock.Unlock()
		return alreadyRunning(f.path, pid)
	}

	if err := writeAtomic(f.path, os.Getpid()); err != nil {
		_ = f.lock.Unlock()
		return fmt.Errorf("write pid file: %w", err)
	}
	f.held = true
	return nil
}

// Release removes the pid file if it still names this process and drops the
// sidecar lock. Releasing an unheld file is a no-op.
func (f *File) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.held {
		return nil
	}
	f.held = false

	var errs []error
	if pid, err := Read(f.path); err == nil && pid == os.Getpid() {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove pid file: %w", err))
		}
	}
	if err := f.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("release pid lock: %w", err))
	}
	return errors.Join(errs...)
}

// Abandon drops the sidecar lock but leaves the pid file in place, as a
// crashed process would.
func (f *File) Abandon() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.held {
		return nil
	}
	f.held = false
	return f.lock.Unlock()
}

// Read parses the pid recorded at path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s: invalid pid %q", path, raw)
	}
	return pid, nil
}

// ProcessAlive reports whether a process with pid exists. A process owned by
// another user still counts as alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func alreadyRunning(path string, pid int) error {
	if pid > 0 {
		return daemonerr.Newf(daemonerr.CodeAlreadyRunning, "pid %d holds %s", pid, path)
	}
	return daemonerr.Newf(daemonerr.CodeAlreadyRunning, "%s is locked by another process", path)
}

func writeAtomic(path string, pid int) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
