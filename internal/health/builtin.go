package health

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"daemonkit/internal/ipc"
)

// PathAccess reports whether path exists and is readable, writable and
// searchable by the daemon. A missing or inaccessible path is unhealthy.
func PathAccess(path string) Func {
	path = strings.TrimSpace(path)
	return func(context.Context) (Result, error) {
		if path == "" {
			return Result{}, fmt.Errorf("path not configured")
		}
		info, err := os.Stat(path)
		if err != nil {
			return Unhealthy(fmt.Sprintf("%s: %v", path, err)), nil
		}
		mode := uint32(unix.R_OK | unix.W_OK)
		if info.IsDir() {
			mode |= unix.X_OK
		}
		if err := unix.Access(path, mode); err != nil {
			return Unhealthy(fmt.Sprintf("%s not accessible: %v", path, err)), nil
		}
		return Healthy(path + " accessible"), nil
	}
}

// DiskSpace reports free space on the filesystem holding path. Below minFree
// bytes is unhealthy, below warnFree bytes is degraded. A zero threshold is
// not enforced.
func DiskSpace(path string, minFree, warnFree uint64) Func {
	return func(context.Context) (Result, error) {
		free, err := freeBytes(path)
		if err != nil {
			return Result{}, err
		}
		msg := fmt.Sprintf("%s free on %s", humanize.IBytes(free), path)
		switch {
		case minFree > 0 && free < minFree:
			return Unhealthy(fmt.Sprintf("%s (minimum %s)", msg, humanize.IBytes(minFree))), nil
		case warnFree > 0 && free < warnFree:
			return Degraded(fmt.Sprintf("%s (warning below %s)", msg, humanize.IBytes(warnFree))), nil
		default:
			return Healthy(msg), nil
		}
	}
}

func freeBytes(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// SocketPing dials a daemon control socket and expects a pong. It is used to
// confirm the daemon's own IPC server still answers.
func SocketPing(path string) Func {
	return func(ctx context.Context) (Result, error) {
		start := time.Now()
		client, err := ipc.Dial(ctx, path)
		if err != nil {
			return Result{}, err
		}
		defer client.Close()
		if err := client.Ping(ctx); err != nil {
			return Result{}, err
		}
		return Healthy(fmt.Sprintf("pong in %s", time.Since(start).Round(time.Millisecond))), nil
	}
}

// Executable reports whether command resolves to an executable, either as a
// path or through PATH lookup.
func Executable(command string) Func {
	command = strings.TrimSpace(command)
	return func(context.Context) (Result, error) {
		if command == "" {
			return Result{}, fmt.Errorf("command not configured")
		}
		resolved, err := exec.LookPath(command)
		if err != nil {
			return Unhealthy(fmt.Sprintf("binary %q not found", command)), nil
		}
		return Healthy(resolved), nil
	}
}
