package daemon

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"daemonkit/internal/health"
	"daemonkit/internal/healthlog"
	"daemonkit/internal/ipc"
)

// DefaultShutdownTimeout bounds Stop when Options leaves it unset.
const DefaultShutdownTimeout = 10 * time.Second

// Journal records aggregate health transitions. *healthlog.Store satisfies it.
type Journal interface {
	Record(ctx context.Context, previous health.Status, report health.Report) (*healthlog.Entry, error)
	Recent(ctx context.Context, limit int) ([]healthlog.Entry, error)
}

// Options configures a Daemon. It is copied by New.
type Options struct {
	Name string
	// PIDFile is optional; empty disables pid file handling.
	PIDFile    string
	SocketPath string

	ShutdownTimeout time.Duration

	// HealthInterval and HealthTimeout are defaults for checks that leave
	// their own unset.
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	Checks         []health.Check

	Logger *slog.Logger
	// Handler serves application verbs the daemon does not handle itself.
	Handler ipc.Handler
	Journal Journal
}

func (o Options) normalized() (Options, error) {
	o.Name = strings.TrimSpace(o.Name)
	o.PIDFile = strings.TrimSpace(o.PIDFile)
	o.SocketPath = strings.TrimSpace(o.SocketPath)
	if o.Name == "" {
		return o, errors.New("daemon name is required")
	}
	if o.SocketPath == "" {
		return o, errors.New("daemon socket path is required")
	}
	if o.PIDFile != "" {
		o.PIDFile = filepath.Clean(o.PIDFile)
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	o.Checks = append([]health.Check(nil), o.Checks...)
	return o, nil
}
