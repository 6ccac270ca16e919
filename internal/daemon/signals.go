package daemon

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"daemonkit/internal/logging"
)

// HandleSignals turns the first of the given signals (SIGINT and SIGTERM by
// default) into one Stop. Later signals are logged and ignored while that
// stop runs. The returned function stops listening.
func (d *Daemon) HandleSignals(ctx context.Context, signals ...os.Signal) func() {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, signals...)
	ctx, cancel := context.WithCancel(ctx)

	var fired atomic.Bool
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				if !fired.CompareAndSwap(false, true) {
					d.logger.Info("signal ignored; shutdown already in progress",
						logging.String("signal", sig.String()))
					continue
				}
				d.logger.Info("signal received; stopping",
					logging.String(logging.FieldEventType, "daemon_signal"),
					logging.String("signal", sig.String()))
				go func() {
					_, _ = d.Stop(context.WithoutCancel(ctx), "signal "+sig.String())
				}()
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		cancel()
	}
}
