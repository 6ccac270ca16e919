package daemon

import (
	"context"
	"time"

	"daemonkit/internal/daemonerr"
	"daemonkit/internal/health"
	"daemonkit/internal/ipc"
	"daemonkit/internal/logging"
)

const journalTimeout = 5 * time.Second

// ServeIPC answers the built-in control verbs and hands anything else to the
// application handler.
func (d *Daemon) ServeIPC(ctx context.Context, msg ipc.Message, conn *ipc.Conn) (*ipc.Response, error) {
	switch msg.Type {
	case ipc.TypePing:
		return &ipc.Response{Type: ipc.TypePong}, nil

	case ipc.TypeStatus:
		return &ipc.Response{Type: ipc.TypeStatus, Payload: statusPayload(d.Status())}, nil

	case ipc.TypeHealth:
		var req ipc.HealthRequest
		if err := msg.Decode(&req); err != nil {
			return nil, daemonerr.Wrap(daemonerr.CodeIPCProtocol, "decode health request", err)
		}
		return &ipc.Response{Type: ipc.TypeHealth, Payload: healthPayload(d.Health(ctx, req.Refresh))}, nil

	case ipc.TypeStop:
		var req ipc.StopRequest
		if err := msg.Decode(&req); err != nil {
			return nil, daemonerr.Wrap(daemonerr.CodeIPCProtocol, "decode stop request", err)
		}
		reason := req.Reason
		if reason == "" {
			reason = "ipc stop request"
		}
		// The stop tears down the server serving this very request.
		ctx = ipc.Detach(ctx)
		result, err := d.Stop(ctx, reason)
		if err != nil && result.Err == nil {
			return nil, err
		}
		return &ipc.Response{Type: ipc.TypeStop, Payload: ipc.StopPayload{
			State:    d.State().String(),
			TimedOut: result.TimedOut,
			Errors:   result.Errors(),
		}}, nil

	case ipc.TypeSubscribe:
		d.subscribe(conn)
		return &ipc.Response{Type: ipc.TypeSubscribe, Payload: statusPayload(d.Status())}, nil

	case ipc.TypeHealthHistory:
		if d.opts.Journal == nil {
			return nil, daemonerr.New(daemonerr.CodeInvalidState, "health journal is disabled")
		}
		var req ipc.HistoryRequest
		if err := msg.Decode(&req); err != nil {
			return nil, daemonerr.Wrap(daemonerr.CodeIPCProtocol, "decode history request", err)
		}
		entries, err := d.opts.Journal.Recent(ctx, req.Limit)
		if err != nil {
			return nil, err
		}
		payload := ipc.HistoryPayload{Entries: make([]ipc.HistoryEntry, 0, len(entries))}
		for _, entry := range entries {
			payload.Entries = append(payload.Entries, ipc.HistoryEntry{
				ID:         entry.ID,
				RecordedAt: entry.RecordedAt,
				Status:     string(entry.Status),
				Previous:   string(entry.Previous),
				Unhealthy:  entry.Unhealthy,
			})
		}
		return &ipc.Response{Type: ipc.TypeHealthHistory, Payload: payload}, nil
	}

	if d.opts.Handler != nil {
		return d.opts.Handler.ServeIPC(ctx, msg, conn)
	}
	return nil, daemonerr.Newf(daemonerr.CodeIPCProtocol, "unknown request type %q", msg.Type)
}

func (d *Daemon) subscribe(conn *ipc.Conn) {
	d.mu.Lock()
	if _, ok := d.subs[conn]; ok {
		d.mu.Unlock()
		return
	}
	d.subs[conn] = struct{}{}
	d.mu.Unlock()

	d.logger.Debug("event subscriber added", logging.String(logging.FieldConnID, conn.ID()))
	go func() {
		<-conn.Done()
		d.unsubscribe(conn)
	}()
}

func (d *Daemon) unsubscribe(conn *ipc.Conn) {
	d.mu.Lock()
	delete(d.subs, conn)
	d.mu.Unlock()
}

func (d *Daemon) publish(eventType string, payload any) {
	d.mu.Lock()
	conns := make([]*ipc.Conn, 0, len(d.subs))
	for conn := range d.subs {
		conns = append(conns, conn)
	}
	d.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Push(eventType, payload); err != nil {
			d.logger.Debug("event not delivered",
				logging.String(logging.FieldConnID, conn.ID()),
				logging.String("event", eventType),
				logging.Error(err))
			d.unsubscribe(conn)
		}
	}
}

func (d *Daemon) publishState() {
	d.publish(ipc.EventStateChanged, statusPayload(d.Status()))
}

// onHealthChange runs on the checker's goroutines, one call at a time.
func (d *Daemon) onHealthChange(report health.Report) {
	d.mu.Lock()
	previous := d.lastHealth
	d.lastHealth = report.Status
	d.mu.Unlock()

	attrs := []logging.Attr{
		logging.String("previous", string(previous)),
		logging.String("status", string(report.Status)),
	}
	if unhealthy := report.Unhealthy(); len(unhealthy) > 0 {
		attrs = append(attrs, logging.Any("unhealthy", unhealthy))
	}
	if report.Status == health.StatusHealthy {
		d.logger.Info("daemon health changed", logging.Args(attrs...)...)
	} else {
		logging.WarnWithContext(d.logger, "daemon health changed", "daemon_health_changed",
			append(attrs, logging.String(logging.FieldImpact, "daemon is running with failing checks"))...)
	}

	if d.opts.Journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		if _, err := d.opts.Journal.Record(ctx, previous, report); err != nil {
			logging.WarnWithContext(d.logger, "health journal write failed", "health_journal_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "health history will miss this transition"),
				logging.String(logging.FieldErrorHint, "check the journal path and disk space"))
		}
		cancel()
	}

	d.publish(ipc.EventHealthChanged, healthPayload(report))
}

func statusPayload(s Snapshot) ipc.StatusPayload {
	return ipc.StatusPayload{
		Name:      s.Name,
		State:     s.State.String(),
		PID:       s.PID,
		StartedAt: s.StartedAt,
		UptimeMS:  s.Uptime.Milliseconds(),
	}
}

func healthPayload(report health.Report) ipc.HealthPayload {
	payload := ipc.HealthPayload{
		Status: string(report.Status),
		Checks: make([]ipc.CheckPayload, 0, len(report.Checks)),
	}
	for _, check := range report.Checks {
		item := ipc.CheckPayload{
			Name:     check.Name,
			Critical: check.Critical,
			Pending:  check.Pending,
		}
		if !check.Pending {
			item.Status = string(check.Result.Status)
			item.Message = check.Result.Message
			item.Timestamp = check.Result.Timestamp
			item.DurationMS = check.Result.Duration.Milliseconds()
		}
		payload.Checks = append(payload.Checks, item)
	}
	return payload
}
