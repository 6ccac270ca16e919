package daemon_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"daemonkit/internal/daemon"
	"daemonkit/internal/daemonerr"
	"daemonkit/internal/health"
	"daemonkit/internal/healthlog"
	"daemonkit/internal/ipc"
)

type memJournal struct {
	mu      sync.Mutex
	entries []healthlog.Entry
}

func (j *memJournal) Record(_ context.Context, previous health.Status, report health.Report) (*healthlog.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	entry := healthlog.Entry{
		ID:         int64(len(j.entries) + 1),
		RecordedAt: time.Now(),
		Status:     report.Status,
		Previous:   previous,
		Unhealthy:  report.Unhealthy(),
	}
	j.entries = append(j.entries, entry)
	return &entry, nil
}

func (j *memJournal) Recent(_ context.Context, limit int) ([]healthlog.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]healthlog.Entry, 0, len(j.entries))
	for i := len(j.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, j.entries[i])
	}
	return out, nil
}

func TestStatusVerb(t *testing.T) {
	opts := testOptions(t)
	d := newDaemon(t, opts)
	start(t, d)
	client := dial(t, opts.SocketPath)

	var status ipc.StatusPayload
	if err := client.Call(context.Background(), ipc.TypeStatus, nil, &status); err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Name != "unit" || status.State != "running" || status.PID == 0 || status.StartedAt.IsZero() {
		t.Fatalf("status = %+v", status)
	}
}

func TestHealthVerb(t *testing.T) {
	opts := testOptions(t)
	opts.Checks = []health.Check{
		{Name: "disk", Func: func(context.Context) (health.Result, error) { return health.Degraded("low"), nil }},
	}
	d := newDaemon(t, opts)
	start(t, d)
	client := dial(t, opts.SocketPath)

	var payload ipc.HealthPayload
	if err := client.Call(context.Background(), ipc.TypeHealth, ipc.HealthRequest{Refresh: true}, &payload); err != nil {
		t.Fatalf("health: %v", err)
	}
	if payload.Status != "degraded" || len(payload.Checks) != 1 {
		t.Fatalf("payload = %+v", payload)
	}
	check := payload.Checks[0]
	if check.Name != "disk" || check.Status != "degraded" || check.Message != "low" || check.Pending {
		t.Fatalf("check = %+v", check)
	}
}

func TestStopVerbRepliesAfterStopped(t *testing.T) {
	opts := testOptions(t)
	d := newDaemon(t, opts)
	var reason string
	_ = d.OnShutdown("capture", func(_ context.Context, r string) error {
		reason = r
		return nil
	})
	start(t, d)
	client := dial(t, opts.SocketPath)

	var payload ipc.StopPayload
	if err := client.Call(context.Background(), ipc.TypeStop, ipc.StopRequest{Reason: "maintenance"}, &payload); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if payload.State != "stopped" || payload.TimedOut || len(payload.Errors) != 0 {
		t.Fatalf("payload = %+v", payload)
	}
	if reason != "maintenance" {
		t.Fatalf("reason = %q", reason)
	}
	if got := d.State(); got != daemon.StateStopped {
		t.Fatalf("state = %s", got)
	}
}

func TestStopVerbReportsTimeout(t *testing.T) {
	opts := testOptions(t)
	opts.ShutdownTimeout = 50 * time.Millisecond
	d := newDaemon(t, opts)
	block := make(chan struct{})
	defer close(block)
	_ = d.OnShutdown("hung", func(context.Context, string) error {
		<-block
		return nil
	})
	start(t, d)
	client := dial(t, opts.SocketPath)

	var payload ipc.StopPayload
	if err := client.Call(context.Background(), ipc.TypeStop, nil, &payload); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !payload.TimedOut || payload.State != "stopped" || len(payload.Errors) != 1 {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	opts := testOptions(t)
	var healthy = true
	var mu sync.Mutex
	opts.Checks = []health.Check{{Name: "flip", Critical: true, Func: func(context.Context) (health.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if healthy {
			return health.Healthy(""), nil
		}
		return health.Unhealthy("down"), nil
	}}}
	d := newDaemon(t, opts)
	start(t, d)
	// Let the immediate first run settle so the flip below is a change.
	d.Health(context.Background(), true)

	client := dial(t, opts.SocketPath)
	events := make(chan ipc.Message, 16)
	client.OnEvent(func(msg ipc.Message) { events <- msg })
	var ack ipc.StatusPayload
	if err := client.Call(context.Background(), ipc.TypeSubscribe, nil, &ack); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if ack.State != "running" {
		t.Fatalf("ack = %+v", ack)
	}

	mu.Lock()
	healthy = false
	mu.Unlock()
	d.Health(context.Background(), true)
	waitEvent(t, events, ipc.EventHealthChanged, func(msg ipc.Message) bool {
		var payload ipc.HealthPayload
		return msg.Decode(&payload) == nil && payload.Status == "unhealthy"
	})

	go func() { _, _ = d.Stop(context.Background(), "test") }()
	waitEvent(t, events, ipc.EventStateChanged, func(msg ipc.Message) bool {
		var payload ipc.StatusPayload
		return msg.Decode(&payload) == nil && payload.State == "stopping"
	})
	select {
	case <-client.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber connection still open after stop")
	}
	<-d.Done()
	for {
		select {
		case msg := <-events:
			var payload ipc.StatusPayload
			if msg.Type == ipc.EventStateChanged && msg.Decode(&payload) == nil && payload.State == "stopped" {
				t.Fatalf("unexpected stopped event %+v", payload)
			}
		default:
			return
		}
	}
}

func waitEvent(t *testing.T, events <-chan ipc.Message, eventType string, match func(ipc.Message) bool) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-events:
			if msg.Type == eventType && match(msg) {
				return
			}
		case <-timeout:
			t.Fatalf("no %s event", eventType)
		}
	}
}

func TestHealthHistoryVerb(t *testing.T) {
	opts := testOptions(t)
	journal := &memJournal{}
	opts.Journal = journal
	opts.Checks = []health.Check{
		{Name: "bad", Func: func(context.Context) (health.Result, error) { return health.Unhealthy("nope"), nil }},
	}
	d := newDaemon(t, opts)
	start(t, d)
	d.Health(context.Background(), true)
	client := dial(t, opts.SocketPath)

	var payload ipc.HistoryPayload
	if err := client.Call(context.Background(), ipc.TypeHealthHistory, ipc.HistoryRequest{Limit: 5}, &payload); err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(payload.Entries) != 1 {
		t.Fatalf("entries = %+v", payload.Entries)
	}
	entry := payload.Entries[0]
	if entry.Status != "degraded" || entry.Previous != "" || len(entry.Unhealthy) != 1 || entry.Unhealthy[0] != "bad" {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestHealthHistoryWithoutJournal(t *testing.T) {
	opts := testOptions(t)
	d := newDaemon(t, opts)
	start(t, d)
	client := dial(t, opts.SocketPath)

	err := client.Call(context.Background(), ipc.TypeHealthHistory, nil, nil)
	if !errors.Is(err, daemonerr.ErrInvalidState) {
		t.Fatalf("err = %v, want INVALID_STATE", err)
	}
}

func TestApplicationHandlerFallthrough(t *testing.T) {
	opts := testOptions(t)
	opts.Handler = ipc.HandlerFunc(func(_ context.Context, msg ipc.Message, _ *ipc.Conn) (*ipc.Response, error) {
		if msg.Type == "app.echo" {
			return &ipc.Response{Type: "app.echo", Payload: map[string]string{"ok": "yes"}}, nil
		}
		return nil, daemonerr.Newf(daemonerr.CodeIPCProtocol, "unknown request type %q", msg.Type)
	})
	d := newDaemon(t, opts)
	start(t, d)
	client := dial(t, opts.SocketPath)

	var out map[string]string
	if err := client.Call(context.Background(), "app.echo", nil, &out); err != nil {
		t.Fatalf("app.echo: %v", err)
	}
	if out["ok"] != "yes" {
		t.Fatalf("out = %v", out)
	}
	if err := client.Call(context.Background(), "nope", nil, nil); !errors.Is(err, daemonerr.ErrIPCProtocol) {
		t.Fatalf("unknown verb err = %v", err)
	}
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping after error: %v", err)
	}
}

func TestUnknownVerbWithoutHandler(t *testing.T) {
	opts := testOptions(t)
	d := newDaemon(t, opts)
	start(t, d)
	client := dial(t, opts.SocketPath)

	if err := client.Call(context.Background(), "nope", nil, nil); !errors.Is(err, daemonerr.ErrIPCProtocol) {
		t.Fatalf("err = %v, want IPC_PROTOCOL_ERROR", err)
	}
}
