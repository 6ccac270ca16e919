package ipc_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"daemonkit/internal/daemonerr"
	"daemonkit/internal/ipc"
	"daemonkit/internal/logging"
	"daemonkit/internal/testsupport"
)

func pingHandler(next ipc.HandlerFunc) ipc.HandlerFunc {
	return func(ctx context.Context, msg ipc.Message, conn *ipc.Conn) (*ipc.Response, error) {
		if msg.Type == ipc.TypePing {
			return &ipc.Response{Type: ipc.TypePong}, nil
		}
		if next == nil {
			return nil, daemonerr.Newf(daemonerr.CodeInvalidState, "unknown request type %q", msg.Type)
		}
		return next(ctx, msg, conn)
	}
}

func startServer(t *testing.T, handler ipc.Handler) (*ipc.Server, string) {
	t.Helper()
	path := testsupport.SocketPath(t)
	srv := ipc.NewServer(path, handler, logging.NewNop())
	if err := srv.Listen(); err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC test: %v", err)
		}
		t.Fatalf("Listen: %v", err)
	}
	srv.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, path
}

func dial(t *testing.T, path string, opts ...ipc.ClientOption) *ipc.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	client, err := ipc.Dial(ctx, path, opts...)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func readFrame(t *testing.T, r *bufio.Reader) ipc.Message {
	t.Helper()
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg ipc.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		t.Fatalf("decode frame %q: %v", line, err)
	}
	return msg
}

func TestPingPongEchoesRequestID(t *testing.T) {
	_, path := startServer(t, pingHandler(nil))

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write([]byte(`{"id":"1","type":"ping"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readFrame(t, bufio.NewReader(conn))
	if msg.ID != "1" || msg.Type != ipc.TypePong {
		t.Fatalf("got %+v, want id 1 type pong", msg)
	}
}

func TestSocketIsOwnerOnly(t *testing.T) {
	_, path := startServer(t, pingHandler(nil))
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("socket mode = %o, want 600", perm)
	}
}

func TestTimeoutThenSuccessOnSameConnection(t *testing.T) {
	slow := func(ctx context.Context, msg ipc.Message, _ *ipc.Conn) (*ipc.Response, error) {
		time.Sleep(300 * time.Millisecond)
		return &ipc.Response{Type: "slow.done"}, nil
	}
	_, path := startServer(t, pingHandler(slow))

	client := dial(t, path, ipc.WithTimeout(100*time.Millisecond))
	var events atomic.Int32
	client.OnEvent(func(ipc.Message) { events.Add(1) })

	_, err := client.Send(context.Background(), "slow", nil)
	if !errors.Is(err, daemonerr.ErrIPCTimeout) {
		t.Fatalf("expected IPC_TIMEOUT, got %v", err)
	}

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("ping after timeout: %v", err)
	}

	// Let the abandoned reply arrive; it must be dropped, not surfaced.
	time.Sleep(400 * time.Millisecond)
	if n := events.Load(); n != 0 {
		t.Fatalf("late reply surfaced as %d event(s)", n)
	}
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("ping after late reply: %v", err)
	}
}

func TestMalformedFrameClosesOnlyThatConnection(t *testing.T) {
	_, path := startServer(t, pingHandler(nil))

	healthy := dial(t, path)

	bad, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer bad.Close()
	_ = bad.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := bad.Write([]byte("{not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reader := bufio.NewReader(bad)
	msg := readFrame(t, reader)
	if msg.Type != ipc.TypeError {
		t.Fatalf("expected error frame, got %+v", msg)
	}
	var body ipc.ErrorPayload
	if err := msg.Decode(&body); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if body.Code != string(daemonerr.CodeIPCProtocol) {
		t.Fatalf("error code = %q, want %s", body.Code, daemonerr.CodeIPCProtocol)
	}
	if _, err := reader.ReadByte(); err == nil {
		t.Fatal("expected malformed connection to be closed")
	}

	if err := healthy.Ping(context.Background()); err != nil {
		t.Fatalf("healthy connection affected: %v", err)
	}
}

func TestOversizedFrameIsProtocolError(t *testing.T) {
	_, path := startServer(t, pingHandler(nil))

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	go func() {
		big := `{"id":"big","type":"ping","payload":"` + strings.Repeat("x", ipc.MaxFrameSize) + `"}` + "\n"
		_, _ = conn.Write([]byte(big))
	}()
	msg := readFrame(t, bufio.NewReader(conn))
	if msg.Type != ipc.TypeError {
		t.Fatalf("expected error frame, got %+v", msg)
	}
}

func TestCallMapsErrorFrames(t *testing.T) {
	_, path := startServer(t, pingHandler(nil))
	client := dial(t, path)

	err := client.Call(context.Background(), "nope", nil, nil)
	if !errors.Is(err, daemonerr.ErrInvalidState) {
		t.Fatalf("expected INVALID_STATE, got %v", err)
	}
	if !strings.Contains(err.Error(), "nope") {
		t.Fatalf("expected message to mention the request type, got %q", err)
	}
}

func TestCallDecodesPayload(t *testing.T) {
	status := func(ctx context.Context, msg ipc.Message, _ *ipc.Conn) (*ipc.Response, error) {
		return &ipc.Response{Type: ipc.TypeStatus, Payload: ipc.StatusPayload{Name: "svc", State: "running", PID: 42}}, nil
	}
	_, path := startServer(t, pingHandler(status))
	client := dial(t, path)

	var got ipc.StatusPayload
	if err := client.Call(context.Background(), ipc.TypeStatus, nil, &got); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got.Name != "svc" || got.State != "running" || got.PID != 42 {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestPushDeliversEvents(t *testing.T) {
	subscribe := func(ctx context.Context, msg ipc.Message, conn *ipc.Conn) (*ipc.Response, error) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = conn.Push(ipc.EventStateChanged, ipc.StatusPayload{State: "stopping"})
		}()
		return &ipc.Response{Type: ipc.TypeSubscribe}, nil
	}
	_, path := startServer(t, pingHandler(subscribe))
	client := dial(t, path)

	events := make(chan ipc.Message, 1)
	client.OnEvent(func(msg ipc.Message) { events <- msg })
	if err := client.Call(context.Background(), ipc.TypeSubscribe, nil, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case msg := <-events:
		var payload ipc.StatusPayload
		if err := msg.Decode(&payload); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if msg.Type != ipc.EventStateChanged || payload.State != "stopping" || msg.ID == "" {
			t.Fatalf("unexpected event %+v (%+v)", msg, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestShutdownDrainsInFlightRequests(t *testing.T) {
	release := make(chan struct{})
	work := func(ctx context.Context, msg ipc.Message, _ *ipc.Conn) (*ipc.Response, error) {
		<-release
		return &ipc.Response{Type: "work.done"}, nil
	}
	srv, path := startServer(t, pingHandler(work))
	client := dial(t, path, ipc.WithTimeout(5*time.Second))

	replies := make(chan error, 1)
	go func() {
		msg, err := client.Send(context.Background(), "work", nil)
		if err == nil && msg.Type != "work.done" {
			err = errors.New("unexpected reply type " + msg.Type)
		}
		replies <- err
	}()
	time.Sleep(50 * time.Millisecond)

	shutdown := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdown <- srv.Shutdown(ctx)
	}()

	select {
	case <-shutdown:
		t.Fatal("Shutdown returned before in-flight request finished")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	if err := <-replies; err != nil {
		t.Fatalf("in-flight request: %v", err)
	}
	if err := <-shutdown; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected socket removed, stat err = %v", err)
	}
}

func TestShutdownDeadlineCutsOffHungRequest(t *testing.T) {
	hung := func(ctx context.Context, msg ipc.Message, _ *ipc.Conn) (*ipc.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	srv, path := startServer(t, pingHandler(hung))
	client := dial(t, path, ipc.WithTimeout(5*time.Second))

	go func() { _, _ = client.Send(context.Background(), "hang", nil) }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected drain deadline error, got %v", err)
	}

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client connection not closed after shutdown")
	}
}

func TestDetachedRequestRepliesAfterShutdown(t *testing.T) {
	var srv *ipc.Server
	stop := func(ctx context.Context, msg ipc.Message, _ *ipc.Conn) (*ipc.Response, error) {
		ctx = ipc.Detach(ctx)
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &ipc.Response{Type: ipc.TypeStop, Payload: ipc.StopPayload{State: "stopped"}}, nil
	}
	srv, path := startServer(t, pingHandler(stop))
	client := dial(t, path, ipc.WithTimeout(3*time.Second))

	var got ipc.StopPayload
	if err := client.Call(context.Background(), ipc.TypeStop, nil, &got); err != nil {
		t.Fatalf("stop call: %v", err)
	}
	if got.State != "stopped" {
		t.Fatalf("unexpected stop payload %+v", got)
	}

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("detached connection not closed after reply")
	}
	if err := client.Ping(context.Background()); !errors.Is(err, ipc.ErrClosed) {
		t.Fatalf("expected ErrClosed after shutdown, got %v", err)
	}
}

func TestListenReportsBindFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "d.sock")
	srv := ipc.NewServer(path, pingHandler(nil), logging.NewNop())
	err := srv.Listen()
	if !errors.Is(err, daemonerr.ErrIPCBindFailed) {
		t.Fatalf("expected IPC_BIND_FAILED, got %v", err)
	}
}

func TestListenRefusesLiveSocket(t *testing.T) {
	_, path := startServer(t, pingHandler(nil))

	second := ipc.NewServer(path, pingHandler(nil), logging.NewNop())
	err := second.Listen()
	if !errors.Is(err, daemonerr.ErrIPCBindFailed) {
		t.Fatalf("expected IPC_BIND_FAILED, got %v", err)
	}
	if !strings.Contains(err.Error(), "in use") {
		t.Fatalf("error %q does not mention the socket is in use", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := dial(t, path).Ping(ctx); err != nil {
		t.Fatalf("first server no longer answers: %v", err)
	}
}

func TestListenReplacesStaleSocket(t *testing.T) {
	path := testsupport.SocketPath(t)
	dead, err := net.Listen("unix", path)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC test: %v", err)
		}
		t.Fatalf("listen: %v", err)
	}
	dead.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = dead.Close()
	if _, err := os.Lstat(path); err != nil {
		t.Fatalf("expected leftover socket file: %v", err)
	}

	srv := ipc.NewServer(path, pingHandler(nil), logging.NewNop())
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen over stale socket: %v", err)
	}
	srv.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := dial(t, path).Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestDialFailsWithoutServer(t *testing.T) {
	path := testsupport.SocketPath(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := ipc.Dial(ctx, path); err == nil {
		t.Fatal("expected dial error without a server")
	}
}
