package ipc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"daemonkit/internal/daemonerr"
	"daemonkit/internal/logging"
)

const (
	writeTimeout      = 5 * time.Second
	staleProbeTimeout = 500 * time.Millisecond
)

// Server accepts control connections on a Unix domain socket.
type Server struct {
	path    string
	handler Handler
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Conn]struct{}
	closing  bool
	closed   bool
	active   int
	drained  chan struct{}

	readers sync.WaitGroup
}

// NewServer configures a server for the socket at path. Nothing is bound
// until Listen.
func NewServer(path string, handler Handler, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		path:    path,
		handler: handler,
		logger:  logging.NewComponentLogger(logger, "ipc"),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*Conn]struct{}),
	}
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Listen binds the socket, replacing a stale socket file left by a dead
// process. A socket that still answers belongs to a live server and is left
// alone. The socket is only accessible to the owning user.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	if s.closing {
		return daemonerr.New(daemonerr.CodeIPCBindFailed, "server already shut down")
	}
	if err := clearStaleSocket(s.path); err != nil {
		return err
	}
	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return daemonerr.Wrap(daemonerr.CodeIPCBindFailed, fmt.Sprintf("listen on %s", s.path), err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		_ = listener.Close()
		return daemonerr.Wrap(daemonerr.CodeIPCBindFailed, "restrict socket permissions", err)
	}
	s.listener = listener
	return nil
}

// clearStaleSocket removes a leftover file at path unless a server is still
// accepting connections on it.
func clearStaleSocket(path string) error {
	if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, staleProbeTimeout)
	if err == nil {
		_ = conn.Close()
		return daemonerr.Newf(daemonerr.CodeIPCBindFailed, "socket %s is in use by another server", path)
	}
	if !errors.Is(err, syscall.ECONNREFUSED) && !errors.Is(err, syscall.ENOENT) {
		return daemonerr.Wrap(daemonerr.CodeIPCBindFailed, "probe existing socket", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return daemonerr.Wrap(daemonerr.CodeIPCBindFailed, "remove stale socket", err)
	}
	return nil
}

// Serve starts accepting connections in the background. Listen must have
// succeeded first.
func (s *Server) Serve() {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return
	}

	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.readers.Add(1)
	go func() {
		defer s.readers.Done()
		for {
			nc, err := listener.Accept()
			if err != nil {
				if s.isClosing() || errors.Is(err, net.ErrClosed) {
					return
				}
				logging.WarnWithContext(s.logger, "accept failed", "ipc_accept_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
				time.Sleep(50 * time.Millisecond)
				continue
			}
			conn := s.track(nc)
			if conn == nil {
				_ = nc.Close()
				continue
			}
			s.readers.Add(1)
			go func() {
				defer s.readers.Done()
				s.readLoop(conn)
			}()
		}
	}()
}

// Shutdown stops accepting connections, rejects new requests, and waits for
// in-flight requests until ctx expires. It then closes every connection that
// is not holding a detached request and removes the socket file. Calling it
// again is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	listener := s.listener
	var drained chan struct{}
	if s.active > 0 {
		drained = make(chan struct{})
		s.drained = drained
	}
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}

	var drainErr error
	if drained != nil {
		select {
		case <-drained:
		case <-ctx.Done():
			drainErr = fmt.Errorf("drain IPC requests: %w", ctx.Err())
			s.logger.Warn("IPC drain abandoned",
				logging.String(logging.FieldEventType, "ipc_drain_timeout"),
				logging.String(logging.FieldImpact, "in-flight requests were cut off"),
				logging.String(logging.FieldErrorHint, "check for slow request handlers"))
		}
	}

	s.mu.Lock()
	s.closed = true
	var toClose []*Conn
	for conn := range s.conns {
		if conn.detached == 0 {
			toClose = append(toClose, conn)
		}
	}
	s.mu.Unlock()
	s.cancel()
	for _, conn := range toClose {
		_ = conn.Close()
	}

	if listener != nil {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.WarnWithContext(s.logger, "failed to remove socket", "ipc_socket_cleanup_failed",
				logging.String("socket", s.path),
				logging.Error(err),
				logging.String(logging.FieldImpact, "stale IPC socket may confuse clients"),
				logging.String(logging.FieldErrorHint, "remove the socket file manually"))
		}
	}
	return drainErr
}

// Wait blocks until the accept loop and every connection reader have exited.
func (s *Server) Wait() {
	s.readers.Wait()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) track(nc net.Conn) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil
	}
	conn := &Conn{id: uuid.NewString(), nc: nc, server: s, done: make(chan struct{})}
	s.conns[conn] = struct{}{}
	return conn
}

// begin admits a request on conn into the drain set.
func (s *Server) begin(conn *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.active++
	conn.pending++
	return true
}

// undrain drops one request from the drain set; caller holds s.mu.
func (s *Server) undrain() {
	s.active--
	if s.active == 0 && s.drained != nil {
		close(s.drained)
		s.drained = nil
	}
}

// readLoop reads frames until EOF or a protocol error. After a clean EOF
// the connection stays open until its pending replies are written.
func (s *Server) readLoop(conn *Conn) {
	logger := s.logger.With(logging.String(logging.FieldConnID, conn.id))
	logger.Debug("IPC client connected")

	scanner := newFrameScanner(conn.nc)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := decodeFrame(line)
		if err != nil {
			logging.WarnWithContext(logger, "closing connection after protocol error", "ipc_protocol_error",
				logging.Error(err),
				logging.String(logging.FieldImpact, "only this client connection is dropped"),
				logging.String(logging.FieldErrorHint, "check the client speaks newline-delimited JSON frames"))
			_ = conn.write(errorMessage(msg.ID, err))
			_ = conn.Close()
			return
		}
		if !s.begin(conn) {
			_ = conn.write(errorMessage(msg.ID, daemonerr.New(daemonerr.CodeInvalidState, "server is shutting down")))
			continue
		}
		go s.serve(conn, msg, logger)
	}
	if err := scanErr(scanner); err != nil {
		if daemonerr.HasCode(err, daemonerr.CodeIPCProtocol) {
			logging.WarnWithContext(logger, "closing connection after protocol error", "ipc_protocol_error",
				logging.Error(err),
				logging.String(logging.FieldImpact, "only this client connection is dropped"),
				logging.String(logging.FieldErrorHint, "keep frames under 1 MiB"))
			_ = conn.write(errorMessage("", err))
			_ = conn.Close()
			return
		}
		if !conn.isClosed() {
			logger.Debug("IPC connection read failed", logging.Error(err))
		}
		_ = conn.Close()
		return
	}
	logger.Debug("IPC client disconnected")

	s.mu.Lock()
	conn.eof = true
	closeNow := conn.pending == 0
	s.mu.Unlock()
	if closeNow {
		_ = conn.Close()
	}
}

func (s *Server) serve(conn *Conn, msg Message, logger *slog.Logger) {
	req := &request{server: s, conn: conn}
	defer req.finish()

	ctx := context.WithValue(s.ctx, requestKey{}, req)
	ctx = logging.WithRequestID(ctx, msg.ID)

	resp, err := s.dispatch(ctx, msg, conn)
	if err != nil {
		logger.Debug("IPC request failed",
			logging.String(logging.FieldRequestID, msg.ID),
			logging.String("type", msg.Type),
			logging.Error(err))
		_ = conn.write(errorMessage(msg.ID, err))
		return
	}
	if resp == nil {
		return
	}
	payload, err := encodePayload(resp.Payload)
	if err != nil {
		_ = conn.write(errorMessage(msg.ID, err))
		return
	}
	if err := conn.write(Message{ID: msg.ID, Type: resp.Type, Payload: payload}); err != nil {
		logger.Debug("IPC reply not delivered",
			logging.String(logging.FieldRequestID, msg.ID),
			logging.Error(err))
	}
}

func (s *Server) dispatch(ctx context.Context, msg Message, conn *Conn) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithContext(s.logger, "IPC handler panicked", "ipc_handler_panic",
				logging.String(logging.FieldRequestID, msg.ID),
				logging.String("type", msg.Type),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())))
			resp, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	if s.handler == nil {
		return nil, fmt.Errorf("no handler for %q", msg.Type)
	}
	return s.handler.ServeIPC(ctx, msg, conn)
}

type requestKey struct{}

type request struct {
	server *Server
	conn   *Conn

	mu       sync.Mutex
	detached bool
}

// Detach removes the calling request from the shutdown drain set and returns
// a context that is no longer cancelled by Shutdown. The request's
// connection stays open until its reply is written. Handlers that wait on
// the daemon's own shutdown must call it first or the drain waits on them.
func Detach(ctx context.Context) context.Context {
	req, ok := ctx.Value(requestKey{}).(*request)
	if !ok {
		return ctx
	}
	req.mu.Lock()
	if !req.detached {
		req.detached = true
		s := req.server
		s.mu.Lock()
		req.conn.detached++
		s.undrain()
		s.mu.Unlock()
	}
	req.mu.Unlock()
	return context.WithoutCancel(ctx)
}

func (r *request) finish() {
	r.mu.Lock()
	detached := r.detached
	r.mu.Unlock()

	s := r.server
	conn := r.conn
	s.mu.Lock()
	conn.pending--
	if detached {
		conn.detached--
	} else {
		s.undrain()
	}
	closeNow := conn.pending == 0 && (conn.eof || (detached && s.closed && conn.detached == 0))
	s.mu.Unlock()
	if closeNow {
		_ = conn.Close()
	}
}

// Conn is one accepted client connection.
type Conn struct {
	id     string
	nc     net.Conn
	server *Server

	// Guarded by server.mu. detached counts requests holding the connection
	// open through shutdown.
	pending  int
	detached int
	eof      bool

	wmu       sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the connection's identifier.
func (c *Conn) ID() string { return c.id }

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Push sends an unsolicited event frame with a fresh id.
func (c *Conn) Push(eventType string, payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return c.write(Message{ID: uuid.NewString(), Type: eventType, Payload: raw})
}

// Close closes the connection. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.server.mu.Lock()
		delete(c.server.conns, c)
		c.server.mu.Unlock()
		close(c.done)
		err = c.nc.Close()
	})
	return err
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) write(msg Message) error {
	data, err := encodeFrame(msg)
	if err != nil {
		msg = errorMessage(msg.ID, err)
		if data, err = encodeFrame(msg); err != nil {
			return err
		}
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.isClosed() {
		return net.ErrClosed
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = c.nc.Write(data)
	_ = c.nc.SetWriteDeadline(time.Time{})
	return err
}
