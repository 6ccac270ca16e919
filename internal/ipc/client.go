package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"daemonkit/internal/daemonerr"
	"daemonkit/internal/logging"
)

// DefaultTimeout bounds a request when no WithTimeout option is given.
const DefaultTimeout = 5 * time.Second

// maxAbandoned caps the set of ids whose callers gave up waiting.
const maxAbandoned = 1024

// ErrClosed is returned by requests on a client whose connection has closed.
var ErrClosed = errors.New("ipc: client closed")

// ClientOption customizes Dial.
type ClientOption func(*Client)

// WithTimeout sets how long Send waits for a reply before IPC_TIMEOUT.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger attaches a logger for connection diagnostics.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logging.NewComponentLogger(logger, "ipc-client")
	}
}

// Client is a connection to a daemon's control socket. Requests may be
// issued concurrently.
type Client struct {
	conn    net.Conn
	timeout time.Duration
	logger  *slog.Logger

	wmu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan Message
	abandoned map[string]struct{}
	onEvent   func(Message)
	err       error
	done      chan struct{}
}

// Dial connects to the socket at path.
func Dial(ctx context.Context, path string, opts ...ClientOption) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:      conn,
		timeout:   DefaultTimeout,
		logger:    logging.NewNop(),
		pending:   make(map[string]chan Message),
		abandoned: make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c, nil
}

// OnEvent registers fn for frames that answer no outstanding request. fn runs
// on the read goroutine and must not block.
func (c *Client) OnEvent(fn func(Message)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection closed, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection and fails outstanding requests with ErrClosed.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.shutdown(ErrClosed)
	return err
}

// Send issues a request with a fresh id and waits for the matching reply.
// Error frames are returned as messages; use Call to have them mapped to
// errors. When no reply arrives within the client timeout Send fails with
// IPC_TIMEOUT and a reply that arrives later is discarded.
func (c *Client) Send(ctx context.Context, msgType string, payload any) (Message, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Message{}, err
	}
	id := uuid.NewString()
	reply := make(chan Message, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Message{}, err
	}
	c.pending[id] = reply
	c.mu.Unlock()

	if err := c.write(Message{ID: id, Type: msgType, Payload: raw}); err != nil {
		c.forget(id, false)
		return Message{}, fmt.Errorf("send %s: %w", msgType, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case msg := <-reply:
		return msg, nil
	case <-timer.C:
		c.forget(id, true)
		return Message{}, daemonerr.Newf(daemonerr.CodeIPCTimeout, "no reply to %s within %s", msgType, c.timeout)
	case <-ctx.Done():
		c.forget(id, true)
		return Message{}, ctx.Err()
	case <-c.done:
		// The reply may have raced the close.
		select {
		case msg := <-reply:
			return msg, nil
		default:
		}
		return Message{}, c.Err()
	}
}

// Call sends a request and decodes the reply payload into out (which may be
// nil). An error frame is returned as a *daemonerr.Error.
func (c *Client) Call(ctx context.Context, msgType string, payload, out any) error {
	msg, err := c.Send(ctx, msgType, payload)
	if err != nil {
		return err
	}
	if msg.Type == TypeError {
		var body ErrorPayload
		if err := msg.Decode(&body); err != nil {
			return daemonerr.Wrap(daemonerr.CodeIPCProtocol, "decode error frame", err)
		}
		return &daemonerr.Error{Code: daemonerr.Code(body.Code), Message: body.Message}
	}
	if out == nil {
		return nil
	}
	if err := msg.Decode(out); err != nil {
		return daemonerr.Wrap(daemonerr.CodeIPCProtocol, fmt.Sprintf("decode %s reply", msgType), err)
	}
	return nil
}

// Ping round-trips a ping frame.
func (c *Client) Ping(ctx context.Context) error {
	msg, err := c.Send(ctx, TypePing, nil)
	if err != nil {
		return err
	}
	if msg.Type != TypePong {
		return daemonerr.Newf(daemonerr.CodeIPCProtocol, "ping answered with %q", msg.Type)
	}
	return nil
}

func (c *Client) write(msg Message) error {
	data, err := encodeFrame(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

func (c *Client) forget(id string, abandon bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
	if !abandon {
		return
	}
	if len(c.abandoned) >= maxAbandoned {
		clear(c.abandoned)
	}
	c.abandoned[id] = struct{}{}
}

func (c *Client) readLoop() {
	scanner := newFrameScanner(c.conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := decodeFrame(line)
		if err != nil {
			c.logger.Warn("dropping malformed frame from daemon",
				logging.Error(err),
				logging.String(logging.FieldEventType, "ipc_client_protocol_error"))
			continue
		}
		c.deliver(msg)
	}
	err := scanErr(scanner)
	if err == nil {
		err = ErrClosed
	}
	c.shutdown(err)
}

func (c *Client) deliver(msg Message) {
	c.mu.Lock()
	if reply, ok := c.pending[msg.ID]; ok {
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		reply <- msg
		return
	}
	if _, ok := c.abandoned[msg.ID]; ok {
		delete(c.abandoned, msg.ID)
		c.mu.Unlock()
		c.logger.Debug("dropping late reply", logging.String(logging.FieldRequestID, msg.ID))
		return
	}
	onEvent := c.onEvent
	c.mu.Unlock()
	if onEvent != nil {
		onEvent(msg)
	}
}

func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	if errors.Is(cause, net.ErrClosed) {
		cause = ErrClosed
	}
	c.err = cause
	clear(c.pending)
	close(c.done)
}
