package ipc

import (
	"context"
	"encoding/json"
	"time"
)

// MaxFrameSize bounds a single encoded frame, newline excluded.
const MaxFrameSize = 1 << 20

// Frame types used by the control protocol.
const (
	TypeError         = "error"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeStatus        = "status"
	TypeHealth        = "health"
	TypeStop          = "stop"
	TypeSubscribe     = "subscribe"
	TypeHealthHistory = "health.history"

	// EventStateChanged is pushed on every transition up to stopping; the
	// connection closes during shutdown, so stopped is never pushed.
	EventStateChanged  = "state.changed"
	EventHealthChanged = "health.changed"
)

// Message is one frame on the wire.
type Message struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Response is what a Handler returns; the server stamps it with the request id.
type Response struct {
	Type    string
	Payload any
}

// Handler serves one request. Returning a nil response and nil error sends
// nothing back. Errors are sent as error frames carrying the daemon error code
// when there is one.
type Handler interface {
	ServeIPC(ctx context.Context, msg Message, conn *Conn) (*Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message, conn *Conn) (*Response, error)

func (f HandlerFunc) ServeIPC(ctx context.Context, msg Message, conn *Conn) (*Response, error) {
	return f(ctx, msg, conn)
}

// ErrorPayload is the body of an error frame.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// StatusPayload answers the status verb and rides on state.changed events.
type StatusPayload struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at,omitzero"`
	UptimeMS  int64     `json:"uptime_ms"`
}

// HealthRequest is the optional payload of the health verb.
type HealthRequest struct {
	Refresh bool `json:"refresh"`
}

// CheckPayload is one check's cached result.
type CheckPayload struct {
	Name       string    `json:"name"`
	Critical   bool      `json:"critical"`
	Status     string    `json:"status,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
	DurationMS int64     `json:"duration_ms"`
	Pending    bool      `json:"pending,omitempty"`
}

// HealthPayload answers the health verb and rides on health.changed events.
type HealthPayload struct {
	Status string         `json:"status"`
	Checks []CheckPayload `json:"checks"`
}

// StopRequest is the optional payload of the stop verb.
type StopRequest struct {
	Reason string `json:"reason,omitempty"`
}

// StopPayload answers the stop verb once the daemon has stopped or the
// shutdown deadline expired.
type StopPayload struct {
	State    string   `json:"state"`
	TimedOut bool     `json:"timed_out"`
	Errors   []string `json:"errors,omitempty"`
}

// HistoryRequest is the optional payload of the health.history verb.
type HistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

// HistoryEntry is one recorded aggregate health transition.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	RecordedAt time.Time `json:"recorded_at"`
	Status     string    `json:"status"`
	Previous   string    `json:"previous,omitempty"`
	Unhealthy  []string  `json:"unhealthy,omitempty"`
}

// HistoryPayload answers the health.history verb.
type HistoryPayload struct {
	Entries []HistoryEntry `json:"entries"`
}
