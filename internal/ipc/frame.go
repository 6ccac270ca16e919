package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"daemonkit/internal/daemonerr"
)

var errFrameTooLarge = fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)

func newFrameScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize+1)
	return scanner
}

// scanErr maps a scanner failure to a protocol error; nil means clean EOF.
func scanErr(scanner *bufio.Scanner) error {
	err := scanner.Err()
	if errors.Is(err, bufio.ErrTooLong) {
		return daemonerr.Wrap(daemonerr.CodeIPCProtocol, "read frame", errFrameTooLarge)
	}
	return err
}

// decodeFrame parses one line. On a protocol error the returned message still
// carries whatever id could be recovered so the error reply can reference it.
func decodeFrame(line []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		var probe struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(line, &probe)
		return Message{ID: probe.ID}, daemonerr.Wrap(daemonerr.CodeIPCProtocol, "malformed frame", err)
	}
	if strings.TrimSpace(msg.ID) == "" {
		return msg, daemonerr.New(daemonerr.CodeIPCProtocol, "frame is missing an id")
	}
	if strings.TrimSpace(msg.Type) == "" {
		return msg, daemonerr.Newf(daemonerr.CodeIPCProtocol, "frame %s is missing a type", msg.ID)
	}
	return msg, nil
}

func encodeFrame(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, daemonerr.Wrap(daemonerr.CodeIPCProtocol, "encode frame", errFrameTooLarge)
	}
	return append(data, '\n'), nil
}

func encodePayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

func errorMessage(id string, err error) Message {
	payload := ErrorPayload{Code: string(daemonerr.CodeOf(err)), Message: err.Error()}
	var de *daemonerr.Error
	if errors.As(err, &de) && de.Message != "" {
		payload.Message = de.Message
		if de.Cause != nil {
			payload.Message += ": " + de.Cause.Error()
		}
	}
	raw, _ := json.Marshal(payload)
	return Message{ID: id, Type: TypeError, Payload: raw}
}
