package daemonerr

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a stable identifier for a class of daemon failure. Codes cross the
// IPC boundary verbatim, so existing values must never be renamed.
type Code string

const (
	CodeAlreadyRunning        Code = "ALREADY_RUNNING"
	CodeStartFailed           Code = "START_FAILED"
	CodeStopTimeout           Code = "STOP_TIMEOUT"
	CodeShutdownHandlerFailed Code = "SHUTDOWN_HANDLER_FAILED"
	CodeIPCBindFailed         Code = "IPC_BIND_FAILED"
	CodeIPCTimeout            Code = "IPC_TIMEOUT"
	CodeIPCProtocol           Code = "IPC_PROTOCOL_ERROR"
	CodeHealthCheckFailed     Code = "HEALTH_CHECK_FAILED"
	CodeInvalidState          Code = "INVALID_STATE"
)

// Markers for errors.Is comparisons. They match any *Error with the same code.
var (
	ErrAlreadyRunning        = &Error{Code: CodeAlreadyRunning}
	ErrStartFailed           = &Error{Code: CodeStartFailed}
	ErrStopTimeout           = &Error{Code: CodeStopTimeout}
	ErrShutdownHandlerFailed = &Error{Code: CodeShutdownHandlerFailed}
	ErrIPCBindFailed         = &Error{Code: CodeIPCBindFailed}
	ErrIPCTimeout            = &Error{Code: CodeIPCTimeout}
	ErrIPCProtocol           = &Error{Code: CodeIPCProtocol}
	ErrHealthCheckFailed     = &Error{Code: CodeHealthCheckFailed}
	ErrInvalidState          = &Error{Code: CodeInvalidState}
)

// Error is a tagged daemon failure carrying a stable code, a human message,
// and an optional underlying cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// New returns an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: strings.TrimSpace(message)}
}

// Newf is New with fmt formatting.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap tags cause with code. A nil cause yields a plain coded error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: strings.TrimSpace(message), Cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is a daemon error with the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return e.Code == other.Code
}

// CodeOf returns the code of the outermost *Error in err's chain, or "" when
// err carries no daemon code.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) && de != nil {
		return de.Code
	}
	return ""
}

// HasCode reports whether any error in err's tree carries code.
func HasCode(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}
