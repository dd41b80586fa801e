package stream

import (
	"errors"
	"fmt"
)

// Failure classes. Every error returned by this package for a network or
// payload problem matches exactly one of them with errors.Is.
var (
	// ErrConnect is a transport failure establishing or maintaining the
	// stream, including non-2xx responses.
	ErrConnect = errors.New("connect failed")
	// ErrTimeout means no response arrived within the connect timeout, or
	// no bytes arrived within the idle timeout.
	ErrTimeout = errors.New("timed out")
	// ErrProtocol means a line was not valid JSON for the event type.
	ErrProtocol = errors.New("malformed stream payload")
	// ErrStreamEnded means the server closed the stream. The protocol has
	// no normal end, so this is a failure like any other.
	ErrStreamEnded = errors.New("stream ended")
)

var (
	errConnectTimeout = errors.New("connect timeout")
	errIdleTimeout    = errors.New("idle timeout")
)

// Error describes a failed request or stream.
type Error struct {
	Op        string // "open", "read", "decode", "request"
	URL       string
	RequestID string
	Kind      error // one of the Err* classes above
	Err       error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
