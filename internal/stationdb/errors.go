package stationdb

import (
	"errors"
	"fmt"
)

var (
	// ErrUpdating is returned when a refresh is requested while another one is still running.
	ErrUpdating      = errors.New("station database is updating")
	ErrUnknownSource = errors.New("unknown source")
	ErrInvariant     = errors.New("station database invariant violated")
)

// FatalIOError reports that the persistent store is unusable
// (directory unavailable, corrupt snapshot, write failure). It is never retried.
type FatalIOError struct {
	Op  string
	Err error
}

func (e *FatalIOError) Error() string {
	if e.Err == nil {
		return "fatal io: " + e.Op
	}
	return fmt.Sprintf("fatal io: %s: %v", e.Op, e.Err)
}

func (e *FatalIOError) Unwrap() error { return e.Err }

// TimeoutError marks a fetch that ran out of time.
type TimeoutError struct{ Err error }

func (e *TimeoutError) Error() string {
	if e.Err == nil {
		return "timeout"
	}
	return "timeout: " + e.Err.Error()
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ProtocolError is a failure reported by the provider itself.
// UserMessage is shown as the source status.
type ProtocolError struct {
	UserMessage string
	Err         error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error: " + e.UserMessage
	}
	return fmt.Sprintf("protocol error: %s: %v", e.UserMessage, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ConnectivityError is a network layer failure (unreachable, reset, unknown host).
type ConnectivityError struct{ Err error }

func (e *ConnectivityError) Error() string {
	if e.Err == nil {
		return "connectivity error"
	}
	return e.Err.Error()
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

func IsFatalIO(err error) bool {
	var e *FatalIOError
	return errors.As(err, &e)
}

func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

func IsConnectivity(err error) bool {
	var e *ConnectivityError
	return errors.As(err, &e)
}

// AsProtocol returns the provider message if err carries one.
func AsProtocol(err error) (string, bool) {
	var e *ProtocolError
	if errors.As(err, &e) {
		return e.UserMessage, true
	}
	return "", false
}
