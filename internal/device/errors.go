package device

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by every operation on a session that has
	// been disconnected or lost. The session cannot be revived.
	ErrNotConnected = errors.New("device: not connected")
	// ErrConnectionLost wraps the transport failure that invalidated the session.
	ErrConnectionLost = errors.New("device: lost connection")
	// ErrInvalidState is returned when an operation is not allowed in the
	// current run state. The session stays connected.
	ErrInvalidState = errors.New("device: invalid state")
	// ErrInvalidArgument is returned for out-of-range parameters.
	ErrInvalidArgument = errors.New("device: invalid argument")
	// ErrBusy means the device rejected a generator upload; retry later.
	ErrBusy = errors.New("device: busy")
	// ErrLockTimeout means the I/O lock could not be taken before the deadline.
	ErrLockTimeout = errors.New("device: i/o lock timeout")
	// ErrNoDevice means the scanner found no matching endpoint.
	ErrNoDevice = errors.New("device: no devices found")
)

// ConnectionError reports a failed open or identify handshake.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("device: connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
