package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Port is the byte-level connection the transport drives. go.bug.st/serial's
// serial.Port satisfies it, as does the in-memory simulator.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Kind classifies a transport failure.
type Kind int

const (
	KindNone Kind = iota
	KindIO
	KindTimeout
	KindProtocol
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindClosed:
		return "closed"
	default:
		return "none"
	}
}

// Error is returned by every failing Transport operation.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("transport: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain, or KindNone.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindNone
}

// Protocol wraps a framing violation so it is handled like any other
// transport failure.
func Protocol(op string, format string, args ...any) error {
	return &Error{Op: op, Kind: KindProtocol, Err: fmt.Errorf(format, args...)}
}

// DefaultReadTimeout is the per-read timeout used when none is configured.
const DefaultReadTimeout = 50 * time.Millisecond

// Transport performs whole-buffer reads and writes over a Port. It is not
// safe for concurrent use; callers serialize access with their own lock.
type Transport struct {
	port    Port
	timeout time.Duration

	closeOnce sync.Once
	closed    bool
	closeErr  error
}

// New wraps an already open port.
func New(port Port, readTimeout time.Duration) (*Transport, error) {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, &Error{Op: "set timeout", Kind: KindIO, Err: err}
	}
	return &Transport{port: port, timeout: readTimeout}, nil
}

// ReadTimeout returns the per-read timeout.
func (t *Transport) ReadTimeout() time.Duration { return t.timeout }

// Write sends all of p.
func (t *Transport) Write(op string, p []byte) error {
	if t.closed {
		return &Error{Op: op, Kind: KindClosed}
	}
	for len(p) > 0 {
		n, err := t.port.Write(p)
		if err != nil {
			return &Error{Op: op, Kind: KindIO, Err: err}
		}
		if n == 0 {
			return &Error{Op: op, Kind: KindIO, Err: io.ErrShortWrite}
		}
		p = p[n:]
	}
	return nil
}

// ReadFull reads exactly len(p) bytes. The read timeout applies between
// bytes: as long as data keeps arriving the read continues.
func (t *Transport) ReadFull(op string, p []byte) error {
	if t.closed {
		return &Error{Op: op, Kind: KindClosed}
	}
	got := 0
	deadline := time.Now().Add(t.timeout)
	for got < len(p) {
		n, err := t.port.Read(p[got:])
		if n > 0 {
			got += n
			deadline = time.Now().Add(t.timeout)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return &Error{Op: op, Kind: KindIO, Err: fmt.Errorf("after %d/%d bytes: %w", got, len(p), err)}
		}
		if n == 0 && !time.Now().Before(deadline) {
			return &Error{Op: op, Kind: KindTimeout, Err: fmt.Errorf("got %d bytes, want %d", got, len(p))}
		}
	}
	return nil
}

// Flush discards any unread input.
func (t *Transport) Flush() error {
	if t.closed {
		return &Error{Op: "flush", Kind: KindClosed}
	}
	if err := t.port.ResetInputBuffer(); err != nil {
		return &Error{Op: "flush", Kind: KindIO, Err: err}
	}
	return nil
}

// Close releases the port. Safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed = true
		t.closeErr = t.port.Close()
	})
	return t.closeErr
}
