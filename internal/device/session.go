// Package device implements a live session with one stmdsp device: the
// identify handshake, the run-state machine and the single I/O lock that
// serializes every request/response exchange.
//
// A session is fail-fast. Any transport error during an exchange closes the
// port and moves the session to StateDisconnected for good; callers must
// scan and Open a new session.
package device

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/shaunagostinho/stmdsp-dash/internal/protocol"
	"github.com/shaunagostinho/stmdsp-dash/internal/transport"
)

// State is the session's run state. Generation is tracked separately.
type State int

const (
	StateDisconnected State = iota
	StateIdle
	StateRunning
	StateMeasuring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateMeasuring:
		return "measuring"
	default:
		return "disconnected"
	}
}

// Options configures a session.
type Options struct {
	Transport transport.Config
	// Notify receives user-facing messages such as "Lost connection!".
	Notify func(msg string)
}

// Session is a connected device. All methods are safe for concurrent use.
type Session struct {
	endpoint string
	notify   func(string)

	// io is the I/O lock. Holding it grants exclusive use of the transport.
	io chan struct{}

	mu         sync.RWMutex
	tr         *transport.Transport
	state      State
	generating bool
	platform   protocol.Platform
	bufferSize int
	rateIndex  int
	lastStatus protocol.RunStatus
	lastError  protocol.DeviceError
}

// Open opens endpoint and performs the identify handshake.
func Open(endpoint string, opts Options) (*Session, error) {
	tr, err := transport.Open(endpoint, opts.Transport)
	if err != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}
	return New(endpoint, tr, opts)
}

// New runs the identify handshake over an open transport. On failure the
// transport is closed.
func New(endpoint string, tr *transport.Transport, opts Options) (*Session, error) {
	notify := opts.Notify
	if notify == nil {
		notify = func(msg string) { log.Printf("[device] %s", msg) }
	}
	s := &Session{
		endpoint:   endpoint,
		notify:     notify,
		io:         make(chan struct{}, 1),
		tr:         tr,
		state:      StateIdle,
		bufferSize: protocol.SamplesMax,
	}

	platform, err := identify(tr)
	if err != nil {
		tr.Close()
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}
	s.platform = platform

	if _, err := s.QuerySampleRate(); err != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}

	log.Printf("[device] connected to %s (platform %s, rate %d Hz, read timeout %v)",
		endpoint, platform, s.SampleRateHz(), tr.ReadTimeout())
	return s, nil
}

func identify(tr *transport.Transport) (protocol.Platform, error) {
	if err := tr.Flush(); err != nil {
		return protocol.PlatformUnknown, err
	}
	if err := tr.Write("identify", []byte{protocol.OpIdentify}); err != nil {
		return protocol.PlatformUnknown, err
	}
	resp := make([]byte, protocol.IdentifyLen)
	if err := tr.ReadFull("identify", resp); err != nil {
		return protocol.PlatformUnknown, err
	}
	return protocol.ParseIdentify(resp)
}

// WithLock runs fn holding the I/O lock, waiting as long as needed.
func (s *Session) WithLock(fn func(tx *Tx) error) error {
	s.io <- struct{}{}
	defer func() { <-s.io }()
	return fn(&Tx{s: s})
}

// TryWithLock runs fn holding the I/O lock, giving up with ErrLockTimeout
// if the lock is not free before ctx is done.
func (s *Session) TryWithLock(ctx context.Context, fn func(tx *Tx) error) error {
	select {
	case s.io <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	}
	defer func() { <-s.io }()
	return fn(&Tx{s: s})
}

// Disconnect ends the session. It waits for an in-flight exchange to finish
// before closing the port. Calling it more than once is harmless.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.state = StateDisconnected
	s.generating = false
	s.mu.Unlock()

	s.io <- struct{}{}
	defer func() { <-s.io }()

	s.mu.Lock()
	tr := s.tr
	s.tr = nil
	s.mu.Unlock()
	if tr == nil {
		return nil
	}
	log.Printf("[device] disconnected from %s", s.endpoint)
	return tr.Close()
}

// invalidate drops the transport after a failed exchange. Caller holds the I/O lock.
func (s *Session) invalidate(op string, err error) error {
	s.mu.Lock()
	tr := s.tr
	s.tr = nil
	s.state = StateDisconnected
	s.generating = false
	s.mu.Unlock()

	if tr != nil {
		tr.Close()
		log.Printf("[device] %s: %s failure: %v", op, transport.KindOf(err), err)
		s.notify("Lost connection!")
	}
	return fmt.Errorf("device: %s: %w: %w", op, ErrConnectionLost, err)
}

func (s *Session) Endpoint() string { return s.endpoint }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Connected() bool {
	return s.State() != StateDisconnected
}

// IsRunning reports whether continuous or measuring mode is active.
func (s *Session) IsRunning() bool {
	st := s.State()
	return st == StateRunning || st == StateMeasuring
}

func (s *Session) IsGenerating() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generating
}

func (s *Session) Platform() protocol.Platform {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.platform
}

// BufferSize is the number of samples per continuous-read chunk.
func (s *Session) BufferSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bufferSize
}

func (s *Session) SampleRateIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rateIndex
}

func (s *Session) SampleRateHz() int {
	return protocol.RateHz(s.SampleRateIndex())
}

// LastStatus returns the most recent status poll result.
func (s *Session) LastStatus() (protocol.RunStatus, protocol.DeviceError) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastStatus, s.lastError
}

// Single-exchange wrappers. Each takes the I/O lock for one request/response.

func (s *Session) SetBufferSize(n int) error {
	return s.WithLock(func(tx *Tx) error { return tx.SetBufferSize(n) })
}

func (s *Session) SetSampleRate(idx int) error {
	return s.WithLock(func(tx *Tx) error { return tx.SetSampleRate(idx) })
}

func (s *Session) QuerySampleRate() (int, error) {
	var idx int
	err := s.WithLock(func(tx *Tx) (err error) {
		idx, err = tx.QuerySampleRate()
		return err
	})
	return idx, err
}

func (s *Session) StartContinuous() error {
	return s.WithLock(func(tx *Tx) error { return tx.StartContinuous() })
}

func (s *Session) StartMeasuring() error {
	return s.WithLock(func(tx *Tx) error { return tx.StartMeasuring() })
}

func (s *Session) Measurement() (uint32, error) {
	var cycles uint32
	err := s.WithLock(func(tx *Tx) (err error) {
		cycles, err = tx.Measurement()
		return err
	})
	return cycles, err
}

func (s *Session) Stop() error {
	return s.WithLock(func(tx *Tx) error { return tx.Stop() })
}

func (s *Session) ReadChunk() ([]protocol.Sample, error) {
	var chunk []protocol.Sample
	err := s.WithLock(func(tx *Tx) (err error) {
		chunk, err = tx.ReadChunk()
		return err
	})
	return chunk, err
}

func (s *Session) ReadInputChunk() ([]protocol.Sample, error) {
	var chunk []protocol.Sample
	err := s.WithLock(func(tx *Tx) (err error) {
		chunk, err = tx.ReadInputChunk()
		return err
	})
	return chunk, err
}

func (s *Session) UploadGenerator(samples []protocol.Sample) error {
	return s.WithLock(func(tx *Tx) error { return tx.UploadGenerator(samples) })
}

func (s *Session) StartGenerating() error {
	return s.WithLock(func(tx *Tx) error { return tx.StartGenerating() })
}

func (s *Session) StopGenerating() error {
	return s.WithLock(func(tx *Tx) error { return tx.StopGenerating() })
}

func (s *Session) UploadFilter(bin []byte) error {
	return s.WithLock(func(tx *Tx) error { return tx.UploadFilter(bin) })
}

func (s *Session) UnloadFilter() error {
	return s.WithLock(func(tx *Tx) error { return tx.UnloadFilter() })
}

func (s *Session) Status() (protocol.RunStatus, protocol.DeviceError, error) {
	var (
		rs protocol.RunStatus
		de protocol.DeviceError
	)
	err := s.WithLock(func(tx *Tx) (err error) {
		rs, de, err = tx.Status()
		return err
	})
	return rs, de, err
}
