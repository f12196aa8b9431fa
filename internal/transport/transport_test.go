package transport

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort returns queued input in small pieces and records writes.
type fakePort struct {
	mu       sync.Mutex
	in       []byte
	piece    int
	out      bytes.Buffer
	writeErr error
	readErr  error
	timeout  time.Duration
	closed   int
	resets   int
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.readErr != nil {
		p.mu.Unlock()
		return 0, p.readErr
	}
	if len(p.in) == 0 {
		timeout := p.timeout
		p.mu.Unlock()
		time.Sleep(timeout)
		return 0, nil
	}
	defer p.mu.Unlock()
	n := len(b)
	if p.piece > 0 && n > p.piece {
		n = p.piece
	}
	n = copy(b[:n], p.in)
	p.in = p.in[n:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.out.Write(b)
}

func (p *fakePort) Close() error { p.closed++; return nil }

func (p *fakePort) SetReadTimeout(t time.Duration) error { p.timeout = t; return nil }

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	p.in = nil
	return nil
}

func TestReadFull_AssemblesPieces(t *testing.T) {
	port := &fakePort{in: []byte("stmdsph"), piece: 2}
	tr, err := New(port, 10*time.Millisecond)
	require.NoError(t, err)

	buf := make([]byte, 7)
	require.NoError(t, tr.ReadFull("identify", buf))
	assert.Equal(t, "stmdsph", string(buf))
}

func TestReadFull_TimesOut(t *testing.T) {
	port := &fakePort{in: []byte{1, 2}}
	tr, err := New(port, 5*time.Millisecond)
	require.NoError(t, err)

	err = tr.ReadFull("status", make([]byte, 4))
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestReadFull_IOError(t *testing.T) {
	boom := errors.New("device unplugged")
	port := &fakePort{readErr: boom}
	tr, err := New(port, 5*time.Millisecond)
	require.NoError(t, err)

	err = tr.ReadFull("chunk", make([]byte, 2))
	assert.Equal(t, KindIO, KindOf(err))
	assert.ErrorIs(t, err, boom)
}

func TestWrite(t *testing.T) {
	port := &fakePort{}
	tr, err := New(port, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultReadTimeout, tr.ReadTimeout())

	require.NoError(t, tr.Write("stop", []byte{'S'}))
	assert.Equal(t, []byte{'S'}, port.out.Bytes())

	port.writeErr = errors.New("broken pipe")
	err = tr.Write("stop", []byte{'S'})
	assert.Equal(t, KindIO, KindOf(err))
}

func TestClose_Idempotent(t *testing.T) {
	port := &fakePort{}
	tr, err := New(port, 0)
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, 1, port.closed)

	assert.Equal(t, KindClosed, KindOf(tr.Write("x", []byte{1})))
	assert.Equal(t, KindClosed, KindOf(tr.ReadFull("x", make([]byte, 1))))
	assert.Equal(t, KindClosed, KindOf(tr.Flush()))
}

func TestFlush(t *testing.T) {
	port := &fakePort{in: []byte{9, 9, 9}}
	tr, err := New(port, 0)
	require.NoError(t, err)
	require.NoError(t, tr.Flush())
	assert.Equal(t, 1, port.resets)
	assert.Empty(t, port.in)
}

func TestKindOf_Protocol(t *testing.T) {
	err := Protocol("chunk", "size %d too large", 9000)
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.Contains(t, err.Error(), "size 9000 too large")
	assert.Equal(t, KindNone, KindOf(errors.New("plain")))
}
