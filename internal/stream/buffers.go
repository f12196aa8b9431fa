package stream

import (
	"sync"

	"github.com/shaunagostinho/stmdsp-dash/internal/protocol"
)

// Sink receives every published output chunk, e.g. a sample log file.
type Sink interface {
	Record(samples []protocol.Sample) error
}

// fifo is a slice-backed sample queue that compacts as it drains.
type fifo struct {
	buf  []protocol.Sample
	head int
}

func (q *fifo) push(s []protocol.Sample) {
	q.buf = append(q.buf, s...)
}

func (q *fifo) pop(n int) []protocol.Sample {
	if n > q.len() {
		n = q.len()
	}
	if n <= 0 {
		return nil
	}
	out := make([]protocol.Sample, n)
	copy(out, q.buf[q.head:q.head+n])
	q.head += n
	if q.head == len(q.buf) {
		q.buf = q.buf[:0]
		q.head = 0
	} else if q.head > len(q.buf)/2 {
		q.buf = append(q.buf[:0], q.buf[q.head:]...)
		q.head = 0
	}
	return out
}

func (q *fifo) len() int { return len(q.buf) - q.head }

func (q *fifo) reset() {
	q.buf = nil
	q.head = 0
}

// Buffers holds the draw and input draw queues plus the optional log sink.
// Its lock is independent of the device I/O lock; the reader copies a chunk
// out under the I/O lock, releases it, and only then publishes here.
type Buffers struct {
	mu    sync.Mutex
	draw  fifo
	input fifo
	sink  Sink
}

// NewBuffers returns empty buffers.
func NewBuffers() *Buffers {
	return &Buffers{}
}

// SetSink installs or (with nil) removes the sample log sink.
func (b *Buffers) SetSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = s
}

// Sink returns the installed sink, or nil.
func (b *Buffers) Sink() Sink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sink
}

// Append publishes an output chunk, preserving order, and mirrors it to the sink.
func (b *Buffers) Append(chunk []protocol.Sample) error {
	if len(chunk) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.draw.push(chunk)
	if b.sink != nil {
		return b.sink.Record(chunk)
	}
	return nil
}

// AppendInput publishes an input chunk.
func (b *Buffers) AppendInput(chunk []protocol.Sample) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.input.push(chunk)
}

// Pull removes up to n samples from the draw queue in FIFO order.
func (b *Buffers) Pull(n int) []protocol.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.draw.pop(n)
}

// PullInput removes up to n samples from the input draw queue.
func (b *Buffers) PullInput(n int) []protocol.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.input.pop(n)
}

func (b *Buffers) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.draw.len()
}

func (b *Buffers) InputLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.input.len()
}

// Reset empties both queues.
func (b *Buffers) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.draw.reset()
	b.input.reset()
}

// Hold runs fn with the queue lock held. Used when changing run state so
// that no publish can interleave with the transition.
func (b *Buffers) Hold(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn()
}
