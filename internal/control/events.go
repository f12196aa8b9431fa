package control

import (
	"log"
	"sync"
	"time"
)

// Event is one user-facing message.
type Event struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Events is a bounded backlog of user messages. Readers poll with Since.
type Events struct {
	mu   sync.Mutex
	buf  []Event
	size int
	next uint64
}

const defaultBacklog = 256

// NewEvents keeps the last size messages.
func NewEvents(size int) *Events {
	if size <= 0 {
		size = defaultBacklog
	}
	return &Events{size: size, next: 1}
}

// Log records msg and mirrors it to the process log.
func (e *Events) Log(msg string) {
	log.Printf("[device] %s", msg)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.buf = append(e.buf, Event{Seq: e.next, Time: time.Now(), Message: msg})
	e.next++
	if len(e.buf) > e.size {
		e.buf = append(e.buf[:0], e.buf[len(e.buf)-e.size:]...)
	}
}

// Since returns messages with Seq > seq, oldest first.
func (e *Events) Since(seq uint64) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.buf {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// Last returns the sequence number of the newest message, or 0.
func (e *Events) Last() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.next - 1
}
