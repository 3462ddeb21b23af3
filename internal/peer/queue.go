package peer

import (
	"context"
	"sync"
)

// message is one unit of work for the processing loop: either an inbound
// wire message or a local command.
type message struct {
	data    []byte
	command func(ctx context.Context) error
	done    chan error
}

// inbox is a thread-safe FIFO feeding the single-writer loop.
//
// The inbox is unbounded so that handlers running inside the loop can
// publish follow-on events without blocking on themselves.
//
// The signal channel (buffered, size 1) coalesces wakeups and lets the loop
// wait on it alongside ctx.Done().
type inbox struct {
	mu       sync.Mutex
	messages []message
	closed   bool
	signal   chan struct{}
}

func newInbox() *inbox {
	return &inbox{
		messages: make([]message, 0, 64),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue appends m. Returns false once the inbox is closed.
func (q *inbox) Enqueue(m message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.messages = append(q.messages, m)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front message without blocking.
func (q *inbox) TryDequeue() (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return message{}, false
	}
	m := q.messages[0]
	// Release references held by the backing array.
	q.messages[0] = message{}
	if len(q.messages) == 1 {
		q.messages = q.messages[:0]
	} else {
		q.messages = q.messages[1:]
	}
	return m, true
}

// Wait signals that messages may be available. It is closed by Close.
func (q *inbox) Wait() <-chan struct{} {
	return q.signal
}

// Closed reports whether Close has been called.
func (q *inbox) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued messages.
func (q *inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Close stops accepting messages and wakes the loop.
func (q *inbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
