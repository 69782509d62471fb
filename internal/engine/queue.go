package engine

import (
	"sync"

	"github.com/roach88/presence/internal/beacon"
)

// messageKind distinguishes the inputs of the engine loop.
type messageKind int

const (
	// msgObservation carries a beacon sighting from the source.
	msgObservation messageKind = iota + 1
	// msgOutOfRange is an out-of-range timer firing.
	msgOutOfRange
	// msgAbsent is an absent timer firing.
	msgAbsent
	// msgSweep is the periodic staleness sweep.
	msgSweep
)

func (k messageKind) String() string {
	switch k {
	case msgObservation:
		return "observation"
	case msgOutOfRange:
		return "out_of_range"
	case msgAbsent:
		return "absent"
	case msgSweep:
		return "sweep"
	}
	return "unknown"
}

// message is one unit of work for the loop. Timer messages carry the
// generation they were armed with; a firing whose generation no longer
// matches the armed timer is stale and ignored.
type message struct {
	kind   messageKind
	obs    beacon.Observation
	beacon string
	gen    uint64
}

// mailbox is a thread-safe FIFO of messages.
//
// The mailbox is unbounded so that timer callbacks and the observation pump
// never block on a busy loop.
//
// A buffered signal channel of size 1 coalesces wakeups and lets the loop
// wait with select alongside ctx.Done().
type mailbox struct {
	mu     sync.Mutex
	msgs   []message
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		msgs:   make([]message, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Post appends m. Safe from any goroutine.
// Returns false if the mailbox is closed.
func (q *mailbox) Post(m message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.msgs = append(q.msgs, m)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryTake removes the front message without blocking.
func (q *mailbox) TryTake() (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.msgs) == 0 {
		return message{}, false
	}

	m := q.msgs[0]
	q.msgs[0] = message{}
	if len(q.msgs) == 1 {
		q.msgs = q.msgs[:0]
	} else {
		q.msgs = q.msgs[1:]
	}
	return m, true
}

// Wait returns a channel that signals when messages may be available.
// It is closed when the mailbox closes.
func (q *mailbox) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of pending messages.
func (q *mailbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// Closed reports whether Close has been called.
func (q *mailbox) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close rejects further posts and wakes the loop.
func (q *mailbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
