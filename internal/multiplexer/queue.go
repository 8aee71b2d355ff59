// Package multiplexer implements the Request Multiplexer (C3): routing of
// relay events to per-request queues by request_id, and delivering them to
// the Request Pipeline consumer with a timed dequeue.
package multiplexer

import (
	"sync"
	"time"

	"github.com/relaypilot/aistudio-proxy/internal/relay"
)

// QueueItem is one unit handed to a Request Pipeline consumer: either a
// relay event, a normal end-of-stream marker, or a terminal error closing
// the queue early (connection lost, cancellation).
type QueueItem struct {
	Event    relay.Event
	Terminal bool
	Err      error
}

// Queue is a closable, single-producer/single-consumer FIFO of QueueItem,
// backed by an unbounded in-memory slice: a relay that outpaces a slow HTTP
// consumer (a stalled client mid-stream) must never lose events for that
// request, so enqueue never drops. Dequeue blocks up to a caller-supplied
// timeout so the pipeline can still enforce its own inter-chunk deadlines.
type Queue struct {
	mu     sync.Mutex
	buf    []QueueItem
	closed bool
	signal chan struct{}
}

func newQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

func (q *Queue) enqueue(item QueueItem) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.buf = append(q.buf, item)
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Close marks the queue terminal. If err is non-nil it is appended as the
// final item so the consumer can distinguish a clean end-of-stream from a
// connection loss or cancellation. Close is idempotent.
func (q *Queue) Close(err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if err != nil {
		q.buf = append(q.buf, QueueItem{Terminal: true, Err: err})
	}
	q.mu.Unlock()
	q.wake()
}

// Dequeue waits up to timeout for the next item. ok is false both on
// timeout and once the queue has been fully drained and closed.
func (q *Queue) Dequeue(timeout time.Duration) (item QueueItem, ok bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			item = q.buf[0]
			q.buf = q.buf[1:]
			q.mu.Unlock()
			return item, true
		}
		if q.closed {
			q.mu.Unlock()
			return QueueItem{}, false
		}
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return QueueItem{}, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-q.signal:
			timer.Stop()
		case <-timer.C:
			return QueueItem{}, false
		}
	}
}
