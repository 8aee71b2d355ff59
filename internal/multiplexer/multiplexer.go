package multiplexer

import (
	"errors"
	"sync"

	"github.com/relaypilot/aistudio-proxy/internal/relay"
)

// ErrConnectionLost is the terminal error delivered to every live queue
// when the Relay Channel's grace period expires without a reconnect.
var ErrConnectionLost = errors.New("multiplexer: relay connection lost")

// Multiplexer routes relay events to per-request queues keyed by
// request_id. Events addressed to an unknown or already-removed request id
// are dropped silently, matching the Relay Channel's framing contract.
type Multiplexer struct {
	mu     sync.Mutex
	queues map[string]*Queue
}

// New constructs an empty Multiplexer.
func New() *Multiplexer {
	return &Multiplexer{queues: make(map[string]*Queue)}
}

// CreateQueue registers a new queue for requestID and returns it. Calling
// CreateQueue twice for the same id replaces the prior queue without
// closing it; callers must not do this.
func (m *Multiplexer) CreateQueue(requestID string) *Queue {
	q := newQueue()
	m.mu.Lock()
	m.queues[requestID] = q
	m.mu.Unlock()
	return q
}

// RemoveQueue closes and unregisters the queue for requestID. It is
// idempotent: removing an unknown or already-removed id is a no-op.
func (m *Multiplexer) RemoveQueue(requestID string) {
	m.mu.Lock()
	q, ok := m.queues[requestID]
	delete(m.queues, requestID)
	m.mu.Unlock()
	if ok {
		q.Close(nil)
	}
}

// Deliver routes a single relay event to its queue. response_headers,
// chunk and error events are enqueued as-is; stream_close enqueues a
// terminal marker with no error. Any other event type, or an event whose
// request_id has no registered queue, is dropped silently.
func (m *Multiplexer) Deliver(evt relay.Event) {
	m.mu.Lock()
	q, ok := m.queues[evt.RequestID]
	m.mu.Unlock()
	if !ok {
		return
	}
	switch evt.EventType {
	case relay.EventResponseHeaders, relay.EventChunk, relay.EventError:
		q.enqueue(QueueItem{Event: evt})
	case relay.EventStreamClose:
		q.enqueue(QueueItem{Terminal: true})
	}
}

// CloseAll closes every currently registered queue with err and forgets
// them. Wired to the Relay Channel's grace-period expiry so in-flight
// requests fail fast with a terminal error instead of hanging.
func (m *Multiplexer) CloseAll(err error) {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for id, q := range m.queues {
		queues = append(queues, q)
		delete(m.queues, id)
	}
	m.mu.Unlock()
	for _, q := range queues {
		q.Close(err)
	}
}

// Len reports the number of currently registered queues, mainly for tests
// and diagnostics.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}
