package multiplexer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaypilot/aistudio-proxy/internal/relay"
)

func TestDeliverRoutesToQueue(t *testing.T) {
	m := New()
	q := m.CreateQueue("r1")

	m.Deliver(relay.Event{EventType: relay.EventChunk, RequestID: "r1", Data: "hello"})
	item, ok := q.Dequeue(time.Second)
	require.True(t, ok)
	require.False(t, item.Terminal)
	require.Equal(t, "hello", item.Event.Data)

	m.Deliver(relay.Event{EventType: relay.EventStreamClose, RequestID: "r1"})
	item, ok = q.Dequeue(time.Second)
	require.True(t, ok)
	require.True(t, item.Terminal)
	require.Nil(t, item.Err)
}

func TestDeliverDropsUnknownRequestID(t *testing.T) {
	m := New()
	q := m.CreateQueue("r1")
	m.Deliver(relay.Event{EventType: relay.EventChunk, RequestID: "other", Data: "x"})
	_, ok := q.Dequeue(50 * time.Millisecond)
	require.False(t, ok)
}

func TestDeliverDropsUnrecognisedEventType(t *testing.T) {
	m := New()
	q := m.CreateQueue("r1")
	m.Deliver(relay.Event{EventType: "mystery", RequestID: "r1"})
	_, ok := q.Dequeue(50 * time.Millisecond)
	require.False(t, ok)
}

func TestRemoveQueueIsIdempotent(t *testing.T) {
	m := New()
	m.CreateQueue("r1")
	m.RemoveQueue("r1")
	require.NotPanics(t, func() { m.RemoveQueue("r1") })
	require.Equal(t, 0, m.Len())
}

func TestCloseAllDeliversTerminalError(t *testing.T) {
	m := New()
	q1 := m.CreateQueue("r1")
	q2 := m.CreateQueue("r2")

	m.CloseAll(ErrConnectionLost)

	item, ok := q1.Dequeue(time.Second)
	require.True(t, ok)
	require.True(t, item.Terminal)
	require.ErrorIs(t, item.Err, ErrConnectionLost)

	item, ok = q2.Dequeue(time.Second)
	require.True(t, ok)
	require.ErrorIs(t, item.Err, ErrConnectionLost)

	require.Equal(t, 0, m.Len())
}

func TestQueueDequeueTimeout(t *testing.T) {
	q := newQueue()
	_, ok := q.Dequeue(20 * time.Millisecond)
	require.False(t, ok)
}
