package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// State describes the Relay Channel's connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateGracePeriod
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateGracePeriod:
		return "grace_period"
	default:
		return "disconnected"
	}
}

// DefaultGracePeriod is the window a disconnected relay has to reconnect
// before in-flight queues are torn down.
const DefaultGracePeriod = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // guards writes; gorilla/websocket forbids concurrent writers
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Channel is the single bidirectional link to the in-browser relay script.
// At most one connection is "primary" at a time: additional simultaneous
// connections are tracked (so a later disconnect of the primary can promote
// one) but never used for outbound sends while a primary is active. This is
// the "explicit primary election" resolution of the open question in the
// specification's design notes, favored over silently sending on whichever
// connection iteration happens to return first.
type Channel struct {
	mu       sync.Mutex
	state    State
	primary  *wsConn
	tracked  []*wsConn
	grace    time.Duration
	graceTmr *time.Timer

	onEvent        func(Event)
	onConnected    func()
	onGraceExpired func()
}

// New constructs a Channel. onEvent is invoked for every well-formed frame
// received from the relay. onGraceExpired fires when a disconnect is not
// recovered within the grace window; the Request Multiplexer wires this to
// tear down all live per-request queues.
func New(onEvent func(Event), onGraceExpired func()) *Channel {
	return &Channel{
		state:          StateDisconnected,
		grace:          DefaultGracePeriod,
		onEvent:        onEvent,
		onGraceExpired: onGraceExpired,
	}
}

// SetGracePeriod overrides the default 5s reconnect grace window; intended
// for tests.
func (ch *Channel) SetGracePeriod(d time.Duration) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.grace = d
}

// OnConnected registers a callback invoked whenever a connection becomes
// primary (initial connect or promotion after the prior primary dropped).
func (ch *Channel) OnConnected(fn func()) {
	ch.mu.Lock()
	ch.onConnected = fn
	ch.mu.Unlock()
}

// IsConnected reports whether a primary connection is currently live.
func (ch *Channel) IsConnected() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state == StateConnected
}

// State returns the current connection lifecycle state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// ServeHTTP upgrades an inbound HTTP request to a websocket connection and
// registers it with the channel. It blocks until the connection closes.
func (ch *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("relay channel: upgrade failed: %v", err)
		return
	}
	wc := &wsConn{conn: conn}
	ch.registerConnection(wc)
	defer ch.unregisterConnection(wc)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		evt, ok := ParseEvent(raw)
		if !ok {
			continue // malformed frame without request_id: dropped silently
		}
		if ch.onEvent != nil {
			ch.onEvent(evt)
		}
	}
}

func (ch *Channel) registerConnection(wc *wsConn) {
	ch.mu.Lock()
	ch.tracked = append(ch.tracked, wc)
	promoted := false
	if ch.primary == nil {
		ch.primary = wc
		ch.state = StateConnected
		promoted = true
		if ch.graceTmr != nil {
			ch.graceTmr.Stop()
			ch.graceTmr = nil
		}
	} else {
		log.Warnf("relay channel: additional connection arrived while a primary is active; tracked but not used for sends")
	}
	onConnected := ch.onConnected
	ch.mu.Unlock()
	if promoted && onConnected != nil {
		onConnected()
	}
}

func (ch *Channel) unregisterConnection(wc *wsConn) {
	ch.mu.Lock()
	for i, c := range ch.tracked {
		if c == wc {
			ch.tracked = append(ch.tracked[:i], ch.tracked[i+1:]...)
			break
		}
	}
	wasPrimary := ch.primary == wc
	if !wasPrimary {
		ch.mu.Unlock()
		return
	}
	if len(ch.tracked) > 0 {
		// Promote the oldest remaining tracked connection.
		ch.primary = ch.tracked[0]
		ch.state = StateConnected
		onConnected := ch.onConnected
		ch.mu.Unlock()
		if onConnected != nil {
			onConnected()
		}
		return
	}
	ch.primary = nil
	ch.state = StateGracePeriod
	grace := ch.grace
	ch.graceTmr = time.AfterFunc(grace, ch.onGraceExpiry)
	ch.mu.Unlock()
}

func (ch *Channel) onGraceExpiry() {
	ch.mu.Lock()
	if ch.state != StateGracePeriod {
		ch.mu.Unlock()
		return
	}
	ch.state = StateDisconnected
	ch.graceTmr = nil
	cb := ch.onGraceExpired
	ch.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Send serialises and writes req to the primary connection. It returns an
// error if no primary connection is currently live.
func (ch *Channel) Send(req Request) error {
	ch.mu.Lock()
	primary := ch.primary
	ch.mu.Unlock()
	if primary == nil {
		return errNotConnected
	}
	return primary.writeJSON(req)
}

// SendCancel writes a cancel_request control frame for requestID. Failures
// are logged rather than surfaced: cancellation is best-effort.
func (ch *Channel) SendCancel(requestID string) {
	ch.mu.Lock()
	primary := ch.primary
	ch.mu.Unlock()
	if primary == nil {
		return
	}
	if err := primary.writeJSON(NewCancelRequest(requestID)); err != nil {
		log.Debugf("relay channel: failed to send cancel_request for %s: %v", requestID, err)
	}
}

type notConnectedError struct{}

func (notConnectedError) Error() string { return "relay channel: no active connection" }

var errNotConnected = notConnectedError{}

// ErrNotConnected is returned by Send when no primary relay connection is
// live.
var ErrNotConnected = errNotConnected
