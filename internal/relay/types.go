// Package relay implements the Relay Channel (C2): the single bidirectional
// websocket link to the in-browser relay script, plus the wire types shared
// with the Request Multiplexer (C3).
package relay

import "encoding/json"

// StreamingMode selects how the relay should handle the upstream call.
type StreamingMode string

const (
	StreamingReal StreamingMode = "real"
	StreamingFake StreamingMode = "fake"
)

// Request is a Relay Request frame sent from the proxy to the browser relay.
type Request struct {
	RequestID        string            `json:"request_id"`
	Method           string            `json:"method"`
	Path             string            `json:"path"`
	Headers          map[string]string `json:"headers,omitempty"`
	QueryParams      map[string]string `json:"query_params,omitempty"`
	Body             string            `json:"body,omitempty"`
	StreamingMode    StreamingMode     `json:"streaming_mode"`
	IsGenerative     bool              `json:"is_generative"`
	ResumeOnProhibit bool              `json:"resume_on_prohibit"`
	ResumeLimit      int               `json:"resume_limit"`
	ClientWantsStream bool             `json:"client_wants_stream"`
}

// CancelRequest is the proxy->relay control frame used to abort an in-flight
// upstream call when the client disconnects.
type CancelRequest struct {
	EventType string `json:"event_type"`
	RequestID string `json:"request_id"`
}

// NewCancelRequest builds a CancelRequest frame for requestID.
func NewCancelRequest(requestID string) CancelRequest {
	return CancelRequest{EventType: "cancel_request", RequestID: requestID}
}

// EventType enumerates the relay->proxy tagged union discriminator.
type EventType string

const (
	EventResponseHeaders EventType = "response_headers"
	EventChunk           EventType = "chunk"
	EventError           EventType = "error"
	EventStreamClose     EventType = "stream_close"
	EventCancelRequest   EventType = "cancel_request"
)

// Event is a relay->proxy frame, parsed generically; callers inspect
// EventType to decide which typed payload to read.
type Event struct {
	EventType EventType       `json:"event_type"`
	RequestID string          `json:"request_id"`
	Status    int             `json:"status,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Data      string          `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// ParseEvent decodes a single JSON text frame into an Event. Frames without
// a request_id are considered malformed and return ok=false so the caller
// can drop them silently per the Relay Channel framing contract.
func ParseEvent(raw []byte) (Event, bool) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Event{}, false
	}
	if evt.RequestID == "" {
		return Event{}, false
	}
	return evt, true
}
