// Package protocol defines the wire objects of the CALL protocol: the
// inbound call envelope, the outbound state-tagged envelope, and the
// closed error taxonomy shared by the dispatcher and the HTTP surface.
package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// State tags the outbound envelope. Exactly one of result, error,
// location or stream is present, determined by the state.
type State string

const (
	StateComplete  State = "complete"
	StateError     State = "error"
	StateAccepted  State = "accepted"
	StateStreaming State = "streaming"
)

// Location points at an external or server-side resource.
type Location struct {
	URI string `json:"uri"`
}

// StreamInfo is the streaming handshake: where and how to attach.
type StreamInfo struct {
	Transport string `json:"transport"`
	Location  string `json:"location"`
	SessionID string `json:"sessionId"`
	Encoding  string `json:"encoding"`
}

// Envelope is the uniform outbound object. Construct it through the
// state-specific constructors; they keep the one-of-per-state invariant.
type Envelope struct {
	RequestID    string
	SessionID    string
	State        State
	Result       json.RawMessage
	Err          *Error
	Location     *Location
	Stream       *StreamInfo
	RetryAfterMs int
}

// envelopeWire is the serialized form. The sum type collapses to
// optional fields only at the JSON boundary.
type envelopeWire struct {
	RequestID    string          `json:"requestId"`
	SessionID    string          `json:"sessionId,omitempty"`
	State        State           `json:"state"`
	Result       json.RawMessage `json:"result,omitempty"`
	Err          *Error          `json:"error,omitempty"`
	Location     *Location       `json:"location,omitempty"`
	Stream       *StreamInfo     `json:"stream,omitempty"`
	RetryAfterMs int             `json:"retryAfterMs,omitempty"`
}

// MarshalJSON emits only the payload field matching the state tag.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := envelopeWire{
		RequestID: e.RequestID,
		SessionID: e.SessionID,
		State:     e.State,
	}
	switch e.State {
	case StateComplete:
		w.Result = e.Result
		w.Location = e.Location
	case StateError:
		w.Err = e.Err
		w.RetryAfterMs = e.RetryAfterMs
	case StateAccepted:
		w.Location = e.Location
		w.RetryAfterMs = e.RetryAfterMs
	case StateStreaming:
		w.Stream = e.Stream
	}
	return json.Marshal(w)
}

// UnmarshalJSON restores an envelope from its wire form.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Envelope{
		RequestID:    w.RequestID,
		SessionID:    w.SessionID,
		State:        w.State,
		Result:       w.Result,
		Err:          w.Err,
		Location:     w.Location,
		Stream:       w.Stream,
		RetryAfterMs: w.RetryAfterMs,
	}
	return nil
}

// Complete builds a terminal success envelope.
func Complete(requestID string, result json.RawMessage) Envelope {
	return Envelope{RequestID: requestID, State: StateComplete, Result: result}
}

// Redirect builds a complete envelope pointing at an external object.
func Redirect(requestID, uri string) Envelope {
	return Envelope{RequestID: requestID, State: StateComplete, Location: &Location{URI: uri}}
}

// Failed builds an error envelope. Domain and transport errors share
// this shape; the HTTP status decides which family it belongs to.
func Failed(requestID string, err *Error) Envelope {
	return Envelope{RequestID: requestID, State: StateError, Err: err}
}

// Accepted builds an async-acceptance envelope.
func Accepted(requestID, uri string, retryAfterMs int) Envelope {
	return Envelope{
		RequestID:    requestID,
		State:        StateAccepted,
		Location:     &Location{URI: uri},
		RetryAfterMs: retryAfterMs,
	}
}

// Streaming builds a streaming-upgrade envelope.
func Streaming(requestID string, stream *StreamInfo) Envelope {
	return Envelope{RequestID: requestID, State: StateStreaming, Stream: stream}
}

// WithSession echoes a caller-supplied session identifier verbatim.
func (e Envelope) WithSession(sessionID string) Envelope {
	e.SessionID = sessionID
	return e
}

// EnsureRequestID echoes a caller-supplied requestId when it is a valid
// UUID and mints a fresh one otherwise. The outbound envelope always
// carries one.
func EnsureRequestID(supplied string) string {
	if supplied != "" {
		if _, err := uuid.Parse(supplied); err == nil {
			return supplied
		}
	}
	return uuid.NewString()
}
