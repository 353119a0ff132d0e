package protocol

import (
	"encoding/json"
	"regexp"
)

// CallContext carries the optional client-side correlation fields.
type CallContext struct {
	RequestID      string `json:"requestId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Call is the inbound envelope posted to /call.
type Call struct {
	Op   string         `json:"op"`
	Args map[string]any `json:"args"`
	Ctx  CallContext    `json:"ctx"`
}

// opNamePattern matches the v<major>:<namespace>.<verb> identifier form.
var opNamePattern = regexp.MustCompile(`^v[0-9]+:[a-z][a-z0-9]*\.[a-z][a-zA-Z0-9]*$`)

// ValidOpName reports whether name has the versioned operation form.
func ValidOpName(name string) bool {
	return opNamePattern.MatchString(name)
}

// ParseCall decodes an inbound envelope. The body must be a JSON object
// with a string op; anything else is INVALID_ENVELOPE.
func ParseCall(body []byte) (*Call, *Error) {
	var probe struct {
		Op json.RawMessage `json:"op"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, NewError(CodeInvalidEnvelope, "request body must be a JSON object")
	}
	if len(probe.Op) == 0 {
		return nil, NewError(CodeInvalidEnvelope, "envelope is missing the op field")
	}

	var call Call
	if err := json.Unmarshal(body, &call); err != nil {
		return nil, NewError(CodeInvalidEnvelope, "op must be a string and args an object")
	}
	if call.Op == "" {
		return nil, NewError(CodeInvalidEnvelope, "op must be a non-empty string")
	}
	if call.Args == nil {
		call.Args = map[string]any{}
	}
	return &call, nil
}
