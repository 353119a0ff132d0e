// Package dispatch turns one inbound CALL envelope into exactly one of
// four outcomes: synchronous completion, domain error, asynchronous
// acceptance, or streaming upgrade.
package dispatch

import (
	"context"
	"fmt"

	"github.com/openshelf/callgate/pkg/auth"
	"github.com/openshelf/callgate/pkg/protocol"
)

// Request is the validated input handed to every handler: normalized
// args plus the authenticated principal (nil for public operations).
type Request struct {
	Op        string
	Args      map[string]any
	Principal *auth.Principal
	RequestID string
}

// Subject returns the principal's subject, or "anonymous" when the
// operation required no auth.
func (r Request) Subject() string {
	if r.Principal == nil {
		return "anonymous"
	}
	return r.Principal.Subject
}

// Outcome is what a sync handler produces: a result, a domain error, or
// a media redirect. Domain errors are not transport errors; the protocol
// still succeeded.
type Outcome interface{ isOutcome() }

// Result is a successful handler return.
type Result struct{ Value any }

// DomainError is a handler-level failure wrapped into a state:error
// envelope at HTTP 200.
type DomainError struct{ Err *protocol.Error }

// Redirect points at an external object whose URI is known; surfaced as
// HTTP 303 with a Location header.
type Redirect struct{ URI string }

func (Result) isOutcome()      {}
func (DomainError) isOutcome() {}
func (Redirect) isOutcome()    {}

// Ok wraps a result value.
func Ok(value any) Outcome { return Result{Value: value} }

// Fail wraps a domain error.
func Fail(err *protocol.Error) Outcome { return DomainError{Err: err} }

// SyncHandler executes a sync operation within its descriptor's budget.
type SyncHandler interface {
	Invoke(ctx context.Context, req Request) Outcome
}

// SyncFunc adapts a function to SyncHandler.
type SyncFunc func(ctx context.Context, req Request) Outcome

func (f SyncFunc) Invoke(ctx context.Context, req Request) Outcome { return f(ctx, req) }

// AsyncHandle is the instance-bound slice of the operation store an
// async handler drives. The store remains the source of truth.
type AsyncHandle interface {
	Start() error
	Complete(result any) error
	Fail(err *protocol.Error) error
}

// AsyncHandler performs accepted work on the background pool.
type AsyncHandler interface {
	Run(ctx context.Context, req Request, handle AsyncHandle)
}

// AsyncFunc adapts a function to AsyncHandler.
type AsyncFunc func(ctx context.Context, req Request, handle AsyncHandle)

func (f AsyncFunc) Run(ctx context.Context, req Request, handle AsyncHandle) { f(ctx, req, handle) }

// StreamHandler allocates a stream session for the handshake envelope.
type StreamHandler interface {
	Open(ctx context.Context, req Request) (*protocol.StreamInfo, *protocol.Error)
}

// StreamFunc adapts a function to StreamHandler.
type StreamFunc func(ctx context.Context, req Request) (*protocol.StreamInfo, *protocol.Error)

func (f StreamFunc) Open(ctx context.Context, req Request) (*protocol.StreamInfo, *protocol.Error) {
	return f(ctx, req)
}

// HandlerSet is the per-operation handler table, split by execution
// model so registration mistakes surface at wiring time.
type HandlerSet struct {
	sync   map[string]SyncHandler
	async  map[string]AsyncHandler
	stream map[string]StreamHandler
}

// NewHandlerSet creates an empty handler table.
func NewHandlerSet() *HandlerSet {
	return &HandlerSet{
		sync:   make(map[string]SyncHandler),
		async:  make(map[string]AsyncHandler),
		stream: make(map[string]StreamHandler),
	}
}

// Sync registers a sync handler.
func (h *HandlerSet) Sync(op string, handler SyncHandler) *HandlerSet {
	h.sync[op] = handler
	return h
}

// Async registers an async handler.
func (h *HandlerSet) Async(op string, handler AsyncHandler) *HandlerSet {
	h.async[op] = handler
	return h
}

// Stream registers a stream handler.
func (h *HandlerSet) Stream(op string, handler StreamHandler) *HandlerSet {
	h.stream[op] = handler
	return h
}

func (h *HandlerSet) lookupSync(op string) (SyncHandler, error) {
	handler, ok := h.sync[op]
	if !ok {
		return nil, fmt.Errorf("dispatch: no sync handler for %s", op)
	}
	return handler, nil
}

func (h *HandlerSet) lookupAsync(op string) (AsyncHandler, error) {
	handler, ok := h.async[op]
	if !ok {
		return nil, fmt.Errorf("dispatch: no async handler for %s", op)
	}
	return handler, nil
}

func (h *HandlerSet) lookupStream(op string) (StreamHandler, error) {
	handler, ok := h.stream[op]
	if !ok {
		return nil, fmt.Errorf("dispatch: no stream handler for %s", op)
	}
	return handler, nil
}
