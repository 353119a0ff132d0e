package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openshelf/callgate/pkg/auth"
	"github.com/openshelf/callgate/pkg/observability"
	"github.com/openshelf/callgate/pkg/ops"
	"github.com/openshelf/callgate/pkg/protocol"
	"github.com/openshelf/callgate/pkg/registry"
	"github.com/openshelf/callgate/pkg/schema"
)

// defaultSyncBudget bounds sync handlers whose descriptor sets no
// maxSyncMs.
const defaultSyncBudget = 2 * time.Second

// Response is the dispatcher's verdict: an HTTP status plus the exact
// envelope bytes. Serializing here keeps idempotent replays
// byte-identical.
type Response struct {
	Status   int
	Body     []byte
	Location string // set for 303 media redirects
}

// Dispatcher is the linear pipeline that exits at the first decisive
// outcome: parse, lookup, deprecation gate, auth, idempotency replay,
// validation, execution, response shaping, idempotency record.
type Dispatcher struct {
	reg       *registry.Registry
	validator *schema.Validator
	tokens    *auth.Store
	store     *ops.Store
	pool      *ops.Pool
	handlers  *HandlerSet
	idem      IdempotencyStore
	keys      *keyedMutex
	obs       *observability.Provider
	logger    *slog.Logger
	now       func() time.Time
}

// Option adjusts dispatcher construction.
type Option func(*Dispatcher)

// WithClock overrides the dispatcher clock (deprecation gate).
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithObservability attaches the telemetry provider.
func WithObservability(obs *observability.Provider) Option {
	return func(d *Dispatcher) { d.obs = obs }
}

// New assembles a dispatcher over its collaborators.
func New(reg *registry.Registry, validator *schema.Validator, tokens *auth.Store,
	store *ops.Store, pool *ops.Pool, handlers *HandlerSet, idem IdempotencyStore,
	opts ...Option) *Dispatcher {

	d := &Dispatcher{
		reg:       reg,
		validator: validator,
		tokens:    tokens,
		store:     store,
		pool:      pool,
		handlers:  handlers,
		idem:      idem,
		keys:      newKeyedMutex(),
		logger:    slog.Default().With("component", "dispatcher"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs one envelope through the pipeline.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte, authHeader string) Response {
	// 1. Envelope parse.
	call, perr := protocol.ParseCall(body)
	if perr != nil {
		return d.respond(http.StatusBadRequest, protocol.Failed(uuid.NewString(), perr))
	}

	requestID := protocol.EnsureRequestID(call.Ctx.RequestID)
	sessionID := call.Ctx.SessionID

	var finish func(error)
	if d.obs != nil {
		ctx, finish = d.obs.TrackOperation(ctx, "call.dispatch",
			attribute.String("call.op", call.Op))
	}
	resp := d.dispatch(ctx, call, requestID, sessionID, authHeader)
	if finish != nil {
		var err error
		if resp.Status >= http.StatusInternalServerError {
			err = fmt.Errorf("dispatch failed with status %d", resp.Status)
		}
		finish(err)
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, call *protocol.Call, requestID, sessionID, authHeader string) Response {
	fail := func(status int, err *protocol.Error) Response {
		return d.respond(status, protocol.Failed(requestID, err).WithSession(sessionID))
	}

	// 2. Operation lookup: exact and case-sensitive.
	desc, err := d.reg.Lookup(call.Op)
	if err != nil {
		return fail(http.StatusBadRequest,
			protocol.NewErrorf(protocol.CodeUnknownOperation, "unknown operation %q", call.Op))
	}

	// 3. Deprecation gate.
	if desc.Removed(d.now()) {
		return fail(http.StatusGone,
			protocol.NewErrorf(protocol.CodeOpRemoved,
				"%s was removed on %s", desc.Op, desc.Sunset).
				WithCause(map[string]any{"replacement": desc.Replacement, "sunset": desc.Sunset}))
	}

	// 4. Authentication and scope check.
	var principal *auth.Principal
	if len(desc.AuthScopes) > 0 {
		p, ok := d.tokens.Resolve(authHeader)
		if !ok {
			return fail(http.StatusUnauthorized,
				protocol.NewError(protocol.CodeAuthRequired, "a valid bearer token is required"))
		}
		if missing := p.Scopes.Missing(desc.AuthScopes); len(missing) > 0 {
			return fail(http.StatusForbidden,
				protocol.NewError(protocol.CodeInsufficientScopes, "token is missing required scopes").
					WithCause(map[string]any{"missing": missing}))
		}
		principal = p
		ctx = auth.WithPrincipal(ctx, p)
	}

	req := Request{Op: call.Op, Args: call.Args, Principal: principal, RequestID: requestID}

	// 5. Idempotency replay. The per-key lock is held through execution
	// so two concurrent arrivals cannot both run the handler.
	replayEligible := desc.SideEffecting && call.Ctx.IdempotencyKey != ""
	var storageKey string
	if replayEligible {
		storageKey = idempotencyKey(call.Op, call.Ctx.IdempotencyKey, req.Subject())
		release := d.keys.Lock(storageKey)
		defer release()

		cached, found, err := d.idem.Get(ctx, storageKey)
		if err != nil {
			d.logger.Error("idempotency lookup failed", "op", call.Op, "error", err)
		} else if found {
			return Response{Status: cached.Status, Body: cached.Body}
		}
	}
	if desc.IdempotencyRequired && call.Ctx.IdempotencyKey == "" {
		return fail(http.StatusBadRequest,
			protocol.NewErrorf(protocol.CodeInvalidEnvelope,
				"%s requires ctx.idempotencyKey", desc.Op))
	}

	// 6. Argument validation.
	args, verr := d.validator.Validate(call.Op, call.Args)
	if verr != nil {
		return fail(http.StatusBadRequest, verr)
	}
	req.Args = args

	// 7. Execute by execution model.
	var resp Response
	switch desc.ExecutionModel {
	case registry.ExecSync:
		resp = d.execSync(ctx, desc, req, sessionID)
	case registry.ExecAsync:
		resp = d.execAsync(ctx, desc, req, sessionID)
	case registry.ExecStream:
		resp = d.execStream(ctx, desc, req, sessionID)
	default:
		resp = fail(http.StatusInternalServerError,
			protocol.NewError(protocol.CodeInternal, "descriptor has no runnable execution model"))
	}

	// 8. Record idempotency for terminal outcomes only.
	if replayEligible && terminal(resp.Status) {
		if err := d.idem.Put(ctx, storageKey, StoredOutcome{Status: resp.Status, Body: resp.Body}); err != nil {
			d.logger.Error("idempotency record failed", "op", call.Op, "error", err)
		}
	}
	return resp
}

// terminal reports whether the response is replayable: sync completion,
// domain error or media redirect. Accepted and streaming are not.
func terminal(status int) bool {
	return status == http.StatusOK || status == http.StatusSeeOther
}

func (d *Dispatcher) execSync(ctx context.Context, desc *registry.Descriptor, req Request, sessionID string) Response {
	handler, err := d.handlers.lookupSync(req.Op)
	if err != nil {
		d.logger.Error("handler missing", "op", req.Op)
		return d.internal(req.RequestID, sessionID, nil)
	}

	budget := defaultSyncBudget
	if desc.MaxSyncMs > 0 {
		budget = time.Duration(desc.MaxSyncMs) * time.Millisecond
	}
	cctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("sync handler panicked", "op", req.Op, "panic", r)
				done <- nil
			}
		}()
		done <- handler.Invoke(cctx, req)
	}()

	var outcome Outcome
	select {
	case outcome = <-done:
		if outcome == nil {
			return d.internal(req.RequestID, sessionID, nil)
		}
	case <-cctx.Done():
		// Budget exceeded: a contract violation, not a domain error.
		return d.internal(req.RequestID, sessionID,
			map[string]any{"timeoutMs": budget.Milliseconds()})
	}

	switch out := outcome.(type) {
	case Result:
		raw, err := json.Marshal(out.Value)
		if err != nil {
			d.logger.Error("result serialization failed", "op", req.Op, "error", err)
			return d.internal(req.RequestID, sessionID, nil)
		}
		return d.respond(http.StatusOK, protocol.Complete(req.RequestID, raw).WithSession(sessionID))
	case DomainError:
		return d.respond(http.StatusOK, protocol.Failed(req.RequestID, out.Err).WithSession(sessionID))
	case Redirect:
		resp := d.respond(http.StatusSeeOther, protocol.Redirect(req.RequestID, out.URI).WithSession(sessionID))
		resp.Location = out.URI
		return resp
	default:
		return d.internal(req.RequestID, sessionID, nil)
	}
}

func (d *Dispatcher) execAsync(ctx context.Context, desc *registry.Descriptor, req Request, sessionID string) Response {
	handler, err := d.handlers.lookupAsync(req.Op)
	if err != nil {
		d.logger.Error("handler missing", "op", req.Op)
		return d.internal(req.RequestID, sessionID, nil)
	}

	// A reused live requestId would violate the one-instance invariant;
	// mint a fresh one instead.
	if _, exists := d.store.Lookup(req.RequestID); exists {
		req.RequestID = uuid.NewString()
	}

	ttl := time.Duration(desc.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	view := d.store.Create(req.Op, req.RequestID, ttl)

	handle := &storeHandle{store: d.store, requestID: view.RequestID}
	submitted := d.pool.Submit(func(taskCtx context.Context) {
		handler.Run(taskCtx, req, handle)
	})
	if !submitted {
		_ = d.store.Fail(view.RequestID,
			protocol.NewError(protocol.CodeInternal, "worker pool is shut down"))
	}

	env := protocol.Accepted(view.RequestID, "/ops/"+view.RequestID, view.RetryAfterMs).WithSession(sessionID)
	return d.respond(http.StatusAccepted, env)
}

func (d *Dispatcher) execStream(ctx context.Context, _ *registry.Descriptor, req Request, sessionID string) Response {
	handler, err := d.handlers.lookupStream(req.Op)
	if err != nil {
		d.logger.Error("handler missing", "op", req.Op)
		return d.internal(req.RequestID, sessionID, nil)
	}
	info, serr := handler.Open(ctx, req)
	if serr != nil {
		return d.respond(http.StatusOK, protocol.Failed(req.RequestID, serr).WithSession(sessionID))
	}
	return d.respond(http.StatusAccepted, protocol.Streaming(req.RequestID, info))
}

// storeHandle binds an AsyncHandle to one instance in the store.
type storeHandle struct {
	store     *ops.Store
	requestID string
}

func (h *storeHandle) Start() error { return h.store.Start(h.requestID) }

func (h *storeHandle) Complete(result any) error { return h.store.Complete(h.requestID, result) }

func (h *storeHandle) Fail(err *protocol.Error) error { return h.store.Fail(h.requestID, err) }

func (d *Dispatcher) internal(requestID, sessionID string, cause any) Response {
	err := protocol.NewError(protocol.CodeInternal, "the operation could not be completed")
	if cause != nil {
		err = err.WithCause(cause)
	}
	return d.respond(http.StatusInternalServerError,
		protocol.Failed(requestID, err).WithSession(sessionID))
}

// respond serializes the envelope. Serialization failure is the one
// unrecoverable fault; it still answers with a wrapped envelope.
func (d *Dispatcher) respond(status int, env protocol.Envelope) Response {
	body, err := json.Marshal(env)
	if err != nil {
		d.logger.Error("envelope serialization failed", "error", err)
		fallback, _ := json.Marshal(protocol.Failed(env.RequestID,
			protocol.NewError(protocol.CodeInternal, "response serialization failed")))
		return Response{Status: http.StatusInternalServerError, Body: fallback}
	}
	return Response{Status: status, Body: body}
}
