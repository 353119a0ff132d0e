// Package transport is the thin HTTP adapter over the dispatcher: it
// maps pipeline outcomes onto status codes and headers and serves the
// polling, chunk, discovery and token endpoints.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/openshelf/callgate/pkg/auth"
	"github.com/openshelf/callgate/pkg/dispatch"
	"github.com/openshelf/callgate/pkg/ops"
	"github.com/openshelf/callgate/pkg/protocol"
	"github.com/openshelf/callgate/pkg/registry"
)

// maxCallBody bounds the inbound envelope size.
const maxCallBody = 1 << 20

// Server wires the protocol core to HTTP. Everything stateful lives in
// the collaborators assembled by the composition root.
type Server struct {
	dispatcher *dispatch.Dispatcher
	tokens     *auth.Store
	store      *ops.Store
	reg        *registry.Registry
	stream     http.Handler
	authLimit  *IPRateLimiter
	logger     *slog.Logger
}

// New creates the HTTP surface.
func New(dispatcher *dispatch.Dispatcher, tokens *auth.Store, store *ops.Store,
	reg *registry.Registry, streamHandler http.Handler, authLimit *IPRateLimiter) *Server {
	return &Server{
		dispatcher: dispatcher,
		tokens:     tokens,
		store:      store,
		reg:        reg,
		stream:     streamHandler,
		authLimit:  authLimit,
		logger:     slog.Default().With("component", "http"),
	}
}

// Handler assembles the route table and middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	authChain := func(h http.Handler) http.Handler {
		if s.authLimit != nil {
			return s.authLimit.Middleware(h)
		}
		return h
	}
	mux.Handle("POST /auth", authChain(http.HandlerFunc(s.handleAuthHuman)))
	mux.Handle("POST /auth/agent", authChain(http.HandlerFunc(s.handleAuthAgent)))

	mux.HandleFunc("/call", s.handleCall)
	mux.HandleFunc("GET /ops/{requestId}", s.handlePoll)
	mux.HandleFunc("GET /ops/{requestId}/chunks", s.handleChunks)
	mux.HandleFunc("GET /.well-known/ops", s.handleDiscovery)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.stream != nil {
		mux.Handle("GET /stream/", s.stream)
	}

	var h http.Handler = mux
	h = CORSMiddleware(nil)(h)
	h = RequestIDMiddleware(h)
	return h
}

// --- token issuance ---

type humanAuthRequest struct {
	Username string   `json:"username"`
	Scopes   []string `json:"scopes"`
}

func (s *Server) handleAuthHuman(w http.ResponseWriter, r *http.Request) {
	var req humanAuthRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeAuthError(w, http.StatusBadRequest, protocol.CodeInvalidEnvelope, "request body must be a JSON object")
		return
	}
	grant, err := s.tokens.IssueHuman(r.Context(), req.Username, req.Scopes)
	if err != nil {
		s.logger.Error("human token issuance failed", "error", err)
		s.writeAuthError(w, http.StatusInternalServerError, protocol.CodeInternal, "token issuance failed")
		return
	}
	s.writeJSON(w, http.StatusOK, grant)
}

type agentAuthRequest struct {
	CardNumber string `json:"cardNumber"`
}

func (s *Server) handleAuthAgent(w http.ResponseWriter, r *http.Request) {
	var req agentAuthRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeAuthError(w, http.StatusBadRequest, protocol.CodeInvalidEnvelope, "request body must be a JSON object")
		return
	}
	grant, err := s.tokens.IssueAgent(r.Context(), req.CardNumber)
	switch {
	case errors.Is(err, auth.ErrInvalidCard):
		s.writeAuthError(w, http.StatusBadRequest, protocol.CodeInvalidCard, "card number does not match the canonical format")
	case errors.Is(err, auth.ErrPatronNotFound):
		s.writeAuthError(w, http.StatusNotFound, protocol.CodePatronNotFound, "no patron holds this card")
	case err != nil:
		s.logger.Error("agent token issuance failed", "error", err)
		s.writeAuthError(w, http.StatusInternalServerError, protocol.CodeInternal, "token issuance failed")
	default:
		s.writeJSON(w, http.StatusOK, grant)
	}
}

// --- the CALL entrypoint ---

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.writeEnvelope(w, http.StatusMethodNotAllowed,
			protocol.Failed(protocol.EnsureRequestID(""),
				protocol.NewError(protocol.CodeMethodNotAllowed, "/call accepts POST only")))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallBody))
	if err != nil {
		s.writeEnvelope(w, http.StatusBadRequest,
			protocol.Failed(protocol.EnsureRequestID(""),
				protocol.NewError(protocol.CodeInvalidEnvelope, "request body could not be read")))
		return
	}

	resp := s.dispatcher.Dispatch(r.Context(), body, r.Header.Get("Authorization"))
	if resp.Location != "" {
		w.Header().Set("Location", resp.Location)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// --- async polling ---

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestId")

	view, retryMs, err := s.store.Poll(requestID)
	switch {
	case errors.Is(err, ops.ErrNotFound):
		s.writeEnvelope(w, http.StatusNotFound,
			protocol.Failed(protocol.EnsureRequestID(requestID),
				protocol.NewError(protocol.CodeOperationNotFound, "no operation instance for this requestId")))
		return
	case errors.Is(err, ops.ErrRateLimited):
		s.writeRateLimited(w, requestID, retryMs)
		return
	}

	switch view.State {
	case ops.StateAccepted, ops.StatePending:
		env := protocol.Accepted(view.RequestID, "/ops/"+view.RequestID, view.RetryAfterMs)
		s.writeEnvelope(w, http.StatusAccepted, env)
	case ops.StateComplete:
		s.writeEnvelope(w, http.StatusOK, protocol.Complete(view.RequestID, view.Result))
	case ops.StateError:
		s.writeEnvelope(w, http.StatusOK, protocol.Failed(view.RequestID, view.Err))
	}
}

// chunkResponse is the wrapped chunk wire shape.
type chunkResponse struct {
	RequestID string    `json:"requestId"`
	Chunk     ops.Chunk `json:"chunk"`
}

func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestId")
	cursor := r.URL.Query().Get("cursor")

	chunk, retryMs, err := s.store.GetChunk(requestID, cursor)
	switch {
	case errors.Is(err, ops.ErrNotFound):
		s.writeEnvelope(w, http.StatusNotFound,
			protocol.Failed(protocol.EnsureRequestID(requestID),
				protocol.NewError(protocol.CodeOperationNotFound, "no operation instance for this requestId")))
		return
	case errors.Is(err, ops.ErrNotComplete):
		s.writeEnvelope(w, http.StatusBadRequest,
			protocol.Failed(protocol.EnsureRequestID(requestID),
				protocol.NewError(protocol.CodeOperationNotComplete, "operation has not completed; poll its status first")))
		return
	case errors.Is(err, ops.ErrRateLimited):
		s.writeRateLimited(w, requestID, retryMs)
		return
	case err != nil:
		s.writeEnvelope(w, http.StatusBadRequest,
			protocol.Failed(protocol.EnsureRequestID(requestID),
				protocol.NewError(protocol.CodeInvalidEnvelope, "cursor does not select a chunk")))
		return
	}

	s.writeJSON(w, http.StatusOK, chunkResponse{RequestID: requestID, Chunk: chunk})
}

func (s *Server) writeRateLimited(w http.ResponseWriter, requestID string, retryMs int) {
	env := protocol.Failed(protocol.EnsureRequestID(requestID),
		protocol.NewError(protocol.CodeRateLimited, "poll interval not elapsed"))
	env.RetryAfterMs = retryMs
	seconds := (retryMs + 999) / 1000
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	s.writeEnvelope(w, http.StatusTooManyRequests, env)
}

// --- discovery ---

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	etag := s.reg.ETag()
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=3600")

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.reg.Document())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "callVersion": s.reg.CallVersion()})
}

// --- write helpers ---

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallBody))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		// Empty bodies are accepted; every field is optional.
		return nil
	}
	return json.Unmarshal(body, v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encoding failed", "error", err)
	}
}

func (s *Server) writeEnvelope(w http.ResponseWriter, status int, env protocol.Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("envelope encoding failed", "error", err)
		http.Error(w, fmt.Sprintf(`{"state":"error","error":{"code":%q,"message":"response serialization failed"}}`,
			protocol.CodeInternal), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeAuthError emits the issuance endpoints' flat error shape.
func (s *Server) writeAuthError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": protocol.Error{Code: code, Message: message},
	})
}
