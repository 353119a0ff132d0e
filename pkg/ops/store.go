// Package ops is the async operation store: it owns instance lifecycle
// state, chunked result assembly and the per-instance polling gate.
package ops

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/openshelf/callgate/pkg/protocol"
)

// InstanceState is the async lifecycle tag.
type InstanceState string

const (
	StateAccepted InstanceState = "accepted"
	StatePending  InstanceState = "pending"
	StateComplete InstanceState = "complete"
	StateError    InstanceState = "error"
)

var (
	ErrNotFound          = errors.New("operation instance not found")
	ErrIllegalTransition = errors.New("illegal instance transition")
	ErrNotComplete       = errors.New("operation instance not complete")
)

// instance is the server-side record of one async invocation. All field
// access goes through the store; readers only ever see copied views.
type instance struct {
	mu           sync.Mutex
	requestID    string
	op           string
	state        InstanceState
	result       json.RawMessage
	err          *protocol.Error
	chunks       []Chunk
	createdAt    time.Time
	expiresAt    time.Time
	lastPollAt   time.Time
	retryAfterMs int
}

// View is a read-only projection of an instance.
type View struct {
	RequestID    string
	Op           string
	State        InstanceState
	Result       json.RawMessage
	Err          *protocol.Error
	RetryAfterMs int
	ExpiresAt    time.Time
}

// Store maps requestId to instance. The top-level map is guarded by a
// reader/writer lock; each instance carries its own mutex.
type Store struct {
	mu           sync.RWMutex
	instances    map[string]*instance
	retryAfterMs int
	pollInterval time.Duration
	chunkSize    int
	now          func() time.Time
	done         chan struct{}
}

// Option tweaks store construction; used by tests to shrink windows.
type Option func(*Store)

// WithPollInterval overrides the minimum interval between polls.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) { s.pollInterval = d }
}

// WithChunkSize overrides the chunk payload bound.
func WithChunkSize(n int) Option {
	return func(s *Store) { s.chunkSize = n }
}

// WithClock overrides the store clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an instance store and starts its periodic sweeper.
func NewStore(opts ...Option) *Store {
	s := &Store{
		instances:    make(map[string]*instance),
		retryAfterMs: 750,
		pollInterval: time.Second,
		chunkSize:    DefaultChunkSize,
		now:          time.Now,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweeper()
	return s
}

// Close stops the periodic sweeper.
func (s *Store) Close() { close(s.done) }

func (s *Store) sweeper() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes expired instances.
func (s *Store) Sweep() {
	now := s.now()
	s.mu.Lock()
	for id, inst := range s.instances {
		if now.After(inst.expiresAt) {
			delete(s.instances, id)
		}
	}
	s.mu.Unlock()
}

// Create allocates a new accepted instance with the descriptor's TTL.
// requestID may be empty, in which case one is minted.
func (s *Store) Create(op string, requestID string, ttl time.Duration) View {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	now := s.now()
	inst := &instance{
		requestID:    requestID,
		op:           op,
		state:        StateAccepted,
		createdAt:    now,
		expiresAt:    now.Add(ttl),
		retryAfterMs: s.retryAfterMs,
	}

	s.mu.Lock()
	s.instances[requestID] = inst
	s.mu.Unlock()

	return inst.view()
}

func (inst *instance) view() View {
	return View{
		RequestID:    inst.requestID,
		Op:           inst.op,
		State:        inst.state,
		Result:       inst.result,
		Err:          inst.err,
		RetryAfterMs: inst.retryAfterMs,
		ExpiresAt:    inst.expiresAt,
	}
}

func (s *Store) get(requestID string) (*instance, bool) {
	s.mu.RLock()
	inst, ok := s.instances[requestID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.now().After(inst.expiresAt) {
		// Lazy sweep on lookup.
		s.mu.Lock()
		delete(s.instances, requestID)
		s.mu.Unlock()
		return nil, false
	}
	return inst, true
}

// Lookup returns a read-only view without touching the poll gate.
func (s *Store) Lookup(requestID string) (View, bool) {
	inst, ok := s.get(requestID)
	if !ok {
		return View{}, false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.view(), true
}

// Start transitions accepted → pending.
func (s *Store) Start(requestID string) error {
	inst, ok := s.get(requestID)
	if !ok {
		return ErrNotFound
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != StateAccepted {
		return fmt.Errorf("%w: %s → pending", ErrIllegalTransition, inst.state)
	}
	inst.state = StatePending
	return nil
}

// Complete transitions {accepted,pending} → complete. The result is
// canonicalized, stored and split into the checksum-chained chunk list.
// Chunking is a property of the completed instance, not the handler.
func (s *Store) Complete(requestID string, result any) error {
	inst, ok := s.get(requestID)
	if !ok {
		return ErrNotFound
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("ops: serialize result: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return fmt.Errorf("ops: canonicalize result: %w", err)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != StateAccepted && inst.state != StatePending {
		return fmt.Errorf("%w: %s → complete", ErrIllegalTransition, inst.state)
	}
	inst.state = StateComplete
	inst.result = canonical
	inst.chunks = buildChunks(canonical, s.chunkSize)
	return nil
}

// Fail transitions {accepted,pending} → error.
func (s *Store) Fail(requestID string, opErr *protocol.Error) error {
	inst, ok := s.get(requestID)
	if !ok {
		return ErrNotFound
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != StateAccepted && inst.state != StatePending {
		return fmt.Errorf("%w: %s → error", ErrIllegalTransition, inst.state)
	}
	inst.state = StateError
	inst.err = opErr
	return nil
}

// Poll returns the instance view, enforcing the per-instance minimum
// interval. On a premature poll the second return carries the remaining
// wait in milliseconds, always bounded by the interval.
func (s *Store) Poll(requestID string) (View, int, error) {
	inst, ok := s.get(requestID)
	if !ok {
		return View{}, 0, ErrNotFound
	}

	now := s.now()
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if !inst.lastPollAt.IsZero() {
		if since := now.Sub(inst.lastPollAt); since < s.pollInterval {
			remaining := s.pollInterval - since
			return View{}, int(remaining.Milliseconds()), ErrRateLimited
		}
	}
	inst.lastPollAt = now
	return inst.view(), 0, nil
}

// ErrRateLimited signals a poll inside the minimum interval.
var ErrRateLimited = errors.New("poll rate limited")

// GetChunk returns exactly one chunk. An empty cursor selects the head.
// Chunk reads share the status endpoint's poll stamp: they are refused
// inside the interval but do not advance it, so the first fetch after a
// completion poll is gated while a subsequent walk is not.
func (s *Store) GetChunk(requestID, cursor string) (Chunk, int, error) {
	inst, ok := s.get(requestID)
	if !ok {
		return Chunk{}, 0, ErrNotFound
	}

	now := s.now()
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.state != StateComplete {
		return Chunk{}, 0, ErrNotComplete
	}
	if !inst.lastPollAt.IsZero() {
		if since := now.Sub(inst.lastPollAt); since < s.pollInterval {
			remaining := s.pollInterval - since
			return Chunk{}, int(remaining.Milliseconds()), ErrRateLimited
		}
	}

	offset := 0
	if cursor != "" {
		var err error
		offset, err = decodeCursor(cursor)
		if err != nil {
			return Chunk{}, 0, err
		}
	}
	for _, c := range inst.chunks {
		if c.Offset == offset {
			return c, 0, nil
		}
	}
	return Chunk{}, 0, fmt.Errorf("ops: no chunk at offset %d", offset)
}

// Chunks returns the full chunk list of a completed instance. Used by
// tests and the chunk-chain verifier; the list is copied.
func (s *Store) Chunks(requestID string) ([]Chunk, error) {
	inst, ok := s.get(requestID)
	if !ok {
		return nil, ErrNotFound
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != StateComplete {
		return nil, ErrNotComplete
	}
	out := make([]Chunk, len(inst.chunks))
	copy(out, inst.chunks)
	return out, nil
}
