package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StoredOutcome is the full replayable response: HTTP status plus the
// exact envelope bytes, so replays are byte-identical.
type StoredOutcome struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// IdempotencyStore records terminal outcomes keyed by
// (op, idempotencyKey, subject). Accepted responses are never cached.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*StoredOutcome, bool, error)
	Put(ctx context.Context, key string, outcome StoredOutcome) error
}

// idempotencyKey builds the storage key. Keying on the subject prevents
// cross-principal replay.
func idempotencyKey(op, key, subject string) string {
	return fmt.Sprintf("%s|%s|%s", op, key, subject)
}

// memoryEntry pairs an outcome with its cache time.
type memoryEntry struct {
	outcome  StoredOutcome
	cachedAt time.Time
}

// MemoryIdempotencyStore holds cached outcomes in memory with a TTL.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
}

// NewMemoryIdempotencyStore creates the in-memory store and starts its
// background cleanup.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
	}
	go s.cleanup()
	return s
}

func (s *MemoryIdempotencyStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		s.mu.Lock()
		for k, e := range s.entries {
			if now.Sub(e.cachedAt) > s.ttl {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// Get returns a cached outcome if present and fresh.
func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (*StoredOutcome, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || time.Since(e.cachedAt) > s.ttl {
		return nil, false, nil
	}
	out := e.outcome
	return &out, true, nil
}

// Put stores a terminal outcome.
func (s *MemoryIdempotencyStore) Put(_ context.Context, key string, outcome StoredOutcome) error {
	s.mu.Lock()
	s.entries[key] = memoryEntry{outcome: outcome, cachedAt: time.Now()}
	s.mu.Unlock()
	return nil
}

// keyedMutex serializes concurrent arrivals on the same idempotency key
// so a side-effecting handler never executes twice under one key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the per-key lock and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
