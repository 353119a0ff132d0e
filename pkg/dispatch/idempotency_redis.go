package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore keeps replay outcomes in Redis. Single-node
// deployments use the memory store; this backend exists for operators
// who already run Redis and want outcomes to survive restarts.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisIdempotencyStore wraps an existing Redis client.
func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{
		client: client,
		ttl:    ttl,
		prefix: "callgate:idem:",
	}
}

// Get fetches a cached outcome.
func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (*StoredOutcome, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: redis get: %w", err)
	}
	var out StoredOutcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, fmt.Errorf("idempotency: decode cached outcome: %w", err)
	}
	return &out, true, nil
}

// Put stores a terminal outcome with the configured TTL.
func (s *RedisIdempotencyStore) Put(ctx context.Context, key string, outcome StoredOutcome) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("idempotency: encode outcome: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: redis set: %w", err)
	}
	return nil
}
