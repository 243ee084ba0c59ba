// Package cooldown provides TTL-guarded keys used to rate-limit corrective
// actions. The production store is Redis, whose native key TTLs survive
// controller restarts — crucial to prevent enforcement storms on startup.
// A process-local store exists for development and tests.
package cooldown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store acquires cooldown keys.
type Store interface {
	// Acquire sets key with the given TTL if it is not already held.
	// Returns true when acquired, false when the cooldown is still active.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release drops the key early.
	Release(ctx context.Context, key string) error
}

// -----------------------------------------------------------------------------
// Redis store
// -----------------------------------------------------------------------------

type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis-backed store. Keys are namespaced with prefix.
func NewRedis(client *redis.Client, prefix string) Store {
	return &redisStore{client: client, prefix: prefix}
}

func (s *redisStore) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown: acquire %s: %w", key, err)
	}
	return ok, nil
}

func (s *redisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("cooldown: release %s: %w", key, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// In-process store
// -----------------------------------------------------------------------------

type memoryStore struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemory creates a process-local store. Cooldowns do not survive
// restarts; acceptable for single-box development only.
func NewMemory() Store {
	return &memoryStore{expires: make(map[string]time.Time), now: time.Now}
}

func (s *memoryStore) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if until, ok := s.expires[key]; ok && now.Before(until) {
		return false, nil
	}
	s.expires[key] = now.Add(ttl)

	// Opportunistic sweep so the map does not grow unbounded.
	for k, until := range s.expires {
		if now.After(until) {
			delete(s.expires, k)
		}
	}
	return true, nil
}

func (s *memoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expires, key)
	return nil
}
