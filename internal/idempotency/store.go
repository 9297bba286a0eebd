// Package idempotency deduplicates plan execution requests that carry an
// Idempotency-Key header, so a retried trigger replays the first response
// instead of running the plan again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/memoright/memoright-ops/model"
)

// Response is the recorded outcome of an execution request.
type Response struct {
	Status int        `json:"status"`
	Plan   model.Plan `json:"plan"`
}

// Store provides deduplication for execution requests.
type Store interface {
	// Check looks up a previous response by key. If the key exists and the
	// input hash matches, it returns the recorded response. If the key exists
	// but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key, inputHash string) (resp *Response, found bool, err error)

	// Store records a response under key for ttl.
	Store(ctx context.Context, key, inputHash string, resp Response, ttl time.Duration) error
}

type entry struct {
	InputHash string   `json:"input_hash"`
	Response  Response `json:"response"`
}

// FormatKey builds the storage key for a client key scoped to one plan.
func FormatKey(planID, key string) string {
	return fmt.Sprintf("idem:%s:%s", planID, key)
}

// HashInput fingerprints the request fields that must match for a replay.
func HashInput(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support for single-replica
// deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check looks up a recorded response. Expired entries are dropped.
func (s *MemoryStore) Check(_ context.Context, key, inputHash string) (*Response, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if e.data.InputHash != inputHash {
		return nil, true, conflict(key)
	}

	resp := e.data.Response
	resp.Plan = resp.Plan.Clone()
	return &resp, true, nil
}

// Store records resp with ttl.
func (s *MemoryStore) Store(_ context.Context, key, inputHash string, resp Response, ttl time.Duration) error {
	resp.Plan = resp.Plan.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Response: resp},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, including expired ones.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store shared by every replica.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a recorded response in Redis.
func (s *RedisStore) Check(ctx context.Context, key, inputHash string) (*Response, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}

	if e.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	return &e.Response, true, nil
}

// Store records resp in Redis with ttl.
func (s *RedisStore) Store(ctx context.Context, key, inputHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}
