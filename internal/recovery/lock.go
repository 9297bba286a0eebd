package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ExecutionLock guards a plan against concurrent execution across replicas
// that share a PlanStore. The in-memory IN_PROGRESS check already covers a
// single process.
type ExecutionLock interface {
	// Acquire tries to take the lock for planID. It returns the owner token
	// and true on success, or false if another owner holds it.
	Acquire(ctx context.Context, planID string) (token string, acquired bool, err error)

	// Refresh pushes the expiry of a lock still held by token one TTL into
	// the future. It returns false if the lock expired or changed owner.
	Refresh(ctx context.Context, planID, token string) (held bool, err error)

	// Release frees the lock if it is still held by token.
	Release(ctx context.Context, planID, token string) error

	// TTL is how long an unrefreshed lock is held.
	TTL() time.Duration
}

// FormatLockKey builds the standard execution lock key.
func FormatLockKey(planID string) string {
	return fmt.Sprintf("recovery:lock:%s", planID)
}

// --- MemoryLock ---

// MemoryLock is an in-process ExecutionLock with TTL support.
type MemoryLock struct {
	mu      sync.Mutex
	ttl     time.Duration
	holders map[string]lockHolder
}

type lockHolder struct {
	token     string
	expiresAt time.Time
}

// NewMemoryLock creates an in-memory lock whose entries expire after ttl.
func NewMemoryLock(ttl time.Duration) *MemoryLock {
	return &MemoryLock{ttl: ttl, holders: make(map[string]lockHolder)}
}

// Acquire takes the lock unless an unexpired holder exists.
func (l *MemoryLock) Acquire(_ context.Context, planID string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.holders[planID]; ok && time.Now().Before(h.expiresAt) {
		return "", false, nil
	}
	token := uuid.New().String()
	l.holders[planID] = lockHolder{token: token, expiresAt: time.Now().Add(l.ttl)}
	return token, true, nil
}

// Refresh extends an unexpired lock held by token.
func (l *MemoryLock) Refresh(_ context.Context, planID, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.holders[planID]
	if !ok || h.token != token || !time.Now().Before(h.expiresAt) {
		return false, nil
	}
	h.expiresAt = time.Now().Add(l.ttl)
	l.holders[planID] = h
	return true, nil
}

// Release frees the lock when token matches the current holder.
func (l *MemoryLock) Release(_ context.Context, planID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.holders[planID]; ok && h.token == token {
		delete(l.holders, planID)
	}
	return nil
}

// TTL returns the lock lifetime.
func (l *MemoryLock) TTL() time.Duration { return l.ttl }

// HealthCheck always succeeds.
func (l *MemoryLock) HealthCheck(context.Context) error { return nil }

// --- RedisLock ---

// releaseScript deletes the key only when it still holds the caller's token.
// KEYS[1] = lock key
// ARGV[1] = owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript resets the key's expiry only when it still holds the caller's
// token.
// KEYS[1] = lock key
// ARGV[1] = owner token
// ARGV[2] = ttl in milliseconds
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock is a Redis-backed ExecutionLock using SET NX PX.
type RedisLock struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisLock creates a Redis-backed execution lock.
func NewRedisLock(client redis.Cmdable, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, ttl: ttl}
}

// Acquire sets the lock key if it does not exist.
func (l *RedisLock) Acquire(ctx context.Context, planID string) (string, bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, FormatLockKey(planID), token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx %q: %w", FormatLockKey(planID), err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Refresh re-arms the key's TTL if it still holds token.
func (l *RedisLock) Refresh(ctx context.Context, planID, token string) (bool, error) {
	n, err := refreshScript.Run(ctx, l.client, []string{FormatLockKey(planID)}, token, l.ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis refresh %q: %w", FormatLockKey(planID), err)
	}
	return n == 1, nil
}

// Release deletes the lock key if it still holds token.
func (l *RedisLock) Release(ctx context.Context, planID, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{FormatLockKey(planID)}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release %q: %w", FormatLockKey(planID), err)
	}
	return nil
}

// TTL returns the lock lifetime.
func (l *RedisLock) TTL() time.Duration { return l.ttl }

// HealthCheck pings Redis.
func (l *RedisLock) HealthCheck(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
