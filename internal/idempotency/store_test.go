package idempotency

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/memoright/memoright-ops/model"
)

func testResponse() Response {
	return Response{
		Status: http.StatusOK,
		Plan: model.Plan{
			ID:     "db-failover",
			Name:   "Database failover",
			Status: model.StatusCompleted,
			Steps:  []model.Step{{ID: "verify", Status: model.StatusCompleted, Output: "ok"}},
		},
	}
}

func isConflict(err error) bool {
	var ee *model.ErrorEnvelope
	return errors.As(err, &ee) && ee.Code == model.ErrConflict
}

// runStoreContract exercises the behaviour both stores share.
func runStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	key := FormatKey("db-failover", "retry-1")
	hash := HashInput("MANUAL", "false", "alice")

	resp, found, err := store.Check(ctx, key, hash)
	if err != nil || found || resp != nil {
		t.Fatalf("Check on empty store = %v, %v, %v", resp, found, err)
	}

	if err := store.Store(ctx, key, hash, testResponse(), time.Minute); err != nil {
		t.Fatalf("Store: %v", err)
	}

	resp, found, err = store.Check(ctx, key, hash)
	if err != nil || !found {
		t.Fatalf("Check = %v, %v", found, err)
	}
	if resp.Status != http.StatusOK || resp.Plan.ID != "db-failover" || resp.Plan.Steps[0].Output != "ok" {
		t.Errorf("replayed response = %+v", resp)
	}

	_, found, err = store.Check(ctx, key, HashInput("ALERT", "false", "alice"))
	if !found || !isConflict(err) {
		t.Errorf("different input: found=%v err=%v, want CONFLICT", found, err)
	}

	_, found, _ = store.Check(ctx, FormatKey("other-plan", "retry-1"), hash)
	if found {
		t.Error("keys must be scoped per plan")
	}
}

func TestFormatKey(t *testing.T) {
	if got := FormatKey("p1", "abc"); got != "idem:p1:abc" {
		t.Errorf("FormatKey = %q", got)
	}
}

func TestHashInput(t *testing.T) {
	if HashInput("a", "b") != HashInput("a", "b") {
		t.Error("hash not stable")
	}
	if HashInput("ab", "") == HashInput("a", "b") {
		t.Error("field boundaries must affect the hash")
	}
}

// --- MemoryStore ---

func TestMemoryStore_contract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_expiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_ = s.Store(ctx, "k", "h", testResponse(), time.Minute)
	now = now.Add(2 * time.Minute)

	if _, found, _ := s.Check(ctx, "k", "h"); found {
		t.Error("expired entry should not be found")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, expired entry should be dropped", s.Len())
	}
}

func TestMemoryStore_storesCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	resp := testResponse()
	_ = s.Store(ctx, "k", "h", resp, time.Minute)
	resp.Plan.Steps[0].Output = "mutated"

	got, _, _ := s.Check(ctx, "k", "h")
	if got.Plan.Steps[0].Output != "ok" {
		t.Error("store shares the caller's plan")
	}
}

// --- RedisStore ---

func TestRedisStore_contract(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	runStoreContract(t, NewRedisStore(client))
}

func TestRedisStore_ttl(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client)
	ctx := context.Background()

	_ = s.Store(ctx, "idem:p:k", "h", testResponse(), time.Minute)
	if ttl := mr.TTL("idem:p:k"); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if _, found, _ := s.Check(ctx, "idem:p:k", "h"); found {
		t.Error("expired key should not be found")
	}
}

func TestRedisStore_errors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client)
	ctx := context.Background()

	if err := mr.Set("idem:p:bad", "{not json"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Check(ctx, "idem:p:bad", "h"); err == nil {
		t.Error("corrupt entry should fail")
	}

	_ = client.Close()
	if _, _, err := s.Check(ctx, "idem:p:k", "h"); err == nil {
		t.Error("closed client should fail Check")
	}
	if err := s.Store(ctx, "idem:p:k", "h", testResponse(), time.Minute); err == nil {
		t.Error("closed client should fail Store")
	}
}
