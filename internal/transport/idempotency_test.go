package transport

import (
	"net/http"
	"testing"

	"github.com/memoright/memoright-ops/internal/idempotency"
	"github.com/memoright/memoright-ops/model"
)

func newIdempotentServer(t *testing.T) (*testServer, *idempotency.MemoryStore) {
	t.Helper()
	ts := newTestServer(t)
	store := idempotency.NewMemoryStore()
	ts.router = NewRouter(Dependencies{
		Registry:    ts.registry,
		Executor:    ts.executor,
		Idempotency: store,
	})
	return ts, store
}

func TestExecute_idempotencyKeyReplays(t *testing.T) {
	ts, store := newIdempotentServer(t)
	ts.register(t, rollbackPlan())

	first := ts.do(t, "POST", "/plans/rollback-web/execute", nil, IdempotencyKeyHeader, "deploy-42", ActorHeader, "alice")
	if first.Code != http.StatusOK {
		t.Fatalf("first execute: status %d: %s", first.Code, first.Body.String())
	}
	if first.Header().Get(ReplayedHeader) != "" {
		t.Error("first response should not be marked replayed")
	}
	original := decode[model.Plan](t, first)
	if store.Len() != 1 {
		t.Errorf("store entries = %d, want 1", store.Len())
	}

	second := ts.do(t, "POST", "/plans/rollback-web/execute", nil, IdempotencyKeyHeader, "deploy-42", ActorHeader, "alice")
	if second.Code != http.StatusOK || second.Header().Get(ReplayedHeader) != "true" {
		t.Fatalf("retry: status %d replayed=%q", second.Code, second.Header().Get(ReplayedHeader))
	}
	replayed := decode[model.Plan](t, second)
	if !replayed.StartTime.Equal(*original.StartTime) {
		t.Errorf("retry ran the plan again: %v vs %v", replayed.StartTime, original.StartTime)
	}

	// Same key, different input.
	w := ts.do(t, "POST", "/plans/rollback-web/execute", `{"triggerType":"ALERT"}`, IdempotencyKeyHeader, "deploy-42", ActorHeader, "alice")
	if w.Code != http.StatusConflict {
		t.Errorf("changed input: status %d, want 409", w.Code)
	}

	// A new key runs again.
	w = ts.do(t, "POST", "/plans/rollback-web/execute", nil, IdempotencyKeyHeader, "deploy-43", ActorHeader, "alice")
	if w.Code != http.StatusOK || w.Header().Get(ReplayedHeader) != "" {
		t.Errorf("new key: status %d replayed=%q", w.Code, w.Header().Get(ReplayedHeader))
	}
}

func TestExecute_failuresAreNotRecorded(t *testing.T) {
	ts, store := newIdempotentServer(t)
	plan := rollbackPlan()
	plan.Steps[0].Handler = "fail"
	ts.register(t, plan)

	w := ts.do(t, "POST", "/plans/rollback-web/execute", nil, IdempotencyKeyHeader, "k1")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", w.Code)
	}
	if store.Len() != 0 {
		t.Errorf("failed execution recorded: %d entries", store.Len())
	}
}

func TestExecute_withoutKeyIgnoresStore(t *testing.T) {
	ts, store := newIdempotentServer(t)
	ts.register(t, rollbackPlan())

	if w := ts.do(t, "POST", "/plans/rollback-web/execute", nil); w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if store.Len() != 0 {
		t.Errorf("store entries = %d, want 0", store.Len())
	}
}
