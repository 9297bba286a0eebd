package recovery

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/memoright/memoright-ops/model"
)

var errMemoryStoreFailing = errors.New("memory store: saves disabled")

// MemoryStore is an in-memory PlanStore for testing and single-process use.
// It stores deep copies so callers cannot mutate persisted state.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string]model.Plan

	// FailSaves makes every Save return a persistence error. For testing.
	FailSaves bool
}

// NewMemoryStore creates a new in-memory plan store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: make(map[string]model.Plan)}
}

// Save stores a copy of the plan.
func (s *MemoryStore) Save(_ context.Context, plan model.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailSaves {
		return model.NewPersistenceError("save plan "+plan.ID, errMemoryStoreFailing)
	}
	s.plans[plan.ID] = plan.Clone()
	return nil
}

// LoadAll returns copies of every stored plan ordered by ID.
func (s *MemoryStore) LoadAll(_ context.Context) ([]model.Plan, []error, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil, nil
}

// Delete removes a stored plan.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.plans, id)
	return nil
}

// Get returns a copy of the stored plan. For testing.
func (s *MemoryStore) Get(id string) (model.Plan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return model.Plan{}, false
	}
	return p.Clone(), true
}

// Len returns the number of stored plans. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.plans)
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }
