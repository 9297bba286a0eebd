// Package recovery implements the sequential recovery plan executor: the plan
// registry, its persistence adapters, the execution lock and the event bus
// consumed by notifiers.
package recovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/memoright/memoright-ops/internal/observability"
	"github.com/memoright/memoright-ops/model"
)

// entry is the single point of truth for one plan. Every status transition
// and its persist happen while mu is held. Transitions that publish events
// also hold emit, taken before mu and released after Publish, so events reach
// subscribers in transition order. Subscribers must not call back into the
// Executor.
type entry struct {
	emit    sync.Mutex
	mu      sync.Mutex
	plan    model.Plan
	run     uint64
	deleted bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithPredefinedPlans sets the plans registered by Initialize when the store
// does not already hold a plan with the same ID.
func WithPredefinedPlans(plans []model.Plan) RegistryOption {
	return func(r *Registry) { r.predefined = plans }
}

// WithRegistryMetrics enables registry and persistence metrics.
func WithRegistryMetrics(m *observability.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// Registry holds the known plans in memory, backed by a PlanStore.
type Registry struct {
	store      PlanStore
	predefined []model.Plan
	logger     *zap.Logger
	metrics    *observability.Metrics

	mu      sync.RWMutex
	entries map[string]*entry

	initMu      sync.Mutex
	initialized atomic.Bool
}

// NewRegistry creates an empty registry. Call Initialize before serving
// traffic.
func NewRegistry(store PlanStore, logger *zap.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		store:   store,
		logger:  logger,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initialize loads persisted plans and registers predefined plans that are
// not already present. It is safe to call more than once; only the first
// successful call has any effect. Unreadable or invalid persisted entries are
// logged and skipped.
func (r *Registry) Initialize(ctx context.Context) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	if r.initialized.Load() {
		return nil
	}

	// 1. Load persisted state.
	plans, loadErrs, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load persisted plans: %w", err)
	}
	for _, le := range loadErrs {
		r.logger.Warn("skipping unreadable persisted plan", zap.Error(le))
	}

	r.mu.Lock()
	for _, p := range plans {
		if verr := validatePlan(p); verr != nil {
			r.logger.Warn("skipping invalid persisted plan",
				zap.String("plan_id", p.ID),
				zap.Error(verr),
			)
			continue
		}
		if p.Status == model.StatusInProgress {
			r.logger.Warn("plan was in progress when last persisted; cancel it before re-running",
				zap.String("plan_id", p.ID),
			)
		}
		r.entries[p.ID] = &entry{plan: p.Clone()}
	}

	// 2. Register predefined plans the store did not know about.
	var added []model.Plan
	now := time.Now().UTC()
	for _, p := range r.predefined {
		if _, exists := r.entries[p.ID]; exists {
			continue
		}
		if verr := validatePlan(p); verr != nil {
			r.logger.Warn("skipping invalid predefined plan",
				zap.String("plan_id", p.ID),
				zap.Error(verr),
			)
			continue
		}
		np := p.Clone()
		np.Reset()
		np.CreatedAt = now
		np.UpdatedAt = now
		r.entries[np.ID] = &entry{plan: np}
		added = append(added, np)
	}
	count := len(r.entries)
	r.mu.Unlock()

	for i := range added {
		_ = r.persist(ctx, &added[i])
	}

	r.setRegisteredGauge(count)
	r.initialized.Store(true)
	r.logger.Info("plan registry initialized",
		zap.Int("persisted", len(plans)),
		zap.Int("predefined_added", len(added)),
		zap.Int("load_errors", len(loadErrs)),
	)
	return nil
}

// Ready reports whether Initialize has completed.
func (r *Registry) Ready() bool {
	return r.initialized.Load()
}

// Register validates plan, stores it in memory with every step reset to
// PENDING and persists it. An existing plan with the same ID is replaced
// unless it is currently executing.
//
// A persistence failure is returned to the caller but the in-memory plan is
// kept.
func (r *Registry) Register(ctx context.Context, plan model.Plan) (model.Plan, error) {
	if err := validatePlan(plan); err != nil {
		return model.Plan{}, err
	}

	p := plan.Clone()
	p.Reset()
	now := time.Now().UTC()
	p.UpdatedAt = now

	r.mu.Lock()
	e, exists := r.entries[p.ID]
	if !exists {
		e = &entry{}
		r.entries[p.ID] = e
	}
	e.mu.Lock()
	count := len(r.entries)
	r.mu.Unlock()
	defer e.mu.Unlock()

	if exists {
		if e.plan.Status == model.StatusInProgress {
			return model.Plan{}, model.NewConflictError(
				fmt.Sprintf("plan %q is executing and cannot be replaced", p.ID),
			)
		}
		p.CreatedAt = e.plan.CreatedAt
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	e.plan = p
	r.setRegisteredGauge(count)

	if err := r.persist(ctx, &e.plan); err != nil {
		return e.plan.Clone(), err
	}
	return e.plan.Clone(), nil
}

// Get returns a snapshot of the plan with the given ID.
func (r *Registry) Get(id string) (model.Plan, error) {
	e, ok := r.lookup(id)
	if !ok {
		return model.Plan{}, notFound(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return model.Plan{}, notFound(id)
	}
	return e.plan.Clone(), nil
}

// All returns snapshots of every plan, ordered by ID.
func (r *Registry) All() []model.Plan {
	return r.List(model.PlanFilters{})
}

// List returns snapshots of the plans matching filters, ordered by ID.
func (r *Registry) List(filters model.PlanFilters) []model.Plan {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]model.Plan, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted && matches(e.plan, filters) {
			out = append(out, e.plan.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Delete removes a plan that is not executing from memory and storage.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return notFound(id)
	}
	e.mu.Lock()
	if e.plan.Status == model.StatusInProgress {
		e.mu.Unlock()
		r.mu.Unlock()
		return model.NewConflictError(fmt.Sprintf("plan %q is executing and cannot be deleted", id))
	}
	e.deleted = true
	delete(r.entries, id)
	count := len(r.entries)
	e.mu.Unlock()
	r.mu.Unlock()

	r.setRegisteredGauge(count)
	if err := r.store.Delete(context.WithoutCancel(ctx), id); err != nil {
		return model.NewPersistenceError("delete plan "+id, err)
	}
	return nil
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// persist saves plan, logging and counting failures. The caller holds the
// plan's entry lock. Saves are detached from caller cancellation so a
// dropped request does not lose a state transition.
func (r *Registry) persist(ctx context.Context, plan *model.Plan) error {
	if err := r.store.Save(context.WithoutCancel(ctx), *plan); err != nil {
		r.logger.Error("failed to persist plan",
			zap.String("plan_id", plan.ID),
			zap.String("status", string(plan.Status)),
			zap.Error(err),
		)
		if r.metrics != nil {
			r.metrics.RecordPersistenceFailure(plan.ID)
		}
		return err
	}
	return nil
}

func (r *Registry) setRegisteredGauge(n int) {
	if r.metrics != nil {
		r.metrics.SetPlansRegistered(n)
	}
}

func matches(p model.Plan, f model.PlanFilters) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Kind != "" && p.Kind != f.Kind {
		return false
	}
	return true
}

func notFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("plan %q not found", id))
}

// validatePlan checks the fields a plan needs before it can be registered.
func validatePlan(p model.Plan) error {
	var details []model.FieldError

	switch {
	case p.ID == "":
		details = append(details, model.FieldError{Field: "id", Code: "REQUIRED", Message: "plan id is required"})
	case !validPlanID(p.ID):
		details = append(details, model.FieldError{Field: "id", Code: "INVALID", Message: fmt.Sprintf("plan id %q must not be . or .. or contain path separators", p.ID)})
	}
	if p.Name == "" {
		details = append(details, model.FieldError{Field: "name", Code: "REQUIRED", Message: "plan name is required"})
	}
	if len(p.Steps) == 0 {
		details = append(details, model.FieldError{Field: "steps", Code: "REQUIRED", Message: "at least one step is required"})
	}

	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		field := fmt.Sprintf("steps[%d].id", i)
		switch {
		case s.ID == "":
			details = append(details, model.FieldError{Field: field, Code: "REQUIRED", Message: "step id is required"})
		case seen[s.ID]:
			details = append(details, model.FieldError{Field: field, Code: "DUPLICATE", Message: fmt.Sprintf("step id %q is used more than once", s.ID)})
		}
		seen[s.ID] = true
	}

	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// validPlanID reports whether id is usable as a key by every PlanStore.
// FileStore names files after it.
func validPlanID(id string) bool {
	return id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}
