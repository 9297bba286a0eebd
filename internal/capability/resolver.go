// Package capability decides which plan operations an actor may perform,
// resolving role-based capabilities from a static policy file.
package capability

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/memoright/memoright-ops/model"
)

// Capabilities guarding the plan API.
const (
	PlansRead    = "plans:read"
	PlansWrite   = "plans:write"
	PlansDelete  = "plans:delete"
	PlansExecute = "plans:execute"
	PlansCancel  = "plans:cancel"
	PlansReset   = "plans:reset"
)

// PolicyEvaluator resolves the capabilities granted to an actor.
type PolicyEvaluator interface {
	ResolveCapabilities(actor *model.Actor) (model.CapabilitySet, error)
	Sync() error
}

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver caches evaluator results per actor and role set.
type Resolver struct {
	evaluator PolicyEvaluator
	ttl       time.Duration
	mu        sync.RWMutex
	cache     map[string]cacheEntry
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator PolicyEvaluator, ttl time.Duration) *Resolver {
	return &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		cache:     make(map[string]cacheEntry),
	}
}

// cacheKey includes the roles so a token carrying new roles is not served a
// stale set.
func cacheKey(actor *model.Actor) string {
	roles := slices.Clone(actor.Roles)
	slices.Sort(roles)
	return actor.SubjectID + "|" + strings.Join(roles, ",")
}

// Resolve returns the capability set for actor. Results are cached for the
// configured TTL.
func (r *Resolver) Resolve(actor *model.Actor) (model.CapabilitySet, error) {
	key := cacheKey(actor)

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && time.Now().Before(entry.expires) {
		r.mu.RUnlock()
		return entry.caps, nil
	}
	r.mu.RUnlock()

	caps, err := r.evaluator.ResolveCapabilities(actor)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{caps: caps, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// Allowed reports whether actor holds capability. A nil actor holds nothing.
func (r *Resolver) Allowed(actor *model.Actor, capability string) (bool, error) {
	if actor == nil {
		return false, nil
	}
	caps, err := r.Resolve(actor)
	if err != nil {
		return false, err
	}
	return caps.Has(capability), nil
}

// Invalidate clears cached capabilities for the given subject.
func (r *Resolver) Invalidate(subjectID string) {
	prefix := subjectID + "|"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

// Reload re-reads the policy and drops every cached set.
func (r *Resolver) Reload() error {
	if err := r.evaluator.Sync(); err != nil {
		return err
	}
	r.mu.Lock()
	clear(r.cache)
	r.mu.Unlock()
	return nil
}
