package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc performs the work of one step. It receives the step's params
// and returns a short output string recorded on the step.
type HandlerFunc func(ctx context.Context, params map[string]any) (string, error)

// HandlerRegistry maps handler names referenced by steps to their
// implementations. Plans bind work by name so they survive storage round
// trips.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]HandlerFunc)}
}

// Register binds name to fn, replacing any previous binding.
func (r *HandlerRegistry) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Lookup returns the handler bound to name.
func (r *HandlerRegistry) Lookup(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// Names returns the registered handler names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *HandlerRegistry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// errUnknownHandler is returned when a step names a handler that was never
// registered.
func errUnknownHandler(name string) error {
	return fmt.Errorf("no handler registered for %q", name)
}
