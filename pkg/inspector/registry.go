package inspector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/getmetamapper/metamapper-engine/pkg/apperrors"
)

// Factory opens a connected Engine for the given parameters.
type Factory func(ctx context.Context, params ConnectParams) (Engine, error)

// Registry maps engine kinds to factories. Registration is explicit and
// order-independent; the set of engines a process supports is exactly the
// set main registered, no import side effects.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for kind. Registering the same kind twice is a
// programming error and fails loudly.
func (r *Registry) Register(kind string, factory Factory) error {
	if kind == "" {
		return fmt.Errorf("engine kind must not be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory for engine %q must not be nil", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("engine %q already registered: %w", kind, apperrors.ErrConflict)
	}
	r.factories[kind] = factory
	return nil
}

// Supports reports whether kind has a registered factory.
func (r *Registry) Supports(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

// Kinds returns the registered engine kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Open creates a connected Engine for kind, or ErrEngineNotSupported if no
// factory is registered.
func (r *Registry) Open(ctx context.Context, kind string, params ConnectParams) (Engine, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("engine %q: %w", kind, apperrors.ErrEngineNotSupported)
	}
	return factory(ctx, params)
}
