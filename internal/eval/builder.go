package eval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vk/skygraph/internal/nodekey"
)

// Builder computes the value for every node whose key carries a given type
// tag. A registry dispatches by type tag to a single narrow interface,
// rather than by node subtype.
//
// Build must be deterministic for a given version and a given set of
// resolved dependency values: it must request the same deps and produce the
// same value if re-invoked with those deps unchanged. It is re-run from the
// top on every restart; it never suspends mid-execution.
//
// A return of (nil, nil) together with env.ValuesMissing() == true signals
// "restart me once my dependencies are ready", modeled as a sentinel-free
// Go convention instead of a distinguished return type, since the env
// object already carries the "missing" bit the caller must check.
type Builder interface {
	Build(ctx context.Context, key nodekey.Key, env *Environment) (any, error)
}

// BuilderFunc adapts a plain function to the Builder interface.
type BuilderFunc func(ctx context.Context, key nodekey.Key, env *Environment) (any, error)

// Build implements Builder.
func (f BuilderFunc) Build(ctx context.Context, key nodekey.Key, env *Environment) (any, error) {
	return f(ctx, key, env)
}

// Registry maps a node key's type tag to the Builder responsible for it.
// A plain map guarded by a mutex, since it may be built incrementally by
// host code that registers concurrently with engine construction. Panics
// on a duplicate registration rather than silently overwriting it.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry creates an empty builder registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register associates typeTag with b. It panics if typeTag is already
// registered — a duplicate registration is a programmer error, not a
// recoverable runtime condition.
func (r *Registry) Register(typeTag string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builders[typeTag]; exists {
		panic(fmt.Sprintf("eval: builder for type %q already registered", typeTag))
	}
	slog.Debug("Registering node builder.", "type", typeTag)
	r.builders[typeTag] = b
}

// Lookup returns the builder registered for typeTag, if any.
func (r *Registry) Lookup(typeTag string) (Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[typeTag]
	return b, ok
}
