package strategy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Factory builds a fresh strategy instance from the given config. Replay
// runs construct a new instance per run so no signal state leaks between
// runs; live mode constructs one at startup.
type Factory func(cfg Config, logger *slog.Logger) Strategy

// Registry manages named strategy factories. It is safe for concurrent use.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Builtin returns a Registry preloaded with every strategy this package
// ships.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register("ofi_momentum", func(cfg Config, logger *slog.Logger) Strategy {
		return NewOFIMomentum(cfg, logger)
	})
	r.Register("imbalance_reversion", func(cfg Config, logger *slog.Logger) Strategy {
		return NewImbalanceReversion(cfg, logger)
	})
	return r
}

// Register adds a factory to the registry under the given name.
// If a factory with the same name already exists it will be replaced.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New constructs a fresh strategy by name. It returns an error when the
// name is not registered.
func (r *Registry) New(name string, cfg Config, logger *slog.Logger) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy %q: not registered", name)
	}
	return f(cfg, logger), nil
}

// List returns the names of all registered strategies in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
