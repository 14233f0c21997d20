package venue

import (
	"sync"

	"go.uber.org/zap"

	"github.com/quantfleet/ordergate/internal/model"
)

// Registry holds the adapter for every connected venue.
type Registry struct {
	adapters map[string]Adapter
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		logger:   logger,
	}
}

// Register adds or replaces the adapter for a venue.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.adapters[a.Name()] = a
	r.logger.Info("registered venue adapter", zap.String("venue", a.Name()))
}

// Get returns the adapter for a venue.
func (r *Registry) Get(venue string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[venue]
	if !ok {
		return nil, model.ErrVenueUnknown
	}
	return a, nil
}

// List returns the names of all registered venues.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
