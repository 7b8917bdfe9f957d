package registry

import (
	"fmt"
	"slices"

	"github.com/mtzanidakis/dispatch/internal/config"
	"github.com/mtzanidakis/dispatch/internal/store"
)

// Registry holds the configured worker set in order. The store copy is
// informational; the in-memory list is authoritative.
type Registry struct {
	store   *store.Store
	workers []config.WorkerDefinition
}

func New(s *store.Store, workers []config.WorkerDefinition) *Registry {
	return &Registry{
		store:   s,
		workers: slices.Clone(workers),
	}
}

// Sync writes the worker set to the store and removes workers no longer
// configured.
func (r *Registry) Sync() error {
	if r.store == nil {
		return nil
	}
	ids := make([]string, 0, len(r.workers))
	for i, def := range r.workers {
		ids = append(ids, def.Name)

		w := &store.Worker{
			ID:          def.Name,
			Description: def.Description,
			Position:    i,
		}
		if err := r.store.SaveWorker(w); err != nil {
			return fmt.Errorf("save worker %s: %w", def.Name, err)
		}
	}

	if err := r.store.DeleteWorkersNotIn(ids); err != nil {
		return fmt.Errorf("delete stale workers: %w", err)
	}
	return nil
}

// Names returns worker names in configured order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.workers))
	for i, w := range r.workers {
		names[i] = w.Name
	}
	return names
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

func (r *Registry) Get(name string) (config.WorkerDefinition, bool) {
	for _, w := range r.workers {
		if w.Name == name {
			return w, true
		}
	}
	return config.WorkerDefinition{}, false
}

func (r *Registry) Descriptions() map[string]string {
	descs := make(map[string]string, len(r.workers))
	for _, w := range r.workers {
		descs[w.Name] = w.Description
	}
	return descs
}

// List returns the persisted worker rows.
func (r *Registry) List() ([]store.Worker, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.ListWorkers()
}
