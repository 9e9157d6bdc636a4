package workers

import (
	"sort"
	"sync"

	"agentfleet/pkg/errors"
)

// Registry indexes workers by name so operators can inspect and toggle them
type Registry struct {
	workers map[string]WorkerWithHealth
	mu      sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]WorkerWithHealth)}
}

// Register adds a worker. Names are unique.
func (r *Registry) Register(w WorkerWithHealth) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := w.Name()
	if _, exists := r.workers[name]; exists {
		return errors.Wrapf(errors.ErrAlreadyExists, "worker %s already registered", name)
	}
	r.workers[name] = w
	return nil
}

func (r *Registry) Get(name string) (WorkerWithHealth, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[name]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "worker %s not found", name)
	}
	return w, nil
}

// Names returns registered worker names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.workers))
	for name := range r.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetEnabled pauses or resumes a worker without restarting the scheduler
func (r *Registry) SetEnabled(name string, enabled bool) error {
	w, err := r.Get(name)
	if err != nil {
		return err
	}
	w.SetEnabled(enabled)
	return nil
}

// Health returns a snapshot of every worker's run statistics
func (r *Registry) Health() map[string]WorkerHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]WorkerHealth, len(r.workers))
	for name, w := range r.workers {
		out[name] = w.Health()
	}
	return out
}

// Unhealthy lists enabled workers whose last run failed
func (r *Registry) Unhealthy() []string {
	var names []string
	for name, h := range r.Health() {
		if h.Enabled && h.LastError != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
