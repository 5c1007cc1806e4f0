package release

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/dbschedule/internal/domain"
)

// DefaultRetention is how long a finished release stays listed.
const DefaultRetention = time.Hour

// Registry tracks controllers by release id. At most one active release may
// hold a given alias. Finished releases are dropped once they are older than
// the retention window; run records keep their final state.
type Registry struct {
	clock     clockwork.Clock
	retention time.Duration

	mu          sync.RWMutex
	controllers map[string]*Controller
	order       []string
}

// NewRegistry builds a registry. A nil clock means the real clock and a
// non-positive retention means DefaultRetention.
func NewRegistry(clock clockwork.Clock, retention time.Duration) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{clock: clock, retention: retention, controllers: make(map[string]*Controller)}
}

func (r *Registry) Register(c *Controller) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	id := c.ID()
	if _, ok := r.controllers[id]; ok {
		return fmt.Errorf("release %s already registered", id)
	}
	key := c.State().Alias
	for _, other := range r.controllers {
		state := other.State()
		if state.Alias == key && !state.Phase.Terminal() {
			return fmt.Errorf("alias %s is held by release %s: %w", key, state.ID, domain.ErrAliasConflict)
		}
	}
	r.controllers[id] = c
	r.order = append(r.order, id)
	return nil
}

func (r *Registry) Get(id string) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controllers[id]
	return c, ok
}

func (r *Registry) Cancel(id, reason string) error {
	c, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("release %s: %w", id, domain.ErrNotFound)
	}
	return c.Cancel(reason)
}

// List returns the state of every registered release in registration order.
func (r *Registry) List() []domain.ReleaseState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	out := make([]domain.ReleaseState, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.controllers[id].State())
	}
	return out
}

func (r *Registry) ForRun(runID string) []domain.ReleaseState {
	var out []domain.ReleaseState
	for _, state := range r.List() {
		if state.RunID == runID {
			out = append(out, state)
		}
	}
	return out
}

// pruneLocked drops terminal controllers that finished before the retention
// window. Callers hold r.mu.
func (r *Registry) pruneLocked() {
	cutoff := r.clock.Now().Add(-r.retention)
	kept := r.order[:0]
	for _, id := range r.order {
		state := r.controllers[id].State()
		if state.Phase.Terminal() && state.FinishedAt != nil && state.FinishedAt.Before(cutoff) {
			delete(r.controllers, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}
