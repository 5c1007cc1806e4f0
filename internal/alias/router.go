// Package alias owns the traffic configuration of function aliases.
//
// The Router is the single serialization point per alias: every change is a
// compare-and-swap against the split the caller last observed.
package alias

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/animus-labs/dbschedule/internal/domain"
)

// Provider is the traffic routing backend.
type Provider interface {
	// Get returns domain.ErrNotFound when the alias does not exist.
	Get(ctx context.Context, key domain.AliasKey) (domain.Alias, error)
	Create(ctx context.Context, key domain.AliasKey, version string) (domain.Alias, error)
	// Update replaces the split only if the alias is still at current.RevisionID,
	// otherwise it returns domain.ErrAliasConflict.
	Update(ctx context.Context, current domain.Alias, next domain.TrafficSplit) (domain.Alias, error)
}

type Router struct {
	provider Provider
	observe  func(domain.Alias)

	mu      sync.Mutex
	entries map[domain.AliasKey]*entry
}

type entry struct {
	mu    sync.Mutex
	alias domain.Alias
	known bool
}

// NewRouter wraps provider. observe, if set, sees every alias the router writes.
func NewRouter(provider Provider, observe func(domain.Alias)) (*Router, error) {
	if provider == nil {
		return nil, errors.New("traffic routing provider is required")
	}
	return &Router{provider: provider, observe: observe, entries: make(map[domain.AliasKey]*entry)}, nil
}

func (r *Router) entry(key domain.AliasKey) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{}
		r.entries[key] = e
	}
	return e
}

// Get reads the alias from the provider.
func (r *Router) Get(ctx context.Context, key domain.AliasKey) (domain.Alias, error) {
	e := r.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.refresh(ctx, key, e)
}

func (r *Router) refresh(ctx context.Context, key domain.AliasKey, e *entry) (domain.Alias, error) {
	current, err := r.provider.Get(ctx, key)
	if err != nil {
		return domain.Alias{}, err
	}
	e.alias = current
	e.known = true
	return current, nil
}

// Ensure returns the alias, creating it on version when it does not exist yet.
func (r *Router) Ensure(ctx context.Context, key domain.AliasKey, version string) (domain.Alias, bool, error) {
	e := r.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := r.refresh(ctx, key, e)
	if err == nil {
		return current, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Alias{}, false, err
	}
	created, err := r.provider.Create(ctx, key, version)
	if err != nil {
		return domain.Alias{}, false, fmt.Errorf("create alias %s: %w", key, err)
	}
	e.alias = created
	e.known = true
	r.notify(created)
	return created, true, nil
}

// CompareAndSwap moves the alias from expected to next in one provider update.
// It fails with domain.ErrAliasConflict when the alias no longer matches expected.
func (r *Router) CompareAndSwap(ctx context.Context, key domain.AliasKey, expected, next domain.TrafficSplit) (domain.Alias, error) {
	if err := next.Validate(); err != nil {
		return domain.Alias{}, fmt.Errorf("alias %s: %w", key, err)
	}
	e := r.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := r.refresh(ctx, key, e)
	if err != nil {
		return domain.Alias{}, err
	}
	if current.Split != expected {
		return domain.Alias{}, fmt.Errorf("alias %s is at %+v, expected %+v: %w", key, current.Split, expected, domain.ErrAliasConflict)
	}
	if current.Split == next {
		return current, nil
	}
	updated, err := r.provider.Update(ctx, current, next)
	if err != nil {
		return domain.Alias{}, fmt.Errorf("update alias %s: %w", key, err)
	}
	e.alias = updated
	r.notify(updated)
	return updated, nil
}

// Snapshot returns the last known state of every alias the router has seen.
func (r *Router) Snapshot() []domain.Alias {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]domain.Alias, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.known {
			out = append(out, e.alias)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func (r *Router) notify(a domain.Alias) {
	if r.observe != nil {
		r.observe(a)
	}
}
