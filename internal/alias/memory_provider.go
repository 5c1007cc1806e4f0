package alias

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/animus-labs/dbschedule/internal/domain"
)

// MemoryProvider keeps aliases in process. It is used by local runs and tests.
type MemoryProvider struct {
	mu       sync.Mutex
	aliases  map[domain.AliasKey]domain.Alias
	revision int
	history  map[domain.AliasKey][]domain.TrafficSplit
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		aliases: make(map[domain.AliasKey]domain.Alias),
		history: make(map[domain.AliasKey][]domain.TrafficSplit),
	}
}

func (p *MemoryProvider) Get(ctx context.Context, key domain.AliasKey) (domain.Alias, error) {
	if err := ctx.Err(); err != nil {
		return domain.Alias{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.aliases[key]
	if !ok {
		return domain.Alias{}, fmt.Errorf("alias %s: %w", key, domain.ErrNotFound)
	}
	return a, nil
}

func (p *MemoryProvider) Create(ctx context.Context, key domain.AliasKey, version string) (domain.Alias, error) {
	if err := ctx.Err(); err != nil {
		return domain.Alias{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.aliases[key]; ok {
		return domain.Alias{}, fmt.Errorf("alias %s already exists: %w", key, domain.ErrAliasConflict)
	}
	return p.store(key, domain.SingleVersion(version)), nil
}

func (p *MemoryProvider) Update(ctx context.Context, current domain.Alias, next domain.TrafficSplit) (domain.Alias, error) {
	if err := ctx.Err(); err != nil {
		return domain.Alias{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, ok := p.aliases[current.Key]
	if !ok {
		return domain.Alias{}, fmt.Errorf("alias %s: %w", current.Key, domain.ErrNotFound)
	}
	if existing.RevisionID != current.RevisionID {
		return domain.Alias{}, fmt.Errorf("alias %s revision %s is stale: %w", current.Key, current.RevisionID, domain.ErrAliasConflict)
	}
	return p.store(current.Key, next), nil
}

// Put seeds an alias directly.
func (p *MemoryProvider) Put(key domain.AliasKey, split domain.TrafficSplit) domain.Alias {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store(key, split)
}

// History returns every split written to key, oldest first.
func (p *MemoryProvider) History(key domain.AliasKey) []domain.TrafficSplit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.TrafficSplit(nil), p.history[key]...)
}

func (p *MemoryProvider) store(key domain.AliasKey, split domain.TrafficSplit) domain.Alias {
	p.revision++
	a := domain.Alias{Key: key, Split: split, RevisionID: strconv.Itoa(p.revision)}
	p.aliases[key] = a
	p.history[key] = append(p.history[key], split)
	return a
}
