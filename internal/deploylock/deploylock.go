// Package deploylock keeps deploys single-flight per target environment.
package deploylock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/dbschedule/internal/domain"
)

type Lease struct {
	Environment string
	Owner       string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
}

// Locker hands out one lease per environment. Acquire fails with
// domain.ErrConcurrentDeployConflict while another owner holds an unexpired lease.
type Locker interface {
	Acquire(ctx context.Context, environment, owner string, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, lease Lease) error
}

func validate(environment, owner string, ttl time.Duration) error {
	if strings.TrimSpace(environment) == "" {
		return fmt.Errorf("environment is required")
	}
	if strings.TrimSpace(owner) == "" {
		return fmt.Errorf("owner is required")
	}
	if ttl <= 0 {
		return fmt.Errorf("lease ttl must be positive")
	}
	return nil
}

type MemoryLocker struct {
	clock clockwork.Clock

	mu     sync.Mutex
	leases map[string]Lease
}

func NewMemoryLocker(clock clockwork.Clock) *MemoryLocker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryLocker{clock: clock, leases: make(map[string]Lease)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, environment, owner string, ttl time.Duration) (Lease, error) {
	if err := validate(environment, owner, ttl); err != nil {
		return Lease{}, err
	}
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	now := l.clock.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.leases[environment]; ok && held.Owner != owner && held.ExpiresAt.After(now) {
		return Lease{}, conflict(environment, held.Owner)
	}
	lease := Lease{Environment: environment, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	l.leases[environment] = lease
	return lease, nil
}

func (l *MemoryLocker) Release(_ context.Context, lease Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.leases[lease.Environment]; ok && held.Owner == lease.Owner {
		delete(l.leases, lease.Environment)
	}
	return nil
}

func conflict(environment, holder string) error {
	if holder == "" {
		return fmt.Errorf("environment %s is being deployed by another run: %w", environment, domain.ErrConcurrentDeployConflict)
	}
	return fmt.Errorf("environment %s is being deployed by run %s: %w", environment, holder, domain.ErrConcurrentDeployConflict)
}
