package deploylock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresLocker stores leases in deploy_leases so that releaser processes
// sharing a database also share the single-flight guarantee. An expired lease
// may be taken over by another owner.
type PostgresLocker struct {
	db    DB
	clock clockwork.Clock
}

const (
	acquireLeaseQuery = `INSERT INTO deploy_leases (environment, owner, acquired_at, expires_at)
	VALUES ($1,$2,$3,$4)
	ON CONFLICT (environment) DO UPDATE
	SET owner = EXCLUDED.owner, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
	WHERE deploy_leases.expires_at <= EXCLUDED.acquired_at OR deploy_leases.owner = EXCLUDED.owner
	RETURNING owner`

	selectLeaseHolderQuery = `SELECT owner FROM deploy_leases WHERE environment = $1`

	releaseLeaseQuery = `DELETE FROM deploy_leases WHERE environment = $1 AND owner = $2`
)

func NewPostgresLocker(db DB, clock clockwork.Clock) (*PostgresLocker, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PostgresLocker{db: db, clock: clock}, nil
}

func (l *PostgresLocker) Acquire(ctx context.Context, environment, owner string, ttl time.Duration) (Lease, error) {
	if err := validate(environment, owner, ttl); err != nil {
		return Lease{}, err
	}
	now := l.clock.Now().UTC()
	lease := Lease{Environment: environment, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}

	var got string
	err := l.db.QueryRowContext(ctx, acquireLeaseQuery, environment, owner, lease.AcquiredAt, lease.ExpiresAt).Scan(&got)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return Lease{}, fmt.Errorf("acquire deploy lease: %w", err)
		}
		var holder string
		if err := l.db.QueryRowContext(ctx, selectLeaseHolderQuery, environment).Scan(&holder); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return Lease{}, fmt.Errorf("read deploy lease: %w", err)
		}
		return Lease{}, conflict(environment, holder)
	}
	return lease, nil
}

func (l *PostgresLocker) Release(ctx context.Context, lease Lease) error {
	if _, err := l.db.ExecContext(ctx, releaseLeaseQuery, lease.Environment, lease.Owner); err != nil {
		return fmt.Errorf("release deploy lease: %w", err)
	}
	return nil
}
