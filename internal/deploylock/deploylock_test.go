package deploylock

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/dbschedule/internal/domain"
)

func TestMemoryLockerSingleFlight(t *testing.T) {
	clock := clockwork.NewFakeClock()
	locker := NewMemoryLocker(clock)
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "prod", "run-a", time.Hour)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, "prod", "run-b", time.Hour); !errors.Is(err, domain.ErrConcurrentDeployConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := locker.Acquire(ctx, "staging", "run-b", time.Hour); err != nil {
		t.Fatalf("other environments must not conflict: %v", err)
	}
	if err := locker.Release(ctx, first); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := locker.Acquire(ctx, "prod", "run-b", time.Hour); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestMemoryLockerExpiredLeaseIsTakenOver(t *testing.T) {
	clock := clockwork.NewFakeClock()
	locker := NewMemoryLocker(clock)
	ctx := context.Background()
	if _, err := locker.Acquire(ctx, "prod", "run-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := locker.Acquire(ctx, "prod", "run-b", time.Minute); err != nil {
		t.Fatalf("expired lease must be taken over: %v", err)
	}
}

func TestPostgresLockerAcquire(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 4, 5, 0, 0, 0, time.UTC))
	locker, err := NewPostgresLocker(db, clock)
	if err != nil {
		t.Fatalf("locker: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(acquireLeaseQuery)).
		WithArgs("prod", "run-a", clock.Now(), clock.Now().Add(time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"owner"}).AddRow("run-a"))
	lease, err := locker.Acquire(context.Background(), "prod", "run-a", time.Hour)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(acquireLeaseQuery)).
		WithArgs("prod", "run-b", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"owner"}))
	mock.ExpectQuery(regexp.QuoteMeta(selectLeaseHolderQuery)).
		WithArgs("prod").
		WillReturnRows(sqlmock.NewRows([]string{"owner"}).AddRow("run-a"))
	_, err = locker.Acquire(context.Background(), "prod", "run-b", time.Hour)
	if !errors.Is(err, domain.ErrConcurrentDeployConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta(releaseLeaseQuery)).
		WithArgs("prod", "run-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := locker.Release(context.Background(), lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
