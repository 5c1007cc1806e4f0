// Package postgres persists pipeline runs through database/sql and the pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/animus-labs/dbschedule/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Store is the Postgres repo.Recorder.
type Store struct {
	*RunStore
	*StageStore
	*PlanStore
	*ReleaseStore
}

var _ repo.Recorder = (*Store)(nil)

func NewStore(db DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{
		RunStore:     &RunStore{db: db, stages: NewStageStore(db), releases: NewReleaseStore(db)},
		StageStore:   NewStageStore(db),
		PlanStore:    NewPlanStore(db),
		ReleaseStore: NewReleaseStore(db),
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}
