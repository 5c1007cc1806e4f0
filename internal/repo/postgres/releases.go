package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/dbschedule/internal/domain"
)

type ReleaseStore struct {
	db DB
}

const (
	releaseColumns = `release_id, run_id, function, alias_function, alias_name, source_version, target_version, traffic_percent, increment_percent, increment_interval_ms, stabilization_interval_ms, increment, phase, health_signal, reason, started_at, updated_at, finished_at`

	// Terminal releases are final; later writes for them are dropped.
	upsertReleaseQuery = `INSERT INTO releases (` + releaseColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	ON CONFLICT (release_id) DO UPDATE SET
		source_version = EXCLUDED.source_version,
		traffic_percent = EXCLUDED.traffic_percent,
		increment = EXCLUDED.increment,
		phase = EXCLUDED.phase,
		health_signal = EXCLUDED.health_signal,
		reason = EXCLUDED.reason,
		updated_at = EXCLUDED.updated_at,
		finished_at = EXCLUDED.finished_at
	WHERE releases.phase NOT IN ('completed', 'rolled_back', 'failed')`

	listReleasesByRunQuery = `SELECT ` + releaseColumns + `
	 FROM releases
	 WHERE run_id = $1
	 ORDER BY function ASC, started_at ASC`
)

func NewReleaseStore(db DB) *ReleaseStore {
	if db == nil {
		return nil
	}
	return &ReleaseStore{db: db}
}

func (s *ReleaseStore) SaveRelease(ctx context.Context, state domain.ReleaseState) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("release store not initialized")
	}
	if strings.TrimSpace(state.ID) == "" {
		return fmt.Errorf("release id is required")
	}
	if state.Phase == "" {
		return fmt.Errorf("phase is required")
	}
	_, err := s.db.ExecContext(ctx, upsertReleaseQuery,
		state.ID,
		state.RunID,
		state.Function,
		state.Alias.FunctionName,
		state.Alias.Name,
		state.SourceVersion,
		state.TargetVersion,
		state.TrafficPercentToTarget,
		state.IncrementPercent,
		state.IncrementInterval.Milliseconds(),
		state.StabilizationInterval.Milliseconds(),
		state.Increment,
		string(state.Phase),
		nullIfEmpty(state.HealthSignal),
		nullIfEmpty(state.Reason),
		normalizeTime(state.StartedAt),
		normalizeTime(state.UpdatedAt),
		nullTime(state.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert release: %w", err)
	}
	return nil
}

func (s *ReleaseStore) ListReleases(ctx context.Context, runID string) ([]domain.ReleaseState, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("release store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(ctx, listReleasesByRunQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ReleaseState, 0)
	for rows.Next() {
		state, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	return out, nil
}

func scanRelease(row scanner) (domain.ReleaseState, error) {
	var (
		state           domain.ReleaseState
		intervalMS      int64
		stabilizationMS int64
		phase           string
		signal          sql.NullString
		reason          sql.NullString
		finishedAt      sql.NullTime
	)
	err := row.Scan(
		&state.ID,
		&state.RunID,
		&state.Function,
		&state.Alias.FunctionName,
		&state.Alias.Name,
		&state.SourceVersion,
		&state.TargetVersion,
		&state.TrafficPercentToTarget,
		&state.IncrementPercent,
		&intervalMS,
		&stabilizationMS,
		&state.Increment,
		&phase,
		&signal,
		&reason,
		&state.StartedAt,
		&state.UpdatedAt,
		&finishedAt,
	)
	if err != nil {
		return domain.ReleaseState{}, handleNotFound(err)
	}
	state.IncrementInterval = time.Duration(intervalMS) * time.Millisecond
	state.StabilizationInterval = time.Duration(stabilizationMS) * time.Millisecond
	state.Phase = domain.NormalizeReleasePhase(phase)
	state.HealthSignal = signal.String
	state.Reason = reason.String
	state.StartedAt = state.StartedAt.UTC()
	state.UpdatedAt = state.UpdatedAt.UTC()
	state.FinishedAt = timePtr(finishedAt)
	return state, nil
}
