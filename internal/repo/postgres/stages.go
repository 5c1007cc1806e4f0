package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/animus-labs/dbschedule/internal/domain"
)

type StageStore struct {
	db DB
}

const (
	// A terminal stage row is never overwritten.
	upsertStageQuery = `INSERT INTO stage_executions (
		run_id,
		stage_id,
		kind,
		status,
		started_at,
		finished_at,
		error_code,
		error_message
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (run_id, stage_id) DO UPDATE SET
		status = EXCLUDED.status,
		started_at = COALESCE(stage_executions.started_at, EXCLUDED.started_at),
		finished_at = EXCLUDED.finished_at,
		error_code = EXCLUDED.error_code,
		error_message = EXCLUDED.error_message
	WHERE stage_executions.status NOT IN ('succeeded', 'failed')`

	listStagesByRunQuery = `SELECT run_id, stage_id, kind, status, started_at, finished_at, error_code, error_message
	 FROM stage_executions
	 WHERE run_id = $1
	 ORDER BY stage_id ASC`
)

func NewStageStore(db DB) *StageStore {
	if db == nil {
		return nil
	}
	return &StageStore{db: db}
}

func (s *StageStore) SaveStage(ctx context.Context, stage domain.StageExecution) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("stage store not initialized")
	}
	runID := strings.TrimSpace(stage.RunID)
	stageID := strings.TrimSpace(stage.StageID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if stageID == "" {
		return fmt.Errorf("stage id is required")
	}
	if stage.Status == "" {
		return fmt.Errorf("status is required")
	}
	_, err := s.db.ExecContext(ctx, upsertStageQuery,
		runID,
		stageID,
		string(stage.Kind),
		string(stage.Status),
		nullTime(stage.StartedAt),
		nullTime(stage.FinishedAt),
		nullIfEmpty(stage.ErrorCode),
		nullIfEmpty(stage.Error),
	)
	if err != nil {
		return fmt.Errorf("upsert stage execution: %w", err)
	}
	return nil
}

func (s *StageStore) ListStages(ctx context.Context, runID string) ([]domain.StageExecution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("stage store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(ctx, listStagesByRunQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list stage executions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StageExecution, 0)
	for rows.Next() {
		var (
			stage      domain.StageExecution
			kind       string
			status     string
			startedAt  sql.NullTime
			finishedAt sql.NullTime
			errorCode  sql.NullString
			errorMsg   sql.NullString
		)
		if err := rows.Scan(&stage.RunID, &stage.StageID, &kind, &status, &startedAt, &finishedAt, &errorCode, &errorMsg); err != nil {
			return nil, handleNotFound(err)
		}
		stage.Kind = domain.StageKind(kind)
		stage.Status = domain.NormalizeStageStatus(status)
		stage.StartedAt = timePtr(startedAt)
		stage.FinishedAt = timePtr(finishedAt)
		stage.ErrorCode = errorCode.String
		stage.Error = errorMsg.String
		out = append(out, stage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stage executions: %w", err)
	}
	return out, nil
}
