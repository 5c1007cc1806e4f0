package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/animus-labs/dbschedule/internal/domain"
	"github.com/animus-labs/dbschedule/internal/repo"
)

type RunStore struct {
	db       DB
	stages   *StageStore
	releases *ReleaseStore
}

const (
	runColumns = `run_id, pipeline, environment, repo_owner, repo_name, repo_branch, commit_id, commit_time, status, artifacts, overrides, versions, failure_stage_id, failure_kind, failure_message, created_at, finished_at`

	insertRunQuery = `INSERT INTO pipeline_runs (` + runColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`

	// Status may only move forward; a stale writer updates nothing.
	updateRunQuery = `UPDATE pipeline_runs SET
		commit_id = $2,
		commit_time = $3,
		status = $4,
		artifacts = $5,
		overrides = $6,
		versions = $7,
		failure_stage_id = $8,
		failure_kind = $9,
		failure_message = $10,
		finished_at = $11
	WHERE run_id = $1 AND status NOT IN ('succeeded', 'failed')`

	selectRunQuery = `SELECT ` + runColumns + ` FROM pipeline_runs WHERE run_id = $1`
)

func (s *RunStore) CreateRun(ctx context.Context, run domain.PipelineRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("run id is required")
	}
	if run.Status == "" {
		return fmt.Errorf("status is required")
	}
	args, err := runPayload(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, insertRunQuery,
		run.ID,
		run.Pipeline,
		run.Environment,
		run.Snapshot.Repository.Owner,
		run.Snapshot.Repository.Repo,
		run.Snapshot.Repository.Branch,
		nullIfEmpty(run.Snapshot.CommitID),
		args.commitTime,
		string(run.Status),
		args.artifacts,
		args.overrides,
		args.versions,
		args.failureStage,
		args.failureKind,
		args.failureMessage,
		normalizeTime(run.CreatedAt),
		nullTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) UpdateRun(ctx context.Context, run domain.PipelineRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("run id is required")
	}
	args, err := runPayload(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, updateRunQuery,
		run.ID,
		nullIfEmpty(run.Snapshot.CommitID),
		args.commitTime,
		string(run.Status),
		args.artifacts,
		args.overrides,
		args.versions,
		args.failureStage,
		args.failureKind,
		args.failureMessage,
		nullTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s is finished or does not exist: %w", run.ID, repo.ErrNotFound)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.PipelineRun, error) {
	if s == nil || s.db == nil {
		return domain.PipelineRun{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.PipelineRun{}, fmt.Errorf("run id is required")
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRunQuery, id))
	if err != nil {
		return domain.PipelineRun{}, err
	}
	if run.Stages, err = s.stages.ListStages(ctx, id); err != nil {
		return domain.PipelineRun{}, err
	}
	if run.Releases, err = s.releases.ListReleases(ctx, id); err != nil {
		return domain.PipelineRun{}, err
	}
	return run, nil
}

// ListRuns returns run headers, newest first. Stages and releases are not loaded.
func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.PipelineRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	query, args := buildRunListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.PipelineRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

func buildRunListQuery(filter repo.RunFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if p := strings.TrimSpace(filter.Pipeline); p != "" {
		args = append(args, p)
		where = append(where, fmt.Sprintf("pipeline = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + runColumns + ` FROM pipeline_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, run_id DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	return query, args
}

type runArgs struct {
	commitTime     sql.NullTime
	artifacts      []byte
	overrides      []byte
	versions       []byte
	failureStage   sql.NullString
	failureKind    sql.NullString
	failureMessage sql.NullString
}

func runPayload(run domain.PipelineRun) (runArgs, error) {
	var out runArgs
	if !run.Snapshot.Timestamp.IsZero() {
		out.commitTime = sql.NullTime{Time: run.Snapshot.Timestamp.UTC(), Valid: true}
	}
	artifacts := run.Artifacts
	if artifacts == nil {
		artifacts = []domain.Artifact{}
	}
	overrides := run.Overrides
	if overrides == nil {
		overrides = domain.ParameterOverrideSet{}
	}
	versions := run.Versions
	if versions == nil {
		versions = []domain.FunctionVersion{}
	}
	var err error
	if out.artifacts, err = json.Marshal(artifacts); err != nil {
		return runArgs{}, fmt.Errorf("marshal artifacts: %w", err)
	}
	if out.overrides, err = json.Marshal(overrides); err != nil {
		return runArgs{}, fmt.Errorf("marshal overrides: %w", err)
	}
	if out.versions, err = json.Marshal(versions); err != nil {
		return runArgs{}, fmt.Errorf("marshal versions: %w", err)
	}
	if run.Failure != nil {
		out.failureStage = nullIfEmpty(run.Failure.StageID)
		out.failureKind = nullIfEmpty(run.Failure.Kind)
		out.failureMessage = nullIfEmpty(run.Failure.Message)
	}
	return out, nil
}

func scanRun(row scanner) (domain.PipelineRun, error) {
	var (
		run            domain.PipelineRun
		status         string
		commitID       sql.NullString
		commitTime     sql.NullTime
		artifacts      []byte
		overrides      []byte
		versions       []byte
		failureStage   sql.NullString
		failureKind    sql.NullString
		failureMessage sql.NullString
		finishedAt     sql.NullTime
	)
	err := row.Scan(
		&run.ID,
		&run.Pipeline,
		&run.Environment,
		&run.Snapshot.Repository.Owner,
		&run.Snapshot.Repository.Repo,
		&run.Snapshot.Repository.Branch,
		&commitID,
		&commitTime,
		&status,
		&artifacts,
		&overrides,
		&versions,
		&failureStage,
		&failureKind,
		&failureMessage,
		&run.CreatedAt,
		&finishedAt,
	)
	if err != nil {
		return domain.PipelineRun{}, handleNotFound(err)
	}
	run.Status = domain.NormalizeRunStatus(status)
	run.Snapshot.CommitID = commitID.String
	if commitTime.Valid {
		run.Snapshot.Timestamp = commitTime.Time.UTC()
	}
	run.CreatedAt = run.CreatedAt.UTC()
	run.FinishedAt = timePtr(finishedAt)
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &run.Artifacts); err != nil {
			return domain.PipelineRun{}, fmt.Errorf("decode artifacts: %w", err)
		}
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &run.Overrides); err != nil {
			return domain.PipelineRun{}, fmt.Errorf("decode overrides: %w", err)
		}
	}
	if len(versions) > 0 {
		if err := json.Unmarshal(versions, &run.Versions); err != nil {
			return domain.PipelineRun{}, fmt.Errorf("decode versions: %w", err)
		}
	}
	if failureKind.Valid || failureStage.Valid {
		run.Failure = &domain.RunFailure{StageID: failureStage.String, Kind: failureKind.String, Message: failureMessage.String}
	}
	return run, nil
}
