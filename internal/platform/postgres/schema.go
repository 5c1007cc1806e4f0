package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// schema is applied in order. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		run_id TEXT PRIMARY KEY,
		pipeline TEXT NOT NULL,
		environment TEXT NOT NULL,
		repo_owner TEXT NOT NULL DEFAULT '',
		repo_name TEXT NOT NULL DEFAULT '',
		repo_branch TEXT NOT NULL DEFAULT '',
		commit_id TEXT,
		commit_time TIMESTAMPTZ,
		status TEXT NOT NULL,
		artifacts JSONB NOT NULL DEFAULT '[]'::jsonb,
		overrides JSONB NOT NULL DEFAULT '{}'::jsonb,
		versions JSONB NOT NULL DEFAULT '[]'::jsonb,
		failure_stage_id TEXT,
		failure_kind TEXT,
		failure_message TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS pipeline_runs_pipeline_created_idx ON pipeline_runs (pipeline, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS stage_executions (
		run_id TEXT NOT NULL REFERENCES pipeline_runs (run_id),
		stage_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		error_code TEXT,
		error_message TEXT,
		PRIMARY KEY (run_id, stage_id)
	)`,
	`CREATE TABLE IF NOT EXISTS execution_plans (
		run_id TEXT PRIMARY KEY REFERENCES pipeline_runs (run_id),
		plan JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS releases (
		release_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		function TEXT NOT NULL,
		alias_function TEXT NOT NULL,
		alias_name TEXT NOT NULL,
		source_version TEXT NOT NULL DEFAULT '',
		target_version TEXT NOT NULL,
		traffic_percent INTEGER NOT NULL,
		increment_percent INTEGER NOT NULL,
		increment_interval_ms BIGINT NOT NULL,
		stabilization_interval_ms BIGINT NOT NULL,
		increment INTEGER NOT NULL,
		phase TEXT NOT NULL,
		health_signal TEXT,
		reason TEXT,
		started_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS releases_run_idx ON releases (run_id)`,
	`CREATE TABLE IF NOT EXISTS pipeline_events (
		event_id TEXT PRIMARY KEY,
		occurred_at TIMESTAMPTZ NOT NULL,
		event_type TEXT NOT NULL,
		stream TEXT NOT NULL,
		environment TEXT,
		run_id TEXT,
		stage_id TEXT,
		release_id TEXT,
		message TEXT NOT NULL,
		attributes JSONB NOT NULL,
		integrity_sha256 TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS deploy_leases (
		environment TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		acquired_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS operator_audit_events (
		event_id BIGSERIAL PRIMARY KEY,
		occurred_at TIMESTAMPTZ NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		request_id TEXT,
		ip TEXT,
		user_agent TEXT,
		payload JSONB NOT NULL,
		integrity_sha256 TEXT NOT NULL
	)`,
}

// Migrate creates the tables the releaser writes to.
func Migrate(ctx context.Context, db Execer) error {
	if db == nil {
		return errors.New("database is required")
	}
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
