// Package repo defines the durable records of pipeline runs.
package repo

import (
	"context"

	"github.com/animus-labs/dbschedule/internal/domain"
)

// ErrNotFound is domain.ErrNotFound so callers need not import both.
var ErrNotFound = domain.ErrNotFound

type RunFilter struct {
	Pipeline string
	Status   domain.RunStatus
	Limit    int
}

// RunRepository manages runs. Stages and releases are loaded into GetRun results.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.PipelineRun) error
	UpdateRun(ctx context.Context, run domain.PipelineRun) error
	GetRun(ctx context.Context, id string) (domain.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.PipelineRun, error)
}

type StageRepository interface {
	SaveStage(ctx context.Context, stage domain.StageExecution) error
	ListStages(ctx context.Context, runID string) ([]domain.StageExecution, error)
}

// PlanRepository stores a run's plan once; a different plan for the same run is rejected.
type PlanRepository interface {
	SavePlan(ctx context.Context, plan domain.ExecutionPlan) error
	GetPlan(ctx context.Context, runID string) (domain.ExecutionPlan, error)
}

type ReleaseRepository interface {
	SaveRelease(ctx context.Context, state domain.ReleaseState) error
	ListReleases(ctx context.Context, runID string) ([]domain.ReleaseState, error)
}

// Recorder is everything the orchestrator persists.
type Recorder interface {
	RunRepository
	StageRepository
	PlanRepository
	ReleaseRepository
}
