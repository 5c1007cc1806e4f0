package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/animus-labs/dbschedule/internal/domain"
)

func TestMemoryStoreRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 3, 4, 5, 0, 0, 0, time.UTC)

	run := domain.PipelineRun{ID: "run-1", Pipeline: "db-schedule", Environment: "prod", Status: domain.RunStatusPending, CreatedAt: now}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreateRun(ctx, run); err == nil {
		t.Fatalf("expected duplicate run to be rejected")
	}
	if err := s.SaveStage(ctx, domain.StageExecution{RunID: "run-1", StageID: "source", Kind: domain.StageKindSource, Status: domain.StageStatusSucceeded}); err != nil {
		t.Fatalf("SaveStage: %v", err)
	}
	if err := s.SaveStage(ctx, domain.StageExecution{RunID: "run-1", StageID: "source", Kind: domain.StageKindSource, Status: domain.StageStatusRunning}); err == nil {
		t.Fatalf("expected backward stage transition to be rejected")
	}
	if err := s.SaveRelease(ctx, domain.ReleaseState{ID: "rel-1", RunID: "run-1", Function: "db-startup", Phase: domain.ReleasePhaseShifting}); err != nil {
		t.Fatalf("SaveRelease: %v", err)
	}

	run.Status = domain.RunStatusSucceeded
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	run.Status = domain.RunStatusRunning
	if err := s.UpdateRun(ctx, run); err == nil {
		t.Fatalf("expected backward run transition to be rejected")
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != domain.RunStatusSucceeded || len(got.Stages) != 1 || len(got.Releases) != 1 {
		t.Fatalf("run=%+v", got)
	}
	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"run-1", "run-2", "run-3"} {
		if err := s.CreateRun(ctx, domain.PipelineRun{ID: id, Pipeline: "db-schedule", Status: domain.RunStatusPending}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}
	runs, err := s.ListRuns(ctx, RunFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-3" || runs[1].ID != "run-2" {
		t.Fatalf("runs=%+v", runs)
	}
}

func TestMemoryStorePlanIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := domain.ExecutionPlan{RunID: "run-1", Pipeline: "db-schedule", Steps: []domain.ExecutionPlanStep{{ID: "source", Kind: domain.StageKindSource}}}
	if err := s.SavePlan(ctx, p); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}
	if err := s.SavePlan(ctx, p); err != nil {
		t.Fatalf("identical SavePlan: %v", err)
	}
	changed := p
	changed.Pipeline = "other"
	if err := s.SavePlan(ctx, changed); err == nil {
		t.Fatalf("expected conflicting plan to be rejected")
	}
	got, err := s.GetPlan(ctx, "run-1")
	if err != nil || got.Pipeline != "db-schedule" || len(got.Steps) != 1 {
		t.Fatalf("plan=%+v err=%v", got, err)
	}
}
