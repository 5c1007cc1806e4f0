// Package state derives run outcomes from the plan and its stage executions.
package state

import (
	"github.com/animus-labs/dbschedule/internal/domain"
)

// DeriveRunStatus computes the run status from the source, build and deploy
// stages. Release stages are reported separately and never change it.
func DeriveRunStatus(plan *domain.ExecutionPlan, stages []domain.StageExecution) domain.RunStatus {
	if plan == nil || len(plan.Steps) == 0 {
		return domain.RunStatusPending
	}
	byID := make(map[string]domain.StageExecution, len(stages))
	for _, stage := range stages {
		byID[stage.StageID] = stage
	}

	started := false
	incomplete := false
	failed := map[string]struct{}{}
	for _, step := range plan.Steps {
		if step.Kind == domain.StageKindRelease {
			continue
		}
		stage, ok := byID[step.ID]
		if !ok {
			incomplete = true
			continue
		}
		switch stage.Status {
		case domain.StageStatusFailed:
			failed[step.ID] = struct{}{}
			started = true
		case domain.StageStatusSucceeded:
			started = true
		case domain.StageStatusRunning:
			started = true
			incomplete = true
		default:
			incomplete = true
		}
	}

	if len(failed) > 0 {
		if incomplete && hasRunningStage(plan, byID) {
			return domain.RunStatusRunning
		}
		return domain.RunStatusFailed
	}
	if incomplete {
		if started {
			return domain.RunStatusRunning
		}
		return domain.RunStatusPending
	}
	return domain.RunStatusSucceeded
}

func hasRunningStage(plan *domain.ExecutionPlan, byID map[string]domain.StageExecution) bool {
	for _, step := range plan.Steps {
		if step.Kind == domain.StageKindRelease {
			continue
		}
		if byID[step.ID].Status == domain.StageStatusRunning {
			return true
		}
	}
	return false
}

// FirstFailure returns the earliest failed stage in plan order.
func FirstFailure(plan *domain.ExecutionPlan, stages []domain.StageExecution) (domain.StageExecution, bool) {
	if plan == nil {
		return domain.StageExecution{}, false
	}
	byID := make(map[string]domain.StageExecution, len(stages))
	for _, stage := range stages {
		byID[stage.StageID] = stage
	}
	for _, step := range plan.Steps {
		if stage, ok := byID[step.ID]; ok && stage.Status == domain.StageStatusFailed {
			return stage, true
		}
	}
	return domain.StageExecution{}, false
}

// Runnable reports whether every dependency of step has succeeded.
func Runnable(plan *domain.ExecutionPlan, stepID string, stages map[string]domain.StageExecution) bool {
	for _, dep := range plan.Dependencies(stepID) {
		if stages[dep].Status != domain.StageStatusSucceeded {
			return false
		}
	}
	return true
}

// Blocked reports whether step can never run because an ancestor failed.
func Blocked(plan *domain.ExecutionPlan, stepID string, stages map[string]domain.StageExecution) bool {
	return hasFailedAncestor(plan, stepID, stages, map[string]struct{}{})
}

func hasFailedAncestor(plan *domain.ExecutionPlan, stepID string, stages map[string]domain.StageExecution, visited map[string]struct{}) bool {
	if _, ok := visited[stepID]; ok {
		return false
	}
	visited[stepID] = struct{}{}
	for _, dep := range plan.Dependencies(stepID) {
		if stages[dep].Status == domain.StageStatusFailed {
			return true
		}
		if hasFailedAncestor(plan, dep, stages, visited) {
			return true
		}
	}
	return false
}
