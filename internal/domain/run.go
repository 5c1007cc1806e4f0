package domain

import (
	"strings"
	"time"
)

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStatusPending), "created":
		return RunStatusPending
	case string(RunStatusRunning):
		return RunStatusRunning
	case string(RunStatusSucceeded):
		return RunStatusSucceeded
	case string(RunStatusFailed):
		return RunStatusFailed
	default:
		return ""
	}
}

// CanTransitionRunStatus enforces forward-only run progression.
func CanTransitionRunStatus(current, next RunStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	return runStatusOrder(current) < runStatusOrder(next)
}

func runStatusOrder(status RunStatus) int {
	switch status {
	case RunStatusPending:
		return 1
	case RunStatusRunning:
		return 2
	case RunStatusSucceeded, RunStatusFailed:
		return 3
	default:
		return 0
	}
}

// RunFailure names the stage that failed a run and why.
type RunFailure struct {
	StageID string `json:"stage_id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// PipelineRun aggregates one end-to-end execution.
type PipelineRun struct {
	ID          string               `json:"id"`
	Pipeline    string               `json:"pipeline"`
	Environment string               `json:"environment"`
	Snapshot    SourceSnapshot       `json:"snapshot"`
	Status      RunStatus            `json:"status"`
	Stages      []StageExecution     `json:"stages"`
	Artifacts   []Artifact           `json:"artifacts,omitempty"`
	Overrides   ParameterOverrideSet `json:"overrides,omitempty"`
	Versions    []FunctionVersion    `json:"versions,omitempty"`
	Releases    []ReleaseState       `json:"releases,omitempty"`
	Failure     *RunFailure          `json:"failure,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	FinishedAt  *time.Time           `json:"finished_at,omitempty"`
}

// Stage returns the execution for stageID.
func (r PipelineRun) Stage(stageID string) (StageExecution, bool) {
	for _, s := range r.Stages {
		if s.StageID == stageID {
			return s, true
		}
	}
	return StageExecution{}, false
}
