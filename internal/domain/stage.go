package domain

import (
	"strings"
	"time"
)

type StageKind string

const (
	StageKindSource  StageKind = "source"
	StageKindBuild   StageKind = "build"
	StageKindDeploy  StageKind = "deploy"
	StageKindRelease StageKind = "release"
)

type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
)

func (s StageStatus) Terminal() bool {
	return s == StageStatusSucceeded || s == StageStatusFailed
}

func NormalizeStageStatus(value string) StageStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(StageStatusPending), "":
		return StageStatusPending
	case string(StageStatusRunning):
		return StageStatusRunning
	case string(StageStatusSucceeded):
		return StageStatusSucceeded
	case string(StageStatusFailed):
		return StageStatusFailed
	default:
		return ""
	}
}

// CanTransitionStage enforces forward-only stage progression.
// A pending stage may fail without running when its run is aborted.
func CanTransitionStage(current, next StageStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	return stageStatusOrder(current) < stageStatusOrder(next)
}

func stageStatusOrder(status StageStatus) int {
	switch status {
	case StageStatusPending:
		return 1
	case StageStatusRunning:
		return 2
	case StageStatusSucceeded, StageStatusFailed:
		return 3
	default:
		return 0
	}
}

// StageExecution is the per-run instance of a stage.
type StageExecution struct {
	RunID      string      `json:"run_id"`
	StageID    string      `json:"stage_id"`
	Kind       StageKind   `json:"kind"`
	Status     StageStatus `json:"status"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	ErrorCode  string      `json:"error_code,omitempty"`
	Error      string      `json:"error,omitempty"`
}

func (s StageExecution) Duration() time.Duration {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt)
}
