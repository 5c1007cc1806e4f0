package domain

import (
	"strings"
	"time"
)

type ReleasePhase string

const (
	ReleasePhaseInitiated  ReleasePhase = "initiated"
	ReleasePhaseShifting   ReleasePhase = "shifting"
	ReleasePhaseMonitoring ReleasePhase = "monitoring"
	ReleasePhaseCompleted  ReleasePhase = "completed"
	ReleasePhaseRolledBack ReleasePhase = "rolled_back"
	ReleasePhaseFailed     ReleasePhase = "failed"
)

func (p ReleasePhase) Terminal() bool {
	switch p {
	case ReleasePhaseCompleted, ReleasePhaseRolledBack, ReleasePhaseFailed:
		return true
	default:
		return false
	}
}

func NormalizeReleasePhase(value string) ReleasePhase {
	switch ReleasePhase(strings.ToLower(strings.TrimSpace(value))) {
	case ReleasePhaseInitiated:
		return ReleasePhaseInitiated
	case ReleasePhaseShifting:
		return ReleasePhaseShifting
	case ReleasePhaseMonitoring:
		return ReleasePhaseMonitoring
	case ReleasePhaseCompleted:
		return ReleasePhaseCompleted
	case ReleasePhaseRolledBack, "rolledback":
		return ReleasePhaseRolledBack
	case ReleasePhaseFailed:
		return ReleasePhaseFailed
	default:
		return ""
	}
}

// CanTransitionRelease reports whether next may follow current.
// Shifting and Monitoring alternate once per increment.
func CanTransitionRelease(current, next ReleasePhase) bool {
	if current == "" || next == "" || current.Terminal() {
		return current != "" && current == next
	}
	if current == next {
		return true
	}
	switch next {
	case ReleasePhaseShifting:
		return current == ReleasePhaseInitiated || current == ReleasePhaseMonitoring
	case ReleasePhaseMonitoring:
		return current == ReleasePhaseShifting
	case ReleasePhaseInitiated:
		return false
	default:
		return true
	}
}

// ReleaseState tracks one progressive release of a target version behind an alias.
type ReleaseState struct {
	ID                     string        `json:"id"`
	RunID                  string        `json:"run_id"`
	Function               string        `json:"function"`
	Alias                  AliasKey      `json:"alias"`
	SourceVersion          string        `json:"source_version"`
	TargetVersion          string        `json:"target_version"`
	TrafficPercentToTarget int           `json:"traffic_percent_to_target"`
	IncrementPercent       int           `json:"increment_percent"`
	IncrementInterval      time.Duration `json:"increment_interval"`
	StabilizationInterval  time.Duration `json:"stabilization_interval"`
	Increment              int           `json:"increment"`
	Phase                  ReleasePhase  `json:"phase"`
	HealthSignal           string        `json:"health_signal,omitempty"`
	Reason                 string        `json:"reason,omitempty"`
	StartedAt              time.Time     `json:"started_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
	FinishedAt             *time.Time    `json:"finished_at,omitempty"`
}

// Weights returns the traffic percentage on the source and target versions.
func (r ReleaseState) Weights() (source, target int) {
	return 100 - r.TrafficPercentToTarget, r.TrafficPercentToTarget
}
