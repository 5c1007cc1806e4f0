package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrUnresolvedPlaceholder    = errors.New("unresolved placeholder")
	ErrAmbiguousArtifact        = errors.New("ambiguous artifact")
	ErrEmptyArtifact            = errors.New("empty artifact")
	ErrConcurrentDeployConflict = errors.New("concurrent deploy conflict")
	ErrAliasConflict            = errors.New("alias conflict")
	ErrReleaseHealthFailure     = errors.New("release health failure")
	ErrReleaseCompleted         = errors.New("release already completed")
	ErrDeployStarted            = errors.New("deploy stage already started")
	ErrRunCancelled             = errors.New("run cancelled")
)

// ConfigurationError aggregates definition problems found before any stage runs.
type ConfigurationError struct {
	Issues []string
	causes []error
}

func (e *ConfigurationError) Error() string {
	if len(e.Issues) == 0 {
		return "configuration error"
	}
	return "configuration error: " + strings.Join(e.Issues, "; ")
}

func (e *ConfigurationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

// AddCause records an issue that also matches cause under errors.Is.
func (e *ConfigurationError) AddCause(cause error, issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
	if cause != nil {
		e.causes = append(e.causes, cause)
	}
}

func (e *ConfigurationError) Unwrap() []error {
	return e.causes
}

func (e *ConfigurationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// StageError is terminal for the stage that raised it.
type StageError struct {
	StageID  string
	Phase    string
	ExitCode int
	Err      error
}

func (e *StageError) Error() string {
	switch {
	case e.Phase != "" && e.ExitCode != 0:
		return fmt.Sprintf("stage %s: %s phase exited with code %d: %v", e.StageID, e.Phase, e.ExitCode, e.Err)
	case e.Phase != "":
		return fmt.Sprintf("stage %s: %s phase: %v", e.StageID, e.Phase, e.Err)
	default:
		return fmt.Sprintf("stage %s: %v", e.StageID, e.Err)
	}
}

func (e *StageError) Unwrap() error { return e.Err }

type DeployCause string

const (
	DeployCausePermission DeployCause = "permission"
	DeployCauseValidation DeployCause = "validation"
	DeployCauseQuota      DeployCause = "quota"
	DeployCauseConflict   DeployCause = "conflict"
	DeployCauseUnknown    DeployCause = "unknown"
)

// DeployError reports a failed convergence. The target is left in its prior state.
type DeployError struct {
	Cause    DeployCause
	Resource string
	Reason   string
	Err      error
}

func (e *DeployError) Error() string {
	msg := "deploy failed (" + string(e.Cause) + ")"
	if e.Resource != "" {
		msg += ": " + e.Resource
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeployError) Unwrap() error { return e.Err }

// ReleaseHealthFailure records where a monitored rollout was stopped.
type ReleaseHealthFailure struct {
	Increment      int
	TrafficPercent int
	Signal         string
}

func (e *ReleaseHealthFailure) Error() string {
	return fmt.Sprintf("release health failure at increment %d (%d%% target traffic): %s", e.Increment, e.TrafficPercent, e.Signal)
}

func (e *ReleaseHealthFailure) Is(target error) bool {
	return target == ErrReleaseHealthFailure
}

// IsTransient reports whether the caller may retry once the competing operation resolves.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConcurrentDeployConflict) || errors.Is(err, ErrAliasConflict)
}

// FailureKind classifies an error for run failure reports.
func FailureKind(err error) string {
	var (
		cfgErr    *ConfigurationError
		stageErr  *StageError
		deployErr *DeployError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRunCancelled):
		return "cancelled"
	case errors.Is(err, ErrConcurrentDeployConflict):
		return "concurrent_deploy_conflict"
	case errors.As(err, &cfgErr):
		return "configuration"
	case errors.Is(err, ErrEmptyArtifact):
		return "empty_artifact"
	case errors.As(err, &deployErr):
		return "deploy"
	case errors.As(err, &stageErr):
		return "stage"
	default:
		return "internal"
	}
}
