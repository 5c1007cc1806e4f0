// Package stage implements the executable stage variants of a pipeline run.
// The orchestrator schedules them uniformly; each variant specializes Execute.
package stage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/animus-labs/dbschedule/internal/deploy"
	"github.com/animus-labs/dbschedule/internal/domain"
)

type Stage interface {
	ID() string
	Kind() domain.StageKind
	Execute(ctx context.Context, rc *RunContext) error
}

// RunContext carries what stages of one run hand to each other. Builds only
// ever add artifacts; nothing else crosses stage boundaries.
type RunContext struct {
	RunID       string
	Environment string
	// Revision pins the source snapshot. Empty means the branch head.
	Revision string

	mu        sync.Mutex
	snapshot  domain.SourceSnapshot
	sourceDir string
	artifacts map[string]domain.Artifact
	overrides domain.ParameterOverrideSet
	deployed  *deploy.Result
	releases  map[string]domain.ReleaseState
}

func NewRunContext(runID, environment, revision string) *RunContext {
	return &RunContext{
		RunID:       runID,
		Environment: environment,
		Revision:    revision,
		artifacts:   make(map[string]domain.Artifact),
		releases:    make(map[string]domain.ReleaseState),
	}
}

func (rc *RunContext) Snapshot() domain.SourceSnapshot {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.snapshot
}

func (rc *RunContext) SourceDir() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.sourceDir
}

func (rc *RunContext) setSource(snapshot domain.SourceSnapshot, dir string) {
	rc.mu.Lock()
	rc.snapshot = snapshot
	rc.sourceDir = dir
	rc.mu.Unlock()
}

// AddArtifact records a published artifact. A second publication under the
// same name must be identical to the first.
func (rc *RunContext) AddArtifact(a domain.Artifact) error {
	if a.RunID != rc.RunID {
		return fmt.Errorf("artifact %q belongs to run %s", a.Name, a.RunID)
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if prev, ok := rc.artifacts[a.Name]; ok {
		if err := domain.EnsureArtifactImmutable(prev, a); err != nil {
			return fmt.Errorf("artifact %q: %w", a.Name, err)
		}
		return nil
	}
	rc.artifacts[a.Name] = a
	return nil
}

// Artifacts returns the run's artifacts ordered by name.
func (rc *RunContext) Artifacts() []domain.Artifact {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]domain.Artifact, 0, len(rc.artifacts))
	for _, a := range rc.artifacts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (rc *RunContext) Artifact(name string) (domain.Artifact, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	a, ok := rc.artifacts[name]
	return a, ok
}

func (rc *RunContext) SetOverrides(overrides domain.ParameterOverrideSet) {
	rc.mu.Lock()
	rc.overrides = overrides.Clone()
	rc.mu.Unlock()
}

func (rc *RunContext) Overrides() domain.ParameterOverrideSet {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.overrides.Clone()
}

func (rc *RunContext) setDeployed(result deploy.Result) {
	rc.mu.Lock()
	rc.deployed = &result
	rc.mu.Unlock()
}

// Versions returns the function versions the deploy stage published.
func (rc *RunContext) Versions() []domain.FunctionVersion {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.deployed == nil {
		return nil
	}
	return append([]domain.FunctionVersion(nil), rc.deployed.Versions...)
}

// Version returns the published version of the named function.
func (rc *RunContext) Version(function string) (domain.FunctionVersion, bool) {
	for _, v := range rc.Versions() {
		if v.Function == function {
			return v, true
		}
	}
	return domain.FunctionVersion{}, false
}

func (rc *RunContext) recordRelease(state domain.ReleaseState) {
	rc.mu.Lock()
	rc.releases[state.Function] = state
	rc.mu.Unlock()
}

// Releases returns the last known state of every release, ordered by function.
func (rc *RunContext) Releases() []domain.ReleaseState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]domain.ReleaseState, 0, len(rc.releases))
	for _, r := range rc.releases {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Function < out[j].Function })
	return out
}
