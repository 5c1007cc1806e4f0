package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/animus-labs/dbschedule/internal/artifacts"
	"github.com/animus-labs/dbschedule/internal/domain"
	"github.com/animus-labs/dbschedule/internal/runtimeexec"
)

const (
	PhaseInstall = "install"
	PhaseBuild   = "build"
	PhasePublish = "publish"
)

// BuildStage runs one build in a private copy of the source tree and
// publishes its output as the stage's artifact.
type BuildStage struct {
	Spec      domain.BuildStageSpec
	Executor  runtimeexec.Executor
	Artifacts *artifacts.Store
	WorkRoot  string
	Logger    *slog.Logger
}

func (s *BuildStage) ID() string             { return s.Spec.ID }
func (s *BuildStage) Kind() domain.StageKind { return domain.StageKindBuild }

func (s *BuildStage) Execute(ctx context.Context, rc *RunContext) error {
	if s.Executor == nil || s.Artifacts == nil {
		return &domain.StageError{StageID: s.Spec.ID, Err: errors.New("build executor and artifact store are required")}
	}
	sourceDir := rc.SourceDir()
	if sourceDir == "" {
		return &domain.StageError{StageID: s.Spec.ID, Err: errors.New("source snapshot has not been fetched")}
	}
	if s.Spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Spec.Timeout)
		defer cancel()
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("run_id", rc.RunID, "stage_id", s.Spec.ID)

	workspace, err := runtimeexec.PrepareWorkspace(s.WorkRoot, rc.RunID, s.Spec.ID, sourceDir)
	if err != nil {
		return &domain.StageError{StageID: s.Spec.ID, Err: err}
	}

	output := newLineWriter(logger)
	result, err := s.Executor.Run(ctx, runtimeexec.Job{
		RunID:     rc.RunID,
		StageID:   s.Spec.ID,
		Image:     s.Spec.Image,
		Workspace: workspace,
		Env:       s.Spec.Env,
		Phases: []runtimeexec.Phase{
			{Name: PhaseInstall, Commands: s.Spec.InstallCommands},
			{Name: PhaseBuild, Commands: s.Spec.BuildCommands},
		},
		Output: output,
	})
	output.Flush()
	if err != nil {
		return &domain.StageError{StageID: s.Spec.ID, Phase: result.FailedPhase, Err: err}
	}
	if !result.Succeeded() {
		return &domain.StageError{
			StageID:  s.Spec.ID,
			Phase:    result.FailedPhase,
			ExitCode: result.ExitCode,
			Err:      errors.New("command failed"),
		}
	}

	artifact, err := s.Artifacts.Publish(ctx, artifacts.Output{
		RunID:   rc.RunID,
		StageID: s.Spec.ID,
		Name:    s.Spec.Artifact,
		BaseDir: filepath.Join(workspace, s.Spec.OutputBaseDir),
		Filters: s.Spec.OutputFileFilters,
	})
	if err != nil {
		return &domain.StageError{StageID: s.Spec.ID, Phase: PhasePublish, Err: err}
	}
	if err := rc.AddArtifact(artifact); err != nil {
		return &domain.StageError{StageID: s.Spec.ID, Phase: PhasePublish, Err: fmt.Errorf("record artifact: %w", err)}
	}
	logger.Info("build succeeded", "executor", s.Executor.Kind(), "artifact", artifact.Name)
	return nil
}
