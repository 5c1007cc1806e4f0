package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/animus-labs/dbschedule/internal/domain"
	"github.com/animus-labs/dbschedule/internal/source"
)

// SourceStage resolves the snapshot every build of the run starts from and
// materializes it once under the run's work root.
type SourceStage struct {
	StageID    string
	Provider   source.Provider
	Repository domain.Repository
	WorkRoot   string
}

func (s *SourceStage) ID() string             { return s.StageID }
func (s *SourceStage) Kind() domain.StageKind { return domain.StageKindSource }

func (s *SourceStage) Execute(ctx context.Context, rc *RunContext) error {
	if s.Provider == nil {
		return &domain.StageError{StageID: s.StageID, Err: errors.New("source provider is not configured")}
	}
	snapshot, err := s.Provider.Resolve(ctx, s.Repository, rc.Revision)
	if err != nil {
		return &domain.StageError{StageID: s.StageID, Phase: "resolve", Err: err}
	}
	if err := snapshot.Validate(); err != nil {
		return &domain.StageError{StageID: s.StageID, Phase: "resolve", Err: err}
	}

	dir := filepath.Join(s.WorkRoot, rc.RunID, "source")
	if err := os.RemoveAll(dir); err != nil {
		return &domain.StageError{StageID: s.StageID, Phase: "fetch", Err: fmt.Errorf("reset source dir: %w", err)}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &domain.StageError{StageID: s.StageID, Phase: "fetch", Err: fmt.Errorf("create source dir: %w", err)}
	}
	if err := s.Provider.Fetch(ctx, snapshot, dir); err != nil {
		return &domain.StageError{StageID: s.StageID, Phase: "fetch", Err: err}
	}
	rc.setSource(snapshot, dir)
	return nil
}
