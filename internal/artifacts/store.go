package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/animus-labs/dbschedule/internal/domain"
	store "github.com/animus-labs/dbschedule/internal/storage/objectstore"
	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
)

const bundleContentType = "application/zip"

// Store publishes build outputs as immutable run-scoped artifacts.
type Store struct {
	bucket string
	prefix string
	store  store.Store
	logger *slog.Logger
	clock  clockwork.Clock
}

// Output describes the files a build stage exposes as its artifact.
type Output struct {
	RunID   string
	StageID string
	Name    string
	BaseDir string
	Filters []string
}

// NewStore builds an artifact store. A nil clock means the real clock.
func NewStore(objectStore store.Store, bucket, prefix string, clock clockwork.Clock, logger *slog.Logger) (*Store, error) {
	if objectStore == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{bucket: bucket, prefix: prefix, store: objectStore, logger: logger, clock: clock}, nil
}

func (s *Store) Bucket() string { return s.bucket }

// Publish selects, bundles and uploads an output. An empty selection is an
// ErrEmptyArtifact and nothing is uploaded.
func (s *Store) Publish(ctx context.Context, out Output) (domain.Artifact, error) {
	if s == nil || s.store == nil {
		return domain.Artifact{}, errors.New("artifact store not initialized")
	}
	artifact := domain.Artifact{Name: out.Name, RunID: out.RunID, ProducingStageID: out.StageID}
	if err := artifact.Validate(); err != nil {
		return domain.Artifact{}, err
	}

	filter, err := NewFileFilter(out.Filters)
	if err != nil {
		return domain.Artifact{}, err
	}
	files, err := Collect(out.BaseDir, filter)
	if err != nil {
		return domain.Artifact{}, err
	}
	if len(files) == 0 {
		return domain.Artifact{}, fmt.Errorf("artifact %q: no files under %s match %v: %w", out.Name, out.BaseDir, out.Filters, domain.ErrEmptyArtifact)
	}

	bundle, err := BuildBundle(out.BaseDir, files)
	if err != nil {
		return domain.Artifact{}, err
	}

	key := domain.ArtifactObjectKey(s.prefix, out.RunID, out.Name)
	if _, err := s.store.PutIfAbsent(ctx, s.bucket, key, bytes.NewReader(bundle.Data), int64(len(bundle.Data)), bundleContentType); err != nil {
		return domain.Artifact{}, fmt.Errorf("publish artifact %q: %w", out.Name, err)
	}

	artifact.Location = domain.ArtifactLocation{Bucket: s.bucket, ObjectKey: key}
	artifact.SHA256 = bundle.SHA256
	artifact.SizeBytes = int64(len(bundle.Data))
	artifact.FileCount = len(files)
	artifact.CreatedAt = s.clock.Now().UTC()

	s.logger.Info("artifact published",
		"run_id", out.RunID,
		"stage_id", out.StageID,
		"artifact", out.Name,
		"files", len(files),
		"size", humanize.Bytes(uint64(artifact.SizeBytes)),
		"uri", artifact.Location.URI(),
	)
	return artifact, nil
}

// ReadFile returns one file from a published artifact bundle.
func (s *Store) ReadFile(ctx context.Context, artifact domain.Artifact, name string) ([]byte, error) {
	if !artifact.Resolved() {
		return nil, fmt.Errorf("artifact %q has not been published", artifact.Name)
	}
	body, _, err := s.store.Get(ctx, artifact.Location.Bucket, artifact.Location.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("get artifact %q: %w", artifact.Name, err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read artifact %q: %w", artifact.Name, err)
	}
	return ReadBundleFile(data, name)
}
