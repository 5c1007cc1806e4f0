package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ArtifactLocation addresses a published artifact in the artifact store.
type ArtifactLocation struct {
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"object_key"`
}

func (l ArtifactLocation) IsZero() bool {
	return l.Bucket == "" && l.ObjectKey == ""
}

func (l ArtifactLocation) URI() string {
	return "s3://" + l.Bucket + "/" + l.ObjectKey
}

// Artifact is an immutable named output of exactly one build stage.
type Artifact struct {
	Name             string           `json:"name"`
	RunID            string           `json:"run_id"`
	ProducingStageID string           `json:"producing_stage_id"`
	Location         ArtifactLocation `json:"location"`
	SHA256           string           `json:"sha256,omitempty"`
	SizeBytes        int64            `json:"size_bytes,omitempty"`
	FileCount        int              `json:"file_count,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Resolved reports whether the producing stage has published the artifact.
func (a Artifact) Resolved() bool {
	return !a.Location.IsZero()
}

func (a Artifact) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("artifact name is required")
	}
	if strings.TrimSpace(a.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(a.ProducingStageID) == "" {
		return errors.New("producing stage id is required")
	}
	return nil
}

// ArtifactObjectKey namespaces artifact keys by run identity.
func ArtifactObjectKey(prefix, runID, name string) string {
	key := fmt.Sprintf("runs/%s/%s.zip", runID, name)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// EnsureArtifactImmutable rejects any change to a published artifact.
func EnsureArtifactImmutable(before, after Artifact) error {
	if !before.Resolved() {
		return nil
	}
	if before.Name != after.Name {
		return fmt.Errorf("artifact name changed from %q to %q", before.Name, after.Name)
	}
	if before.RunID != after.RunID {
		return errors.New("artifact run id is immutable")
	}
	if before.ProducingStageID != after.ProducingStageID {
		return errors.New("artifact producer is immutable")
	}
	if before.Location != after.Location {
		return errors.New("artifact location is immutable")
	}
	if before.SHA256 != after.SHA256 {
		return errors.New("artifact sha256 is immutable")
	}
	return nil
}
