package binder

import (
	"errors"
	"testing"

	"github.com/animus-labs/dbschedule/internal/domain"
)

func artifact(runID, stage, name string) domain.Artifact {
	return domain.Artifact{
		Name:             name,
		RunID:            runID,
		ProducingStageID: stage,
		Location:         domain.ArtifactLocation{Bucket: "pipeline-artifacts", ObjectKey: domain.ArtifactObjectKey("", runID, name)},
	}
}

var placeholders = []domain.PlaceholderSpec{
	{Key: "LayerBucket", Artifact: "layer", Field: domain.PlaceholderBucket},
	{Key: "LayerKey", Artifact: "layer", Field: domain.PlaceholderObjectKey},
	{Key: "StartCode", Artifact: "start-fn", Field: domain.PlaceholderURI},
}

func TestBindResolvesLocations(t *testing.T) {
	artifacts := []domain.Artifact{
		artifact("run-1", "build-start-fn", "start-fn"),
		artifact("run-1", "build-layer", "layer"),
	}
	got, err := Bind("run-1", placeholders, artifacts)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	want := domain.ParameterOverrideSet{
		"LayerBucket": "pipeline-artifacts",
		"LayerKey":    "runs/run-1/layer.zip",
		"StartCode":   "s3://pipeline-artifacts/runs/run-1/start-fn.zip",
	}
	if !got.Equal(want) {
		t.Fatalf("Bind=%v, want %v", got, want)
	}

	again, err := Bind("run-1", placeholders, []domain.Artifact{artifacts[1], artifacts[0]})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if !again.Equal(got) {
		t.Fatalf("expected identical result, got %v vs %v", again, got)
	}
}

func TestBindUnresolvedPlaceholder(t *testing.T) {
	tests := []struct {
		name      string
		artifacts []domain.Artifact
	}{
		{
			name:      "missing artifact",
			artifacts: []domain.Artifact{artifact("run-1", "build-layer", "layer")},
		},
		{
			name: "artifact from another run",
			artifacts: []domain.Artifact{
				artifact("run-1", "build-layer", "layer"),
				artifact("run-0", "build-start-fn", "start-fn"),
			},
		},
		{
			name: "unpublished artifact",
			artifacts: []domain.Artifact{
				artifact("run-1", "build-layer", "layer"),
				{Name: "start-fn", RunID: "run-1", ProducingStageID: "build-start-fn"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Bind("run-1", placeholders, tt.artifacts)
			if !errors.Is(err, domain.ErrUnresolvedPlaceholder) {
				t.Fatalf("expected ErrUnresolvedPlaceholder, got %v", err)
			}
		})
	}
}

func TestBindAmbiguousArtifact(t *testing.T) {
	artifacts := []domain.Artifact{
		artifact("run-1", "build-layer", "layer"),
		artifact("run-1", "build-layer-v2", "layer"),
		artifact("run-1", "build-start-fn", "start-fn"),
	}
	_, err := Bind("run-1", placeholders, artifacts)
	if !errors.Is(err, domain.ErrAmbiguousArtifact) {
		t.Fatalf("expected ErrAmbiguousArtifact, got %v", err)
	}
	if errors.Is(err, domain.ErrUnresolvedPlaceholder) {
		t.Fatalf("ambiguous artifact should not also be reported unresolved: %v", err)
	}
}
