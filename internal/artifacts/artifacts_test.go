package artifacts

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/animus-labs/dbschedule/internal/domain"
	store "github.com/animus-labs/dbschedule/internal/storage/objectstore"
	"github.com/jonboulle/clockwork"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func TestFileFilterMatch(t *testing.T) {
	tests := []struct {
		patterns []string
		path     string
		want     bool
	}{
		{[]string{"**/*"}, "index.js", true},
		{[]string{"**/*"}, "nodejs/node_modules/pg/index.js", true},
		{[]string{"*.js"}, "index.js", true},
		{[]string{"*.js"}, "lib/index.js", false},
		{[]string{"nodejs/**/*.js"}, "nodejs/index.js", true},
		{[]string{"nodejs/**/*.js"}, "nodejs/a/b/index.js", true},
		{[]string{"cdk.out/*.template.json"}, "cdk.out/Stack.template.json", true},
		{[]string{"*.json", "*.js"}, "handler.js", true},
		{[]string{"*.json"}, "handler.js", false},
	}
	for _, tt := range tests {
		f, err := NewFileFilter(tt.patterns)
		if err != nil {
			t.Fatalf("NewFileFilter(%v): %v", tt.patterns, err)
		}
		if got := f.Match(tt.path); got != tt.want {
			t.Fatalf("Match(%v, %q)=%v, want %v", tt.patterns, tt.path, got, tt.want)
		}
	}
}

func TestFileFilterRejectsBadPatterns(t *testing.T) {
	if _, err := NewFileFilter(nil); err == nil {
		t.Fatalf("expected error for no patterns")
	}
	if _, err := NewFileFilter([]string{"[unclosed"}); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestBuildBundleIsDeterministic(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"index.js":      "exports.handler = async () => {}",
		"lib/rds.js":    "module.exports = {}",
		"lib/README.md": "docs",
		"package.json":  "{}",
	})
	filter, err := NewFileFilter([]string{"**/*.js", "package.json"})
	if err != nil {
		t.Fatalf("NewFileFilter: %v", err)
	}
	files, err := Collect(root, filter)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	want := []string{"index.js", "lib/rds.js", "package.json"}
	if !reflect.DeepEqual(files, want) {
		t.Fatalf("files=%v, want %v", files, want)
	}

	first, err := BuildBundle(root, files)
	if err != nil {
		t.Fatalf("BuildBundle: %v", err)
	}
	second, err := BuildBundle(root, files)
	if err != nil {
		t.Fatalf("BuildBundle: %v", err)
	}
	if first.SHA256 != second.SHA256 || !bytes.Equal(first.Data, second.Data) {
		t.Fatalf("bundles differ between builds")
	}

	content, err := ReadBundleFile(first.Data, "lib/rds.js")
	if err != nil {
		t.Fatalf("ReadBundleFile: %v", err)
	}
	if string(content) != "module.exports = {}" {
		t.Fatalf("content=%q", content)
	}
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeTree(t, root, map[string]string{"dist/index.js": "handler"})

	objects := store.NewMemoryStore()
	published := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(published)
	s, err := NewStore(objects, "pipeline-artifacts", "dev", clock, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	artifact, err := s.Publish(ctx, Output{
		RunID:   "run-1",
		StageID: "build-start-fn",
		Name:    "start-fn",
		BaseDir: filepath.Join(root, "dist"),
		Filters: []string{"**/*"},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if artifact.Location.ObjectKey != "dev/runs/run-1/start-fn.zip" || artifact.Location.Bucket != "pipeline-artifacts" {
		t.Fatalf("unexpected location: %+v", artifact.Location)
	}
	if artifact.FileCount != 1 || artifact.SHA256 == "" {
		t.Fatalf("unexpected artifact: %+v", artifact)
	}
	if !artifact.CreatedAt.Equal(published) {
		t.Fatalf("created at %v, want %v", artifact.CreatedAt, published)
	}

	content, err := s.ReadFile(ctx, artifact, "index.js")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "handler" {
		t.Fatalf("content=%q", content)
	}

	_, err = s.Publish(ctx, Output{RunID: "run-1", StageID: "build-start-fn", Name: "start-fn", BaseDir: filepath.Join(root, "dist"), Filters: []string{"**/*"}})
	if !errors.Is(err, store.ErrObjectExists) {
		t.Fatalf("expected write-once violation, got %v", err)
	}
}

func TestPublishEmptyArtifact(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"dist/index.ts": "source only"})
	objects := store.NewMemoryStore()
	s, _ := NewStore(objects, "pipeline-artifacts", "", nil, nil)

	_, err := s.Publish(context.Background(), Output{
		RunID:   "run-1",
		StageID: "build-layer",
		Name:    "layer",
		BaseDir: filepath.Join(root, "dist"),
		Filters: []string{"**/*.js"},
	})
	if !errors.Is(err, domain.ErrEmptyArtifact) {
		t.Fatalf("expected ErrEmptyArtifact, got %v", err)
	}
	if len(objects.Keys()) != 0 {
		t.Fatalf("expected nothing uploaded, got %v", objects.Keys())
	}
}
