package stage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/dbschedule/internal/artifacts"
	"github.com/animus-labs/dbschedule/internal/deploy"
	"github.com/animus-labs/dbschedule/internal/deploylock"
	"github.com/animus-labs/dbschedule/internal/domain"
	"github.com/animus-labs/dbschedule/internal/platform/metrics"
	"github.com/animus-labs/dbschedule/internal/runtimeexec"
	"github.com/animus-labs/dbschedule/internal/source"
	store "github.com/animus-labs/dbschedule/internal/storage/objectstore"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newArtifactStore(t *testing.T) *artifacts.Store {
	t.Helper()
	s, err := artifacts.NewStore(store.NewMemoryStore(), "pipeline-artifacts", "dbschedule", nil, quietLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func fetchedRun(t *testing.T, files map[string]string) (*RunContext, string) {
	t.Helper()
	src := t.TempDir()
	for name, content := range files {
		path := filepath.Join(src, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	provider, err := source.NewLocalProvider(src)
	if err != nil {
		t.Fatalf("NewLocalProvider: %v", err)
	}
	workRoot := t.TempDir()
	rc := NewRunContext("run-1", "prod", "")
	s := &SourceStage{
		StageID:    "source",
		Provider:   provider,
		Repository: domain.Repository{Owner: "acme", Repo: "db-shutdown", Branch: "main"},
		WorkRoot:   workRoot,
	}
	if err := s.Execute(context.Background(), rc); err != nil {
		t.Fatalf("source Execute: %v", err)
	}
	return rc, workRoot
}

func TestSourceStageMaterializesSnapshot(t *testing.T) {
	rc, workRoot := fetchedRun(t, map[string]string{"src/start/index.js": "start"})
	if rc.Snapshot().CommitID == "" {
		t.Fatalf("expected a resolved commit")
	}
	if rc.SourceDir() != filepath.Join(workRoot, "run-1", "source") {
		t.Fatalf("source dir=%q", rc.SourceDir())
	}
	if _, err := os.Stat(filepath.Join(rc.SourceDir(), "src", "start", "index.js")); err != nil {
		t.Fatalf("expected fetched file: %v", err)
	}
}

func TestBuildStagePublishesArtifact(t *testing.T) {
	rc, workRoot := fetchedRun(t, map[string]string{"src/start/index.js": "exports.handler = 1"})
	artifactStore := newArtifactStore(t)
	build := &BuildStage{
		Spec: domain.BuildStageSpec{
			ID:                "start-fn",
			Artifact:          "start-fn",
			InstallCommands:   []string{"mkdir -p dist"},
			BuildCommands:     []string{"cp src/start/index.js dist/index.js"},
			OutputBaseDir:     "dist",
			OutputFileFilters: []string{"**/*.js"},
		},
		Executor:  runtimeexec.NewLocalExecutor(0),
		Artifacts: artifactStore,
		WorkRoot:  workRoot,
		Logger:    quietLogger(),
	}
	if err := build.Execute(context.Background(), rc); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	artifact, ok := rc.Artifact("start-fn")
	if !ok {
		t.Fatalf("artifact not recorded")
	}
	if artifact.ProducingStageID != "start-fn" || artifact.Location.ObjectKey != "dbschedule/runs/run-1/start-fn.zip" {
		t.Fatalf("artifact=%+v", artifact)
	}
	data, err := artifactStore.ReadFile(context.Background(), artifact, "index.js")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "exports.handler = 1" {
		t.Fatalf("content=%q", data)
	}
	if _, err := os.Stat(filepath.Join(rc.SourceDir(), "dist")); err == nil {
		t.Fatalf("build wrote into the shared source tree")
	}
}

func TestBuildStageFailureStopsBeforePublish(t *testing.T) {
	rc, workRoot := fetchedRun(t, map[string]string{"src/stop/index.js": "stop"})
	build := &BuildStage{
		Spec: domain.BuildStageSpec{
			ID:                "stop-fn",
			Artifact:          "stop-fn",
			InstallCommands:   []string{"mkdir -p dist", "cp src/stop/index.js dist/"},
			BuildCommands:     []string{"exit 3"},
			OutputBaseDir:     "dist",
			OutputFileFilters: []string{"*.js"},
		},
		Executor:  runtimeexec.NewLocalExecutor(0),
		Artifacts: newArtifactStore(t),
		WorkRoot:  workRoot,
		Logger:    quietLogger(),
	}
	err := build.Execute(context.Background(), rc)
	var stageErr *domain.StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if stageErr.Phase != PhaseBuild || stageErr.ExitCode != 3 {
		t.Fatalf("stage error=%+v", stageErr)
	}
	if len(rc.Artifacts()) != 0 {
		t.Fatalf("failed build published an artifact")
	}
}

func TestBuildStageEmptyArtifact(t *testing.T) {
	rc, workRoot := fetchedRun(t, map[string]string{"README.md": "docs"})
	build := &BuildStage{
		Spec: domain.BuildStageSpec{
			ID:                "layer",
			Artifact:          "layer",
			BuildCommands:     []string{"mkdir -p out"},
			OutputBaseDir:     "out",
			OutputFileFilters: []string{"**/*.js"},
		},
		Executor:  runtimeexec.NewLocalExecutor(0),
		Artifacts: newArtifactStore(t),
		WorkRoot:  workRoot,
		Logger:    quietLogger(),
	}
	err := build.Execute(context.Background(), rc)
	if !errors.Is(err, domain.ErrEmptyArtifact) {
		t.Fatalf("expected ErrEmptyArtifact, got %v", err)
	}
	if got := domain.FailureKind(err); got != "empty_artifact" {
		t.Fatalf("kind=%q", got)
	}
}

func publishTemplate(t *testing.T, rc *RunContext, artifactStore *artifacts.Store, workRoot string) {
	t.Helper()
	dir := filepath.Join(workRoot, "template-out")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stack.template.json"), []byte(`{"Resources":{}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	a, err := artifactStore.Publish(context.Background(), artifacts.Output{
		RunID: rc.RunID, StageID: "template", Name: "template", BaseDir: dir, Filters: []string{"*.json"},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := rc.AddArtifact(a); err != nil {
		t.Fatalf("AddArtifact: %v", err)
	}
}

func deploySpec() domain.DeploySpec {
	return domain.DeploySpec{
		ID:               "deploy",
		StackName:        "prod-lambda-stack",
		TemplateArtifact: "template",
		TemplatePath:     "stack.template.json",
		Parameters:       map[string]string{"Stage": "prod", "ArtifactBucket": "static"},
	}
}

func TestDeployStageAppliesOverrides(t *testing.T) {
	clock := clockwork.NewFakeClock()
	artifactStore := newArtifactStore(t)
	rc := NewRunContext("run-1", "prod", "")
	publishTemplate(t, rc, artifactStore, t.TempDir())
	rc.SetOverrides(domain.ParameterOverrideSet{"ArtifactBucket": "pipeline-artifacts"})

	provider := deploy.NewMemoryProvider(clock)
	locker := deploylock.NewMemoryLocker(clock)
	s := &DeployStage{
		Spec:      deploySpec(),
		Functions: []domain.FunctionSpec{{Name: "db-startup", OutputKey: "StartFunctionName", Alias: "prod"}},
		Provider:  provider,
		Locker:    locker,
		Artifacts: artifactStore,
		Logger:    quietLogger(),
	}
	if err := s.Execute(context.Background(), rc); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	deploys := provider.Deploys()
	if len(deploys) != 1 {
		t.Fatalf("deploys=%d", len(deploys))
	}
	req := deploys[0]
	if string(req.TemplateBody) != `{"Resources":{}}` {
		t.Fatalf("template=%q", req.TemplateBody)
	}
	if req.Parameters["ArtifactBucket"] != "pipeline-artifacts" || req.Parameters["Stage"] != "prod" {
		t.Fatalf("parameters=%v", req.Parameters)
	}
	v, ok := rc.Version("db-startup")
	if !ok || v.Version != "1" || v.FunctionName != "prod-lambda-stack-db-startup" {
		t.Fatalf("version=%+v ok=%v", v, ok)
	}

	// The lease is released once the deploy returns.
	if _, err := locker.Acquire(context.Background(), "prod", "run-2", time.Minute); err != nil {
		t.Fatalf("lease still held: %v", err)
	}
}

func TestDeployStageRejectsConcurrentDeploy(t *testing.T) {
	clock := clockwork.NewFakeClock()
	artifactStore := newArtifactStore(t)
	rc := NewRunContext("run-2", "prod", "")
	publishTemplate(t, rc, artifactStore, t.TempDir())

	locker := deploylock.NewMemoryLocker(clock)
	if _, err := locker.Acquire(context.Background(), "prod", "run-1", time.Hour); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	provider := deploy.NewMemoryProvider(clock)
	m := metrics.New()
	s := &DeployStage{
		Spec:      deploySpec(),
		Functions: []domain.FunctionSpec{{Name: "db-startup", FunctionName: "prod-db-startup"}},
		Provider:  provider,
		Locker:    locker,
		Artifacts: artifactStore,
		Metrics:   m,
		Logger:    quietLogger(),
	}
	err := s.Execute(context.Background(), rc)
	if !errors.Is(err, domain.ErrConcurrentDeployConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !domain.IsTransient(err) {
		t.Fatalf("conflict should be transient")
	}
	if len(provider.Deploys()) != 0 {
		t.Fatalf("provider was invoked")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "dbschedule_pipeline_deploy_conflicts_total 1") {
		t.Fatalf("conflict not counted")
	}
}

func TestRunContextArtifactsAreImmutable(t *testing.T) {
	rc := NewRunContext("run-1", "prod", "")
	a := domain.Artifact{
		Name: "layer", RunID: "run-1", ProducingStageID: "layer",
		Location: domain.ArtifactLocation{Bucket: "b", ObjectKey: "runs/run-1/layer.zip"},
		SHA256:   "abc",
	}
	if err := rc.AddArtifact(a); err != nil {
		t.Fatalf("AddArtifact: %v", err)
	}
	if err := rc.AddArtifact(a); err != nil {
		t.Fatalf("identical republish: %v", err)
	}
	changed := a
	changed.SHA256 = "def"
	if err := rc.AddArtifact(changed); err == nil {
		t.Fatalf("expected immutability error")
	}
	foreign := a
	foreign.Name = "other"
	foreign.RunID = "run-0"
	if err := rc.AddArtifact(foreign); err == nil {
		t.Fatalf("expected error for another run's artifact")
	}
}

func TestLineWriterSplitsLines(t *testing.T) {
	var buf strings.Builder
	w := newLineWriter(slog.New(slog.NewTextHandler(&buf, nil)))
	_, _ = w.Write([]byte("first\nsec"))
	_, _ = w.Write([]byte("ond\n\nthird"))
	w.Flush()
	out := buf.String()
	for _, want := range []string{"line=first", "line=second", "line=third"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %s", want, out)
		}
	}
	if strings.Count(out, "build output") != 3 {
		t.Fatalf("expected three lines, got %s", out)
	}
}
