package runtimeexec

import (
	"bytes"
	"context"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	docker "github.com/fsouza/go-dockerclient"
)

func TestLocalExecutorRunsPhasesInOrder(t *testing.T) {
	ws := t.TempDir()
	var out bytes.Buffer
	exec := NewLocalExecutor(0)

	res, err := exec.Run(context.Background(), Job{
		RunID:     "run-1",
		StageID:   "build-start-fn",
		Workspace: ws,
		Env:       map[string]string{"GREETING": "hello"},
		Output:    &out,
		Phases: []Phase{
			{Name: "install", Commands: []string{"mkdir -p dist", "cd dist", "echo $GREETING > install.txt"}},
			{Name: "build", Commands: []string{"echo $PIPELINE_STAGE_ID >> dist/install.txt"}},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("expected success, got %+v (output %s)", res, out.String())
	}
	data, err := os.ReadFile(filepath.Join(ws, "dist", "install.txt"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "hello\nbuild-start-fn" {
		t.Fatalf("output=%q", got)
	}
}

func TestLocalExecutorStopsAtFirstFailure(t *testing.T) {
	ws := t.TempDir()
	exec := NewLocalExecutor(0)

	res, err := exec.Run(context.Background(), Job{
		StageID:   "build-stop-fn",
		Workspace: ws,
		Phases: []Phase{
			{Name: "install", Commands: []string{"exit 3", "touch should-not-exist"}},
			{Name: "build", Commands: []string{"touch build-ran"}},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FailedPhase != "install" || res.ExitCode != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	for _, name := range []string{"should-not-exist", "build-ran"} {
		if _, err := os.Stat(filepath.Join(ws, name)); err == nil {
			t.Fatalf("%s should not have been created", name)
		}
	}
}

func TestPhaseScriptEnablesPipefail(t *testing.T) {
	script := PhaseScript([]string{"npm run build | tee build.log"})
	if !strings.HasPrefix(script, "set -e\n") {
		t.Fatalf("script must start with set -e: %q", script)
	}
	if !strings.Contains(script, "set -o pipefail") {
		t.Fatalf("script must enable pipefail: %q", script)
	}
	if !strings.HasSuffix(script, "npm run build | tee build.log\n") {
		t.Fatalf("commands missing: %q", script)
	}
}

func TestLocalExecutorFailsOnPipelineError(t *testing.T) {
	if _, err := osexec.LookPath("bash"); err != nil {
		t.Skip("bash not installed")
	}
	ws := t.TempDir()

	res, err := NewLocalExecutor(0).Run(context.Background(), Job{
		StageID:   "build-layer",
		Workspace: ws,
		Phases: []Phase{
			{Name: "build", Commands: []string{"false | tee build.log", "touch after-pipeline"}},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Succeeded() || res.FailedPhase != "build" {
		t.Fatalf("expected build to fail, got %+v", res)
	}
	if _, err := os.Stat(filepath.Join(ws, "after-pipeline")); err == nil {
		t.Fatalf("commands after a failed pipeline should not run")
	}
}

func TestLocalExecutorCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewLocalExecutor(0).Run(ctx, Job{
		StageID:   "build-layer",
		Workspace: t.TempDir(),
		Phases:    []Phase{{Name: "build", Commands: []string{"sleep 10"}}},
	})
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestPrepareWorkspaceIsolatesStages(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "package.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	root := t.TempDir()

	a, err := PrepareWorkspace(root, "run-1", "build-a", src)
	if err != nil {
		t.Fatalf("PrepareWorkspace: %v", err)
	}
	b, err := PrepareWorkspace(root, "run-1", "build-b", src)
	if err != nil {
		t.Fatalf("PrepareWorkspace: %v", err)
	}
	if err := os.WriteFile(filepath.Join(a, "intermediate.o"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(b, "intermediate.o")); err == nil {
		t.Fatalf("stage b observed stage a's files")
	}
	if _, err := os.Stat(filepath.Join(b, "package.json")); err != nil {
		t.Fatalf("expected source tree in workspace: %v", err)
	}
}

func TestNewDockerExecutorConfig(t *testing.T) {
	if _, err := NewDockerExecutorWithClient(nil, DockerConfig{}); err == nil {
		t.Fatalf("expected error for nil client")
	}
	client, err := docker.NewClient("unix:///var/run/docker.sock")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := NewDockerExecutorWithClient(client, DockerConfig{Memory: "plenty"}); err == nil {
		t.Fatalf("expected error for unparseable memory")
	}
	e, err := NewDockerExecutorWithClient(client, DockerConfig{DefaultImage: "node:18", Memory: "3g"})
	if err != nil {
		t.Fatalf("NewDockerExecutorWithClient: %v", err)
	}
	if e.memory != 3<<30 || e.networkMode != "bridge" {
		t.Fatalf("unexpected executor config: memory=%d network=%q", e.memory, e.networkMode)
	}
	name := containerName(Job{RunID: "0f8fad5b-d9cb-469f-a165-70867728950e", StageID: "Build-Layer"}, Phase{Name: "install"})
	if name != "dbsched-0f8fad5b-build-layer-install" {
		t.Fatalf("containerName=%q", name)
	}
}
