package runtimeexec

import (
	"context"
	"errors"
	"io"
	"strings"
)

// Executor runs the command phases of one build inside its private workspace.
type Executor interface {
	Kind() string
	Run(ctx context.Context, job Job) (Result, error)
}

type Job struct {
	RunID     string
	StageID   string
	Image     string
	Workspace string
	Env       map[string]string
	Phases    []Phase
	Output    io.Writer
}

// Phase is an ordered command sequence. Commands share one shell, so working
// directory and exported variables carry over between them.
type Phase struct {
	Name     string
	Commands []string
}

// Result reports the first failing phase. ExitCode is zero when every phase succeeded.
type Result struct {
	FailedPhase string
	ExitCode    int
}

func (r Result) Succeeded() bool {
	return r.ExitCode == 0 && r.FailedPhase == ""
}

var ErrWorkspaceRequired = errors.New("workspace is required")

// pipefailGuard enables pipefail on shells that know it (bash, busybox ash, dash >= 0.5.11).
const pipefailGuard = "if (set -o pipefail) 2>/dev/null; then set -o pipefail; fi\n"

// PhaseScript renders a phase as a shell script that stops at the first failure,
// including a failure inside a pipeline.
func PhaseScript(commands []string) string {
	var b strings.Builder
	b.WriteString("set -e\n")
	b.WriteString(pipefailGuard)
	for _, cmd := range commands {
		b.WriteString(cmd)
		b.WriteByte('\n')
	}
	return b.String()
}

func (j Job) validate() error {
	if strings.TrimSpace(j.Workspace) == "" {
		return ErrWorkspaceRequired
	}
	if strings.TrimSpace(j.StageID) == "" {
		return errors.New("stage id is required")
	}
	return nil
}

func (j Job) output() io.Writer {
	if j.Output == nil {
		return io.Discard
	}
	return j.Output
}

func (j Job) envList() []string {
	out := make([]string, 0, len(j.Env)+2)
	out = append(out, "PIPELINE_RUN_ID="+j.RunID, "PIPELINE_STAGE_ID="+j.StageID)
	for _, k := range sortedEnvKeys(j.Env) {
		out = append(out, k+"="+j.Env[k])
	}
	return out
}
