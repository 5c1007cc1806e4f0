package runtimeexec

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// LocalExecutor runs phases with the host shell, bash when installed. Isolation
// comes from the per-stage workspace only.
type LocalExecutor struct {
	shell       string
	gracePeriod time.Duration
}

func NewLocalExecutor(gracePeriod time.Duration) *LocalExecutor {
	shell := "sh"
	if _, err := exec.LookPath("bash"); err == nil {
		shell = "bash"
	}
	return &LocalExecutor{shell: shell, gracePeriod: gracePeriod}
}

func (e *LocalExecutor) Kind() string {
	return "local"
}

func (e *LocalExecutor) Run(ctx context.Context, job Job) (Result, error) {
	if err := job.validate(); err != nil {
		return Result{}, err
	}
	for _, phase := range job.Phases {
		if len(phase.Commands) == 0 {
			continue
		}
		code, err := e.runPhase(ctx, job, phase)
		if err != nil {
			return Result{FailedPhase: phase.Name, ExitCode: -1}, err
		}
		if code != 0 {
			return Result{FailedPhase: phase.Name, ExitCode: code}, nil
		}
	}
	return Result{}, nil
}

func (e *LocalExecutor) runPhase(ctx context.Context, job Job, phase Phase) (int, error) {
	cmd := exec.CommandContext(ctx, e.shell, "-c", PhaseScript(phase.Commands))
	cmd.Dir = job.Workspace
	cmd.Stdout = job.output()
	cmd.Stderr = job.output()
	cmd.Env = append(os.Environ(), job.envList()...)

	// Own process group so cancellation reaches every child of the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if e.gracePeriod > 0 {
		grace := e.gracePeriod
		cmd.Cancel = func() error {
			group := -cmd.Process.Pid
			if err := syscall.Kill(group, syscall.SIGTERM); err != nil {
				return syscall.Kill(group, syscall.SIGKILL)
			}
			go func() {
				time.Sleep(grace)
				_ = syscall.Kill(group, syscall.SIGKILL)
			}()
			return nil
		}
	} else {
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
