package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"strings"

	units "github.com/docker/go-units"
	docker "github.com/fsouza/go-dockerclient"
)

const containerWorkdir = "/workspace"

// DockerConfig configures container builds. Memory accepts docker size strings such as "3g".
type DockerConfig struct {
	DefaultImage string
	Memory       string
	NetworkMode  string
}

// DockerExecutor runs each phase in a fresh container with the stage
// workspace bind-mounted, so installed tooling never leaks across stages.
type DockerExecutor struct {
	client       *docker.Client
	defaultImage string
	memory       int64
	networkMode  string
}

func NewDockerExecutor(cfg DockerConfig) (*DockerExecutor, error) {
	client, err := docker.NewClientFromEnv()
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return NewDockerExecutorWithClient(client, cfg)
}

func NewDockerExecutorWithClient(client *docker.Client, cfg DockerConfig) (*DockerExecutor, error) {
	if client == nil {
		return nil, errors.New("docker client is required")
	}
	var memory int64
	if strings.TrimSpace(cfg.Memory) != "" {
		parsed, err := units.RAMInBytes(cfg.Memory)
		if err != nil {
			return nil, fmt.Errorf("parse memory %q: %w", cfg.Memory, err)
		}
		memory = parsed
	}
	network := strings.TrimSpace(cfg.NetworkMode)
	if network == "" {
		network = "bridge"
	}
	return &DockerExecutor{
		client:       client,
		defaultImage: strings.TrimSpace(cfg.DefaultImage),
		memory:       memory,
		networkMode:  network,
	}, nil
}

func (e *DockerExecutor) Kind() string {
	return "docker"
}

func (e *DockerExecutor) Run(ctx context.Context, job Job) (Result, error) {
	if err := job.validate(); err != nil {
		return Result{}, err
	}
	image := strings.TrimSpace(job.Image)
	if image == "" {
		image = e.defaultImage
	}
	if image == "" {
		return Result{}, errors.New("image is required for docker builds")
	}
	if err := e.ensureImage(ctx, image); err != nil {
		return Result{}, err
	}

	for _, phase := range job.Phases {
		if len(phase.Commands) == 0 {
			continue
		}
		code, err := e.runPhase(ctx, image, job, phase)
		if err != nil {
			return Result{FailedPhase: phase.Name, ExitCode: -1}, err
		}
		if code != 0 {
			return Result{FailedPhase: phase.Name, ExitCode: code}, nil
		}
	}
	return Result{}, nil
}

func (e *DockerExecutor) ensureImage(ctx context.Context, image string) error {
	_, err := e.client.InspectImage(image)
	if err == nil {
		return nil
	}
	if !errors.Is(err, docker.ErrNoSuchImage) {
		return fmt.Errorf("inspect image %s: %w", image, err)
	}
	repository, tag := docker.ParseRepositoryTag(image)
	if tag == "" {
		tag = "latest"
	}
	if err := e.client.PullImage(docker.PullImageOptions{
		Repository: repository,
		Tag:        tag,
		Context:    ctx,
	}, docker.AuthConfiguration{}); err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	return nil
}

func (e *DockerExecutor) runPhase(ctx context.Context, image string, job Job, phase Phase) (int, error) {
	container, err := e.client.CreateContainer(docker.CreateContainerOptions{
		Name: containerName(job, phase),
		Config: &docker.Config{
			Image:      image,
			Cmd:        []string{"sh", "-c", PhaseScript(phase.Commands)},
			Env:        job.envList(),
			WorkingDir: containerWorkdir,
			Labels: map[string]string{
				"dbschedule.run_id":   job.RunID,
				"dbschedule.stage_id": job.StageID,
			},
		},
		HostConfig: &docker.HostConfig{
			Binds:       []string{job.Workspace + ":" + containerWorkdir},
			Memory:      e.memory,
			NetworkMode: e.networkMode,
		},
		Context: ctx,
	})
	if err != nil {
		return -1, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		_ = e.client.RemoveContainer(docker.RemoveContainerOptions{
			ID:            container.ID,
			Force:         true,
			RemoveVolumes: true,
		})
	}()

	if err := e.client.StartContainerWithContext(container.ID, nil, ctx); err != nil {
		return -1, fmt.Errorf("start container: %w", err)
	}

	logsDone := make(chan error, 1)
	go func() {
		logsDone <- e.client.Logs(docker.LogsOptions{
			Context:      ctx,
			Container:    container.ID,
			OutputStream: job.output(),
			ErrorStream:  job.output(),
			Stdout:       true,
			Stderr:       true,
			Follow:       true,
		})
	}()

	code, err := e.client.WaitContainerWithContext(container.ID, ctx)
	<-logsDone
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return -1, ctxErr
		}
		return -1, fmt.Errorf("wait container: %w", err)
	}
	return code, nil
}

func containerName(job Job, phase Phase) string {
	runID := job.RunID
	if len(runID) > 8 {
		runID = runID[:8]
	}
	return strings.ToLower(fmt.Sprintf("dbsched-%s-%s-%s", runID, job.StageID, phase.Name))
}
