package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/dbschedule/internal/artifacts"
	"github.com/animus-labs/dbschedule/internal/deploy"
	"github.com/animus-labs/dbschedule/internal/deploylock"
	"github.com/animus-labs/dbschedule/internal/domain"
	"github.com/animus-labs/dbschedule/internal/platform/metrics"
)

const (
	defaultDeployTimeout = time.Hour
	leaseMargin          = 5 * time.Minute
	releaseLeaseTimeout  = 10 * time.Second
)

// DeployStage converges the environment with the run's bound overrides while
// holding the environment's deploy lease.
type DeployStage struct {
	Spec      domain.DeploySpec
	Functions []domain.FunctionSpec
	Provider  deploy.Provider
	Locker    deploylock.Locker
	Artifacts *artifacts.Store
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func (s *DeployStage) ID() string             { return s.Spec.ID }
func (s *DeployStage) Kind() domain.StageKind { return domain.StageKindDeploy }

func (s *DeployStage) Execute(ctx context.Context, rc *RunContext) error {
	if s.Provider == nil || s.Locker == nil || s.Artifacts == nil {
		return errors.New("deploy provider, locker and artifact store are required")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("run_id", rc.RunID, "stage_id", s.Spec.ID, "environment", rc.Environment)

	timeout := s.Spec.Timeout
	if timeout <= 0 {
		timeout = defaultDeployTimeout
	}
	lease, err := s.Locker.Acquire(ctx, rc.Environment, rc.RunID, timeout+leaseMargin)
	if err != nil {
		if errors.Is(err, domain.ErrConcurrentDeployConflict) {
			s.Metrics.DeployConflict()
		}
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseLeaseTimeout)
		defer cancel()
		if err := s.Locker.Release(releaseCtx, lease); err != nil {
			logger.Warn("release deploy lease failed", "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	template, ok := rc.Artifact(s.Spec.TemplateArtifact)
	if !ok {
		return fmt.Errorf("template artifact %q was not produced in run %s: %w", s.Spec.TemplateArtifact, rc.RunID, domain.ErrUnresolvedPlaceholder)
	}
	body, err := s.Artifacts.ReadFile(ctx, template, s.Spec.TemplatePath)
	if err != nil {
		return fmt.Errorf("read template: %w", err)
	}

	params := make(map[string]string, len(s.Spec.Parameters))
	for k, v := range s.Spec.Parameters {
		params[k] = v
	}
	for k, v := range rc.Overrides() {
		params[k] = v
	}

	result, err := s.Provider.Deploy(ctx, deploy.Request{
		RunID:        rc.RunID,
		StackName:    s.Spec.StackName,
		TemplateBody: body,
		Parameters:   params,
		Capabilities: s.Spec.Capabilities,
		Functions:    s.Functions,
	})
	if err != nil {
		return err
	}
	rc.setDeployed(result)
	logger.Info("deploy succeeded", "stack_id", result.StackID, "versions", len(result.Versions))
	return nil
}
