package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/dbschedule/internal/alias"
	"github.com/animus-labs/dbschedule/internal/domain"
	"github.com/animus-labs/dbschedule/internal/execution/plan"
	"github.com/animus-labs/dbschedule/internal/health"
	"github.com/animus-labs/dbschedule/internal/release"
)

// ReleaseStage shifts one function's alias onto the version the deploy stage
// published. Its outcome is reported on the release stream only.
type ReleaseStage struct {
	Function   domain.FunctionSpec
	Policy     domain.ReleasePolicy
	Router     *alias.Router
	Health     *health.Factory
	HealthPoll time.Duration
	Registry   *release.Registry
	Clock      clockwork.Clock
	Logger     *slog.Logger
	// Observe receives every state change of the release.
	Observe func(domain.ReleaseState)
}

func (s *ReleaseStage) ID() string             { return plan.ReleaseStepID(s.Function.Name) }
func (s *ReleaseStage) Kind() domain.StageKind { return domain.StageKindRelease }

func (s *ReleaseStage) Execute(ctx context.Context, rc *RunContext) error {
	if s.Router == nil || s.Registry == nil {
		return errors.New("alias router and release registry are required")
	}
	version, ok := rc.Version(s.Function.Name)
	if !ok {
		return fmt.Errorf("no version was published for function %s", s.Function.Name)
	}

	var source health.Source
	if s.Health != nil {
		source = s.Health.For(s.Function)
	}
	observe := func(state domain.ReleaseState) {
		rc.recordRelease(state)
		if s.Observe != nil {
			s.Observe(state)
		}
	}
	controller, err := release.NewController(domain.ReleaseState{
		RunID:                 rc.RunID,
		Function:              s.Function.Name,
		Alias:                 domain.AliasKey{FunctionName: version.FunctionName, Name: s.Function.Alias},
		TargetVersion:         version.Version,
		IncrementPercent:      s.Policy.IncrementPercent,
		IncrementInterval:     s.Policy.IncrementInterval,
		StabilizationInterval: s.Policy.StabilizationInterval,
	}, release.Config{
		Router:     s.Router,
		Health:     source,
		HealthPoll: s.HealthPoll,
		Clock:      s.Clock,
		Logger:     s.Logger,
		Observe:    observe,
	})
	if err != nil {
		return err
	}
	if err := s.Registry.Register(controller); err != nil {
		return err
	}
	observe(controller.State())

	_, err = controller.Run(ctx)
	return err
}
