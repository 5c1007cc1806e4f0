package orchestrator

import (
	"github.com/animus-labs/dbschedule/internal/domain"
	"github.com/animus-labs/dbschedule/internal/execution/specvalidator"
	"github.com/animus-labs/dbschedule/internal/execution/stage"
)

// stages instantiates every plan step of a run.
func (o *Orchestrator) stages(h *runHandle) map[string]stage.Stage {
	def := o.cfg.Definition
	out := make(map[string]stage.Stage, len(def.Builds)+len(def.Functions)+2)

	out[specvalidator.SourceStageID] = &stage.SourceStage{
		StageID:    specvalidator.SourceStageID,
		Provider:   o.cfg.Source,
		Repository: def.Source,
		WorkRoot:   o.cfg.WorkRoot,
	}
	for _, build := range def.Builds {
		out[build.ID] = &stage.BuildStage{
			Spec:      build,
			Executor:  o.cfg.Executor,
			Artifacts: o.cfg.Artifacts,
			WorkRoot:  o.cfg.WorkRoot,
			Logger:    o.logger,
		}
	}
	out[def.Deploy.ID] = &stage.DeployStage{
		Spec:      def.Deploy,
		Functions: def.Functions,
		Provider:  o.cfg.Deployer,
		Locker:    o.cfg.Locker,
		Artifacts: o.cfg.Artifacts,
		Metrics:   o.cfg.Metrics,
		Logger:    o.logger,
	}
	for _, fn := range sortedFunctions(def.Functions) {
		s := &stage.ReleaseStage{
			Function:   fn,
			Policy:     def.Release,
			Router:     o.cfg.Router,
			Health:     o.cfg.Health,
			HealthPoll: o.cfg.HealthPoll,
			Registry:   o.cfg.Releases,
			Clock:      o.clock,
			Logger:     o.logger,
			Observe:    func(st domain.ReleaseState) { o.observeRelease(h, st) },
		}
		out[s.ID()] = s
	}
	return out
}
