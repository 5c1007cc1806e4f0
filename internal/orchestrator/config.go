package orchestrator

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/dbschedule/internal/alias"
	"github.com/animus-labs/dbschedule/internal/artifacts"
	"github.com/animus-labs/dbschedule/internal/deploy"
	"github.com/animus-labs/dbschedule/internal/deploylock"
	"github.com/animus-labs/dbschedule/internal/domain"
	"github.com/animus-labs/dbschedule/internal/health"
	"github.com/animus-labs/dbschedule/internal/notify"
	"github.com/animus-labs/dbschedule/internal/platform/env"
	"github.com/animus-labs/dbschedule/internal/platform/metrics"
	"github.com/animus-labs/dbschedule/internal/release"
	"github.com/animus-labs/dbschedule/internal/repo"
	"github.com/animus-labs/dbschedule/internal/runtimeexec"
	"github.com/animus-labs/dbschedule/internal/source"
)

// Config wires the orchestrator to its providers. Recorder, Notifier, Metrics
// and Health are optional.
type Config struct {
	Definition domain.PipelineDefinition

	Source    source.Provider
	Executor  runtimeexec.Executor
	Artifacts *artifacts.Store
	Deployer  deploy.Provider
	Locker    deploylock.Locker
	Router    *alias.Router
	Health    *health.Factory
	Releases  *release.Registry

	Recorder repo.Recorder
	Notifier notify.Sink
	Metrics  *metrics.Metrics
	Clock    clockwork.Clock
	Logger   *slog.Logger

	WorkRoot          string
	MaxParallelBuilds int
	HealthPoll        time.Duration
}

// Settings are the tunables read from the environment.
type Settings struct {
	WorkRoot          string
	MaxParallelBuilds int
	HealthPoll        time.Duration
	ReleaseRetention  time.Duration
}

func SettingsFromEnv() (Settings, error) {
	parallel, err := env.Int("DBSCHED_MAX_PARALLEL_BUILDS", 4)
	if err != nil {
		return Settings{}, err
	}
	poll, err := env.Duration("DBSCHED_HEALTH_POLL_INTERVAL", 0)
	if err != nil {
		return Settings{}, err
	}
	retention, err := env.Duration("DBSCHED_RELEASE_RETENTION", release.DefaultRetention)
	if err != nil {
		return Settings{}, err
	}
	s := Settings{
		WorkRoot:          env.String("DBSCHED_WORK_ROOT", "/var/lib/dbschedule/work"),
		MaxParallelBuilds: parallel,
		HealthPoll:        poll,
		ReleaseRetention:  retention,
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	issues := &domain.ConfigurationError{}
	if s.WorkRoot == "" {
		issues.Add("DBSCHED_WORK_ROOT is required")
	}
	if s.MaxParallelBuilds < 1 {
		issues.Add("DBSCHED_MAX_PARALLEL_BUILDS must be >= 1")
	}
	if s.HealthPoll < 0 {
		issues.Add("DBSCHED_HEALTH_POLL_INTERVAL must be >= 0")
	}
	if s.ReleaseRetention < 0 {
		issues.Add("DBSCHED_RELEASE_RETENTION must be >= 0")
	}
	return issues.OrNil()
}

func (c Config) Validate() error {
	issues := &domain.ConfigurationError{}
	if c.Source == nil {
		issues.Add("source provider is required")
	}
	if c.Executor == nil {
		issues.Add("build executor is required")
	}
	if c.Artifacts == nil {
		issues.Add("artifact store is required")
	}
	if c.Deployer == nil {
		issues.Add("deploy provider is required")
	}
	if c.Locker == nil {
		issues.Add("deploy locker is required")
	}
	if c.Router == nil {
		issues.Add("alias router is required")
	}
	if c.Releases == nil {
		issues.Add("release registry is required")
	}
	if c.WorkRoot == "" {
		issues.Add("work root is required")
	}
	return issues.OrNil()
}
