package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/dbschedule/internal/alias"
	"github.com/animus-labs/dbschedule/internal/artifacts"
	"github.com/animus-labs/dbschedule/internal/deploy"
	"github.com/animus-labs/dbschedule/internal/deploylock"
	"github.com/animus-labs/dbschedule/internal/domain"
	"github.com/animus-labs/dbschedule/internal/health"
	"github.com/animus-labs/dbschedule/internal/notify"
	"github.com/animus-labs/dbschedule/internal/orchestrator"
	"github.com/animus-labs/dbschedule/internal/paramstore"
	"github.com/animus-labs/dbschedule/internal/platform/auditlog"
	"github.com/animus-labs/dbschedule/internal/platform/awsclient"
	"github.com/animus-labs/dbschedule/internal/platform/env"
	"github.com/animus-labs/dbschedule/internal/platform/metrics"
	"github.com/animus-labs/dbschedule/internal/platform/objectstore"
	"github.com/animus-labs/dbschedule/internal/platform/postgres"
	"github.com/animus-labs/dbschedule/internal/release"
	"github.com/animus-labs/dbschedule/internal/repo"
	pgrepo "github.com/animus-labs/dbschedule/internal/repo/postgres"
	"github.com/animus-labs/dbschedule/internal/runtimeexec"
	"github.com/animus-labs/dbschedule/internal/source"
	store "github.com/animus-labs/dbschedule/internal/storage/objectstore"
)

const (
	providerAWS   = "aws"
	providerLocal = "local"
)

// wiring holds everything main builds before serving.
type wiring struct {
	cfg   orchestrator.Config
	db    *sql.DB
	audit auditlog.Recorder
	ready []readiness
}

type readiness struct {
	name  string
	check func(context.Context) error
}

func build(ctx context.Context, logger *slog.Logger, def domain.PipelineDefinition, m *metrics.Metrics) (*wiring, error) {
	settings, err := orchestrator.SettingsFromEnv()
	if err != nil {
		return nil, err
	}
	clock := clockwork.NewRealClock()
	w := &wiring{
		cfg: orchestrator.Config{
			Definition:        def,
			Releases:          release.NewRegistry(clock, settings.ReleaseRetention),
			Metrics:           m,
			Clock:             clock,
			Logger:            logger,
			WorkRoot:          settings.WorkRoot,
			MaxParallelBuilds: settings.MaxParallelBuilds,
			HealthPoll:        settings.HealthPoll,
		},
		audit: auditlog.LogRecorder{Logger: logger},
	}
	sinks := notify.Fanout{notify.LogSink{Logger: logger}}

	if err := w.openDatabase(ctx, logger, clock, &sinks); err != nil {
		return nil, err
	}

	provider := strings.ToLower(env.String("DBSCHED_PROVIDER", providerAWS))
	switch provider {
	case providerLocal:
		err = w.wireLocal(logger, def, clock)
	case providerAWS:
		err = w.wireAWS(ctx, logger, def, clock, &sinks)
	default:
		err = fmt.Errorf("DBSCHED_PROVIDER must be aws or local (got %q)", provider)
	}
	if err != nil {
		w.close()
		return nil, err
	}
	w.cfg.Notifier = sinks
	return w, nil
}

func (w *wiring) close() {
	if w.db != nil {
		_ = w.db.Close()
	}
}

// openDatabase switches run records, the deploy lock, the event log and the
// audit trail to Postgres when DBSCHED_DATABASE_URL is set.
func (w *wiring) openDatabase(ctx context.Context, logger *slog.Logger, clock clockwork.Clock, sinks *notify.Fanout) error {
	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return err
	}
	if !dbCfg.Enabled() {
		logger.Warn("no database configured, run history is kept in memory")
		w.cfg.Recorder = repo.NewMemoryStore()
		w.cfg.Locker = deploylock.NewMemoryLocker(clock)
		return nil
	}

	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		return err
	}
	logger.Info("run database connected", "target", dbCfg.Target(), "migrated", dbCfg.Migrate)
	locker, err := deploylock.NewPostgresLocker(db, clock)
	if err != nil {
		_ = db.Close()
		return err
	}
	eventLog, err := notify.NewEventLog(db)
	if err != nil {
		_ = db.Close()
		return err
	}
	w.db = db
	w.cfg.Recorder = pgrepo.NewStore(db)
	w.cfg.Locker = locker
	w.audit = auditlog.DBRecorder{DB: db}
	*sinks = append(*sinks, eventLog)
	w.ready = append(w.ready, readiness{name: "postgres", check: db.PingContext})
	return nil
}

// wireLocal runs the whole pipeline in process against a source directory.
func (w *wiring) wireLocal(logger *slog.Logger, def domain.PipelineDefinition, clock clockwork.Clock) error {
	dir := env.String("DBSCHED_SOURCE_DIR", "")
	if dir == "" {
		return errors.New("DBSCHED_SOURCE_DIR is required when DBSCHED_PROVIDER=local")
	}
	src, err := source.NewLocalProvider(dir)
	if err != nil {
		return err
	}
	artifactStore, err := artifacts.NewStore(store.NewMemoryStore(), "local-artifacts", "dbschedule", clock, logger)
	if err != nil {
		return err
	}
	router, err := alias.NewRouter(alias.NewMemoryProvider(), nil)
	if err != nil {
		return err
	}
	// No CloudWatch locally: releases are time-gated only.
	policy := def.Release.Health
	policy.Mode = domain.HealthModeNone
	healthFactory, err := health.NewFactory(nil, policy, clock)
	if err != nil {
		return err
	}

	w.cfg.Source = src
	w.cfg.Executor = runtimeexec.NewLocalExecutor(10 * time.Second)
	w.cfg.Artifacts = artifactStore
	w.cfg.Deployer = deploy.NewMemoryProvider(clock)
	w.cfg.Router = router
	w.cfg.Health = healthFactory
	return nil
}

func (w *wiring) wireAWS(ctx context.Context, logger *slog.Logger, def domain.PipelineDefinition, clock clockwork.Clock, sinks *notify.Fanout) error {
	awsCfg, err := awsclient.ConfigFromEnv()
	if err != nil {
		return err
	}
	sess, err := awsclient.NewSession(awsCfg)
	if err != nil {
		return err
	}

	src, err := w.githubSource(ctx, sess, def)
	if err != nil {
		return err
	}
	executor, err := newExecutor()
	if err != nil {
		return err
	}
	artifactStore, err := w.minioArtifacts(ctx, logger, clock)
	if err != nil {
		return err
	}

	waitDelay, err := env.Duration("DBSCHED_CFN_WAIT_DELAY", 15*time.Second)
	if err != nil {
		return err
	}
	stacks, err := deploy.NewCloudFormationConverger(cloudformation.New(sess), deploy.CloudFormationConfig{
		WaitDelay: waitDelay,
		Tags:      map[string]string{"pipeline": def.Name, "environment": def.Environment},
	}, logger)
	if err != nil {
		return err
	}
	lambdaAPI := lambda.New(sess)
	publisher, err := deploy.NewLambdaPublisher(lambdaAPI, clock, logger)
	if err != nil {
		return err
	}
	deployer, err := deploy.NewDeployer(stacks, publisher, logger)
	if err != nil {
		return err
	}
	aliases, err := alias.NewLambdaProvider(lambdaAPI)
	if err != nil {
		return err
	}
	router, err := alias.NewRouter(aliases, nil)
	if err != nil {
		return err
	}
	healthFactory, err := health.NewFactory(cloudwatch.New(sess), def.Release.Health, clock)
	if err != nil {
		return err
	}

	pipelineTopic := env.String("DBSCHED_PIPELINE_TOPIC_ARN", "")
	if pipelineTopic != "" {
		snsSink, err := notify.NewSNSSink(sns.New(sess), pipelineTopic, env.String("DBSCHED_RELEASE_TOPIC_ARN", ""))
		if err != nil {
			return err
		}
		*sinks = append(*sinks, snsSink)
	}

	w.cfg.Source = src
	w.cfg.Executor = executor
	w.cfg.Artifacts = artifactStore
	w.cfg.Deployer = deployer
	w.cfg.Router = router
	w.cfg.Health = healthFactory
	return nil
}

// githubSource resolves the repository identity and token from SSM and
// Secrets Manager unless a token is given directly.
func (w *wiring) githubSource(ctx context.Context, sess *session.Session, def domain.PipelineDefinition) (source.Provider, error) {
	token := env.String("DBSCHED_GITHUB_TOKEN", "")
	fromParams, err := env.Bool("DBSCHED_SOURCE_FROM_SSM", token == "")
	if err != nil {
		return nil, err
	}
	if fromParams {
		resolver, err := paramstore.NewResolver(ssm.New(sess), secretsmanager.New(sess))
		if err != nil {
			return nil, err
		}
		paths := paramstore.DefaultPaths(def.Prefix, def.Environment)
		repository, err := resolver.Repository(ctx, paths, def.Source)
		if err != nil {
			return nil, err
		}
		w.cfg.Definition.Source = repository
		if token == "" {
			if token, err = resolver.Token(ctx, paths); err != nil {
				return nil, err
			}
		}
	}
	return source.NewGitHubProvider(token)
}

func newExecutor() (runtimeexec.Executor, error) {
	kind := strings.ToLower(env.String("DBSCHED_EXECUTOR", "docker"))
	switch kind {
	case "docker":
		return runtimeexec.NewDockerExecutor(runtimeexec.DockerConfig{
			DefaultImage: env.String("DBSCHED_DOCKER_IMAGE", "public.ecr.aws/sam/build-nodejs18.x"),
			Memory:       env.String("DBSCHED_DOCKER_MEMORY", "3g"),
			NetworkMode:  env.String("DBSCHED_DOCKER_NETWORK", "bridge"),
		})
	case "local":
		grace, err := env.Duration("DBSCHED_KILL_GRACE_PERIOD", 10*time.Second)
		if err != nil {
			return nil, err
		}
		return runtimeexec.NewLocalExecutor(grace), nil
	default:
		return nil, fmt.Errorf("DBSCHED_EXECUTOR must be docker or local (got %q)", kind)
	}
}

func (w *wiring) minioArtifacts(ctx context.Context, logger *slog.Logger, clock clockwork.Clock) (*artifacts.Store, error) {
	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	client, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		return nil, err
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := objectstore.EnsureBucket(startupCtx, client, storeCfg); err != nil {
		return nil, err
	}
	backend, err := store.NewMinioStoreWithClient(client)
	if err != nil {
		return nil, err
	}
	w.ready = append(w.ready, readiness{name: "artifact_store", check: func(ctx context.Context) error {
		return objectstore.CheckBucket(ctx, client, storeCfg)
	}})
	return artifacts.NewStore(backend, storeCfg.BucketArtifacts, storeCfg.KeyPrefix, clock, logger)
}
