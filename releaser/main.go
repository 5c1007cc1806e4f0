package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/animus-labs/dbschedule/internal/orchestrator"
	"github.com/animus-labs/dbschedule/internal/pipelinedef"
	"github.com/animus-labs/dbschedule/internal/platform/auditlog"
	"github.com/animus-labs/dbschedule/internal/platform/auth"
	"github.com/animus-labs/dbschedule/internal/platform/env"
	"github.com/animus-labs/dbschedule/internal/platform/httpserver"
	"github.com/animus-labs/dbschedule/internal/platform/metrics"
)

const service = "releaser"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	pipelinePath := pflag.String("pipeline", env.String("DBSCHED_PIPELINE_FILE", "pipeline.yaml"), "path to the pipeline definition")
	once := pflag.Bool("once", false, "run the pipeline once and exit instead of serving the operator API")
	revision := pflag.String("revision", "", "commit to build with --once (default: branch head)")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	def, err := pipelinedef.Load(*pipelinePath)
	if err != nil {
		logger.Error("invalid pipeline definition", "path", *pipelinePath, "error", err)
		os.Exit(2)
	}

	m := metrics.New()
	w, err := build(ctx, logger, def, m)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(2)
	}
	defer w.close()

	orch, err := orchestrator.New(w.cfg)
	if err != nil {
		logger.Error("invalid orchestrator config", "error", err)
		os.Exit(2)
	}

	if *once {
		os.Exit(runOnce(ctx, logger, orch, *revision))
	}

	if err := serve(ctx, logger, orch, w, m); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func runOnce(ctx context.Context, logger *slog.Logger, orch *orchestrator.Orchestrator, revision string) int {
	run, err := orch.Run(ctx, orchestrator.Trigger{Revision: revision, Requester: "cli"})
	if run.ID != "" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(run)
	}
	if err != nil {
		logger.Error("run failed", "run_id", run.ID, "error", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, logger *slog.Logger, orch *orchestrator.Orchestrator, w *wiring, m *metrics.Metrics) error {
	httpCfg, err := httpserver.ConfigFromEnv(service)
	if err != nil {
		return err
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		return err
	}
	authenticator, err := auth.NewAuthenticator(ctx, authCfg)
	if err != nil {
		return err
	}

	checks := make([]httpserver.ReadinessCheck, 0, len(w.ready))
	for _, r := range w.ready {
		check := r.check
		checks = append(checks, httpserver.ReadinessCheck{
			Name: r.name,
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return check(checkCtx)
			},
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(service))
	mux.HandleFunc("GET /readyz", httpserver.Readyz(service, checks...))
	mux.Handle("GET /metrics", m.Handler())

	api := &releaserAPI{
		logger:   logger,
		runs:     orch,
		releases: w.cfg.Releases,
		audit:    w.audit,
		clock:    w.cfg.Clock,
		runCtx:   ctx,
	}
	api.register(mux)

	var handler http.Handler = mux
	if authenticator != nil {
		handler = auth.Middleware{
			Logger:        logger,
			Authenticator: authenticator,
			Authorize:     auth.MethodRoleAuthorizer(),
			Audit:         auditlog.AuthDeny(w.audit, service),
			SkipPrefixes:  []string{"/healthz", "/readyz", "/metrics"},
		}.Wrap(mux)
	} else {
		logger.Warn("operator API authentication is disabled")
	}

	err = httpserver.Run(ctx, logger, httpCfg, httpserver.Wrap(logger, handler))
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
