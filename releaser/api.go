package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/dbschedule/internal/domain"
	"github.com/animus-labs/dbschedule/internal/orchestrator"
	"github.com/animus-labs/dbschedule/internal/platform/auditlog"
	"github.com/animus-labs/dbschedule/internal/platform/auth"
	"github.com/animus-labs/dbschedule/internal/platform/httpserver"
	"github.com/animus-labs/dbschedule/internal/schedule"
)

const maxBodyBytes = 64 << 10

type runService interface {
	Definition() domain.PipelineDefinition
	Start(ctx context.Context, trigger orchestrator.Trigger) (domain.PipelineRun, error)
	Get(ctx context.Context, runID string) (domain.PipelineRun, error)
	List() []domain.PipelineRun
	Cancel(runID string) error
}

type releaseService interface {
	List() []domain.ReleaseState
	Cancel(id, reason string) error
}

type releaserAPI struct {
	logger   *slog.Logger
	runs     runService
	releases releaseService
	audit    auditlog.Recorder
	clock    clockwork.Clock
	// runCtx outlives the request that triggered a run.
	runCtx context.Context
}

func (api *releaserAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", api.handleTriggerRun)
	mux.HandleFunc("GET /v1/runs", api.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/cancel", api.handleCancelRun)

	mux.HandleFunc("GET /v1/releases", api.handleListReleases)
	mux.HandleFunc("POST /v1/releases/{release_id}/cancel", api.handleCancelRelease)

	mux.HandleFunc("GET /v1/functions", api.handleListFunctions)
}

type triggerRunRequest struct {
	Revision string `json:"revision,omitempty"`
}

func (api *releaserAPI) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRunRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err)
		return
	}

	actor := auth.Actor(r.Context())
	run, err := api.runs.Start(api.runCtx, orchestrator.Trigger{Revision: strings.TrimSpace(req.Revision), Requester: actor})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.record(r, auditlog.ActionRunTrigger, "run", run.ID, map[string]any{"revision": req.Revision})
	httpserver.WriteJSON(w, http.StatusAccepted, run)
}

func (api *releaserAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	status := domain.NormalizeRunStatus(r.URL.Query().Get("status"))
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_limit", err)
			return
		}
		limit = n
	}

	runs := make([]domain.PipelineRun, 0)
	for _, run := range api.runs.List() {
		if status != "" && run.Status != status {
			continue
		}
		runs = append(runs, run)
		if len(runs) == limit {
			break
		}
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (api *releaserAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.runs.Get(r.Context(), r.PathValue("run_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, run)
}

func (api *releaserAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if err := api.runs.Cancel(runID); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.record(r, auditlog.ActionRunCancel, "run", runID, nil)
	httpserver.WriteJSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "status": "cancelling"})
}

func (api *releaserAPI) handleListReleases(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	releases := make([]domain.ReleaseState, 0)
	for _, st := range api.releases.List() {
		if runID != "" && st.RunID != runID {
			continue
		}
		releases = append(releases, st)
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"releases": releases})
}

type cancelReleaseRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (api *releaserAPI) handleCancelRelease(w http.ResponseWriter, r *http.Request) {
	var req cancelReleaseRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err)
		return
	}
	releaseID := r.PathValue("release_id")
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "cancelled by " + auth.Actor(r.Context())
	}
	if err := api.releases.Cancel(releaseID, reason); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.record(r, auditlog.ActionReleaseCancel, "release", releaseID, map[string]any{"reason": reason})
	httpserver.WriteJSON(w, http.StatusAccepted, map[string]any{"release_id": releaseID, "status": "rolling_back"})
}

type functionView struct {
	Name         string     `json:"name"`
	FunctionName string     `json:"function_name,omitempty"`
	OutputKey    string     `json:"output_key,omitempty"`
	Alias        string     `json:"alias"`
	Schedule     string     `json:"schedule,omitempty"`
	NextRun      *time.Time `json:"next_run,omitempty"`
}

func (api *releaserAPI) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	now := api.clock.Now().UTC()
	def := api.runs.Definition()
	out := make([]functionView, 0, len(def.Functions))
	for _, fn := range def.Functions {
		view := functionView{
			Name:         fn.Name,
			FunctionName: fn.FunctionName,
			OutputKey:    fn.OutputKey,
			Alias:        fn.Alias,
			Schedule:     fn.Schedule,
		}
		if fn.Schedule != "" {
			if next, err := schedule.Next(fn.Schedule, now); err == nil {
				view.NextRun = &next
			}
		}
		out = append(out, view)
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"environment": def.Environment, "functions": out})
}

func (api *releaserAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var cfgErr *domain.ConfigurationError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found", err)
	case errors.Is(err, domain.ErrDeployStarted):
		httpserver.WriteError(w, r, http.StatusConflict, "deploy_started", err)
	case errors.Is(err, domain.ErrReleaseCompleted):
		httpserver.WriteError(w, r, http.StatusConflict, "release_completed", err)
	case errors.As(err, &cfgErr):
		httpserver.WriteError(w, r, http.StatusUnprocessableEntity, "configuration_error", err)
	default:
		requestID, _ := httpserver.RequestIDFromContext(r.Context())
		api.logger.Error("request failed", "request_id", requestID, "path", r.URL.Path, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
	}
}

// record writes an operator audit event. Audit failures are logged only.
func (api *releaserAPI) record(r *http.Request, action, resourceType, resourceID string, payload map[string]any) {
	if api.audit == nil {
		return
	}
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 750*time.Millisecond)
	defer cancel()
	err := api.audit.Record(ctx, auditlog.Event{
		OccurredAt:   api.clock.Now().UTC(),
		Actor:        auth.Actor(r.Context()),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    requestID,
		IP:           auditlog.RemoteIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Payload:      payload,
	})
	if err != nil {
		api.logger.Warn("audit write failed", "request_id", requestID, "action", action, "error", err)
	}
}

// decodeJSON accepts an empty body as the zero request.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
