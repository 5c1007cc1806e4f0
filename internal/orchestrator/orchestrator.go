// Package orchestrator runs pipeline runs over their execution plan: source,
// then the builds in parallel, then the single-flight deploy, then one
// progressive release per function.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/dbschedule/internal/domain"
	"github.com/animus-labs/dbschedule/internal/execution/binder"
	"github.com/animus-labs/dbschedule/internal/execution/plan"
	"github.com/animus-labs/dbschedule/internal/execution/specvalidator"
	"github.com/animus-labs/dbschedule/internal/execution/stage"
	"github.com/animus-labs/dbschedule/internal/execution/state"
	"github.com/animus-labs/dbschedule/internal/notify"
	"github.com/animus-labs/dbschedule/internal/release"
)

// Trigger starts a run.
type Trigger struct {
	// Revision pins the commit to build. Empty builds the branch head.
	Revision string
	// Requester is recorded on the run.started event.
	Requester string
}

type Orchestrator struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	mu    sync.RWMutex
	runs  map[string]*runHandle
	order []string
}

type runHandle struct {
	mu            sync.Mutex
	run           domain.PipelineRun
	plan          domain.ExecutionPlan
	rc            *stage.RunContext
	requester     string
	cancel        context.CancelCauseFunc
	cancelled     bool
	deployStarted bool
	err           error
	phases        map[string]domain.ReleasePhase
	done          chan struct{}
}

// New validates the definition once; runs never fail on problems that are
// visible here.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := specvalidator.ValidateDefinition(cfg.Definition); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxParallelBuilds < 1 {
		cfg.MaxParallelBuilds = len(cfg.Definition.Builds)
	}
	return &Orchestrator{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger.With("pipeline", cfg.Definition.Name, "environment", cfg.Definition.Environment),
		runs:   make(map[string]*runHandle),
	}, nil
}

func (o *Orchestrator) Definition() domain.PipelineDefinition { return o.cfg.Definition }

// Run executes one run to completion, including its releases. The returned
// error is the cause of a failed run.
func (o *Orchestrator) Run(ctx context.Context, trigger Trigger) (domain.PipelineRun, error) {
	h, err := o.prepare(ctx, trigger)
	if err != nil {
		return domain.PipelineRun{}, err
	}
	o.execute(ctx, h)
	return h.snapshot(), h.failure()
}

// Start begins a run in the background and returns its pending record. ctx
// bounds the run's lifetime, not the call.
func (o *Orchestrator) Start(ctx context.Context, trigger Trigger) (domain.PipelineRun, error) {
	h, err := o.prepare(ctx, trigger)
	if err != nil {
		return domain.PipelineRun{}, err
	}
	go o.execute(ctx, h)
	return h.snapshot(), nil
}

// Wait blocks until the run finishes.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (domain.PipelineRun, error) {
	h, ok := o.handle(runID)
	if !ok {
		return domain.PipelineRun{}, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	select {
	case <-h.done:
		return h.snapshot(), h.failure()
	case <-ctx.Done():
		return h.snapshot(), ctx.Err()
	}
}

// Get returns a live run, or the recorded one after a restart.
func (o *Orchestrator) Get(ctx context.Context, runID string) (domain.PipelineRun, error) {
	if h, ok := o.handle(runID); ok {
		return h.snapshot(), nil
	}
	if o.cfg.Recorder == nil {
		return domain.PipelineRun{}, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return o.cfg.Recorder.GetRun(ctx, runID)
}

// List returns the runs started by this process, newest first.
func (o *Orchestrator) List() []domain.PipelineRun {
	o.mu.RLock()
	handles := make([]*runHandle, 0, len(o.order))
	for i := len(o.order) - 1; i >= 0; i-- {
		handles = append(handles, o.runs[o.order[i]])
	}
	o.mu.RUnlock()
	out := make([]domain.PipelineRun, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.snapshot())
	}
	return out
}

// Cancel aborts a run that has not started its deploy stage. In-flight builds
// are killed and nothing is deployed.
func (o *Orchestrator) Cancel(runID string) error {
	h, ok := o.handle(runID)
	if !ok {
		return fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deployStarted {
		return fmt.Errorf("run %s: %w", runID, domain.ErrDeployStarted)
	}
	if h.run.Status.Terminal() || h.cancelled {
		return nil
	}
	h.cancelled = true
	if h.cancel != nil {
		h.cancel(domain.ErrRunCancelled)
	}
	o.logger.Info("run cancel requested", "run_id", runID)
	return nil
}

func (o *Orchestrator) handle(runID string) (*runHandle, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.runs[runID]
	return h, ok
}

func (o *Orchestrator) prepare(ctx context.Context, trigger Trigger) (*runHandle, error) {
	def := o.cfg.Definition
	runID := uuid.NewString()
	p, err := plan.BuildPlan(def, runID)
	if err != nil {
		return nil, err
	}

	now := o.clock.Now().UTC()
	run := domain.PipelineRun{
		ID:          runID,
		Pipeline:    def.Name,
		Environment: def.Environment,
		Snapshot:    domain.SourceSnapshot{Repository: def.Source},
		Status:      domain.RunStatusPending,
		CreatedAt:   now,
	}
	for _, step := range p.Steps {
		run.Stages = append(run.Stages, domain.StageExecution{
			RunID:   runID,
			StageID: step.ID,
			Kind:    step.Kind,
			Status:  domain.StageStatusPending,
		})
	}
	h := &runHandle{
		run:       run,
		plan:      p,
		rc:        stage.NewRunContext(runID, def.Environment, trigger.Revision),
		requester: trigger.Requester,
		phases:    make(map[string]domain.ReleasePhase),
		done:      make(chan struct{}),
	}

	if rec := o.cfg.Recorder; rec != nil {
		if err := rec.CreateRun(ctx, run); err != nil {
			return nil, fmt.Errorf("record run: %w", err)
		}
		if err := rec.SavePlan(ctx, p); err != nil {
			return nil, fmt.Errorf("record plan: %w", err)
		}
		for _, s := range run.Stages {
			if err := rec.SaveStage(ctx, s); err != nil {
				return nil, fmt.Errorf("record stage %s: %w", s.StageID, err)
			}
		}
	}

	o.mu.Lock()
	o.runs[runID] = h
	o.order = append(o.order, runID)
	o.mu.Unlock()
	return h, nil
}

func (o *Orchestrator) execute(ctx context.Context, h *runHandle) {
	defer close(h.done)
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	h.mu.Lock()
	h.cancel = cancel
	if h.cancelled {
		cancel(domain.ErrRunCancelled)
	}
	h.run.Status = domain.RunStatusRunning
	h.mu.Unlock()

	logger := o.logger.With("run_id", h.run.ID)
	logger.Info("run started", "revision", h.rc.Revision, "requester", h.requester)
	o.persistRun(ctx, h)
	started := notify.RunEvent(h.snapshot(), o.clock.Now())
	if h.requester != "" {
		started.Attributes["requester"] = h.requester
	}
	o.emit(ctx, started)

	stages := o.stages(h)
	for _, layer := range h.plan.Layers() {
		if len(layer) == 0 {
			continue
		}
		if h.failure() != nil {
			break
		}
		if err := context.Cause(runCtx); err != nil {
			o.recordFailure(h, layer[0].ID, err)
			break
		}
		if layerHasKind(layer, domain.StageKindDeploy) {
			if err := o.beginDeploy(runCtx, h); err != nil {
				o.recordFailure(h, o.cfg.Definition.Deploy.ID, err)
				break
			}
		}
		o.runLayer(runCtx, h, layer, stages)
	}
	o.finish(ctx, h)
}

// beginDeploy binds the placeholders and closes the cancellation window.
// A binding failure leaves the deploy stage pending.
func (o *Orchestrator) beginDeploy(ctx context.Context, h *runHandle) error {
	def := o.cfg.Definition
	overrides, err := binder.Bind(h.run.ID, def.Deploy.Placeholders, h.rc.Artifacts())
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return domain.ErrRunCancelled
	}
	if err := context.Cause(ctx); err != nil {
		return err
	}
	h.deployStarted = true
	h.rc.SetOverrides(overrides)
	h.run.Overrides = overrides.Clone()
	return nil
}

func (o *Orchestrator) runLayer(ctx context.Context, h *runHandle, layer []domain.ExecutionPlanStep, stages map[string]stage.Stage) {
	var g errgroup.Group
	if layerHasKind(layer, domain.StageKindBuild) {
		g.SetLimit(o.cfg.MaxParallelBuilds)
	}
	for _, step := range layer {
		st, ok := stages[step.ID]
		if !ok {
			o.recordFailure(h, step.ID, fmt.Errorf("no executable stage for plan step %s", step.ID))
			continue
		}
		g.Go(func() error {
			o.runStage(ctx, h, st)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) runStage(ctx context.Context, h *runHandle, st stage.Stage) {
	isRelease := st.Kind() == domain.StageKindRelease
	if !isRelease && h.failure() != nil {
		// Fail fast: queued builds of a failed run never start.
		return
	}
	if runnable, blocked := o.runnable(h, st.ID()); !runnable {
		if blocked {
			o.logger.Debug("stage blocked by failed dependency", "run_id", h.run.ID, "stage_id", st.ID())
		}
		return
	}

	o.updateStage(ctx, h, st.ID(), func(s *domain.StageExecution) {
		now := o.clock.Now().UTC()
		s.Status = domain.StageStatusRunning
		s.StartedAt = &now
	})

	err := st.Execute(ctx, h.rc)
	if err != nil && errors.Is(context.Cause(ctx), domain.ErrRunCancelled) && !errors.Is(err, domain.ErrRunCancelled) {
		err = fmt.Errorf("%w: %w", domain.ErrRunCancelled, err)
	}

	h.mu.Lock()
	h.run.Artifacts = h.rc.Artifacts()
	h.run.Versions = h.rc.Versions()
	h.mu.Unlock()

	finished := o.updateStage(ctx, h, st.ID(), func(s *domain.StageExecution) {
		now := o.clock.Now().UTC()
		s.FinishedAt = &now
		if err == nil {
			s.Status = domain.StageStatusSucceeded
			return
		}
		s.Status = domain.StageStatusFailed
		s.Error = err.Error()
		if isRelease {
			s.ErrorCode = releaseErrorCode(err)
		} else {
			s.ErrorCode = domain.FailureKind(err)
		}
	})
	o.cfg.Metrics.ObserveStage(finished)

	if err != nil && !isRelease {
		o.recordFailure(h, st.ID(), err)
	}
	if st.Kind() == domain.StageKindDeploy {
		o.persistRun(ctx, h)
	}
}

// runnable also reports whether the step can never run.
func (o *Orchestrator) runnable(h *runHandle, stepID string) (bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	byID := make(map[string]domain.StageExecution, len(h.run.Stages))
	for _, s := range h.run.Stages {
		byID[s.StageID] = s
	}
	if state.Runnable(&h.plan, stepID, byID) {
		return true, false
	}
	return false, state.Blocked(&h.plan, stepID, byID)
}

func (o *Orchestrator) updateStage(ctx context.Context, h *runHandle, stageID string, mutate func(*domain.StageExecution)) domain.StageExecution {
	h.mu.Lock()
	var updated domain.StageExecution
	for i := range h.run.Stages {
		if h.run.Stages[i].StageID != stageID {
			continue
		}
		next := h.run.Stages[i]
		mutate(&next)
		if !domain.CanTransitionStage(h.run.Stages[i].Status, next.Status) {
			o.logger.Error("invalid stage transition", "run_id", h.run.ID, "stage_id", stageID, "from", h.run.Stages[i].Status, "to", next.Status)
			updated = h.run.Stages[i]
			break
		}
		h.run.Stages[i] = next
		updated = next
		break
	}
	env := h.run.Environment
	h.mu.Unlock()

	if rec := o.cfg.Recorder; rec != nil {
		if err := rec.SaveStage(context.WithoutCancel(ctx), updated); err != nil {
			o.log("record stage failed", "run_id", updated.RunID, "stage_id", stageID, "error", err)
		}
	}
	o.emit(ctx, notify.StageEvent(env, updated, o.clock.Now()))
	return updated
}

// recordFailure keeps the first failure only.
func (o *Orchestrator) recordFailure(h *runHandle, stageID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return
	}
	h.err = err
	h.run.Failure = &domain.RunFailure{StageID: stageID, Kind: domain.FailureKind(err), Message: err.Error()}
	o.logger.Warn("run failed", "run_id", h.run.ID, "stage_id", stageID, "kind", h.run.Failure.Kind, "error", err)
}

func (o *Orchestrator) finish(ctx context.Context, h *runHandle) {
	ctx = context.WithoutCancel(ctx)
	h.mu.Lock()
	status := state.DeriveRunStatus(&h.plan, h.run.Stages)
	if h.err != nil {
		status = domain.RunStatusFailed
	} else if failed, ok := state.FirstFailure(&h.plan, h.run.Stages); ok && status == domain.RunStatusFailed {
		h.err = errors.New(failed.Error)
		h.run.Failure = &domain.RunFailure{StageID: failed.StageID, Kind: failed.ErrorCode, Message: failed.Error}
	} else if !status.Terminal() {
		h.err = errors.New("run ended before every stage finished")
		h.run.Failure = &domain.RunFailure{Kind: domain.FailureKind(h.err), Message: h.err.Error()}
		status = domain.RunStatusFailed
	}
	now := o.clock.Now().UTC()
	h.run.Status = status
	h.run.FinishedAt = &now
	h.run.Snapshot = mergeSnapshot(h.run.Snapshot, h.rc.Snapshot())
	h.run.Artifacts = h.rc.Artifacts()
	h.run.Versions = h.rc.Versions()
	h.run.Releases = h.rc.Releases()
	run := h.run
	h.mu.Unlock()

	o.persistRun(ctx, h)
	o.cfg.Metrics.ObserveRun(status)
	o.emit(ctx, notify.RunEvent(run, now))
	o.logger.Info("run finished", "run_id", run.ID, "status", status, "commit", run.Snapshot.ShortCommit(), "versions", len(run.Versions))
}

func (o *Orchestrator) persistRun(ctx context.Context, h *runHandle) {
	rec := o.cfg.Recorder
	if rec == nil {
		return
	}
	run := h.snapshot()
	if err := rec.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		o.log("record run failed", "run_id", run.ID, "error", err)
	}
}

// observeRelease fans a controller state change out to metrics, the
// recorder and, on phase changes, the notification sink.
func (o *Orchestrator) observeRelease(h *runHandle, st domain.ReleaseState) {
	o.cfg.Metrics.ObserveRelease(st)
	ctx := context.Background()
	if rec := o.cfg.Recorder; rec != nil {
		if err := rec.SaveRelease(ctx, st); err != nil {
			o.log("record release failed", "release_id", st.ID, "error", err)
		}
	}
	h.mu.Lock()
	changed := h.phases[st.ID] != st.Phase
	h.phases[st.ID] = st.Phase
	h.mu.Unlock()
	if changed {
		o.emit(ctx, notify.ReleaseEvent(h.run.Environment, st, o.clock.Now()))
	}
}

func (o *Orchestrator) emit(ctx context.Context, event notify.Event) {
	if o.cfg.Notifier == nil {
		return
	}
	if err := o.cfg.Notifier.Notify(context.WithoutCancel(ctx), event); err != nil {
		o.log("notify failed", "event_type", string(event.Type), "run_id", event.RunID, "error", err)
	}
}

// log reports side-channel failures that never change a run's outcome.
func (o *Orchestrator) log(msg string, attrs ...any) {
	for i := 0; i+1 < len(attrs); i += 2 {
		if key, ok := attrs[i].(string); ok && key == "error" {
			if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
				return
			}
		}
	}
	o.logger.Warn(msg, append([]any{"component", "orchestrator"}, attrs...)...)
}

func (h *runHandle) snapshot() domain.PipelineRun {
	h.mu.Lock()
	defer h.mu.Unlock()
	run := h.run
	run.Snapshot = mergeSnapshot(run.Snapshot, h.rc.Snapshot())
	run.Stages = append([]domain.StageExecution(nil), h.run.Stages...)
	run.Artifacts = append([]domain.Artifact(nil), h.run.Artifacts...)
	run.Versions = append([]domain.FunctionVersion(nil), h.run.Versions...)
	run.Overrides = h.run.Overrides.Clone()
	if !run.Status.Terminal() {
		run.Releases = h.rc.Releases()
	} else {
		run.Releases = append([]domain.ReleaseState(nil), h.run.Releases...)
	}
	return run
}

func (h *runHandle) failure() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func mergeSnapshot(base, resolved domain.SourceSnapshot) domain.SourceSnapshot {
	if resolved.CommitID == "" {
		return base
	}
	return resolved
}

func layerHasKind(layer []domain.ExecutionPlanStep, kind domain.StageKind) bool {
	for _, step := range layer {
		if step.Kind == kind {
			return true
		}
	}
	return false
}

func releaseErrorCode(err error) string {
	var healthErr *domain.ReleaseHealthFailure
	switch {
	case errors.As(err, &healthErr):
		return "release_health_failure"
	case errors.Is(err, release.ErrCancelled):
		return "release_cancelled"
	case errors.Is(err, domain.ErrAliasConflict):
		return "alias_conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "interrupted"
	default:
		return "release_failed"
	}
}

// sortedFunctions keeps release stage construction deterministic.
func sortedFunctions(fns []domain.FunctionSpec) []domain.FunctionSpec {
	out := append([]domain.FunctionSpec(nil), fns...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
