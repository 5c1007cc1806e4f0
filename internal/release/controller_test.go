package release

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/dbschedule/internal/alias"
	"github.com/animus-labs/dbschedule/internal/domain"
	"github.com/animus-labs/dbschedule/internal/health"
)

var startupAlias = domain.AliasKey{FunctionName: "db-startup", Name: "prod"}

type outcome struct {
	state domain.ReleaseState
	err   error
}

type harness struct {
	t        *testing.T
	provider *alias.MemoryProvider
	router   *alias.Router
	clock    clockwork.FakeClock

	mu       sync.Mutex
	observed []domain.ReleaseState
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	provider := alias.NewMemoryProvider()
	return newHarnessWith(t, provider, provider)
}

func newHarnessWith(t *testing.T, provider *alias.MemoryProvider, routed alias.Provider) *harness {
	t.Helper()
	router, err := alias.NewRouter(routed, nil)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return &harness{t: t, provider: provider, router: router, clock: clockwork.NewFakeClock()}
}

// flakyProvider fails chosen Update calls, counted from 1. When landed is set
// the write is applied before the error is returned.
type flakyProvider struct {
	*alias.MemoryProvider

	mu      sync.Mutex
	updates int
	failOn  map[int]error
	landed  bool
}

func (p *flakyProvider) Update(ctx context.Context, current domain.Alias, next domain.TrafficSplit) (domain.Alias, error) {
	p.mu.Lock()
	p.updates++
	err := p.failOn[p.updates]
	p.mu.Unlock()
	if err == nil {
		return p.MemoryProvider.Update(ctx, current, next)
	}
	if p.landed {
		if _, applyErr := p.MemoryProvider.Update(ctx, current, next); applyErr != nil {
			return domain.Alias{}, applyErr
		}
	}
	return domain.Alias{}, err
}

func (h *harness) controller(key domain.AliasKey, target string, inc int, interval, stabilization time.Duration, src health.Source) *Controller {
	h.t.Helper()
	ctrl, err := NewController(domain.ReleaseState{
		RunID:                 "run-1",
		Function:              key.FunctionName,
		Alias:                 key,
		TargetVersion:         target,
		IncrementPercent:      inc,
		IncrementInterval:     interval,
		StabilizationInterval: stabilization,
	}, Config{
		Router: h.router,
		Health: src,
		Clock:  h.clock,
		Observe: func(s domain.ReleaseState) {
			h.mu.Lock()
			h.observed = append(h.observed, s)
			h.mu.Unlock()
		},
	})
	if err != nil {
		h.t.Fatalf("new controller: %v", err)
	}
	return ctrl
}

func (h *harness) start(ctx context.Context, ctrl *Controller) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		state, err := ctrl.Run(ctx)
		ch <- outcome{state: state, err: err}
	}()
	return ch
}

// tick waits for the controller to block on the clock and advances it.
func (h *harness) tick(d time.Duration) {
	h.clock.BlockUntil(1)
	h.clock.Advance(d)
}

func (h *harness) phases() []domain.ReleasePhase {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.ReleasePhase
	for _, s := range h.observed {
		if len(out) == 0 || out[len(out)-1] != s.Phase {
			out = append(out, s.Phase)
		}
	}
	return out
}

func assertSplitsSumToHundred(t *testing.T, splits []domain.TrafficSplit) {
	t.Helper()
	for _, split := range splits {
		current, target := split.Weights()
		if current+target != 100 {
			t.Fatalf("split %+v sums to %d", split, current+target)
		}
	}
}

func TestReleaseReachesFiftyPercentAfterFiveMinutes(t *testing.T) {
	h := newHarness(t)
	h.provider.Put(startupAlias, domain.SingleVersion("1"))
	ctrl := h.controller(startupAlias, "2", 10, time.Minute, 5*time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := h.start(ctx, ctrl)
	t.Cleanup(func() {
		cancel()
		<-done
	})

	for i := 0; i < 5; i++ {
		h.tick(time.Minute)
	}
	h.clock.BlockUntil(1)

	state := ctrl.State()
	if state.TrafficPercentToTarget != 50 {
		t.Fatalf("traffic = %d, want 50", state.TrafficPercentToTarget)
	}
	if state.Phase != domain.ReleasePhaseMonitoring {
		t.Fatalf("phase = %s, want monitoring", state.Phase)
	}
	if state.Increment != 5 {
		t.Fatalf("increment = %d, want 5", state.Increment)
	}
	got, err := h.router.Get(context.Background(), startupAlias)
	if err != nil {
		t.Fatalf("get alias: %v", err)
	}
	want := domain.TrafficSplit{CurrentVersion: "1", TargetVersion: "2", TargetWeight: 50}
	if got.Split != want {
		t.Fatalf("alias split = %+v, want %+v", got.Split, want)
	}

	history := h.provider.History(startupAlias)
	assertSplitsSumToHundred(t, history)
	for i := 1; i < len(history); i++ {
		if history[i].TargetWeight != history[i-1].TargetWeight+10 {
			t.Fatalf("non-linear increment at %d: %+v", i, history)
		}
	}
}

func TestHealthFailureRevertsAtomically(t *testing.T) {
	h := newHarness(t)
	h.provider.Put(startupAlias, domain.SingleVersion("1"))
	unhealthyAt40 := health.SourceFunc(func(_ context.Context, r domain.ReleaseState) (health.Result, error) {
		if r.TrafficPercentToTarget >= 40 {
			return health.Unhealthy("alarm db-startup-errors in ALARM"), nil
		}
		return health.Healthy(), nil
	})
	ctrl := h.controller(startupAlias, "2", 10, time.Minute, time.Minute, unhealthyAt40)
	done := h.start(context.Background(), ctrl)

	for i := 0; i < 5; i++ {
		h.tick(time.Minute)
	}
	res := <-done

	var failure *domain.ReleaseHealthFailure
	if !errors.As(res.err, &failure) {
		t.Fatalf("expected ReleaseHealthFailure, got %v", res.err)
	}
	if failure.TrafficPercent != 40 || failure.Increment != 4 {
		t.Fatalf("failure = %+v, want increment 4 at 40%%", failure)
	}
	if !errors.Is(res.err, domain.ErrReleaseHealthFailure) {
		t.Fatalf("expected errors.Is ErrReleaseHealthFailure")
	}
	if res.state.Phase != domain.ReleasePhaseRolledBack {
		t.Fatalf("phase = %s, want rolled_back", res.state.Phase)
	}
	if res.state.HealthSignal != "alarm db-startup-errors in ALARM" {
		t.Fatalf("health signal = %q", res.state.HealthSignal)
	}
	if src, tgt := res.state.Weights(); src != 100 || tgt != 0 {
		t.Fatalf("weights = (%d, %d), want (100, 0)", src, tgt)
	}

	history := h.provider.History(startupAlias)
	assertSplitsSumToHundred(t, history)
	last := history[len(history)-1]
	before := history[len(history)-2]
	if last != domain.SingleVersion("1") || before.TargetWeight != 40 {
		t.Fatalf("expected a single step from 40%% to source, got %+v", history)
	}
}

func TestTimeGatedReleaseCompletes(t *testing.T) {
	h := newHarness(t)
	h.provider.Put(startupAlias, domain.SingleVersion("4"))
	ctrl := h.controller(startupAlias, "5", 40, time.Minute, 2*time.Minute, nil)
	done := h.start(context.Background(), ctrl)

	h.tick(time.Minute)
	h.tick(time.Minute)
	h.tick(time.Minute)
	h.tick(2 * time.Minute)
	res := <-done

	if res.err != nil {
		t.Fatalf("run: %v", res.err)
	}
	if res.state.Phase != domain.ReleasePhaseCompleted || res.state.TrafficPercentToTarget != 100 {
		t.Fatalf("state = %+v", res.state)
	}
	if res.state.FinishedAt == nil {
		t.Fatalf("finished_at must be set")
	}

	var weights []int
	for _, split := range h.provider.History(startupAlias) {
		weights = append(weights, split.TargetWeight)
	}
	want := []int{0, 40, 80, 100, 0}
	if len(weights) != len(want) {
		t.Fatalf("weights = %v, want %v", weights, want)
	}
	for i := range want {
		if weights[i] != want[i] {
			t.Fatalf("weights = %v, want %v", weights, want)
		}
	}
	final, _ := h.router.Get(context.Background(), startupAlias)
	if final.Split != domain.SingleVersion("5") {
		t.Fatalf("alias must collapse onto the target, got %+v", final.Split)
	}

	phases := h.phases()
	expected := []domain.ReleasePhase{
		domain.ReleasePhaseInitiated,
		domain.ReleasePhaseShifting, domain.ReleasePhaseMonitoring,
		domain.ReleasePhaseShifting, domain.ReleasePhaseMonitoring,
		domain.ReleasePhaseShifting, domain.ReleasePhaseMonitoring,
		domain.ReleasePhaseCompleted,
	}
	if len(phases) != len(expected) {
		t.Fatalf("phases = %v", phases)
	}
	for i := range expected {
		if phases[i] != expected[i] {
			t.Fatalf("phases = %v, want %v", phases, expected)
		}
	}
}

func TestCancelDuringMonitoringRollsBack(t *testing.T) {
	h := newHarness(t)
	h.provider.Put(startupAlias, domain.SingleVersion("1"))
	ctrl := h.controller(startupAlias, "2", 10, time.Minute, time.Minute, nil)
	done := h.start(context.Background(), ctrl)

	h.tick(time.Minute)
	h.tick(time.Minute)
	h.clock.BlockUntil(1)
	if err := ctrl.Cancel("operator requested"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	res := <-done

	if !errors.Is(res.err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", res.err)
	}
	if res.state.Phase != domain.ReleasePhaseRolledBack || res.state.Reason != "operator requested" {
		t.Fatalf("state = %+v", res.state)
	}
	if res.state.Increment != 2 {
		t.Fatalf("increment = %d, want 2", res.state.Increment)
	}
	got, _ := h.router.Get(context.Background(), startupAlias)
	if got.Split != domain.SingleVersion("1") {
		t.Fatalf("alias = %+v, want source only", got.Split)
	}
	if err := ctrl.Cancel("again"); err != nil {
		t.Fatalf("cancelling a rolled back release is a no-op, got %v", err)
	}
}

func TestCancelAfterCompletionIsRejected(t *testing.T) {
	h := newHarness(t)
	ctrl := h.controller(startupAlias, "1", 10, time.Minute, time.Minute, nil)
	res, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Phase != domain.ReleasePhaseCompleted {
		t.Fatalf("first release must complete immediately, got %s", res.Phase)
	}
	got, _ := h.router.Get(context.Background(), startupAlias)
	if got.Split != domain.SingleVersion("1") {
		t.Fatalf("alias = %+v", got.Split)
	}
	if err := ctrl.Cancel(""); !errors.Is(err, domain.ErrReleaseCompleted) {
		t.Fatalf("expected ErrReleaseCompleted, got %v", err)
	}
}

func TestStaleSplitIsResetBeforeShifting(t *testing.T) {
	h := newHarness(t)
	h.provider.Put(startupAlias, domain.TrafficSplit{CurrentVersion: "1", TargetVersion: "2", TargetWeight: 30})
	ctrl := h.controller(startupAlias, "3", 100, time.Minute, 0, nil)
	done := h.start(context.Background(), ctrl)

	h.tick(time.Minute)
	res := <-done
	if res.err != nil {
		t.Fatalf("run: %v", res.err)
	}
	if res.state.SourceVersion != "1" {
		t.Fatalf("source = %s, want 1", res.state.SourceVersion)
	}
	history := h.provider.History(startupAlias)
	if history[1] != domain.SingleVersion("1") {
		t.Fatalf("expected reset to the primary version first, got %+v", history)
	}
	for _, split := range history {
		if split.TargetVersion != "" && split.CurrentVersion == "2" {
			t.Fatalf("stale version must not receive more traffic: %+v", history)
		}
	}
}

func TestControllersRunIndependently(t *testing.T) {
	h := newHarness(t)
	stopAlias := domain.AliasKey{FunctionName: "db-shutdown", Name: "prod"}
	h.provider.Put(startupAlias, domain.SingleVersion("1"))
	h.provider.Put(stopAlias, domain.SingleVersion("1"))

	failing := health.SourceFunc(func(context.Context, domain.ReleaseState) (health.Result, error) {
		return health.Unhealthy("errors"), nil
	})
	healthy := health.SourceFunc(func(context.Context, domain.ReleaseState) (health.Result, error) {
		return health.Healthy(), nil
	})
	start := h.controller(startupAlias, "2", 50, time.Minute, 0, failing)
	stop := h.controller(stopAlias, "2", 50, time.Minute, 0, healthy)

	startDone := h.start(context.Background(), start)
	stopDone := h.start(context.Background(), stop)

	h.clock.BlockUntil(2)
	h.clock.Advance(time.Minute)
	h.clock.BlockUntil(2)
	h.clock.Advance(time.Minute)

	startRes := <-startDone
	stopRes := <-stopDone
	if startRes.state.Phase != domain.ReleasePhaseRolledBack {
		t.Fatalf("start release phase = %s, want rolled_back", startRes.state.Phase)
	}
	if stopRes.err != nil || stopRes.state.Phase != domain.ReleasePhaseCompleted {
		t.Fatalf("stop release = %+v err=%v", stopRes.state, stopRes.err)
	}
}

func TestNewControllerValidates(t *testing.T) {
	h := newHarness(t)
	cases := []domain.ReleaseState{
		{TargetVersion: "2", IncrementPercent: 10, IncrementInterval: time.Minute},
		{Alias: startupAlias, IncrementPercent: 10, IncrementInterval: time.Minute},
		{Alias: startupAlias, TargetVersion: "2", IncrementPercent: 0, IncrementInterval: time.Minute},
		{Alias: startupAlias, TargetVersion: "2", IncrementPercent: 10},
	}
	for i, state := range cases {
		if _, err := NewController(state, Config{Router: h.router}); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestRegistryRejectsSecondActiveReleaseOnAlias(t *testing.T) {
	h := newHarness(t)
	registry := NewRegistry(h.clock, 0)
	first := h.controller(startupAlias, "2", 10, time.Minute, 0, nil)
	second := h.controller(startupAlias, "3", 10, time.Minute, 0, nil)

	if err := registry.Register(first); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(second); !errors.Is(err, domain.ErrAliasConflict) {
		t.Fatalf("expected ErrAliasConflict, got %v", err)
	}
	if err := registry.Cancel("missing", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := registry.ForRun("run-1"); len(got) != 1 || got[0].ID != first.ID() {
		t.Fatalf("for run = %+v", got)
	}
}

func TestRegistryPrunesFinishedReleasesAfterRetention(t *testing.T) {
	h := newHarness(t)
	registry := NewRegistry(h.clock, 10*time.Minute)

	finished := h.controller(startupAlias, "1", 10, time.Minute, 0, nil)
	if err := registry.Register(finished); err != nil {
		t.Fatalf("register: %v", err)
	}
	if res, err := finished.Run(context.Background()); err != nil || res.Phase != domain.ReleasePhaseCompleted {
		t.Fatalf("run = %+v, %v", res, err)
	}
	live := h.controller(domain.AliasKey{FunctionName: "db-shutdown", Name: "prod"}, "4", 10, time.Minute, 0, nil)
	if err := registry.Register(live); err != nil {
		t.Fatalf("register live: %v", err)
	}

	h.clock.Advance(5 * time.Minute)
	if got := registry.List(); len(got) != 2 {
		t.Fatalf("within retention: %d releases, want 2", len(got))
	}

	h.clock.Advance(6 * time.Minute)
	got := registry.List()
	if len(got) != 1 || got[0].ID != live.ID() {
		t.Fatalf("after retention: %+v", got)
	}
	if _, ok := registry.Get(finished.ID()); ok {
		t.Fatalf("finished release should be pruned")
	}
}

func TestAliasWriteErrorsEndFailedAndRevert(t *testing.T) {
	transient := errors.New("ServiceException: transient")
	tests := []struct {
		name      string
		inc       int
		ticks     int
		failOn    map[int]error
		landed    bool
		wantSplit domain.TrafficSplit
		wantPct   int
		reason    string
	}{
		{
			name:      "error on third increment",
			inc:       10,
			ticks:     3,
			failOn:    map[int]error{3: transient},
			wantSplit: domain.SingleVersion("1"),
			reason:    "reverted to version 1",
		},
		{
			name:      "write lands despite error",
			inc:       10,
			ticks:     1,
			failOn:    map[int]error{1: transient},
			landed:    true,
			wantSplit: domain.SingleVersion("1"),
			reason:    "reverted to version 1",
		},
		{
			name:      "error on collapse",
			inc:       50,
			ticks:     2,
			failOn:    map[int]error{3: transient},
			wantSplit: domain.SingleVersion("1"),
			reason:    "collapse alias on target",
		},
		{
			name:      "revert fails too",
			inc:       10,
			ticks:     2,
			failOn:    map[int]error{2: transient, 3: transient},
			wantSplit: domain.TrafficSplit{CurrentVersion: "1", TargetVersion: "2", TargetWeight: 10},
			wantPct:   10,
			reason:    "revert to version 1 failed",
		},
		{
			name:      "conflict leaves alias to its writer",
			inc:       10,
			ticks:     2,
			failOn:    map[int]error{2: domain.ErrAliasConflict},
			wantSplit: domain.TrafficSplit{CurrentVersion: "1", TargetVersion: "2", TargetWeight: 10},
			wantPct:   10,
			reason:    "shift to 20%",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			memory := alias.NewMemoryProvider()
			h := newHarnessWith(t, memory, &flakyProvider{MemoryProvider: memory, failOn: tt.failOn, landed: tt.landed})
			memory.Put(startupAlias, domain.SingleVersion("1"))
			ctrl := h.controller(startupAlias, "2", tt.inc, time.Minute, 0, nil)
			done := h.start(context.Background(), ctrl)

			for i := 0; i < tt.ticks; i++ {
				h.tick(time.Minute)
			}
			res := <-done

			if res.err == nil {
				t.Fatalf("expected an error")
			}
			if res.state.Phase != domain.ReleasePhaseFailed {
				t.Fatalf("phase = %s, want failed", res.state.Phase)
			}
			if res.state.TrafficPercentToTarget != tt.wantPct {
				t.Fatalf("traffic = %d, want %d", res.state.TrafficPercentToTarget, tt.wantPct)
			}
			if !strings.Contains(res.state.Reason, tt.reason) {
				t.Fatalf("reason = %q, want it to mention %q", res.state.Reason, tt.reason)
			}
			got, err := h.router.Get(context.Background(), startupAlias)
			if err != nil {
				t.Fatalf("get alias: %v", err)
			}
			if got.Split != tt.wantSplit {
				t.Fatalf("alias split = %+v, want %+v", got.Split, tt.wantSplit)
			}
			assertSplitsSumToHundred(t, memory.History(startupAlias))
		})
	}
}

func TestCancelBeforeFirstDeployIsRecorded(t *testing.T) {
	h := newHarness(t)
	ctrl := h.controller(startupAlias, "1", 10, time.Minute, time.Minute, nil)
	if err := ctrl.Cancel("too early"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	res, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Phase != domain.ReleasePhaseCompleted {
		t.Fatalf("phase = %s, want completed", res.Phase)
	}
	if !strings.Contains(res.Reason, "cancel ignored (too early)") {
		t.Fatalf("reason = %q", res.Reason)
	}
}
