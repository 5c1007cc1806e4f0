// Package release shifts alias traffic from a source version to a target
// version in timed linear increments while watching the target's health.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/dbschedule/internal/alias"
	"github.com/animus-labs/dbschedule/internal/domain"
	"github.com/animus-labs/dbschedule/internal/health"
)

// ErrCancelled is returned by Run when an operator cancelled the release.
var ErrCancelled = errors.New("release cancelled")

const revertTimeout = 30 * time.Second

type Config struct {
	Router *alias.Router
	// Health is optional; without it the rollout is time-gated.
	Health health.Source
	// HealthPoll splits each hold into checks at this period. Zero checks once at the end of the hold.
	HealthPoll time.Duration
	Clock      clockwork.Clock
	Logger     *slog.Logger
	// Observe receives a copy of the state after every change.
	Observe func(domain.ReleaseState)
}

type Controller struct {
	router  *alias.Router
	health  health.Source
	poll    time.Duration
	clock   clockwork.Clock
	logger  *slog.Logger
	observe func(domain.ReleaseState)

	mu    sync.Mutex
	state domain.ReleaseState

	cancelOnce   sync.Once
	cancelCh     chan struct{}
	cancelReason string
	started      bool
	done         chan struct{}
}

// NewController prepares a release of state.TargetVersion behind state.Alias.
// The source version is read from the alias when Run starts.
func NewController(state domain.ReleaseState, cfg Config) (*Controller, error) {
	if cfg.Router == nil {
		return nil, errors.New("alias router is required")
	}
	if state.Alias.FunctionName == "" || state.Alias.Name == "" {
		return nil, errors.New("alias is required")
	}
	if state.TargetVersion == "" {
		return nil, errors.New("target version is required")
	}
	if state.IncrementPercent < 1 || state.IncrementPercent > 100 {
		return nil, fmt.Errorf("increment percent %d out of range", state.IncrementPercent)
	}
	if state.IncrementInterval <= 0 {
		return nil, errors.New("increment interval must be positive")
	}
	if state.StabilizationInterval < 0 {
		return nil, errors.New("stabilization interval must not be negative")
	}
	if state.ID == "" {
		state.ID = uuid.NewString()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	state.Phase = domain.ReleasePhaseInitiated
	state.TrafficPercentToTarget = 0
	state.Increment = 0
	state.StartedAt = cfg.Clock.Now().UTC()
	state.UpdatedAt = state.StartedAt

	return &Controller{
		router:   cfg.Router,
		health:   cfg.Health,
		poll:     cfg.HealthPoll,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("release_id", state.ID, "alias", state.Alias.String(), "target_version", state.TargetVersion),
		observe:  cfg.Observe,
		state:    state,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

func (c *Controller) ID() string { return c.state.ID }

func (c *Controller) State() domain.ReleaseState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once Run returns.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Cancel stops the release and reverts the alias to the source version.
// Cancelling a completed release returns domain.ErrReleaseCompleted.
func (c *Controller) Cancel(reason string) error {
	c.mu.Lock()
	phase := c.state.Phase
	c.mu.Unlock()
	if phase == domain.ReleasePhaseCompleted {
		return domain.ErrReleaseCompleted
	}
	if phase.Terminal() {
		return nil
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	c.cancelOnce.Do(func() {
		c.mu.Lock()
		c.cancelReason = reason
		c.mu.Unlock()
		close(c.cancelCh)
	})
	return nil
}

// Run drives the release to a terminal phase. It returns nil only when the
// release completed; a health rollback returns *domain.ReleaseHealthFailure.
func (c *Controller) Run(ctx context.Context) (domain.ReleaseState, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return c.State(), errors.New("release already started")
	}
	c.started = true
	c.mu.Unlock()
	defer close(c.done)

	key := c.state.Alias
	target := c.state.TargetVersion

	current, created, err := c.router.Ensure(ctx, key, target)
	if err != nil {
		return c.fail(fmt.Errorf("ensure alias: %w", err))
	}
	if created {
		c.logger.Info("alias created on target version")
		return c.complete(c.noSourceReason("alias created"), 100)
	}
	source := current.Split.CurrentVersion
	if current.Split.TargetVersion != "" {
		c.logger.Warn("alias has an unfinished split, resetting to its primary version",
			"current_version", current.Split.CurrentVersion,
			"stale_target_version", current.Split.TargetVersion,
			"stale_weight", current.Split.TargetWeight,
		)
		if _, err := c.router.CompareAndSwap(ctx, key, current.Split, domain.SingleVersion(source)); err != nil {
			return c.fail(fmt.Errorf("reset alias: %w", err))
		}
	}
	if source == target {
		return c.complete(c.noSourceReason("alias already on target version"), 100)
	}
	c.update(func(s *domain.ReleaseState) { s.SourceVersion = source })
	c.logger.Info("release initiated", "source_version", source)

	split := domain.SingleVersion(source)
	inc := c.state.IncrementPercent
	for k := 1; ; k++ {
		if err := c.hold(ctx, c.state.IncrementInterval, k > 1); err != nil {
			return c.halt(ctx, split, err)
		}
		pct := k * inc
		if pct > 100 {
			pct = 100
		}
		next := domain.TrafficSplit{CurrentVersion: source, TargetVersion: target, TargetWeight: pct}
		if err := c.transition(domain.ReleasePhaseShifting, nil); err != nil {
			return c.fail(err)
		}
		if _, err := c.router.CompareAndSwap(ctx, key, split, next); err != nil {
			if ctx.Err() != nil {
				return c.halt(ctx, split, ctx.Err())
			}
			return c.abort(ctx, fmt.Errorf("shift to %d%%: %w", pct, err), split, next)
		}
		split = next
		err := c.transition(domain.ReleasePhaseMonitoring, func(s *domain.ReleaseState) {
			s.Increment = k
			s.TrafficPercentToTarget = pct
		})
		if err != nil {
			return c.fail(err)
		}
		c.logger.Info("traffic shifted", "increment", k, "traffic_percent", pct)
		if pct == 100 {
			break
		}
	}

	if err := c.hold(ctx, c.state.StabilizationInterval, true); err != nil {
		return c.halt(ctx, split, err)
	}
	select {
	case <-c.cancelCh:
		return c.halt(ctx, split, ErrCancelled)
	default:
	}
	if _, err := c.router.CompareAndSwap(ctx, key, split, domain.SingleVersion(target)); err != nil {
		return c.abort(ctx, fmt.Errorf("collapse alias on target: %w", err), split, domain.SingleVersion(target))
	}
	return c.complete("", 100)
}

// hold waits d, checking health along the way when check is set.
func (c *Controller) hold(ctx context.Context, d time.Duration, check bool) error {
	step := d
	if check && c.health != nil && c.poll > 0 && c.poll < d {
		step = c.poll
	}
	remaining := d
	for {
		wait := step
		if wait > remaining {
			wait = remaining
		}
		if err := c.wait(ctx, wait); err != nil {
			return err
		}
		remaining -= wait
		if check {
			if err := c.checkHealth(ctx); err != nil {
				return err
			}
		}
		if remaining <= 0 {
			return nil
		}
	}
}

func (c *Controller) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-c.cancelCh:
			return ErrCancelled
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	select {
	case <-c.clock.After(d):
		return nil
	case <-c.cancelCh:
		return ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) checkHealth(ctx context.Context) error {
	if c.health == nil {
		return nil
	}
	snapshot := c.State()
	result, err := c.health.Check(ctx, snapshot)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result = health.Unhealthy("health check error: " + err.Error())
	}
	if result.Healthy {
		return nil
	}
	return &domain.ReleaseHealthFailure{
		Increment:      snapshot.Increment,
		TrafficPercent: snapshot.TrafficPercentToTarget,
		Signal:         result.Signal,
	}
}

// halt reverts the alias from split back to the source version.
func (c *Controller) halt(ctx context.Context, split domain.TrafficSplit, cause error) (domain.ReleaseState, error) {
	source := c.state.SourceVersion
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), revertTimeout)
		defer cancel()
	}
	if split != domain.SingleVersion(source) {
		if _, err := c.router.CompareAndSwap(ctx, c.state.Alias, split, domain.SingleVersion(source)); err != nil {
			return c.fail(fmt.Errorf("revert to version %s after %v: %w", source, cause, err))
		}
	}

	var (
		healthErr *domain.ReleaseHealthFailure
		reason    string
		signal    string
	)
	switch {
	case errors.As(cause, &healthErr):
		signal = healthErr.Signal
		reason = fmt.Sprintf("health failure at increment %d (%d%%)", healthErr.Increment, healthErr.TrafficPercent)
	case errors.Is(cause, ErrCancelled):
		c.mu.Lock()
		reason = c.cancelReason
		c.mu.Unlock()
	default:
		reason = cause.Error()
	}
	c.finish(domain.ReleasePhaseRolledBack, func(s *domain.ReleaseState) {
		s.TrafficPercentToTarget = 0
		s.HealthSignal = signal
		s.Reason = reason
	})
	c.logger.Warn("release rolled back", "reason", reason, "health_signal", signal)
	return c.State(), cause
}

// abort ends the release Failed after an alias write error. The alias is
// reverted to the source version unless another writer holds it. The write
// may have landed despite the error, so the revert is tried from both applied
// and attempted.
func (c *Controller) abort(ctx context.Context, cause error, applied, attempted domain.TrafficSplit) (domain.ReleaseState, error) {
	if errors.Is(cause, domain.ErrAliasConflict) {
		return c.fail(cause)
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), revertTimeout)
		defer cancel()
	}
	source := domain.SingleVersion(c.state.SourceVersion)
	var revertErr error
	for _, from := range []domain.TrafficSplit{applied, attempted} {
		_, revertErr = c.router.CompareAndSwap(ctx, c.state.Alias, from, source)
		if revertErr == nil || !errors.Is(revertErr, domain.ErrAliasConflict) {
			break
		}
	}
	if revertErr != nil {
		return c.fail(fmt.Errorf("%w; revert to version %s failed: %v", cause, c.state.SourceVersion, revertErr))
	}
	c.finish(domain.ReleasePhaseFailed, func(s *domain.ReleaseState) {
		s.TrafficPercentToTarget = 0
		s.Reason = cause.Error() + "; reverted to version " + c.state.SourceVersion
	})
	c.logger.Error("release failed, alias reverted", "source_version", c.state.SourceVersion, "error", cause)
	return c.State(), cause
}

// noSourceReason notes a cancel that arrived when there was nothing to revert to.
func (c *Controller) noSourceReason(reason string) string {
	select {
	case <-c.cancelCh:
		c.mu.Lock()
		defer c.mu.Unlock()
		return reason + "; cancel ignored (" + c.cancelReason + "): no previous version to revert to"
	default:
		return reason
	}
}

func (c *Controller) fail(err error) (domain.ReleaseState, error) {
	c.finish(domain.ReleasePhaseFailed, func(s *domain.ReleaseState) { s.Reason = err.Error() })
	c.logger.Error("release failed", "error", err)
	return c.State(), err
}

func (c *Controller) complete(reason string, pct int) (domain.ReleaseState, error) {
	c.finish(domain.ReleasePhaseCompleted, func(s *domain.ReleaseState) {
		s.TrafficPercentToTarget = pct
		s.Reason = reason
	})
	c.logger.Info("release completed")
	return c.State(), nil
}

func (c *Controller) finish(phase domain.ReleasePhase, mutate func(*domain.ReleaseState)) {
	c.update(func(s *domain.ReleaseState) {
		s.Phase = phase
		if mutate != nil {
			mutate(s)
		}
		finished := c.clock.Now().UTC()
		s.FinishedAt = &finished
	})
}

func (c *Controller) transition(next domain.ReleasePhase, mutate func(*domain.ReleaseState)) error {
	c.mu.Lock()
	current := c.state.Phase
	c.mu.Unlock()
	if !domain.CanTransitionRelease(current, next) {
		return fmt.Errorf("invalid release transition %s -> %s", current, next)
	}
	c.update(func(s *domain.ReleaseState) {
		s.Phase = next
		if mutate != nil {
			mutate(s)
		}
	})
	return nil
}

func (c *Controller) update(mutate func(*domain.ReleaseState)) {
	c.mu.Lock()
	mutate(&c.state)
	c.state.UpdatedAt = c.clock.Now().UTC()
	snapshot := c.state
	c.mu.Unlock()
	if c.observe != nil {
		c.observe(snapshot)
	}
}
