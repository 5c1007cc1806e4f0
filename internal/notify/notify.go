// Package notify delivers pipeline and release events to operational sinks.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/dbschedule/internal/domain"
)

type EventType string

const (
	EventRunStarted     EventType = "run.started"
	EventRunSucceeded   EventType = "run.succeeded"
	EventRunFailed      EventType = "run.failed"
	EventStageStarted   EventType = "stage.started"
	EventStageSucceeded EventType = "stage.succeeded"
	EventStageFailed    EventType = "stage.failed"
	EventReleasePhase   EventType = "release.phase"
)

// Stream separates pipeline outcomes from release outcomes, which arrive after
// the run itself reached a terminal status.
type Stream string

const (
	StreamPipeline Stream = "pipeline"
	StreamRelease  Stream = "release"
)

type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Environment string            `json:"environment,omitempty"`
	RunID       string            `json:"run_id,omitempty"`
	StageID     string            `json:"stage_id,omitempty"`
	ReleaseID   string            `json:"release_id,omitempty"`
	Message     string            `json:"message,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

func (e Event) Stream() Stream {
	if e.Type == EventReleasePhase {
		return StreamRelease
	}
	return StreamPipeline
}

type Sink interface {
	Notify(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Notify(ctx context.Context, event Event) error { return f(ctx, event) }

// Fanout delivers each event to every sink. A failing sink does not stop the others.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events as structured log records.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(ctx context.Context, event Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"event_id", event.ID,
		"event_type", string(event.Type),
		"stream", string(event.Stream()),
		"run_id", event.RunID,
	}
	if event.StageID != "" {
		attrs = append(attrs, "stage_id", event.StageID)
	}
	if event.ReleaseID != "" {
		attrs = append(attrs, "release_id", event.ReleaseID)
	}
	for _, k := range sortedKeys(event.Attributes) {
		attrs = append(attrs, k, event.Attributes[k])
	}
	level := slog.LevelInfo
	switch event.Type {
	case EventRunFailed, EventStageFailed:
		level = slog.LevelError
	case EventReleasePhase:
		if event.Attributes["phase"] == string(domain.ReleasePhaseRolledBack) || event.Attributes["phase"] == string(domain.ReleasePhaseFailed) {
			level = slog.LevelWarn
		}
	}
	logger.Log(ctx, level, "pipeline event: "+event.Message, attrs...)
	return nil
}

func newEvent(typ EventType, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: typ, OccurredAt: at.UTC(), Attributes: map[string]string{}}
}

func RunEvent(run domain.PipelineRun, at time.Time) Event {
	typ := EventRunStarted
	switch run.Status {
	case domain.RunStatusSucceeded:
		typ = EventRunSucceeded
	case domain.RunStatusFailed:
		typ = EventRunFailed
	}
	e := newEvent(typ, at)
	e.Environment = run.Environment
	e.RunID = run.ID
	e.Message = "run " + string(run.Status)
	e.Attributes["pipeline"] = run.Pipeline
	e.Attributes["status"] = string(run.Status)
	if run.Snapshot.CommitID != "" {
		e.Attributes["commit"] = run.Snapshot.CommitID
	}
	if run.Failure != nil {
		e.Attributes["failed_stage"] = run.Failure.StageID
		e.Attributes["failure_kind"] = run.Failure.Kind
		e.Message = "run failed at stage " + run.Failure.StageID + ": " + run.Failure.Message
	}
	return e
}

func StageEvent(environment string, stage domain.StageExecution, at time.Time) Event {
	typ := EventStageStarted
	switch stage.Status {
	case domain.StageStatusSucceeded:
		typ = EventStageSucceeded
	case domain.StageStatusFailed:
		typ = EventStageFailed
	}
	e := newEvent(typ, at)
	e.Environment = environment
	e.RunID = stage.RunID
	e.StageID = stage.StageID
	e.Message = "stage " + stage.StageID + " " + string(stage.Status)
	e.Attributes["kind"] = string(stage.Kind)
	e.Attributes["status"] = string(stage.Status)
	if stage.ErrorCode != "" {
		e.Attributes["error_code"] = stage.ErrorCode
	}
	if stage.Error != "" {
		e.Message += ": " + stage.Error
	}
	return e
}

func ReleaseEvent(environment string, state domain.ReleaseState, at time.Time) Event {
	e := newEvent(EventReleasePhase, at)
	e.Environment = environment
	e.RunID = state.RunID
	e.ReleaseID = state.ID
	e.Message = "release of " + state.Alias.String() + " " + string(state.Phase)
	e.Attributes["function"] = state.Function
	e.Attributes["alias"] = state.Alias.String()
	e.Attributes["phase"] = string(state.Phase)
	e.Attributes["source_version"] = state.SourceVersion
	e.Attributes["target_version"] = state.TargetVersion
	e.Attributes["traffic_percent"] = itoa(state.TrafficPercentToTarget)
	e.Attributes["increment"] = itoa(state.Increment)
	if state.HealthSignal != "" {
		e.Attributes["health_signal"] = state.HealthSignal
	}
	if state.Reason != "" {
		e.Message += ": " + state.Reason
	}
	return e
}
