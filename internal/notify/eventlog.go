package notify

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EventLog appends events to the pipeline_events table. Each row carries a
// sha256 over its canonical content.
type EventLog struct {
	db QueryRower
}

const insertPipelineEventQuery = `INSERT INTO pipeline_events (
		event_id,
		occurred_at,
		event_type,
		stream,
		environment,
		run_id,
		stage_id,
		release_id,
		message,
		attributes,
		integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (event_id) DO NOTHING
	RETURNING event_id`

func NewEventLog(db QueryRower) (*EventLog, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	return &EventLog{db: db}, nil
}

func (l *EventLog) Notify(ctx context.Context, event Event) error {
	if event.ID == "" {
		return errors.New("event id is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	attributes := event.Attributes
	if attributes == nil {
		attributes = map[string]string{}
	}
	attrsJSON, err := json.Marshal(attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	integrity, err := ComputeIntegritySHA256(event, attrsJSON)
	if err != nil {
		return err
	}

	var id string
	err = l.db.QueryRowContext(
		ctx,
		insertPipelineEventQuery,
		event.ID,
		event.OccurredAt.UTC(),
		string(event.Type),
		string(event.Stream()),
		nullIfEmpty(event.Environment),
		nullIfEmpty(event.RunID),
		nullIfEmpty(event.StageID),
		nullIfEmpty(event.ReleaseID),
		event.Message,
		attrsJSON,
		integrity,
	).Scan(&id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("insert pipeline event: %w", err)
	}
	return nil
}

func ComputeIntegritySHA256(event Event, attributesJSON []byte) (string, error) {
	type integrityInput struct {
		ID          string          `json:"id"`
		OccurredAt  time.Time       `json:"occurred_at"`
		Type        string          `json:"type"`
		Environment string          `json:"environment,omitempty"`
		RunID       string          `json:"run_id,omitempty"`
		StageID     string          `json:"stage_id,omitempty"`
		ReleaseID   string          `json:"release_id,omitempty"`
		Message     string          `json:"message"`
		Attributes  json.RawMessage `json:"attributes"`
	}
	blob, err := json.Marshal(integrityInput{
		ID:          event.ID,
		OccurredAt:  event.OccurredAt.UTC(),
		Type:        string(event.Type),
		Environment: event.Environment,
		RunID:       event.RunID,
		StageID:     event.StageID,
		ReleaseID:   event.ReleaseID,
		Message:     event.Message,
		Attributes:  attributesJSON,
	})
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

func nullIfEmpty(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
