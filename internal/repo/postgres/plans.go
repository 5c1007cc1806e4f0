package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/dbschedule/internal/domain"
	"github.com/animus-labs/dbschedule/internal/execution/plan"
)

type PlanStore struct {
	db DB
}

const (
	insertPlanQuery = `INSERT INTO execution_plans (run_id, plan)
	VALUES ($1,$2)
	ON CONFLICT (run_id) DO NOTHING
	RETURNING run_id`

	selectPlanQuery = `SELECT plan FROM execution_plans WHERE run_id = $1`
)

func NewPlanStore(db DB) *PlanStore {
	if db == nil {
		return nil
	}
	return &PlanStore{db: db}
}

func (s *PlanStore) SavePlan(ctx context.Context, p domain.ExecutionPlan) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("plan store not initialized")
	}
	runID := strings.TrimSpace(p.RunID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	raw, err := plan.MarshalExecutionPlan(p)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	var inserted string
	err = s.db.QueryRowContext(ctx, insertPlanQuery, runID, raw).Scan(&inserted)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("insert plan: %w", err)
	}
	existing, err := s.GetPlan(ctx, runID)
	if err != nil {
		return err
	}
	// JSONB does not preserve formatting, so compare canonical encodings.
	canonical, err := plan.MarshalExecutionPlan(existing)
	if err != nil {
		return err
	}
	if !bytes.Equal(canonical, raw) {
		return fmt.Errorf("execution plan already exists for run %s", runID)
	}
	return nil
}

func (s *PlanStore) GetPlan(ctx context.Context, runID string) (domain.ExecutionPlan, error) {
	if s == nil || s.db == nil {
		return domain.ExecutionPlan{}, fmt.Errorf("plan store not initialized")
	}
	raw, err := s.rawPlan(ctx, strings.TrimSpace(runID))
	if err != nil {
		return domain.ExecutionPlan{}, err
	}
	return plan.UnmarshalExecutionPlan(raw)
}

func (s *PlanStore) rawPlan(ctx context.Context, runID string) ([]byte, error) {
	var raw []byte
	if err := s.db.QueryRowContext(ctx, selectPlanQuery, runID).Scan(&raw); err != nil {
		return nil, handleNotFound(err)
	}
	return raw, nil
}
