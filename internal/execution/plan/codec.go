package plan

import (
	"encoding/json"

	"github.com/animus-labs/dbschedule/internal/domain"
)

// MarshalExecutionPlan serializes an execution plan with stable field names.
func MarshalExecutionPlan(plan domain.ExecutionPlan) ([]byte, error) {
	payload := executionPlanPayload{
		RunID:    plan.RunID,
		Pipeline: plan.Pipeline,
		Steps:    make([]executionPlanStepPayload, 0, len(plan.Steps)),
		Edges:    make([]executionPlanEdgePayload, 0, len(plan.Edges)),
	}
	for _, step := range plan.Steps {
		payload.Steps = append(payload.Steps, executionPlanStepPayload{
			ID:    step.ID,
			Kind:  string(step.Kind),
			Layer: step.Layer,
		})
	}
	for _, edge := range plan.Edges {
		payload.Edges = append(payload.Edges, executionPlanEdgePayload{From: edge.From, To: edge.To})
	}
	return json.Marshal(payload)
}

// UnmarshalExecutionPlan parses a persisted plan.
func UnmarshalExecutionPlan(raw []byte) (domain.ExecutionPlan, error) {
	var payload executionPlanPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.ExecutionPlan{}, err
	}
	steps := make([]domain.ExecutionPlanStep, 0, len(payload.Steps))
	for _, step := range payload.Steps {
		steps = append(steps, domain.ExecutionPlanStep{
			ID:    step.ID,
			Kind:  domain.StageKind(step.Kind),
			Layer: step.Layer,
		})
	}
	edges := make([]domain.ExecutionPlanEdge, 0, len(payload.Edges))
	for _, edge := range payload.Edges {
		edges = append(edges, domain.ExecutionPlanEdge{From: edge.From, To: edge.To})
	}
	return domain.ExecutionPlan{
		RunID:    payload.RunID,
		Pipeline: payload.Pipeline,
		Steps:    steps,
		Edges:    edges,
	}, nil
}

type executionPlanPayload struct {
	RunID    string                     `json:"runId"`
	Pipeline string                     `json:"pipeline"`
	Steps    []executionPlanStepPayload `json:"steps"`
	Edges    []executionPlanEdgePayload `json:"edges"`
}

type executionPlanStepPayload struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Layer int    `json:"layer"`
}

type executionPlanEdgePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}
