package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/dbschedule/internal/domain"
	"github.com/animus-labs/dbschedule/internal/execution/plan"
)

// MemoryStore is a process-local Recorder for the --once mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]domain.PipelineRun
	order    []string
	stages   map[string]map[string]domain.StageExecution
	plans    map[string][]byte
	releases map[string]map[string]domain.ReleaseState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]domain.PipelineRun),
		stages:   make(map[string]map[string]domain.StageExecution),
		plans:    make(map[string][]byte),
		releases: make(map[string]map[string]domain.ReleaseState),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, run domain.PipelineRun) error {
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	run.Stages = nil
	run.Releases = nil
	s.runs[run.ID] = run
	s.order = append(s.order, run.ID)
	return nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, run domain.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	if !domain.CanTransitionRunStatus(current.Status, run.Status) {
		return fmt.Errorf("run %s: invalid status transition %s -> %s", run.ID, current.Status, run.Status)
	}
	run.Stages = nil
	run.Releases = nil
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (domain.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.PipelineRun{}, ErrNotFound
	}
	return s.assemble(run), nil
}

// ListRuns returns the newest runs first.
func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]domain.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PipelineRun, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		run := s.runs[s.order[i]]
		if filter.Pipeline != "" && run.Pipeline != filter.Pipeline {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, s.assemble(run))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveStage(_ context.Context, stage domain.StageExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[stage.RunID]; !ok {
		return ErrNotFound
	}
	byID := s.stages[stage.RunID]
	if byID == nil {
		byID = make(map[string]domain.StageExecution)
		s.stages[stage.RunID] = byID
	}
	if prev, ok := byID[stage.StageID]; ok && !domain.CanTransitionStage(prev.Status, stage.Status) {
		return fmt.Errorf("stage %s: invalid status transition %s -> %s", stage.StageID, prev.Status, stage.Status)
	}
	byID[stage.StageID] = stage
	return nil
}

func (s *MemoryStore) ListStages(_ context.Context, runID string) ([]domain.StageExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stageList(runID), nil
}

func (s *MemoryStore) SavePlan(_ context.Context, p domain.ExecutionPlan) error {
	raw, err := plan.MarshalExecutionPlan(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.plans[p.RunID]; ok {
		if string(existing) != string(raw) {
			return fmt.Errorf("execution plan already exists for run %s", p.RunID)
		}
		return nil
	}
	s.plans[p.RunID] = raw
	return nil
}

func (s *MemoryStore) GetPlan(_ context.Context, runID string) (domain.ExecutionPlan, error) {
	s.mu.RLock()
	raw, ok := s.plans[runID]
	s.mu.RUnlock()
	if !ok {
		return domain.ExecutionPlan{}, ErrNotFound
	}
	return plan.UnmarshalExecutionPlan(raw)
}

func (s *MemoryStore) SaveRelease(_ context.Context, state domain.ReleaseState) error {
	if strings.TrimSpace(state.ID) == "" {
		return fmt.Errorf("release id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.releases[state.RunID]
	if byID == nil {
		byID = make(map[string]domain.ReleaseState)
		s.releases[state.RunID] = byID
	}
	byID[state.ID] = state
	return nil
}

func (s *MemoryStore) ListReleases(_ context.Context, runID string) ([]domain.ReleaseState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.releaseList(runID), nil
}

func (s *MemoryStore) assemble(run domain.PipelineRun) domain.PipelineRun {
	run.Stages = s.stageList(run.ID)
	run.Releases = s.releaseList(run.ID)
	return run
}

func (s *MemoryStore) stageList(runID string) []domain.StageExecution {
	out := make([]domain.StageExecution, 0, len(s.stages[runID]))
	for _, stage := range s.stages[runID] {
		out = append(out, stage)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StageID < out[j].StageID })
	return out
}

func (s *MemoryStore) releaseList(runID string) []domain.ReleaseState {
	out := make([]domain.ReleaseState, 0, len(s.releases[runID]))
	for _, r := range s.releases[runID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Function < out[j].Function })
	return out
}
