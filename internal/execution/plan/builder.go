package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/dbschedule/internal/domain"
	"github.com/animus-labs/dbschedule/internal/execution/specvalidator"
)

const releasePrefix = "release:"

// ReleaseStepID names the release step of a function.
func ReleaseStepID(function string) string {
	return releasePrefix + function
}

// FunctionFromStepID reverses ReleaseStepID.
func FunctionFromStepID(stepID string) (string, bool) {
	return strings.CutPrefix(stepID, releasePrefix)
}

// BuildPlan generates a deterministic execution plan from a PipelineDefinition.
// Builds depend only on source, the deploy depends on every build, and each
// release depends on the deploy.
func BuildPlan(def domain.PipelineDefinition, runID string) (domain.ExecutionPlan, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.ExecutionPlan{}, fmt.Errorf("run id is required")
	}
	if err := specvalidator.ValidateDefinition(def); err != nil {
		return domain.ExecutionPlan{}, err
	}

	kinds := map[string]domain.StageKind{specvalidator.SourceStageID: domain.StageKindSource}
	var edges []domain.ExecutionPlanEdge

	buildIDs := make([]string, 0, len(def.Builds))
	for _, build := range def.Builds {
		kinds[build.ID] = domain.StageKindBuild
		buildIDs = append(buildIDs, build.ID)
	}
	sort.Strings(buildIDs)
	for _, id := range buildIDs {
		edges = append(edges, domain.ExecutionPlanEdge{From: specvalidator.SourceStageID, To: id})
	}

	kinds[def.Deploy.ID] = domain.StageKindDeploy
	for _, id := range buildIDs {
		edges = append(edges, domain.ExecutionPlanEdge{From: id, To: def.Deploy.ID})
	}

	for _, fn := range def.Functions {
		id := ReleaseStepID(fn.Name)
		kinds[id] = domain.StageKindRelease
		edges = append(edges, domain.ExecutionPlanEdge{From: def.Deploy.ID, To: id})
	}

	steps, err := topoSortSteps(kinds, edges)
	if err != nil {
		return domain.ExecutionPlan{}, err
	}
	return domain.ExecutionPlan{
		RunID:    runID,
		Pipeline: def.Name,
		Steps:    steps,
		Edges:    edges,
	}, nil
}

// topoSortSteps orders steps by layer, lexically within a layer.
func topoSortSteps(kinds map[string]domain.StageKind, edges []domain.ExecutionPlanEdge) ([]domain.ExecutionPlanStep, error) {
	inDegree := make(map[string]int, len(kinds))
	adj := make(map[string][]string, len(kinds))
	for id := range kinds {
		inDegree[id] = 0
	}
	for _, edge := range edges {
		if _, ok := kinds[edge.From]; !ok {
			return nil, fmt.Errorf("edge from unknown step %q", edge.From)
		}
		if _, ok := kinds[edge.To]; !ok {
			return nil, fmt.Errorf("edge to unknown step %q", edge.To)
		}
		adj[edge.From] = append(adj[edge.From], edge.To)
		inDegree[edge.To]++
	}

	ready := make([]string, 0, len(kinds))
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}

	ordered := make([]domain.ExecutionPlanStep, 0, len(kinds))
	for layer := 0; len(ready) > 0; layer++ {
		sort.Strings(ready)
		var next []string
		for _, id := range ready {
			ordered = append(ordered, domain.ExecutionPlanStep{ID: id, Kind: kinds[id], Layer: layer})
			for _, neighbor := range adj[id] {
				inDegree[neighbor]--
				if inDegree[neighbor] == 0 {
					next = append(next, neighbor)
				}
			}
		}
		ready = next
	}

	if len(ordered) != len(kinds) {
		return nil, fmt.Errorf("dependency graph contains a cycle")
	}
	return ordered, nil
}
