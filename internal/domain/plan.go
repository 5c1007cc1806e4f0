package domain

// ExecutionPlan is the deterministic stage DAG derived from a PipelineDefinition.
type ExecutionPlan struct {
	RunID    string
	Pipeline string
	Steps    []ExecutionPlanStep
	Edges    []ExecutionPlanEdge
}

type ExecutionPlanStep struct {
	ID    string
	Kind  StageKind
	Layer int
}

type ExecutionPlanEdge struct {
	From string
	To   string
}

// Layers groups steps by layer in plan order. Steps of one layer do not depend
// on each other.
func (p ExecutionPlan) Layers() [][]ExecutionPlanStep {
	var layers [][]ExecutionPlanStep
	for _, step := range p.Steps {
		for len(layers) <= step.Layer {
			layers = append(layers, nil)
		}
		layers[step.Layer] = append(layers[step.Layer], step)
	}
	return layers
}

// Dependencies returns the direct predecessors of stepID in edge order.
func (p ExecutionPlan) Dependencies(stepID string) []string {
	var deps []string
	for _, edge := range p.Edges {
		if edge.To == stepID {
			deps = append(deps, edge.From)
		}
	}
	return deps
}
