package domain

import "time"

// PipelineDefinition is the configuration a run is resolved against.
type PipelineDefinition struct {
	Name        string           `json:"name" yaml:"name"`
	Environment string           `json:"environment" yaml:"environment"`
	Prefix      string           `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Source      Repository       `json:"source" yaml:"source"`
	Builds      []BuildStageSpec `json:"builds" yaml:"builds"`
	Deploy      DeploySpec       `json:"deploy" yaml:"deploy"`
	Functions   []FunctionSpec   `json:"functions" yaml:"functions"`
	Release     ReleasePolicy    `json:"release" yaml:"release"`
}

// BuildStageSpec declares one isolated build producing one artifact.
type BuildStageSpec struct {
	ID                string            `json:"id" yaml:"id"`
	Artifact          string            `json:"artifact" yaml:"artifact"`
	Image             string            `json:"image,omitempty" yaml:"image,omitempty"`
	Env               map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	InstallCommands   []string          `json:"install_commands,omitempty" yaml:"installCommands,omitempty"`
	BuildCommands     []string          `json:"build_commands,omitempty" yaml:"buildCommands,omitempty"`
	OutputBaseDir     string            `json:"output_base_dir" yaml:"outputBaseDir"`
	OutputFileFilters []string          `json:"output_file_filters" yaml:"outputFileFilters"`
	Timeout           time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type PlaceholderField string

const (
	PlaceholderBucket    PlaceholderField = "bucket"
	PlaceholderObjectKey PlaceholderField = "objectKey"
	PlaceholderURI       PlaceholderField = "uri"
)

// PlaceholderSpec binds a template parameter to a field of an artifact's location.
type PlaceholderSpec struct {
	Key      string           `json:"key" yaml:"key"`
	Artifact string           `json:"artifact" yaml:"artifact"`
	Field    PlaceholderField `json:"field" yaml:"field"`
}

type DeploySpec struct {
	ID               string            `json:"id" yaml:"id"`
	StackName        string            `json:"stack_name" yaml:"stackName"`
	TemplateArtifact string            `json:"template_artifact" yaml:"templateArtifact"`
	TemplatePath     string            `json:"template_path" yaml:"templatePath"`
	Capabilities     []string          `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Placeholders     []PlaceholderSpec `json:"placeholders" yaml:"placeholders"`
	Parameters       map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Timeout          time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ReferencedArtifacts lists the artifact names the deploy stage consumes, template first.
func (d DeploySpec) ReferencedArtifacts() []string {
	out := make([]string, 0, len(d.Placeholders)+1)
	seen := make(map[string]struct{}, len(d.Placeholders)+1)
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	add(d.TemplateArtifact)
	for _, p := range d.Placeholders {
		add(p.Artifact)
	}
	return out
}

// FunctionSpec names a deployed function released through an alias.
// FunctionName is the physical name; OutputKey resolves it from the stack outputs instead.
type FunctionSpec struct {
	Name         string   `json:"name" yaml:"name"`
	FunctionName string   `json:"function_name,omitempty" yaml:"functionName,omitempty"`
	OutputKey    string   `json:"output_key,omitempty" yaml:"outputKey,omitempty"`
	Alias        string   `json:"alias,omitempty" yaml:"alias,omitempty"`
	Schedule     string   `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	HealthAlarms []string `json:"health_alarms,omitempty" yaml:"healthAlarms,omitempty"`
}

type HealthMode string

const (
	HealthModeNone    HealthMode = "none"
	HealthModeAlarms  HealthMode = "alarms"
	HealthModeMetrics HealthMode = "metrics"
)

type HealthPolicy struct {
	Mode           HealthMode `json:"mode" yaml:"mode"`
	ErrorThreshold float64    `json:"error_threshold,omitempty" yaml:"errorThreshold,omitempty"`
}

// ReleasePolicy drives a linear traffic shift.
type ReleasePolicy struct {
	IncrementPercent      int           `json:"increment_percent" yaml:"incrementPercent"`
	IncrementInterval     time.Duration `json:"increment_interval" yaml:"incrementInterval"`
	StabilizationInterval time.Duration `json:"stabilization_interval" yaml:"stabilizationInterval"`
	Health                HealthPolicy  `json:"health" yaml:"health"`
}
