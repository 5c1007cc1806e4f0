package specvalidator

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/dbschedule/internal/domain"
)

func validDefinition() domain.PipelineDefinition {
	return domain.PipelineDefinition{
		Name:        "automatic-aws-db-shutdown",
		Environment: "dev",
		Source:      domain.Repository{Owner: "acme", Repo: "db-shutdown", Branch: "main"},
		Builds: []domain.BuildStageSpec{
			{ID: "build-layer", Artifact: "layer", BuildCommands: []string{"npm ci --prefix nodejs"}, OutputBaseDir: "layer", OutputFileFilters: []string{"**/*"}},
			{ID: "build-start-fn", Artifact: "start-fn", InstallCommands: []string{"npm ci"}, BuildCommands: []string{"npm run build"}, OutputBaseDir: "start/dist", OutputFileFilters: []string{"**/*.js"}},
			{ID: "build-stop-fn", Artifact: "stop-fn", BuildCommands: []string{"npm run build"}, OutputBaseDir: "stop/dist", OutputFileFilters: []string{"**/*.js"}},
			{ID: "build-template", Artifact: "template", BuildCommands: []string{"npx cdk synth -o cdk.out"}, OutputBaseDir: "cdk.out", OutputFileFilters: []string{"*.template.json"}},
		},
		Deploy: domain.DeploySpec{
			ID:               "deploy",
			StackName:        "dev-lambda-stack",
			TemplateArtifact: "template",
			TemplatePath:     "LambdaStack.template.json",
			Placeholders: []domain.PlaceholderSpec{
				{Key: "LayerBucket", Artifact: "layer", Field: domain.PlaceholderBucket},
				{Key: "LayerKey", Artifact: "layer", Field: domain.PlaceholderObjectKey},
				{Key: "StartBucket", Artifact: "start-fn", Field: domain.PlaceholderBucket},
				{Key: "StartKey", Artifact: "start-fn", Field: domain.PlaceholderObjectKey},
				{Key: "StopBucket", Artifact: "stop-fn", Field: domain.PlaceholderBucket},
				{Key: "StopKey", Artifact: "stop-fn", Field: domain.PlaceholderObjectKey},
			},
		},
		Functions: []domain.FunctionSpec{
			{Name: "startup", OutputKey: "StartFunctionName", Schedule: "cron(0 5 ? * MON-FRI *)"},
			{Name: "shutdown", OutputKey: "StopFunctionName", Schedule: "cron(0 17 ? * MON-FRI *)"},
		},
		Release: domain.ReleasePolicy{
			IncrementPercent:  10,
			IncrementInterval: time.Minute,
			Health:            domain.HealthPolicy{Mode: domain.HealthModeNone},
		},
	}
}

func TestValidateDefinitionValid(t *testing.T) {
	if err := ValidateDefinition(validDefinition()); err != nil {
		t.Fatalf("ValidateDefinition: %v", err)
	}
}

func TestValidateDefinitionAmbiguousArtifact(t *testing.T) {
	def := validDefinition()
	def.Builds[2].Artifact = "start-fn"

	err := ValidateDefinition(def)
	if !errors.Is(err, domain.ErrAmbiguousArtifact) {
		t.Fatalf("expected ErrAmbiguousArtifact, got %v", err)
	}
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T", err)
	}
	if !strings.Contains(err.Error(), "build-start-fn, build-stop-fn") {
		t.Fatalf("expected producers in message, got %v", err)
	}
}

func TestValidateDefinitionUnresolvedPlaceholder(t *testing.T) {
	def := validDefinition()
	def.Deploy.Placeholders = append(def.Deploy.Placeholders, domain.PlaceholderSpec{Key: "ExtraKey", Artifact: "extra", Field: domain.PlaceholderObjectKey})

	err := ValidateDefinition(def)
	if !errors.Is(err, domain.ErrUnresolvedPlaceholder) {
		t.Fatalf("expected ErrUnresolvedPlaceholder, got %v", err)
	}
	if errors.Is(err, domain.ErrAmbiguousArtifact) {
		t.Fatalf("unexpected ErrAmbiguousArtifact")
	}
}

func TestValidateDefinitionIssues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.PipelineDefinition)
		want   string
	}{
		{"duplicate stage", func(d *domain.PipelineDefinition) { d.Builds[1].ID = "build-layer" }, `duplicate stage id "build-layer"`},
		{"reserved stage", func(d *domain.PipelineDefinition) { d.Builds[0].ID = "source" }, "reserved"},
		{"malformed command", func(d *domain.PipelineDefinition) { d.Builds[0].BuildCommands = []string{`echo "unterminated`} }, "malformed"},
		{"no build commands", func(d *domain.PipelineDefinition) { d.Builds[0].BuildCommands = nil }, "buildCommands must be non-empty"},
		{"escaping output dir", func(d *domain.PipelineDefinition) { d.Builds[0].OutputBaseDir = "../outside" }, "inside the source tree"},
		{"bad filter", func(d *domain.PipelineDefinition) { d.Builds[0].OutputFileFilters = []string{"[x"} }, "outputFileFilters"},
		{"deploy id collision", func(d *domain.PipelineDefinition) { d.Deploy.ID = "build-layer" }, "collides"},
		{"bad placeholder field", func(d *domain.PipelineDefinition) { d.Deploy.Placeholders[0].Field = "arn" }, "must be bucket, objectKey or uri"},
		{"duplicate placeholder", func(d *domain.PipelineDefinition) { d.Deploy.Placeholders[1].Key = "LayerBucket" }, `duplicate placeholder key "LayerBucket"`},
		{"function target", func(d *domain.PipelineDefinition) { d.Functions[0].FunctionName = "start" }, "exactly one of functionName or outputKey"},
		{"bad schedule", func(d *domain.PipelineDefinition) { d.Functions[0].Schedule = "cron(0 5 * * MON-FRI *)" }, "schedule"},
		{"increment range", func(d *domain.PipelineDefinition) { d.Release.IncrementPercent = 0 }, "incrementPercent"},
		{"interval", func(d *domain.PipelineDefinition) { d.Release.IncrementInterval = 0 }, "incrementInterval"},
		{"alarms without alarms", func(d *domain.PipelineDefinition) { d.Release.Health.Mode = domain.HealthModeAlarms }, "healthAlarms is required"},
		{"metrics without threshold", func(d *domain.PipelineDefinition) { d.Release.Health.Mode = domain.HealthModeMetrics }, "errorThreshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(&def)
			err := ValidateDefinition(def)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q in %v", tt.want, err)
			}
		})
	}
}
