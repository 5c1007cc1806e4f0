package specvalidator

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/animus-labs/dbschedule/internal/artifacts"
	"github.com/animus-labs/dbschedule/internal/domain"
	"github.com/animus-labs/dbschedule/internal/schedule"
	shellwords "github.com/mattn/go-shellwords"
)

// SourceStageID is reserved for the implicit source stage.
const SourceStageID = "source"

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
	parameterPattern  = regexp.MustCompile(`^[A-Za-z0-9]+$`)
)

// ValidateDefinition rejects a pipeline definition that could fail for
// configuration reasons once a run has started. Every problem is reported.
func ValidateDefinition(def domain.PipelineDefinition) error {
	issues := &domain.ConfigurationError{}

	if strings.TrimSpace(def.Name) == "" {
		issues.Add("name is required")
	}
	if !identifierPattern.MatchString(def.Environment) {
		issues.Add(fmt.Sprintf("environment %q must be a non-empty identifier", def.Environment))
	}
	validateSource(def.Source, issues)

	producers := validateBuilds(def.Builds, issues)
	validateDeploy(def.Deploy, producers, def.Builds, issues)
	validateFunctions(def.Functions, def.Release.Health, issues)
	validateRelease(def.Release, issues)

	return issues.OrNil()
}

func validateSource(src domain.Repository, issues *domain.ConfigurationError) {
	if strings.TrimSpace(src.Owner) == "" {
		issues.Add("source.owner is required")
	}
	if strings.TrimSpace(src.Repo) == "" {
		issues.Add("source.repo is required")
	}
	if strings.TrimSpace(src.Branch) == "" {
		issues.Add("source.branch is required")
	}
}

// validateBuilds returns the producing stages of every artifact name.
func validateBuilds(builds []domain.BuildStageSpec, issues *domain.ConfigurationError) map[string][]string {
	producers := make(map[string][]string, len(builds))
	if len(builds) == 0 {
		issues.Add("at least one build stage is required")
		return producers
	}

	stageIDs := make(map[string]struct{}, len(builds))
	for i, build := range builds {
		id := strings.TrimSpace(build.ID)
		if id == "" {
			issues.Add(fmt.Sprintf("builds[%d].id is required", i))
			continue
		}
		if !identifierPattern.MatchString(id) {
			issues.Add(fmt.Sprintf("builds[%s].id must be an identifier", id))
		}
		if id == SourceStageID {
			issues.Add(fmt.Sprintf("builds[%d].id %q is reserved", i, id))
		}
		if _, exists := stageIDs[id]; exists {
			issues.Add(fmt.Sprintf("duplicate stage id %q", id))
		}
		stageIDs[id] = struct{}{}

		name := strings.TrimSpace(build.Artifact)
		if name == "" {
			issues.Add(fmt.Sprintf("builds[%s].artifact is required", id))
		} else {
			producers[name] = append(producers[name], id)
		}

		if len(build.BuildCommands) == 0 {
			issues.Add(fmt.Sprintf("builds[%s].buildCommands must be non-empty", id))
		}
		validateCommands(id, "installCommands", build.InstallCommands, issues)
		validateCommands(id, "buildCommands", build.BuildCommands, issues)

		if err := validateRelativeDir(build.OutputBaseDir); err != nil {
			issues.Add(fmt.Sprintf("builds[%s].outputBaseDir %v", id, err))
		}
		if _, err := artifacts.NewFileFilter(build.OutputFileFilters); err != nil {
			issues.Add(fmt.Sprintf("builds[%s].outputFileFilters: %v", id, err))
		}
		if build.Timeout < 0 {
			issues.Add(fmt.Sprintf("builds[%s].timeout must be >= 0", id))
		}
	}

	names := make([]string, 0, len(producers))
	for name := range producers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if stages := producers[name]; len(stages) > 1 {
			issues.AddCause(domain.ErrAmbiguousArtifact, fmt.Sprintf("artifact %q is produced by more than one stage: %s", name, strings.Join(stages, ", ")))
		}
	}
	return producers
}

func validateCommands(stageID, field string, commands []string, issues *domain.ConfigurationError) {
	for i, cmd := range commands {
		if strings.TrimSpace(cmd) == "" {
			issues.Add(fmt.Sprintf("builds[%s].%s[%d] is empty", stageID, field, i))
			continue
		}
		if _, err := shellwords.Parse(cmd); err != nil {
			issues.Add(fmt.Sprintf("builds[%s].%s[%d] is malformed: %v", stageID, field, i, err))
		}
	}
}

func validateRelativeDir(dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return fmt.Errorf("is required")
	}
	if path.IsAbs(dir) {
		return fmt.Errorf("must be relative")
	}
	clean := path.Clean(dir)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("must stay inside the source tree")
	}
	return nil
}

func validateDeploy(deploy domain.DeploySpec, producers map[string][]string, builds []domain.BuildStageSpec, issues *domain.ConfigurationError) {
	id := strings.TrimSpace(deploy.ID)
	if id == "" {
		issues.Add("deploy.id is required")
	} else {
		for _, build := range builds {
			if build.ID == id {
				issues.Add(fmt.Sprintf("deploy.id %q collides with a build stage", id))
			}
		}
		if id == SourceStageID {
			issues.Add(fmt.Sprintf("deploy.id %q is reserved", id))
		}
	}
	if strings.TrimSpace(deploy.StackName) == "" {
		issues.Add("deploy.stackName is required")
	}
	if strings.TrimSpace(deploy.TemplatePath) == "" {
		issues.Add("deploy.templatePath is required")
	}
	if deploy.TemplateArtifact == "" {
		issues.Add("deploy.templateArtifact is required")
	} else if _, ok := producers[deploy.TemplateArtifact]; !ok {
		issues.AddCause(domain.ErrUnresolvedPlaceholder, fmt.Sprintf("deploy.templateArtifact %q is not produced by any build stage", deploy.TemplateArtifact))
	}

	keys := make(map[string]struct{}, len(deploy.Placeholders))
	for i, p := range deploy.Placeholders {
		if !parameterPattern.MatchString(p.Key) {
			issues.Add(fmt.Sprintf("deploy.placeholders[%d].key %q must be alphanumeric", i, p.Key))
		}
		if _, exists := keys[p.Key]; exists {
			issues.Add(fmt.Sprintf("duplicate placeholder key %q", p.Key))
		}
		keys[p.Key] = struct{}{}
		if _, fixed := deploy.Parameters[p.Key]; fixed {
			issues.Add(fmt.Sprintf("placeholder %q is also a fixed parameter", p.Key))
		}

		switch p.Field {
		case domain.PlaceholderBucket, domain.PlaceholderObjectKey, domain.PlaceholderURI:
		default:
			issues.Add(fmt.Sprintf("deploy.placeholders[%d].field %q must be bucket, objectKey or uri", i, p.Field))
		}

		if strings.TrimSpace(p.Artifact) == "" {
			issues.AddCause(domain.ErrUnresolvedPlaceholder, fmt.Sprintf("placeholder %q names no artifact", p.Key))
			continue
		}
		if _, ok := producers[p.Artifact]; !ok {
			issues.AddCause(domain.ErrUnresolvedPlaceholder, fmt.Sprintf("placeholder %q references artifact %q which no build stage produces", p.Key, p.Artifact))
		}
	}
	if deploy.Timeout < 0 {
		issues.Add("deploy.timeout must be >= 0")
	}
}

func validateFunctions(functions []domain.FunctionSpec, health domain.HealthPolicy, issues *domain.ConfigurationError) {
	if len(functions) == 0 {
		issues.Add("at least one function is required")
		return
	}
	names := make(map[string]struct{}, len(functions))
	for i, fn := range functions {
		name := strings.TrimSpace(fn.Name)
		if name == "" {
			issues.Add(fmt.Sprintf("functions[%d].name is required", i))
			continue
		}
		if _, exists := names[name]; exists {
			issues.Add(fmt.Sprintf("duplicate function %q", name))
		}
		names[name] = struct{}{}

		hasName := strings.TrimSpace(fn.FunctionName) != ""
		hasOutput := strings.TrimSpace(fn.OutputKey) != ""
		if hasName == hasOutput {
			issues.Add(fmt.Sprintf("functions[%s] requires exactly one of functionName or outputKey", name))
		}
		if fn.Alias != "" && !identifierPattern.MatchString(fn.Alias) {
			issues.Add(fmt.Sprintf("functions[%s].alias %q must be an identifier", name, fn.Alias))
		}
		if fn.Schedule != "" {
			if _, err := schedule.Parse(fn.Schedule); err != nil {
				issues.Add(fmt.Sprintf("functions[%s].schedule: %v", name, err))
			}
		}
		if health.Mode == domain.HealthModeAlarms && len(fn.HealthAlarms) == 0 {
			issues.Add(fmt.Sprintf("functions[%s].healthAlarms is required when release.health.mode is alarms", name))
		}
	}
}

func validateRelease(policy domain.ReleasePolicy, issues *domain.ConfigurationError) {
	if policy.IncrementPercent < 1 || policy.IncrementPercent > 100 {
		issues.Add(fmt.Sprintf("release.incrementPercent %d must be between 1 and 100", policy.IncrementPercent))
	}
	if policy.IncrementInterval <= 0 {
		issues.Add("release.incrementInterval must be positive")
	}
	if policy.StabilizationInterval < 0 {
		issues.Add("release.stabilizationInterval must be >= 0")
	}
	switch policy.Health.Mode {
	case domain.HealthModeNone, domain.HealthModeAlarms:
	case domain.HealthModeMetrics:
		if policy.Health.ErrorThreshold <= 0 {
			issues.Add("release.health.errorThreshold must be positive when mode is metrics")
		}
	default:
		issues.Add(fmt.Sprintf("release.health.mode %q must be none, alarms or metrics", policy.Health.Mode))
	}
}
