// Package pipelinedef loads the pipeline definition a releaser operates on.
package pipelinedef

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/animus-labs/dbschedule/internal/domain"
	"github.com/animus-labs/dbschedule/internal/execution/specvalidator"
	"github.com/animus-labs/dbschedule/internal/platform/env"
	"gopkg.in/yaml.v3"
)

var defaultCapabilities = []string{"CAPABILITY_IAM", "CAPABILITY_NAMED_IAM", "CAPABILITY_AUTO_EXPAND"}

// Load reads, defaults, overrides from the environment and validates a definition file.
func Load(path string) (domain.PipelineDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.PipelineDefinition{}, fmt.Errorf("read pipeline definition: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return domain.PipelineDefinition{}, err
	}
	if err := ApplyEnv(&def); err != nil {
		return domain.PipelineDefinition{}, err
	}
	if err := specvalidator.ValidateDefinition(def); err != nil {
		return domain.PipelineDefinition{}, err
	}
	return def, nil
}

// Parse decodes a definition and fills defaults. Unknown fields are rejected.
func Parse(input []byte) (domain.PipelineDefinition, error) {
	var def domain.PipelineDefinition
	dec := yaml.NewDecoder(bytes.NewReader(input))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return domain.PipelineDefinition{}, fmt.Errorf("decode pipeline definition: %w", err)
	}
	applyDefaults(&def)
	return def, nil
}

func applyDefaults(def *domain.PipelineDefinition) {
	if def.Deploy.ID == "" {
		def.Deploy.ID = "deploy"
	}
	if def.Deploy.Capabilities == nil {
		def.Deploy.Capabilities = append([]string(nil), defaultCapabilities...)
	}
	if def.Deploy.StackName == "" && def.Environment != "" {
		def.Deploy.StackName = def.Environment + "-lambda-stack"
	}
	for i := range def.Functions {
		if def.Functions[i].Alias == "" {
			def.Functions[i].Alias = def.Environment
		}
	}
	if def.Release.Health.Mode == "" {
		def.Release.Health.Mode = domain.HealthModeNone
	}
	def.Release.Health.Mode = domain.HealthMode(strings.ToLower(string(def.Release.Health.Mode)))
}

// ApplyEnv lets deployment environments tune the rollout without editing the file.
func ApplyEnv(def *domain.PipelineDefinition) error {
	if environment := env.String("DBSCHED_ENVIRONMENT", def.Environment); environment != def.Environment {
		for i := range def.Functions {
			if def.Functions[i].Alias == def.Environment {
				def.Functions[i].Alias = environment
			}
		}
		def.Environment = environment
	}

	increment, err := env.Int("RELEASE_INCREMENT_PERCENT", def.Release.IncrementPercent)
	if err != nil {
		return err
	}
	interval, err := env.Duration("RELEASE_INCREMENT_INTERVAL", def.Release.IncrementInterval)
	if err != nil {
		return err
	}
	stabilization, err := env.Duration("RELEASE_STABILIZATION_INTERVAL", def.Release.StabilizationInterval)
	if err != nil {
		return err
	}
	def.Release.IncrementPercent = increment
	def.Release.IncrementInterval = interval
	def.Release.StabilizationInterval = stabilization
	return nil
}
