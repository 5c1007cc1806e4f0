// Package binder resolves deploy template placeholders to the locations of
// artifacts published earlier in the same run.
package binder

import (
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/dbschedule/internal/domain"
)

// Bind maps every placeholder onto the location of the artifact it names.
// It has no side effects and returns the same set for the same inputs.
//
// An artifact claimed by more than one stage is ambiguous. A placeholder whose
// artifact is missing, unpublished or produced by another run is unresolved.
func Bind(runID string, placeholders []domain.PlaceholderSpec, artifacts []domain.Artifact) (domain.ParameterOverrideSet, error) {
	issues := &domain.ConfigurationError{}

	byName := make(map[string]domain.Artifact, len(artifacts))
	producers := make(map[string][]string, len(artifacts))
	for _, a := range artifacts {
		if a.RunID != runID {
			continue
		}
		if !containsString(producers[a.Name], a.ProducingStageID) {
			producers[a.Name] = append(producers[a.Name], a.ProducingStageID)
		}
		byName[a.Name] = a
	}
	for _, name := range sortedNames(producers) {
		if stages := producers[name]; len(stages) > 1 {
			sort.Strings(stages)
			issues.AddCause(domain.ErrAmbiguousArtifact, fmt.Sprintf("artifact %q is produced by more than one stage: %s", name, strings.Join(stages, ", ")))
			delete(byName, name)
		}
	}

	out := make(domain.ParameterOverrideSet, len(placeholders))
	for _, p := range placeholders {
		if _, dup := out[p.Key]; dup {
			issues.Add(fmt.Sprintf("duplicate placeholder key %q", p.Key))
			continue
		}
		if len(producers[p.Artifact]) > 1 {
			continue
		}
		a, ok := byName[p.Artifact]
		if !ok {
			issues.AddCause(domain.ErrUnresolvedPlaceholder, fmt.Sprintf("placeholder %q: artifact %q was not produced in run %s", p.Key, p.Artifact, runID))
			continue
		}
		if !a.Resolved() {
			issues.AddCause(domain.ErrUnresolvedPlaceholder, fmt.Sprintf("placeholder %q: artifact %q has no storage location", p.Key, p.Artifact))
			continue
		}
		value, err := locationField(a.Location, p.Field)
		if err != nil {
			issues.Add(fmt.Sprintf("placeholder %q: %v", p.Key, err))
			continue
		}
		out[p.Key] = value
	}

	if err := issues.OrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

func locationField(loc domain.ArtifactLocation, field domain.PlaceholderField) (string, error) {
	switch field {
	case domain.PlaceholderBucket:
		return loc.Bucket, nil
	case domain.PlaceholderObjectKey:
		return loc.ObjectKey, nil
	case domain.PlaceholderURI:
		return loc.URI(), nil
	default:
		return "", fmt.Errorf("unsupported location field %q", field)
	}
}

func containsString(values []string, v string) bool {
	for _, item := range values {
		if item == v {
			return true
		}
	}
	return false
}

func sortedNames(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
