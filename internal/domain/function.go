package domain

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// FunctionVersion is an immutable published snapshot of a function.
type FunctionVersion struct {
	Function     string    `json:"function"`
	FunctionName string    `json:"function_name"`
	Version      string    `json:"version"`
	CodeSHA256   string    `json:"code_sha256,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Number returns the numeric version, or 0 for unnumbered versions such as $LATEST.
func (v FunctionVersion) Number() int {
	n, err := strconv.Atoi(v.Version)
	if err != nil {
		return 0
	}
	return n
}

// AliasKey identifies one alias of one function.
type AliasKey struct {
	FunctionName string `json:"function_name"`
	Name         string `json:"name"`
}

func (k AliasKey) String() string {
	return k.FunctionName + ":" + k.Name
}

// TrafficSplit is the weighted routing of an alias across at most two versions.
// TargetWeight is the percentage routed to TargetVersion; the rest goes to CurrentVersion.
type TrafficSplit struct {
	CurrentVersion string `json:"current_version"`
	TargetVersion  string `json:"target_version,omitempty"`
	TargetWeight   int    `json:"target_weight"`
}

// SingleVersion routes all traffic to one version.
func SingleVersion(version string) TrafficSplit {
	return TrafficSplit{CurrentVersion: version}
}

// Weights returns the percentage routed to the current and target versions.
func (s TrafficSplit) Weights() (current, target int) {
	if s.TargetVersion == "" {
		return 100, 0
	}
	return 100 - s.TargetWeight, s.TargetWeight
}

func (s TrafficSplit) Validate() error {
	if s.CurrentVersion == "" {
		return errors.New("current version is required")
	}
	if s.TargetWeight < 0 || s.TargetWeight > 100 {
		return fmt.Errorf("target weight %d out of range", s.TargetWeight)
	}
	if s.TargetVersion == "" && s.TargetWeight != 0 {
		return errors.New("target weight requires a target version")
	}
	if s.TargetVersion != "" && s.TargetVersion == s.CurrentVersion {
		return errors.New("target version must differ from current version")
	}
	return nil
}

// Alias is a stable traffic-addressable pointer owned by the alias router.
type Alias struct {
	Key        AliasKey     `json:"key"`
	Split      TrafficSplit `json:"split"`
	RevisionID string       `json:"revision_id,omitempty"`
}
