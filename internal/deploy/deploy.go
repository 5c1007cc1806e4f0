// Package deploy converges the infrastructure template and publishes one new
// function version per declared function.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/animus-labs/dbschedule/internal/domain"
)

// Request is one convergence of a stack plus the version publish that follows it.
type Request struct {
	RunID        string
	StackName    string
	TemplateBody []byte
	Parameters   map[string]string
	Capabilities []string
	Functions    []domain.FunctionSpec
}

func (r Request) Validate() error {
	var problems []string
	if strings.TrimSpace(r.RunID) == "" {
		problems = append(problems, "run id is required")
	}
	if strings.TrimSpace(r.StackName) == "" {
		problems = append(problems, "stack name is required")
	}
	if len(r.TemplateBody) == 0 {
		problems = append(problems, "template body is required")
	}
	if len(r.Functions) == 0 {
		problems = append(problems, "at least one function is required")
	}
	if len(problems) > 0 {
		return &domain.DeployError{Cause: domain.DeployCauseValidation, Reason: strings.Join(problems, "; ")}
	}
	return nil
}

type Result struct {
	StackID  string
	Outputs  map[string]string
	Versions []domain.FunctionVersion
}

// Provider is the infrastructure provider seen by the deploy stage. Deploy is
// all or nothing: on error no function has a new version.
type Provider interface {
	Deploy(ctx context.Context, req Request) (Result, error)
}

// StackConverger applies a template and returns the stack outputs.
type StackConverger interface {
	Converge(ctx context.Context, req Request) (stackID string, outputs map[string]string, err error)
}

// VersionPublisher publishes new function versions.
type VersionPublisher interface {
	Publish(ctx context.Context, runID string, functions []ResolvedFunction) ([]domain.FunctionVersion, error)
}

// ResolvedFunction is a declared function with its physical name.
type ResolvedFunction struct {
	Spec         domain.FunctionSpec
	FunctionName string
}

type Deployer struct {
	stacks    StackConverger
	publisher VersionPublisher
	logger    *slog.Logger
}

func NewDeployer(stacks StackConverger, publisher VersionPublisher, logger *slog.Logger) (*Deployer, error) {
	if stacks == nil || publisher == nil {
		return nil, errors.New("stack converger and version publisher are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{stacks: stacks, publisher: publisher, logger: logger}, nil
}

func (d *Deployer) Deploy(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	logger := d.logger.With("run_id", req.RunID, "stack", req.StackName)

	stackID, outputs, err := d.stacks.Converge(ctx, req)
	if err != nil {
		return Result{}, asDeployError(err, req.StackName)
	}
	logger.Info("stack converged", "stack_id", stackID, "outputs", len(outputs))

	functions, err := ResolveFunctions(req.Functions, outputs)
	if err != nil {
		return Result{}, err
	}
	versions, err := d.publisher.Publish(ctx, req.RunID, functions)
	if err != nil {
		return Result{}, asDeployError(err, req.StackName)
	}
	for _, v := range versions {
		logger.Info("function version published", "function", v.Function, "function_name", v.FunctionName, "version", v.Version)
	}
	return Result{StackID: stackID, Outputs: outputs, Versions: versions}, nil
}

// ResolveFunctions maps each function to its physical name, taking it from
// the stack outputs when the definition names an output key.
func ResolveFunctions(specs []domain.FunctionSpec, outputs map[string]string) ([]ResolvedFunction, error) {
	out := make([]ResolvedFunction, 0, len(specs))
	for _, spec := range specs {
		name := spec.FunctionName
		if name == "" {
			name = outputs[spec.OutputKey]
		}
		if name == "" {
			return nil, &domain.DeployError{
				Cause:    domain.DeployCauseValidation,
				Resource: spec.Name,
				Reason:   fmt.Sprintf("stack output %q not found", spec.OutputKey),
			}
		}
		out = append(out, ResolvedFunction{Spec: spec, FunctionName: name})
	}
	return out, nil
}

func asDeployError(err error, resource string) error {
	var deployErr *domain.DeployError
	if errors.As(err, &deployErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.DeployError{Cause: domain.DeployCauseUnknown, Resource: resource, Reason: "interrupted", Err: err}
	}
	return &domain.DeployError{Cause: classifyReason(err.Error()), Resource: resource, Err: err}
}
