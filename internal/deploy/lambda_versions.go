package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/dbschedule/internal/domain"
)

const lambdaTimeLayout = "2006-01-02T15:04:05.000-0700"

// LambdaPublisher publishes a version of every function. When one publish
// fails, the versions this call created are deleted again.
type LambdaPublisher struct {
	api    lambdaiface.LambdaAPI
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewLambdaPublisher(api lambdaiface.LambdaAPI, clock clockwork.Clock, logger *slog.Logger) (*LambdaPublisher, error) {
	if api == nil {
		return nil, errors.New("lambda client is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LambdaPublisher{api: api, clock: clock, logger: logger}, nil
}

func versionDescription(runID string) string {
	return "dbschedule run " + runID
}

func (p *LambdaPublisher) Publish(ctx context.Context, runID string, functions []ResolvedFunction) ([]domain.FunctionVersion, error) {
	description := versionDescription(runID)
	var (
		published []domain.FunctionVersion
		created   []domain.FunctionVersion
	)
	for _, fn := range functions {
		out, err := p.api.PublishVersionWithContext(ctx, &lambda.PublishVersionInput{
			FunctionName: aws.String(fn.FunctionName),
			Description:  aws.String(description),
		})
		if err != nil {
			p.discard(ctx, created)
			return nil, classifyAPIError(fn.FunctionName, fmt.Errorf("publish version: %w", err))
		}
		version := domain.FunctionVersion{
			Function:     fn.Spec.Name,
			FunctionName: fn.FunctionName,
			Version:      aws.StringValue(out.Version),
			CodeSHA256:   aws.StringValue(out.CodeSha256),
			Description:  aws.StringValue(out.Description),
			CreatedAt:    p.clock.Now().UTC(),
		}
		if ts, err := time.Parse(lambdaTimeLayout, aws.StringValue(out.LastModified)); err == nil {
			version.CreatedAt = ts.UTC()
		}
		published = append(published, version)
		// Unchanged code returns the existing version with its original description.
		if version.Description == description {
			created = append(created, version)
		}
	}
	return published, nil
}

func (p *LambdaPublisher) discard(ctx context.Context, versions []domain.FunctionVersion) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
	}
	for _, v := range versions {
		_, err := p.api.DeleteFunctionWithContext(ctx, &lambda.DeleteFunctionInput{
			FunctionName: aws.String(v.FunctionName),
			Qualifier:    aws.String(v.Version),
		})
		if err != nil {
			p.logger.Error("failed to delete partially published version", "function_name", v.FunctionName, "version", v.Version, "error", err)
			continue
		}
		p.logger.Info("deleted partially published version", "function_name", v.FunctionName, "version", v.Version)
	}
}
