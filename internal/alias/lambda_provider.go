package alias

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"

	"github.com/animus-labs/dbschedule/internal/domain"
)

// LambdaProvider routes alias traffic through Lambda weighted aliases.
//
// Lambda requires the additional version weight to stay below 1.0, so a split
// with the target at 100% is written as the target on the primary version and
// the previous version at weight 0. Reads reverse that encoding.
type LambdaProvider struct {
	api lambdaiface.LambdaAPI
}

func NewLambdaProvider(api lambdaiface.LambdaAPI) (*LambdaProvider, error) {
	if api == nil {
		return nil, errors.New("lambda client is required")
	}
	return &LambdaProvider{api: api}, nil
}

func (p *LambdaProvider) Get(ctx context.Context, key domain.AliasKey) (domain.Alias, error) {
	out, err := p.api.GetAliasWithContext(ctx, &lambda.GetAliasInput{
		FunctionName: aws.String(key.FunctionName),
		Name:         aws.String(key.Name),
	})
	if err != nil {
		return domain.Alias{}, mapLambdaError(key, err)
	}
	return decodeAlias(key, out)
}

func (p *LambdaProvider) Create(ctx context.Context, key domain.AliasKey, version string) (domain.Alias, error) {
	out, err := p.api.CreateAliasWithContext(ctx, &lambda.CreateAliasInput{
		FunctionName:    aws.String(key.FunctionName),
		Name:            aws.String(key.Name),
		FunctionVersion: aws.String(version),
		Description:     aws.String("managed by dbschedule releaser"),
	})
	if err != nil {
		return domain.Alias{}, mapLambdaError(key, err)
	}
	return decodeAlias(key, out)
}

func (p *LambdaProvider) Update(ctx context.Context, current domain.Alias, next domain.TrafficSplit) (domain.Alias, error) {
	primary, routing := encodeSplit(next)
	input := &lambda.UpdateAliasInput{
		FunctionName:    aws.String(current.Key.FunctionName),
		Name:            aws.String(current.Key.Name),
		FunctionVersion: aws.String(primary),
		RoutingConfig:   routing,
	}
	if current.RevisionID != "" {
		input.RevisionId = aws.String(current.RevisionID)
	}
	out, err := p.api.UpdateAliasWithContext(ctx, input)
	if err != nil {
		return domain.Alias{}, mapLambdaError(current.Key, err)
	}
	return decodeAlias(current.Key, out)
}

func encodeSplit(split domain.TrafficSplit) (string, *lambda.AliasRoutingConfiguration) {
	weights := map[string]*float64{}
	switch {
	case split.TargetVersion == "" || split.TargetWeight == 0:
		return split.CurrentVersion, &lambda.AliasRoutingConfiguration{AdditionalVersionWeights: weights}
	case split.TargetWeight == 100:
		weights[split.CurrentVersion] = aws.Float64(0)
		return split.TargetVersion, &lambda.AliasRoutingConfiguration{AdditionalVersionWeights: weights}
	default:
		weights[split.TargetVersion] = aws.Float64(float64(split.TargetWeight) / 100)
		return split.CurrentVersion, &lambda.AliasRoutingConfiguration{AdditionalVersionWeights: weights}
	}
}

func decodeAlias(key domain.AliasKey, cfg *lambda.AliasConfiguration) (domain.Alias, error) {
	if cfg == nil || aws.StringValue(cfg.FunctionVersion) == "" {
		return domain.Alias{}, fmt.Errorf("alias %s: empty configuration", key)
	}
	primary := aws.StringValue(cfg.FunctionVersion)
	split := domain.SingleVersion(primary)
	if cfg.RoutingConfig != nil {
		if len(cfg.RoutingConfig.AdditionalVersionWeights) > 1 {
			return domain.Alias{}, fmt.Errorf("alias %s routes to more than two versions", key)
		}
		for version, weight := range cfg.RoutingConfig.AdditionalVersionWeights {
			pct := int(math.Round(aws.Float64Value(weight) * 100))
			if pct == 0 {
				split = domain.TrafficSplit{CurrentVersion: version, TargetVersion: primary, TargetWeight: 100}
			} else {
				split = domain.TrafficSplit{CurrentVersion: primary, TargetVersion: version, TargetWeight: pct}
			}
		}
	}
	return domain.Alias{Key: key, Split: split, RevisionID: aws.StringValue(cfg.RevisionId)}, nil
}

func mapLambdaError(key domain.AliasKey, err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case lambda.ErrCodeResourceNotFoundException:
			return fmt.Errorf("alias %s: %s: %w", key, aerr.Message(), domain.ErrNotFound)
		case lambda.ErrCodePreconditionFailedException, lambda.ErrCodeResourceConflictException:
			return fmt.Errorf("alias %s: %s: %w", key, aerr.Message(), domain.ErrAliasConflict)
		}
	}
	return fmt.Errorf("alias %s: %w", key, err)
}

