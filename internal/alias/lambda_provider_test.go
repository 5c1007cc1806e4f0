package alias

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"

	"github.com/animus-labs/dbschedule/internal/domain"
)

type fakeLambda struct {
	lambdaiface.LambdaAPI

	alias   *lambda.AliasConfiguration
	updates []*lambda.UpdateAliasInput
}

func (f *fakeLambda) GetAliasWithContext(_ aws.Context, in *lambda.GetAliasInput, _ ...request.Option) (*lambda.AliasConfiguration, error) {
	if f.alias == nil {
		return nil, awserr.New(lambda.ErrCodeResourceNotFoundException, "alias not found", nil)
	}
	return f.alias, nil
}

func (f *fakeLambda) CreateAliasWithContext(_ aws.Context, in *lambda.CreateAliasInput, _ ...request.Option) (*lambda.AliasConfiguration, error) {
	f.alias = &lambda.AliasConfiguration{
		Name:            in.Name,
		FunctionVersion: in.FunctionVersion,
		RevisionId:      aws.String("r1"),
	}
	return f.alias, nil
}

func (f *fakeLambda) UpdateAliasWithContext(_ aws.Context, in *lambda.UpdateAliasInput, _ ...request.Option) (*lambda.AliasConfiguration, error) {
	f.updates = append(f.updates, in)
	if aws.StringValue(in.RevisionId) != aws.StringValue(f.alias.RevisionId) {
		return nil, awserr.New(lambda.ErrCodePreconditionFailedException, "revision mismatch", nil)
	}
	f.alias = &lambda.AliasConfiguration{
		Name:            in.Name,
		FunctionVersion: in.FunctionVersion,
		RoutingConfig:   in.RoutingConfig,
		RevisionId:      aws.String(aws.StringValue(f.alias.RevisionId) + "+"),
	}
	return f.alias, nil
}

func TestLambdaProviderEncodesWeights(t *testing.T) {
	api := &fakeLambda{}
	provider, err := NewLambdaProvider(api)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	ctx := context.Background()

	if _, err := provider.Get(ctx, testKey); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	current, err := provider.Create(ctx, testKey, "7")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cases := []domain.TrafficSplit{
		{CurrentVersion: "7", TargetVersion: "8", TargetWeight: 30},
		{CurrentVersion: "7", TargetVersion: "8", TargetWeight: 100},
		domain.SingleVersion("8"),
	}
	for _, split := range cases {
		updated, err := provider.Update(ctx, current, split)
		if err != nil {
			t.Fatalf("update to %+v: %v", split, err)
		}
		if updated.Split != split {
			t.Fatalf("round trip: got %+v, want %+v", updated.Split, split)
		}
		current = updated
	}

	partial := api.updates[0]
	if w := aws.Float64Value(partial.RoutingConfig.AdditionalVersionWeights["8"]); w != 0.3 {
		t.Fatalf("additional weight = %v, want 0.3", w)
	}
	full := api.updates[1]
	if aws.StringValue(full.FunctionVersion) != "8" {
		t.Fatalf("full shift primary = %s, want 8", aws.StringValue(full.FunctionVersion))
	}
	if len(api.updates[2].RoutingConfig.AdditionalVersionWeights) != 0 {
		t.Fatalf("collapse must clear routing config")
	}
}

func TestLambdaProviderStaleRevision(t *testing.T) {
	api := &fakeLambda{}
	provider, _ := NewLambdaProvider(api)
	ctx := context.Background()
	first, _ := provider.Create(ctx, testKey, "1")
	if _, err := provider.Update(ctx, first, domain.TrafficSplit{CurrentVersion: "1", TargetVersion: "2", TargetWeight: 10}); err != nil {
		t.Fatalf("update: %v", err)
	}
	_, err := provider.Update(ctx, first, domain.SingleVersion("2"))
	if !errors.Is(err, domain.ErrAliasConflict) {
		t.Fatalf("expected ErrAliasConflict, got %v", err)
	}
}
