// Package paramstore resolves the source repository identity and access token
// from SSM Parameter Store and Secrets Manager.
package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/aws/aws-sdk-go/service/ssm/ssmiface"

	"github.com/animus-labs/dbschedule/internal/domain"
)

// TokenField is the JSON field of the token secret that holds the token.
const TokenField = "github-token"

// Paths names the parameters and secret of one deployment stage.
type Paths struct {
	Owner  string
	Repo   string
	Branch string
	Token  string
}

// DefaultPaths follows the /<prefix>-<stage>-automatic-aws-db-shutdown-cdk/github/* layout.
func DefaultPaths(prefix, stage string) Paths {
	base := fmt.Sprintf("/%s-%s-automatic-aws-db-shutdown-cdk/github", prefix, stage)
	return Paths{
		Owner:  base + "/owner",
		Repo:   base + "/repo",
		Branch: base + "/branch",
		Token:  base + "/token",
	}
}

type Resolver struct {
	ssm     ssmiface.SSMAPI
	secrets secretsmanageriface.SecretsManagerAPI
}

func NewResolver(ssmAPI ssmiface.SSMAPI, secretsAPI secretsmanageriface.SecretsManagerAPI) (*Resolver, error) {
	if ssmAPI == nil || secretsAPI == nil {
		return nil, errors.New("ssm and secrets manager clients are required")
	}
	return &Resolver{ssm: ssmAPI, secrets: secretsAPI}, nil
}

// Repository reads owner and repo, and the branch when present. fallback
// supplies the branch when its parameter does not exist.
func (r *Resolver) Repository(ctx context.Context, paths Paths, fallback domain.Repository) (domain.Repository, error) {
	owner, err := r.parameter(ctx, paths.Owner)
	if err != nil {
		return domain.Repository{}, err
	}
	repo, err := r.parameter(ctx, paths.Repo)
	if err != nil {
		return domain.Repository{}, err
	}
	branch := fallback.Branch
	if paths.Branch != "" {
		value, err := r.parameter(ctx, paths.Branch)
		switch {
		case err == nil:
			branch = value
		case errors.Is(err, domain.ErrNotFound):
		default:
			return domain.Repository{}, err
		}
	}
	return domain.Repository{Owner: owner, Repo: repo, Branch: branch}, nil
}

// Token reads the secret and returns its github-token field. A secret that is
// not JSON is used verbatim.
func (r *Resolver) Token(ctx context.Context, paths Paths) (string, error) {
	out, err := r.secrets.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(paths.Token),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == secretsmanager.ErrCodeResourceNotFoundException {
			return "", fmt.Errorf("secret %s: %w", paths.Token, domain.ErrNotFound)
		}
		return "", fmt.Errorf("get secret %s: %w", paths.Token, err)
	}
	raw := strings.TrimSpace(aws.StringValue(out.SecretString))
	if raw == "" {
		return "", fmt.Errorf("secret %s is empty", paths.Token)
	}
	if !strings.HasPrefix(raw, "{") {
		return raw, nil
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("decode secret %s: %w", paths.Token, err)
	}
	token := strings.TrimSpace(fields[TokenField])
	if token == "" {
		return "", fmt.Errorf("secret %s has no %q field", paths.Token, TokenField)
	}
	return token, nil
}

func (r *Resolver) parameter(ctx context.Context, name string) (string, error) {
	out, err := r.ssm.GetParameterWithContext(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == ssm.ErrCodeParameterNotFound {
			return "", fmt.Errorf("parameter %s: %w", name, domain.ErrNotFound)
		}
		return "", fmt.Errorf("get parameter %s: %w", name, err)
	}
	if out.Parameter == nil || strings.TrimSpace(aws.StringValue(out.Parameter.Value)) == "" {
		return "", fmt.Errorf("parameter %s is empty", name)
	}
	return strings.TrimSpace(aws.StringValue(out.Parameter.Value)), nil
}
