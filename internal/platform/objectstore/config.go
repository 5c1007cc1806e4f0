package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/dbschedule/internal/platform/env"
)

type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketArtifacts string
	KeyPrefix       string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("DBSCHED_ARTIFACTS_USE_SSL", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        env.String("DBSCHED_ARTIFACTS_ENDPOINT", "s3.amazonaws.com"),
		AccessKey:       env.String("DBSCHED_ARTIFACTS_ACCESS_KEY", ""),
		SecretKey:       env.String("DBSCHED_ARTIFACTS_SECRET_KEY", ""),
		Region:          env.String("DBSCHED_ARTIFACTS_REGION", env.String("AWS_REGION", "us-east-1")),
		UseSSL:          useSSL,
		BucketArtifacts: env.String("DBSCHED_ARTIFACTS_BUCKET", ""),
		KeyPrefix:       env.String("DBSCHED_ARTIFACTS_PREFIX", "pipeline"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketArtifacts) == "" {
		return errors.New("artifacts bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("access key and secret key must be set together")
	}
	return nil
}
