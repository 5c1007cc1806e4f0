// Package awsclient builds the shared AWS SDK session.
package awsclient

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/dbschedule/internal/platform/env"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
)

type Config struct {
	Region      string
	Endpoint    string
	AccessKeyID string
	SecretKey   string
	MaxRetries  int
	Timeout     time.Duration
}

func ConfigFromEnv() (Config, error) {
	maxRetries, err := env.Int("DBSCHED_AWS_MAX_RETRIES", 5)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Duration("DBSCHED_AWS_HTTP_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Region:      env.String("AWS_REGION", env.String("AWS_DEFAULT_REGION", "")),
		Endpoint:    env.String("DBSCHED_AWS_ENDPOINT", ""),
		AccessKeyID: env.String("DBSCHED_AWS_ACCESS_KEY_ID", ""),
		SecretKey:   env.String("DBSCHED_AWS_SECRET_ACCESS_KEY", ""),
		MaxRetries:  maxRetries,
		Timeout:     timeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("AWS_REGION is required")
	}
	if c.MaxRetries < 0 {
		return errors.New("DBSCHED_AWS_MAX_RETRIES must be >= 0")
	}
	if c.Timeout <= 0 {
		return errors.New("DBSCHED_AWS_HTTP_TIMEOUT must be positive")
	}
	if (c.AccessKeyID == "") != (c.SecretKey == "") {
		return errors.New("static AWS credentials must include both key id and secret")
	}
	return nil
}

// NewSession uses static credentials when configured and the default chain otherwise.
func NewSession(cfg Config) (*session.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	awsConfig := &aws.Config{
		Region:     aws.String(cfg.Region),
		MaxRetries: aws.Int(cfg.MaxRetries),
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.AccessKeyID != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return sess, nil
}
