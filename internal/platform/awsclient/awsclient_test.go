package awsclient

import (
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{Region: "eu-west-1", MaxRetries: 3, Timeout: time.Second}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	tests := []Config{
		{MaxRetries: 3, Timeout: time.Second},
		{Region: "eu-west-1", MaxRetries: -1, Timeout: time.Second},
		{Region: "eu-west-1", Timeout: 0},
		{Region: "eu-west-1", Timeout: time.Second, AccessKeyID: "AKIA"},
	}
	for _, cfg := range tests {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("Validate() expected error for %+v", cfg)
		}
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("AWS_REGION", "eu-central-1")
	t.Setenv("DBSCHED_AWS_MAX_RETRIES", "7")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Region != "eu-central-1" || cfg.MaxRetries != 7 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if _, err := NewSession(cfg); err != nil {
		t.Fatalf("NewSession() err=%v", err)
	}
}
