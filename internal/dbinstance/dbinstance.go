// Package dbinstance starts and stops the scheduled database instance and
// announces the change on SNS.
package dbinstance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/rds"
	"github.com/aws/aws-sdk-go/service/rds/rdsiface"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"

	"github.com/animus-labs/dbschedule/internal/platform/awsclient"
	"github.com/animus-labs/dbschedule/internal/platform/env"
)

type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

type Config struct {
	InstanceIdentifier string
	TopicARN           string
}

func ConfigFromEnv() (Config, error) {
	if missing := env.Missing("INSTANCE_IDENTIFIER"); len(missing) > 0 {
		return Config{}, fmt.Errorf("%s is required", strings.Join(missing, ", "))
	}
	return Config{
		InstanceIdentifier: env.String("INSTANCE_IDENTIFIER", ""),
		TopicARN:           env.String("SNS_TOPIC_ARN", ""),
	}, nil
}

// Result is returned to the scheduler as the invocation output.
type Result struct {
	StatusCode int    `json:"statusCode"`
	Action     Action `json:"action"`
	Instance   string `json:"instance"`
	Status     string `json:"status,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
}

type Switch struct {
	rds    rdsiface.RDSAPI
	sns    snsiface.SNSAPI
	cfg    Config
	logger *slog.Logger
}

func NewSwitch(rdsAPI rdsiface.RDSAPI, snsAPI snsiface.SNSAPI, cfg Config, logger *slog.Logger) (*Switch, error) {
	if rdsAPI == nil {
		return nil, errors.New("rds client is required")
	}
	if cfg.TopicARN != "" && snsAPI == nil {
		return nil, errors.New("sns client is required when a topic is configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Switch{rds: rdsAPI, sns: snsAPI, cfg: cfg, logger: logger}, nil
}

// Apply moves the instance toward the requested state. An instance already
// in that state is not an error. Notification failures are logged only.
func (s *Switch) Apply(ctx context.Context, action Action) (Result, error) {
	res := Result{StatusCode: 200, Action: action, Instance: s.cfg.InstanceIdentifier}
	status, err := s.apply(ctx, action)
	if err != nil {
		return Result{}, err
	}
	res.Status = status

	if s.cfg.TopicARN == "" {
		return res, nil
	}
	out, err := s.sns.PublishWithContext(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.cfg.TopicARN),
		Message:  aws.String(message(action, s.cfg.InstanceIdentifier, status)),
	})
	if err != nil {
		s.logger.Error("notification failed", "action", string(action), "topic_arn", s.cfg.TopicARN, "error", err)
		return res, nil
	}
	res.MessageID = aws.StringValue(out.MessageId)
	s.logger.Info("notification sent", "action", string(action), "topic_arn", s.cfg.TopicARN, "message_id", res.MessageID)
	return res, nil
}

func (s *Switch) apply(ctx context.Context, action Action) (string, error) {
	id := aws.String(s.cfg.InstanceIdentifier)
	var (
		instance *rds.DBInstance
		err      error
	)
	switch action {
	case ActionStart:
		var out *rds.StartDBInstanceOutput
		out, err = s.rds.StartDBInstanceWithContext(ctx, &rds.StartDBInstanceInput{DBInstanceIdentifier: id})
		if out != nil {
			instance = out.DBInstance
		}
	case ActionStop:
		var out *rds.StopDBInstanceOutput
		out, err = s.rds.StopDBInstanceWithContext(ctx, &rds.StopDBInstanceInput{DBInstanceIdentifier: id})
		if out != nil {
			instance = out.DBInstance
		}
	default:
		return "", fmt.Errorf("unknown action %q", action)
	}

	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == rds.ErrCodeInvalidDBInstanceStateFault {
			s.logger.Warn("instance not in a state to "+string(action), "instance", s.cfg.InstanceIdentifier, "error", aerr.Message())
			return "unchanged", nil
		}
		return "", fmt.Errorf("%s db instance %s: %w", action, s.cfg.InstanceIdentifier, err)
	}
	status := ""
	if instance != nil {
		status = aws.StringValue(instance.DBInstanceStatus)
	}
	s.logger.Info("db instance "+string(action)+" requested", "instance", s.cfg.InstanceIdentifier, "status", status)
	return status, nil
}

func message(action Action, instance, status string) string {
	verb := "Startup"
	if action == ActionStop {
		verb = "Shutdown"
	}
	if status == "" {
		return fmt.Sprintf("ScheduleLambda %s rds %s", verb, instance)
	}
	return fmt.Sprintf("ScheduleLambda %s rds %s (%s)", verb, instance, status)
}

// Handler adapts Apply to a scheduled event invocation.
func (s *Switch) Handler(action Action) func(context.Context, events.CloudWatchEvent) (Result, error) {
	return func(ctx context.Context, event events.CloudWatchEvent) (Result, error) {
		s.logger.Info("scheduled invocation", "action", string(action), "event_id", event.ID, "rule", strings.Join(event.Resources, ","))
		return s.Apply(ctx, action)
	}
}

// FromEnv builds a Switch from the function environment.
func FromEnv(logger *slog.Logger) (*Switch, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	awsCfg, err := awsclient.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	sess, err := awsclient.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}
	return NewSwitch(rds.New(sess), sns.New(sess), cfg, logger)
}
