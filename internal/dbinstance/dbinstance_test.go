package dbinstance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/rds"
	"github.com/aws/aws-sdk-go/service/rds/rdsiface"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
)

type fakeRDS struct {
	rdsiface.RDSAPI
	started []string
	stopped []string
	err     error
}

func (f *fakeRDS) StartDBInstanceWithContext(_ aws.Context, in *rds.StartDBInstanceInput, _ ...request.Option) (*rds.StartDBInstanceOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.started = append(f.started, aws.StringValue(in.DBInstanceIdentifier))
	return &rds.StartDBInstanceOutput{DBInstance: &rds.DBInstance{DBInstanceStatus: aws.String("starting")}}, nil
}

func (f *fakeRDS) StopDBInstanceWithContext(_ aws.Context, in *rds.StopDBInstanceInput, _ ...request.Option) (*rds.StopDBInstanceOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.stopped = append(f.stopped, aws.StringValue(in.DBInstanceIdentifier))
	return &rds.StopDBInstanceOutput{DBInstance: &rds.DBInstance{DBInstanceStatus: aws.String("stopping")}}, nil
}

type fakeSNS struct {
	snsiface.SNSAPI
	published []*sns.PublishInput
	err       error
}

func (f *fakeSNS) PublishWithContext(_ aws.Context, in *sns.PublishInput, _ ...request.Option) (*sns.PublishOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, in)
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestApplyStartsAndNotifies(t *testing.T) {
	r, n := &fakeRDS{}, &fakeSNS{}
	s, err := NewSwitch(r, n, Config{InstanceIdentifier: "orders-db", TopicARN: "arn:aws:sns:ap-southeast-1:1:db"}, discard())
	if err != nil {
		t.Fatalf("NewSwitch: %v", err)
	}
	res, err := s.Apply(context.Background(), ActionStart)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(r.started) != 1 || r.started[0] != "orders-db" {
		t.Fatalf("started=%v", r.started)
	}
	if res.StatusCode != 200 || res.Status != "starting" || res.MessageID != "msg-1" {
		t.Fatalf("res=%+v", res)
	}
	if len(n.published) != 1 || !strings.Contains(aws.StringValue(n.published[0].Message), "Startup rds orders-db") {
		t.Fatalf("published=%v", n.published)
	}
}

func TestApplyStopIgnoresNotificationFailure(t *testing.T) {
	r, n := &fakeRDS{}, &fakeSNS{err: errors.New("throttled")}
	s, _ := NewSwitch(r, n, Config{InstanceIdentifier: "orders-db", TopicARN: "arn:topic"}, discard())
	res, err := s.Apply(context.Background(), ActionStop)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(r.stopped) != 1 || res.Status != "stopping" || res.MessageID != "" {
		t.Fatalf("stopped=%v res=%+v", r.stopped, res)
	}
}

func TestApplyToleratesInstanceAlreadyInState(t *testing.T) {
	r := &fakeRDS{err: awserr.New(rds.ErrCodeInvalidDBInstanceStateFault, "instance is not available", nil)}
	s, _ := NewSwitch(r, nil, Config{InstanceIdentifier: "orders-db"}, discard())
	res, err := s.Apply(context.Background(), ActionStop)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Status != "unchanged" {
		t.Fatalf("res=%+v", res)
	}
}

func TestApplyFailsOnAPIError(t *testing.T) {
	n := &fakeSNS{}
	r := &fakeRDS{err: awserr.New("AccessDenied", "not authorized", nil)}
	s, _ := NewSwitch(r, n, Config{InstanceIdentifier: "orders-db", TopicARN: "arn:topic"}, discard())
	if _, err := s.Apply(context.Background(), ActionStart); err == nil || !strings.Contains(err.Error(), "start db instance orders-db") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if len(n.published) != 0 {
		t.Fatalf("failed start must not notify")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("INSTANCE_IDENTIFIER", "")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected missing instance to be rejected")
	}
	t.Setenv("INSTANCE_IDENTIFIER", "orders-db")
	t.Setenv("SNS_TOPIC_ARN", "arn:topic")
	cfg, err := ConfigFromEnv()
	if err != nil || cfg.InstanceIdentifier != "orders-db" || cfg.TopicARN != "arn:topic" {
		t.Fatalf("cfg=%+v err=%v", cfg, err)
	}
}

func TestHandlerAppliesAction(t *testing.T) {
	r := &fakeRDS{}
	s, _ := NewSwitch(r, nil, Config{InstanceIdentifier: "orders-db"}, discard())
	res, err := s.Handler(ActionStop)(context.Background(), events.CloudWatchEvent{ID: "evt-1", Resources: []string{"arn:aws:events:rule/db-shutdown"}})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.Action != ActionStop || len(r.stopped) != 1 {
		t.Fatalf("res=%+v stopped=%v", res, r.stopped)
	}
}
