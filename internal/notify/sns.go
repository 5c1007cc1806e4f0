package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
)

const maxSubjectLen = 100

// SNSSink publishes events as JSON. Release events go to their own topic when
// one is configured.
type SNSSink struct {
	api             snsiface.SNSAPI
	pipelineTopic   string
	releaseTopicARN string
}

func NewSNSSink(api snsiface.SNSAPI, pipelineTopicARN, releaseTopicARN string) (*SNSSink, error) {
	if api == nil {
		return nil, errors.New("sns client is required")
	}
	if pipelineTopicARN == "" {
		return nil, errors.New("pipeline topic arn is required")
	}
	if releaseTopicARN == "" {
		releaseTopicARN = pipelineTopicARN
	}
	return &SNSSink{api: api, pipelineTopic: pipelineTopicARN, releaseTopicARN: releaseTopicARN}, nil
}

func (s *SNSSink) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	topic := s.pipelineTopic
	if event.Stream() == StreamRelease {
		topic = s.releaseTopicARN
	}
	subject := fmt.Sprintf("[%s] %s", event.Environment, event.Message)
	if len(subject) > maxSubjectLen {
		subject = subject[:maxSubjectLen-3] + "..."
	}
	_, err = s.api.PublishWithContext(ctx, &sns.PublishInput{
		TopicArn: aws.String(topic),
		Subject:  aws.String(subject),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]*sns.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(string(event.Type))},
			"stream":     {DataType: aws.String("String"), StringValue: aws.String(string(event.Stream()))},
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", event.Type, err)
	}
	return nil
}
