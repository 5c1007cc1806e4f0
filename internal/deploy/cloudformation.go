package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/cloudformation/cloudformationiface"

	"github.com/animus-labs/dbschedule/internal/domain"
)

// maxTemplateBody is the CloudFormation limit for inline templates.
const maxTemplateBody = 51200

const noUpdatesMessage = "No updates are to be performed"

type CloudFormationConfig struct {
	WaitDelay       time.Duration
	WaitMaxAttempts int
	Tags            map[string]string
}

// CloudFormationConverger creates or updates a stack and waits for it to settle.
// Failed creates delete the stack and failed updates roll back, so a failure
// leaves the previous infrastructure in place.
type CloudFormationConverger struct {
	api    cloudformationiface.CloudFormationAPI
	cfg    CloudFormationConfig
	logger *slog.Logger
}

func NewCloudFormationConverger(api cloudformationiface.CloudFormationAPI, cfg CloudFormationConfig, logger *slog.Logger) (*CloudFormationConverger, error) {
	if api == nil {
		return nil, errors.New("cloudformation client is required")
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 15 * time.Second
	}
	if cfg.WaitMaxAttempts <= 0 {
		cfg.WaitMaxAttempts = 240
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudFormationConverger{api: api, cfg: cfg, logger: logger}, nil
}

func (c *CloudFormationConverger) Converge(ctx context.Context, req Request) (string, map[string]string, error) {
	if len(req.TemplateBody) > maxTemplateBody {
		return "", nil, &domain.DeployError{
			Cause:    domain.DeployCauseValidation,
			Resource: req.StackName,
			Reason:   fmt.Sprintf("template is %d bytes, inline limit is %d", len(req.TemplateBody), maxTemplateBody),
		}
	}
	token := requestToken(req.RunID)
	stack, err := c.describe(ctx, req.StackName)
	if err != nil {
		return "", nil, err
	}

	switch {
	case stack == nil:
		err = c.create(ctx, req, token)
	case strings.HasSuffix(aws.StringValue(stack.StackStatus), "_IN_PROGRESS"):
		return "", nil, &domain.DeployError{
			Cause:    domain.DeployCauseConflict,
			Resource: req.StackName,
			Reason:   "stack is " + aws.StringValue(stack.StackStatus),
		}
	case aws.StringValue(stack.StackStatus) == cloudformation.StackStatusRollbackComplete:
		return "", nil, &domain.DeployError{
			Cause:    domain.DeployCauseConflict,
			Resource: req.StackName,
			Reason:   "stack is ROLLBACK_COMPLETE and must be deleted before it can be redeployed",
		}
	default:
		err = c.update(ctx, req, token)
	}
	if err != nil {
		return "", nil, err
	}

	stack, err = c.describe(ctx, req.StackName)
	if err != nil {
		return "", nil, err
	}
	if stack == nil {
		return "", nil, &domain.DeployError{Cause: domain.DeployCauseUnknown, Resource: req.StackName, Reason: "stack disappeared after convergence"}
	}
	outputs := make(map[string]string, len(stack.Outputs))
	for _, out := range stack.Outputs {
		outputs[aws.StringValue(out.OutputKey)] = aws.StringValue(out.OutputValue)
	}
	return aws.StringValue(stack.StackId), outputs, nil
}

func (c *CloudFormationConverger) describe(ctx context.Context, name string) (*cloudformation.Stack, error) {
	out, err := c.api.DescribeStacksWithContext(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(name)})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == "ValidationError" && strings.Contains(aerr.Message(), "does not exist") {
			return nil, nil
		}
		return nil, classifyAPIError(name, err)
	}
	if len(out.Stacks) == 0 {
		return nil, nil
	}
	return out.Stacks[0], nil
}

func (c *CloudFormationConverger) create(ctx context.Context, req Request, token string) error {
	c.logger.Info("creating stack", "stack", req.StackName, "run_id", req.RunID)
	_, err := c.api.CreateStackWithContext(ctx, &cloudformation.CreateStackInput{
		StackName:          aws.String(req.StackName),
		TemplateBody:       aws.String(string(req.TemplateBody)),
		Parameters:         stackParameters(req.Parameters),
		Capabilities:       aws.StringSlice(req.Capabilities),
		Tags:               c.tags(req.RunID),
		OnFailure:          aws.String(cloudformation.OnFailureDelete),
		ClientRequestToken: aws.String(token),
	})
	if err != nil {
		return classifyAPIError(req.StackName, err)
	}
	waitErr := c.api.WaitUntilStackCreateCompleteWithContext(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(req.StackName)}, c.waiterOptions()...)
	if waitErr != nil {
		return c.failure(ctx, req.StackName, token, waitErr)
	}
	return nil
}

func (c *CloudFormationConverger) update(ctx context.Context, req Request, token string) error {
	c.logger.Info("updating stack", "stack", req.StackName, "run_id", req.RunID)
	_, err := c.api.UpdateStackWithContext(ctx, &cloudformation.UpdateStackInput{
		StackName:          aws.String(req.StackName),
		TemplateBody:       aws.String(string(req.TemplateBody)),
		Parameters:         stackParameters(req.Parameters),
		Capabilities:       aws.StringSlice(req.Capabilities),
		Tags:               c.tags(req.RunID),
		ClientRequestToken: aws.String(token),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && strings.Contains(aerr.Message(), noUpdatesMessage) {
			c.logger.Info("stack already up to date", "stack", req.StackName)
			return nil
		}
		return classifyAPIError(req.StackName, err)
	}
	waitErr := c.api.WaitUntilStackUpdateCompleteWithContext(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(req.StackName)}, c.waiterOptions()...)
	if waitErr != nil {
		return c.failure(ctx, req.StackName, token, waitErr)
	}
	return nil
}

// failure explains a waiter error with the first failed resource event of this request.
func (c *CloudFormationConverger) failure(ctx context.Context, stackName, token string, waitErr error) error {
	if ctx.Err() != nil {
		return &domain.DeployError{Cause: domain.DeployCauseUnknown, Resource: stackName, Reason: "interrupted", Err: ctx.Err()}
	}
	var failed []*cloudformation.StackEvent
	input := &cloudformation.DescribeStackEventsInput{StackName: aws.String(stackName)}
	for page := 0; page < 10; page++ {
		out, err := c.api.DescribeStackEventsWithContext(ctx, input)
		if err != nil {
			break
		}
		for _, ev := range out.StackEvents {
			if aws.StringValue(ev.ClientRequestToken) != token {
				continue
			}
			if strings.HasSuffix(aws.StringValue(ev.ResourceStatus), "_FAILED") && aws.StringValue(ev.ResourceStatusReason) != "" {
				failed = append(failed, ev)
			}
		}
		if aws.StringValue(out.NextToken) == "" {
			break
		}
		input.NextToken = out.NextToken
	}
	if len(failed) == 0 {
		return &domain.DeployError{Cause: classifyReason(waitErr.Error()), Resource: stackName, Err: waitErr}
	}
	sort.SliceStable(failed, func(i, j int) bool {
		return aws.TimeValue(failed[i].Timestamp).Before(aws.TimeValue(failed[j].Timestamp))
	})
	first := failed[0]
	reason := aws.StringValue(first.ResourceStatusReason)
	return &domain.DeployError{
		Cause:    classifyReason(reason),
		Resource: aws.StringValue(first.LogicalResourceId),
		Reason:   reason,
		Err:      waitErr,
	}
}

func (c *CloudFormationConverger) waiterOptions() []request.WaiterOption {
	return []request.WaiterOption{
		request.WithWaiterDelay(request.ConstantWaiterDelay(c.cfg.WaitDelay)),
		request.WithWaiterMaxAttempts(c.cfg.WaitMaxAttempts),
	}
}

func (c *CloudFormationConverger) tags(runID string) []*cloudformation.Tag {
	tags := []*cloudformation.Tag{{Key: aws.String("dbschedule:run-id"), Value: aws.String(runID)}}
	keys := make([]string, 0, len(c.cfg.Tags))
	for k := range c.cfg.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tags = append(tags, &cloudformation.Tag{Key: aws.String(k), Value: aws.String(c.cfg.Tags[k])})
	}
	return tags
}

func stackParameters(values map[string]string) []*cloudformation.Parameter {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	params := make([]*cloudformation.Parameter, 0, len(keys))
	for _, k := range keys {
		params = append(params, &cloudformation.Parameter{ParameterKey: aws.String(k), ParameterValue: aws.String(values[k])})
	}
	return params
}

// requestToken is stable per run so retried calls within a run are idempotent.
func requestToken(runID string) string {
	token := "dbschedule-" + runID
	if len(token) > 128 {
		token = token[:128]
	}
	return token
}

func classifyAPIError(resource string, err error) error {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return &domain.DeployError{Cause: classifyReason(err.Error()), Resource: resource, Err: err}
	}
	cause := domain.DeployCauseUnknown
	switch aerr.Code() {
	case "AccessDenied", "AccessDeniedException", "UnauthorizedOperation":
		cause = domain.DeployCausePermission
	case cloudformation.ErrCodeLimitExceededException, "Throttling":
		cause = domain.DeployCauseQuota
	case cloudformation.ErrCodeAlreadyExistsException, cloudformation.ErrCodeTokenAlreadyExistsException:
		cause = domain.DeployCauseConflict
	case "ValidationError", cloudformation.ErrCodeInsufficientCapabilitiesException:
		cause = domain.DeployCauseValidation
	default:
		cause = classifyReason(aerr.Code() + " " + aerr.Message())
	}
	return &domain.DeployError{Cause: cause, Resource: resource, Reason: aerr.Message(), Err: err}
}
