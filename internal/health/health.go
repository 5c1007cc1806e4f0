// Package health evaluates whether a version under progressive release is healthy.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	"github.com/jonboulle/clockwork"

	"github.com/animus-labs/dbschedule/internal/domain"
)

// Result is one health observation. Signal names what tripped when unhealthy.
type Result struct {
	Healthy bool
	Signal  string
}

func Healthy() Result { return Result{Healthy: true} }

func Unhealthy(signal string) Result { return Result{Signal: signal} }

type Source interface {
	Check(ctx context.Context, release domain.ReleaseState) (Result, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, release domain.ReleaseState) (Result, error)

func (f SourceFunc) Check(ctx context.Context, release domain.ReleaseState) (Result, error) {
	return f(ctx, release)
}

// Factory builds the health source of each function according to the release policy.
type Factory struct {
	api    cloudwatchiface.CloudWatchAPI
	policy domain.HealthPolicy
	clock  clockwork.Clock
}

func NewFactory(api cloudwatchiface.CloudWatchAPI, policy domain.HealthPolicy, clock clockwork.Clock) (*Factory, error) {
	if policy.Mode != domain.HealthModeNone && policy.Mode != "" && api == nil {
		return nil, errors.New("cloudwatch client is required for health mode " + string(policy.Mode))
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Factory{api: api, policy: policy, clock: clock}, nil
}

// For returns nil when releases of fn are time-gated only.
func (f *Factory) For(fn domain.FunctionSpec) Source {
	switch f.policy.Mode {
	case domain.HealthModeAlarms:
		return &AlarmSource{api: f.api, alarms: append([]string(nil), fn.HealthAlarms...)}
	case domain.HealthModeMetrics:
		return &MetricSource{api: f.api, threshold: f.policy.ErrorThreshold, clock: f.clock}
	default:
		return nil
	}
}

// AlarmSource is unhealthy while any of its CloudWatch alarms is in ALARM.
type AlarmSource struct {
	api    cloudwatchiface.CloudWatchAPI
	alarms []string
}

func NewAlarmSource(api cloudwatchiface.CloudWatchAPI, alarms []string) *AlarmSource {
	return &AlarmSource{api: api, alarms: append([]string(nil), alarms...)}
}

func (s *AlarmSource) Check(ctx context.Context, _ domain.ReleaseState) (Result, error) {
	if len(s.alarms) == 0 {
		return Healthy(), nil
	}
	var firing []string
	input := &cloudwatch.DescribeAlarmsInput{AlarmNames: aws.StringSlice(s.alarms)}
	for {
		out, err := s.api.DescribeAlarmsWithContext(ctx, input)
		if err != nil {
			return Result{}, fmt.Errorf("describe alarms: %w", err)
		}
		for _, alarm := range out.MetricAlarms {
			if aws.StringValue(alarm.StateValue) == cloudwatch.StateValueAlarm {
				firing = append(firing, aws.StringValue(alarm.AlarmName))
			}
		}
		if aws.StringValue(out.NextToken) == "" {
			break
		}
		input.NextToken = out.NextToken
	}
	if len(firing) == 0 {
		return Healthy(), nil
	}
	sort.Strings(firing)
	return Unhealthy("alarm " + strings.Join(firing, ",") + " in ALARM"), nil
}

// MetricSource sums the Lambda Errors metric of the target version over the
// last increment interval and trips once the sum exceeds the threshold.
type MetricSource struct {
	api       cloudwatchiface.CloudWatchAPI
	threshold float64
	clock     clockwork.Clock
}

func NewMetricSource(api cloudwatchiface.CloudWatchAPI, threshold float64, clock clockwork.Clock) *MetricSource {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MetricSource{api: api, threshold: threshold, clock: clock}
}

const minMetricWindow = time.Minute

func (s *MetricSource) Check(ctx context.Context, release domain.ReleaseState) (Result, error) {
	window := release.IncrementInterval
	if window < minMetricWindow {
		window = minMetricWindow
	}
	end := s.clock.Now().UTC()
	out, err := s.api.GetMetricStatisticsWithContext(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String("AWS/Lambda"),
		MetricName: aws.String("Errors"),
		Dimensions: []*cloudwatch.Dimension{
			{Name: aws.String("FunctionName"), Value: aws.String(release.Alias.FunctionName)},
			{Name: aws.String("Resource"), Value: aws.String(release.Alias.String())},
			{Name: aws.String("ExecutedVersion"), Value: aws.String(release.TargetVersion)},
		},
		StartTime:  aws.Time(end.Add(-window)),
		EndTime:    aws.Time(end),
		Period:     aws.Int64(int64(window / time.Second)),
		Statistics: aws.StringSlice([]string{cloudwatch.StatisticSum}),
	})
	if err != nil {
		return Result{}, fmt.Errorf("get metric statistics: %w", err)
	}
	var total float64
	for _, dp := range out.Datapoints {
		total += aws.Float64Value(dp.Sum)
	}
	if total > s.threshold {
		return Unhealthy(fmt.Sprintf("Errors=%g for version %s exceeds threshold %g", total, release.TargetVersion, s.threshold)), nil
	}
	return Healthy(), nil
}
