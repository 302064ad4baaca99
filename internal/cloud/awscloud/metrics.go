package awscloud

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

// EnsureLogGroup creates the CloudWatch Logs group the identity role's
// CloudWatchAgentServerPolicy grants write access to, used by the
// Recovery Channel's "emit a detectable signal" step to publish a
// structured event an operator can read back without re-establishing
// SSH.
func (c *Client) EnsureLogGroup(ctx context.Context, name string) error {
	_, err := c.cwlogs.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{LogGroupName: aws.String(name)})
	if err != nil && !isAlreadyExists(err) && !isResourceAlreadyExists(err) {
		return fmt.Errorf("creating log group %s: %w", name, err)
	}
	return nil
}

func isResourceAlreadyExists(err error) bool {
	return awsErrorCode(err) == "ResourceAlreadyExistsException"
}

// PutRecoverySignal writes a single log event recording that the recovery
// channel fired, so a subsequent status invocation can surface it without
// re-establishing SSH.
func (c *Client) PutRecoverySignal(ctx context.Context, logGroup, streamName, message string) error {
	if err := c.EnsureLogGroup(ctx, logGroup); err != nil {
		return err
	}

	_, err := c.cwlogs.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(logGroup),
		LogStreamName: aws.String(streamName),
	})
	if err != nil && !isAlreadyExists(err) && !isResourceAlreadyExists(err) {
		return fmt.Errorf("creating log stream %s: %w", streamName, err)
	}

	_, err = c.cwlogs.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(logGroup),
		LogStreamName: aws.String(streamName),
		LogEvents: []cwltypes.InputLogEvent{{
			Message:   aws.String(message),
			Timestamp: aws.Int64(time.Now().UnixMilli()),
		}},
	})
	if err != nil {
		return fmt.Errorf("putting log event to %s/%s: %w", logGroup, streamName, err)
	}
	return nil
}

// InstanceStatusCheckFailed reports whether CloudWatch's built-in
// StatusCheckFailed metric has a non-zero datapoint for this instance in
// the last five minutes, used as a pre-recovery diagnostic so the operator
// knows whether the underlying host or merely the SSH daemon is unreachable.
func (c *Client) InstanceStatusCheckFailed(ctx context.Context, instanceID string) (bool, error) {
	now := time.Now()
	out, err := c.cw.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String("AWS/EC2"),
		MetricName: aws.String("StatusCheckFailed"),
		Dimensions: []cwtypes.Dimension{{Name: aws.String("InstanceId"), Value: aws.String(instanceID)}},
		StartTime:  aws.Time(now.Add(-5 * time.Minute)),
		EndTime:    aws.Time(now),
		Period:     aws.Int32(60),
		Statistics: []cwtypes.Statistic{cwtypes.StatisticMaximum},
	})
	if err != nil {
		return false, fmt.Errorf("getting StatusCheckFailed metric for %s: %w", instanceID, err)
	}
	for _, dp := range out.Datapoints {
		if dp.Maximum != nil && *dp.Maximum > 0 {
			return true, nil
		}
	}
	return false, nil
}
