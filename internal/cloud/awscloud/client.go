// Package awscloud implements the Cloud Resource Manager (internal/cloud)
// against Amazon Web Services: a single Client struct owning one
// aws.Config and one typed SDK client per service, constructed once via
// config.LoadDefaultConfig and handed to the orchestrator — no
// process-wide singleton.
package awscloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/iamdavid-vaughan/deploysub/internal/logging"
)

// Client is the AWS-backed cloud.Manager.
type Client struct {
	cfg     aws.Config
	region  string
	log     *logging.Logger
	ec2     *ec2.Client
	iam     *iam.Client
	s3      *s3.Client
	sts     *sts.Client
	route53 *route53.Client
	cw      *cloudwatch.Client
	cwlogs  *cloudwatchlogs.Client
}

// NewClient loads AWS credentials from the default provider chain (env
// vars, shared config/credentials files, or the instance/role chain)
// for the region the project declares.
func NewClient(ctx context.Context, region string, log *logging.Logger) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}
	return &Client{
		cfg:     cfg,
		region:  region,
		log:     log,
		ec2:     ec2.NewFromConfig(cfg),
		iam:     iam.NewFromConfig(cfg),
		s3:      s3.NewFromConfig(cfg),
		sts:     sts.NewFromConfig(cfg),
		route53: route53.NewFromConfig(cfg),
		cw:      cloudwatch.NewFromConfig(cfg),
		cwlogs:  cloudwatchlogs.NewFromConfig(cfg),
	}, nil
}

// CallerIdentity exercises sts.GetCallerIdentity, confirming the
// credentials handed to the orchestrator are usable before any other
// AWS call is attempted.
func (c *Client) CallerIdentity(ctx context.Context) (string, error) {
	out, err := c.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("sts get-caller-identity: %w", err)
	}
	return aws.ToString(out.Arn), nil
}
