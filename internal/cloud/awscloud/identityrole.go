package awscloud

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/iamdavid-vaughan/deploysub/internal/cloud"
)

const ec2TrustPolicy = `{
  "Version": "2012-10-17",
  "Statement": [{
    "Effect": "Allow",
    "Principal": {"Service": "ec2.amazonaws.com"},
    "Action": "sts:AssumeRole"
  }]
}`

// ensure_identity_role's granted policies: full object storage access (not
// scoped to this project's bucket), CloudWatch metrics/logs, matching
// SPEC_FULL's domain-stack wiring for cloudwatch/cloudwatchlogs, and the
// Systems Manager agent policy the Recovery Channel runs through.
var managedPolicyARNs = []string{
	"arn:aws:iam::aws:policy/AmazonS3FullAccess",
	"arn:aws:iam::aws:policy/CloudWatchAgentServerPolicy",
	"arn:aws:iam::aws:policy/AmazonSSMManagedInstanceCore",
}

// propagationWait is the spacing between propagation checks, and
// maxPropagationRetries the number of times EnsureIdentityRole re-reads the
// role after creating it before giving up, since IAM is eventually
// consistent and an immediate RunInstances with a brand-new profile
// routinely fails to resolve it.
const (
	propagationWait       = 10 * time.Second
	maxPropagationRetries = 3
)

// EnsureIdentityRole creates the instance role, attaches the policies it
// needs, wraps it in an instance profile, and waits out IAM propagation
// before returning.
func (c *Client) EnsureIdentityRole(ctx context.Context, spec cloud.IdentityRoleSpec) (*cloud.IdentityRoleDescriptor, error) {
	existing, err := c.DescribeIdentityRole(ctx, spec.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.Outcome = cloud.Existed
		return existing, nil
	}

	roleOut, err := c.iam.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(spec.Name),
		AssumeRolePolicyDocument: aws.String(ec2TrustPolicy),
		Tags: []types.Tag{
			{Key: aws.String(cloud.ManagedByTag), Value: aws.String(cloud.ManagedByValue)},
		},
	})
	if err != nil {
		if isAlreadyExists(err) {
			adopted, descErr := c.DescribeIdentityRole(ctx, spec.Name)
			if descErr != nil || adopted == nil {
				return nil, fmt.Errorf("create role reported already-exists but describe failed: %w", descErr)
			}
			adopted.Outcome = cloud.Adopted
			return adopted, nil
		}
		return nil, fmt.Errorf("creating IAM role %s: %w", spec.Name, err)
	}

	for _, arn := range managedPolicyARNs {
		if _, err := c.iam.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  aws.String(spec.Name),
			PolicyArn: aws.String(arn),
		}); err != nil {
			return nil, fmt.Errorf("attaching policy %s to role %s: %w", arn, spec.Name, err)
		}
	}

	profileOut, err := c.iam.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
		InstanceProfileName: aws.String(spec.Name),
		Tags: []types.Tag{
			{Key: aws.String(cloud.ManagedByTag), Value: aws.String(cloud.ManagedByValue)},
		},
	})
	if err != nil && !isAlreadyExists(err) {
		return nil, fmt.Errorf("creating instance profile %s: %w", spec.Name, err)
	}

	if _, err := c.iam.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
		InstanceProfileName: aws.String(spec.Name),
		RoleName:            aws.String(spec.Name),
	}); err != nil && !isAlreadyExists(err) {
		return nil, fmt.Errorf("adding role %s to instance profile: %w", spec.Name, err)
	}

	propagated, err := c.waitForRolePropagation(ctx, spec.Name)
	if err != nil {
		return nil, err
	}

	return &cloud.IdentityRoleDescriptor{
		RoleARN:            aws.ToString(roleOut.Role.Arn),
		InstanceProfileARN: propagated.InstanceProfileARN,
		Outcome:            cloud.Created,
	}, nil
}

// waitForRolePropagation retries the describe-after-create check up to
// maxPropagationRetries times, spaced propagationWait apart, before giving
// up: a single failed read right after CreateRole is expected under IAM's
// eventual consistency, not a terminal error.
func (c *Client) waitForRolePropagation(ctx context.Context, name string) (*cloud.IdentityRoleDescriptor, error) {
	var lastErr error
	for attempt := 1; attempt <= maxPropagationRetries; attempt++ {
		c.log.Note(fmt.Sprintf("waiting %s for IAM propagation of role %s (attempt %d/%d)", propagationWait, name, attempt, maxPropagationRetries))
		select {
		case <-time.After(propagationWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		propagated, err := c.DescribeIdentityRole(ctx, name)
		if err != nil {
			lastErr = fmt.Errorf("re-reading role %s after propagation wait: %w", name, err)
			continue
		}
		if propagated == nil {
			lastErr = fmt.Errorf("role %s not visible after propagation wait", name)
			continue
		}
		return propagated, nil
	}
	return nil, fmt.Errorf("role %s did not propagate after %d attempts: %w", name, maxPropagationRetries, lastErr)
}

func (c *Client) DescribeIdentityRole(ctx context.Context, name string) (*cloud.IdentityRoleDescriptor, error) {
	roleOut, err := c.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting IAM role %s: %w", name, err)
	}

	profileARN := ""
	profOut, profErr := c.iam.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(name)})
	if profErr == nil {
		profileARN = aws.ToString(profOut.InstanceProfile.Arn)
	} else if !isNotFound(profErr) {
		return nil, fmt.Errorf("getting instance profile %s: %w", name, profErr)
	}

	return &cloud.IdentityRoleDescriptor{
		RoleARN:            aws.ToString(roleOut.Role.Arn),
		InstanceProfileARN: profileARN,
	}, nil
}

func (c *Client) DeleteIdentityRole(ctx context.Context, name string) error {
	for _, arn := range managedPolicyARNs {
		if _, err := c.iam.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  aws.String(name),
			PolicyArn: aws.String(arn),
		}); err != nil && !isNotFound(err) {
			return fmt.Errorf("detaching policy %s from role %s: %w", arn, name, err)
		}
	}

	if _, err := c.iam.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
		InstanceProfileName: aws.String(name),
		RoleName:            aws.String(name),
	}); err != nil && !isNotFound(err) {
		return fmt.Errorf("removing role %s from instance profile: %w", name, err)
	}

	if _, err := c.iam.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{InstanceProfileName: aws.String(name)}); err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting instance profile %s: %w", name, err)
	}

	if _, err := c.iam.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)}); err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting IAM role %s: %w", name, err)
	}
	return nil
}
