package awscloud

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/iamdavid-vaughan/deploysub/internal/cloud"
)

// amiCatalog selects the latest published image for each supported OS
// by owner and name filter, covering the two distro families this
// project supports.
var amiCatalog = map[string]struct {
	owner    string
	nameGlob string
}{
	"ubuntu22": {owner: "099720109477", nameGlob: "ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-amd64-server-*"},
	"debian12": {owner: "136693071363", nameGlob: "debian-12-amd64-*"},
}

func (c *Client) latestAMI(ctx context.Context, os string) (string, error) {
	spec, ok := amiCatalog[os]
	if !ok {
		return "", fmt.Errorf("unsupported operating system %q", os)
	}

	out, err := c.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{spec.owner},
		Filters: []types.Filter{
			{Name: aws.String("name"), Values: []string{spec.nameGlob}},
			{Name: aws.String("state"), Values: []string{"available"}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("describing images for %s: %w", os, err)
	}
	if len(out.Images) == 0 {
		return "", fmt.Errorf("no AMI found for %s matching %s", os, spec.nameGlob)
	}

	latest := out.Images[0]
	for _, img := range out.Images[1:] {
		if aws.ToString(img.CreationDate) > aws.ToString(latest.CreationDate) {
			latest = img
		}
	}
	return aws.ToString(latest.ImageId), nil
}

// EnsureVM launches the instance from the resolved VMSpec, tagging it for later
// discovery by EnsureVM's own idempotency check (describeVMByName, by the Name tag)
// and by teardown.
func (c *Client) EnsureVM(ctx context.Context, spec cloud.VMSpec) (*cloud.VMDescriptor, error) {
	existing, err := c.describeVMByName(ctx, spec.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	amiID, err := c.latestAMI(ctx, spec.OperatingSystem)
	if err != nil {
		return nil, err
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(amiID),
		InstanceType: types.InstanceType(spec.InstanceClass),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		KeyName:      aws.String(spec.KeyPairName),
		SecurityGroupIds: []string{spec.FirewallGroupID},
		BlockDeviceMappings: []types.BlockDeviceMapping{{
			DeviceName: aws.String("/dev/sda1"),
			Ebs: &types.EbsBlockDevice{
				VolumeSize:          aws.Int32(spec.RootVolumeGB),
				VolumeType:          types.VolumeTypeGp3,
				DeleteOnTermination: aws.Bool(true),
				Encrypted:           aws.Bool(true),
			},
		}},
		TagSpecifications: []types.TagSpecification{
			managedTags(types.ResourceTypeInstance, spec.Name),
		},
	}
	if spec.InstanceProfileARN != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Arn: aws.String(spec.InstanceProfileARN)}
	}

	out, err := c.ec2.RunInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("launching instance %s: %w", spec.Name, err)
	}
	if len(out.Instances) == 0 {
		return nil, fmt.Errorf("run-instances for %s returned no instances", spec.Name)
	}

	inst := out.Instances[0]
	return &cloud.VMDescriptor{
		InstanceID: aws.ToString(inst.InstanceId),
		State:      string(inst.State.Name),
		Outcome:    cloud.Created,
	}, nil
}

func (c *Client) DescribeVM(ctx context.Context, instanceID string) (*cloud.VMDescriptor, error) {
	out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("describing instance %s: %w", instanceID, err)
	}
	inst, ok := firstInstance(out)
	if !ok {
		return nil, nil
	}
	return instanceToDescriptor(inst), nil
}

func (c *Client) describeVMByName(ctx context.Context, name string) (*cloud.VMDescriptor, error) {
	out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describing instance by name %s: %w", name, err)
	}
	inst, ok := firstInstance(out)
	if !ok {
		return nil, nil
	}
	desc := instanceToDescriptor(inst)
	if isManagedByUs(inst.Tags) {
		desc.Outcome = cloud.Existed
	} else {
		desc.Outcome = cloud.Adopted
	}
	return desc, nil
}

func firstInstance(out *ec2.DescribeInstancesOutput) (types.Instance, bool) {
	for _, r := range out.Reservations {
		if len(r.Instances) > 0 {
			return r.Instances[0], true
		}
	}
	return types.Instance{}, false
}

func instanceToDescriptor(inst types.Instance) *cloud.VMDescriptor {
	desc := &cloud.VMDescriptor{
		InstanceID: aws.ToString(inst.InstanceId),
		PublicIPv4: aws.ToString(inst.PublicIpAddress),
	}
	if inst.State != nil {
		desc.State = string(inst.State.Name)
	}
	return desc
}

func (c *Client) DeleteVM(ctx context.Context, instanceID string) error {
	_, err := c.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("terminating instance %s: %w", instanceID, err)
	}
	return nil
}

// pollInterval and maxTransientRetries govern VM state polling: poll
// every 10 seconds, tolerate up to 3 consecutive describe errors before
// giving up (an instance that is not yet visible reads as absent and
// polling simply continues), bounded overall by maxWait.
const (
	pollInterval        = 10 * time.Second
	maxTransientRetries = 3
)

func (c *Client) PollVMState(ctx context.Context, instanceID, desiredState string, maxWait time.Duration) (*cloud.VMDescriptor, error) {
	deadline := time.Now().Add(maxWait)
	transientFailures := 0

	for {
		desc, err := c.DescribeVM(ctx, instanceID)
		if err != nil {
			transientFailures++
			if transientFailures > maxTransientRetries {
				return nil, fmt.Errorf("describing instance %s failed %d times: %w", instanceID, transientFailures, err)
			}
		} else {
			transientFailures = 0
			if desc != nil && desc.State == desiredState {
				return desc, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("instance %s did not reach state %q within %s", instanceID, desiredState, maxWait)
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
