package awscloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/iamdavid-vaughan/deploysub/internal/cloud"
)

// EnsureFirewallGroup creates the security group that carries the
// transition port (22) and the custom SSH port side by side during the
// hardening window, plus the application port when one is declared.
func (c *Client) EnsureFirewallGroup(ctx context.Context, spec cloud.FirewallGroupSpec) (*cloud.FirewallGroupDescriptor, error) {
	existing, err := c.describeFirewallGroupByName(ctx, spec.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	vpcID, err := c.defaultVPCID(ctx)
	if err != nil {
		return nil, err
	}

	created, err := c.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(spec.Name),
		Description: aws.String("deploysub managed VM firewall"),
		VpcId:       aws.String(vpcID),
		TagSpecifications: []types.TagSpecification{
			managedTags(types.ResourceTypeSecurityGroup, spec.Name),
		},
	})
	if err != nil {
		if isAlreadyExists(err) {
			adopted, descErr := c.describeFirewallGroupByName(ctx, spec.Name)
			if descErr != nil || adopted == nil {
				return nil, fmt.Errorf("create security group reported already-exists but describe failed: %w", descErr)
			}
			adopted.Outcome = cloud.Adopted
			return adopted, nil
		}
		return nil, fmt.Errorf("creating security group %s: %w", spec.Name, err)
	}

	groupID := aws.ToString(created.GroupId)

	perms := []types.IpPermission{
		tcpIngress(22),
		tcpIngress(int32(spec.CustomSSHPort)),
	}
	if spec.AppPort > 0 {
		perms = append(perms, tcpIngress(int32(spec.AppPort)))
	}
	perms = append(perms, tcpIngress(80), tcpIngress(443))

	if _, err := c.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(groupID),
		IpPermissions: perms,
	}); err != nil {
		return nil, fmt.Errorf("authorizing ingress on %s: %w", groupID, err)
	}

	return &cloud.FirewallGroupDescriptor{ProviderID: groupID, Outcome: cloud.Created}, nil
}

func (c *Client) DescribeFirewallGroup(ctx context.Context, id string) (*cloud.FirewallGroupDescriptor, error) {
	out, err := c.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: []string{id}})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("describing security group %s: %w", id, err)
	}
	if len(out.SecurityGroups) == 0 {
		return nil, nil
	}
	sg := out.SecurityGroups[0]
	desc := &cloud.FirewallGroupDescriptor{ProviderID: aws.ToString(sg.GroupId)}
	if isManagedByUs(sg.Tags) {
		desc.Outcome = cloud.Existed
	} else {
		desc.Outcome = cloud.Adopted
	}
	return desc, nil
}

func (c *Client) describeFirewallGroupByName(ctx context.Context, name string) (*cloud.FirewallGroupDescriptor, error) {
	out, err := c.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{{Name: aws.String("group-name"), Values: []string{name}}},
	})
	if err != nil {
		return nil, fmt.Errorf("describing security group by name %s: %w", name, err)
	}
	if len(out.SecurityGroups) == 0 {
		return nil, nil
	}
	sg := out.SecurityGroups[0]
	desc := &cloud.FirewallGroupDescriptor{ProviderID: aws.ToString(sg.GroupId)}
	if isManagedByUs(sg.Tags) {
		desc.Outcome = cloud.Existed
	} else {
		desc.Outcome = cloud.Adopted
	}
	return desc, nil
}

func (c *Client) DeleteFirewallGroup(ctx context.Context, id string) error {
	_, err := c.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(id)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting security group %s: %w", id, err)
	}
	return nil
}

// OpenFirewallPort and CloseFirewallPort back the Hardening State Machine's
// firewall_new_port_open and firewall_old_port_closed steps: each widens or
// narrows ingress without ever leaving a window where the currently active
// SSH port is unreachable.
func (c *Client) OpenFirewallPort(ctx context.Context, groupID string, port int32) error {
	_, err := c.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(groupID),
		IpPermissions: []types.IpPermission{tcpIngress(port)},
	})
	if err != nil {
		if isAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("opening port %d on %s: %w", port, groupID, err)
	}
	return nil
}

func (c *Client) CloseFirewallPort(ctx context.Context, groupID string, port int32) error {
	_, err := c.ec2.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
		GroupId:       aws.String(groupID),
		IpPermissions: []types.IpPermission{tcpIngress(port)},
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("closing port %d on %s: %w", port, groupID, err)
	}
	return nil
}

func tcpIngress(port int32) types.IpPermission {
	return types.IpPermission{
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int32(port),
		ToPort:     aws.Int32(port),
		IpRanges:   []types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
	}
}

func (c *Client) defaultVPCID(ctx context.Context) (string, error) {
	out, err := c.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []types.Filter{{Name: aws.String("isDefault"), Values: []string{"true"}}},
	})
	if err != nil {
		return "", fmt.Errorf("describing default VPC: %w", err)
	}
	if len(out.Vpcs) == 0 {
		return "", fmt.Errorf("no default VPC found in region %s", c.region)
	}
	return aws.ToString(out.Vpcs[0].VpcId), nil
}
