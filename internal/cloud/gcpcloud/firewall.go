package gcpcloud

import (
	"context"
	"fmt"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"google.golang.org/protobuf/proto"

	"github.com/iamdavid-vaughan/deploysub/internal/cloud"
)

// EnsureFirewallGroup creates one GCE firewall rule targeting instances
// tagged with spec.Name, carrying the transition port and the custom SSH
// port side by side during the hardening window, the same two-identity
// window awscloud.EnsureFirewallGroup opens with a security group.
func (c *Client) EnsureFirewallGroup(ctx context.Context, spec cloud.FirewallGroupSpec) (*cloud.FirewallGroupDescriptor, error) {
	existing, err := c.DescribeFirewallGroup(ctx, spec.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.Outcome = cloud.Existed
		return existing, nil
	}

	ports := []string{"22", fmt.Sprintf("%d", spec.CustomSSHPort), "80", "443"}
	if spec.AppPort > 0 {
		ports = append(ports, fmt.Sprintf("%d", spec.AppPort))
	}

	rule := &computepb.Firewall{
		Name:         proto.String(spec.Name),
		Network:      proto.String("global/networks/default"),
		TargetTags:   []string{spec.Name},
		SourceRanges: []string{"0.0.0.0/0"},
		Allowed:      []*computepb.Allowed{{IPProtocol: proto.String("tcp"), Ports: ports}},
	}

	op, err := c.firewalls.Insert(ctx, &computepb.InsertFirewallRequest{Project: c.project, FirewallResource: rule})
	if err != nil {
		return nil, fmt.Errorf("inserting firewall rule %s: %w", spec.Name, err)
	}
	if err := op.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for firewall rule %s: %w", spec.Name, err)
	}
	return &cloud.FirewallGroupDescriptor{ProviderID: spec.Name, Outcome: cloud.Created}, nil
}

func (c *Client) DescribeFirewallGroup(ctx context.Context, id string) (*cloud.FirewallGroupDescriptor, error) {
	_, err := c.firewalls.Get(ctx, &computepb.GetFirewallRequest{Project: c.project, Firewall: id})
	if err != nil {
		if isGCPNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting firewall rule %s: %w", id, err)
	}
	return &cloud.FirewallGroupDescriptor{ProviderID: id, Outcome: cloud.Existed}, nil
}

func (c *Client) DeleteFirewallGroup(ctx context.Context, id string) error {
	op, err := c.firewalls.Delete(ctx, &computepb.DeleteFirewallRequest{Project: c.project, Firewall: id})
	if err != nil {
		if isGCPNotFound(err) {
			return nil
		}
		return fmt.Errorf("deleting firewall rule %s: %w", id, err)
	}
	return op.Wait(ctx)
}

// OpenFirewallPort and CloseFirewallPort back the same hardening steps as
// awscloud's, via Patch instead of separate authorize/revoke calls: GCE
// firewall rules carry one port list per rule rather than one rule per
// port.
func (c *Client) OpenFirewallPort(ctx context.Context, groupID string, port int32) error {
	existing, err := c.firewalls.Get(ctx, &computepb.GetFirewallRequest{Project: c.project, Firewall: groupID})
	if err != nil {
		return fmt.Errorf("getting firewall rule %s: %w", groupID, err)
	}
	portStr := fmt.Sprintf("%d", port)
	for _, allowed := range existing.Allowed {
		for _, p := range allowed.Ports {
			if p == portStr {
				return nil
			}
		}
	}
	if len(existing.Allowed) > 0 {
		existing.Allowed[0].Ports = append(existing.Allowed[0].Ports, portStr)
	}
	op, err := c.firewalls.Patch(ctx, &computepb.PatchFirewallRequest{Project: c.project, Firewall: groupID, FirewallResource: existing})
	if err != nil {
		return fmt.Errorf("opening port %d on %s: %w", port, groupID, err)
	}
	return op.Wait(ctx)
}

func (c *Client) CloseFirewallPort(ctx context.Context, groupID string, port int32) error {
	existing, err := c.firewalls.Get(ctx, &computepb.GetFirewallRequest{Project: c.project, Firewall: groupID})
	if err != nil {
		if isGCPNotFound(err) {
			return nil
		}
		return fmt.Errorf("getting firewall rule %s: %w", groupID, err)
	}
	portStr := fmt.Sprintf("%d", port)
	for _, allowed := range existing.Allowed {
		kept := allowed.Ports[:0]
		for _, p := range allowed.Ports {
			if p != portStr {
				kept = append(kept, p)
			}
		}
		allowed.Ports = kept
	}
	op, err := c.firewalls.Patch(ctx, &computepb.PatchFirewallRequest{Project: c.project, Firewall: groupID, FirewallResource: existing})
	if err != nil {
		return fmt.Errorf("closing port %d on %s: %w", port, groupID, err)
	}
	return op.Wait(ctx)
}
