package gcpcloud

import (
	"fmt"
	"strings"
	"time"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"google.golang.org/protobuf/proto"

	"context"

	"github.com/iamdavid-vaughan/deploysub/internal/cloud"
)

// imageProjectCatalog mirrors awscloud's AMI-owner catalog: the published
// image project and family to boot from for each supported OS.
var imageProjectCatalog = map[string]struct {
	project string
	family  string
}{
	"ubuntu22": {project: "ubuntu-os-cloud", family: "ubuntu-2204-lts"},
	"debian12": {project: "debian-cloud", family: "debian-12"},
}

func (c *Client) EnsureVM(ctx context.Context, spec cloud.VMSpec) (*cloud.VMDescriptor, error) {
	existing, err := c.describeVMByName(ctx, spec.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	img, ok := imageProjectCatalog[spec.OperatingSystem]
	if !ok {
		return nil, fmt.Errorf("unsupported operating system %q", spec.OperatingSystem)
	}
	sourceImage := fmt.Sprintf("projects/%s/global/images/family/%s", img.project, img.family)
	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", c.zone, spec.InstanceClass)

	instance := &computepb.Instance{
		Name:        proto.String(spec.Name),
		MachineType: proto.String(machineType),
		Labels:      map[string]string{"managed-by": cloud.ManagedByValue, "name": sanitizeLabel(spec.Name)},
		Disks: []*computepb.AttachedDisk{{
			Boot:       proto.Bool(true),
			AutoDelete: proto.Bool(true),
			InitializeParams: &computepb.AttachedDiskInitializeParams{
				SourceImage: proto.String(sourceImage),
				DiskSizeGb:  proto.Int64(int64(spec.RootVolumeGB)),
			},
		}},
		NetworkInterfaces: []*computepb.NetworkInterface{{
			Network:       proto.String("global/networks/default"),
			AccessConfigs: []*computepb.AccessConfig{{Type: proto.String("ONE_TO_ONE_NAT"), Name: proto.String("External NAT")}},
		}},
		Tags: &computepb.Tags{Items: []string{spec.FirewallGroupID}},
		Metadata: &computepb.Metadata{
			Items: []*computepb.Items{{Key: proto.String("ssh-keys"), Value: proto.String(spec.KeyPairName)}},
		},
	}
	if spec.InstanceProfileARN != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{{
			Email:  proto.String(spec.InstanceProfileARN),
			Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
		}}
	}

	op, err := c.instances.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          c.project,
		Zone:             c.zone,
		InstanceResource: instance,
	})
	if err != nil {
		return nil, fmt.Errorf("inserting instance %s: %w", spec.Name, err)
	}
	if err := op.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for instance %s to insert: %w", spec.Name, err)
	}

	return c.describeVMByName(ctx, spec.Name)
}

func (c *Client) DescribeVM(ctx context.Context, instanceID string) (*cloud.VMDescriptor, error) {
	out, err := c.instances.Get(ctx, &computepb.GetInstanceRequest{Project: c.project, Zone: c.zone, Instance: instanceID})
	if err != nil {
		if isGCPNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting instance %s: %w", instanceID, err)
	}
	return instanceToDescriptor(out), nil
}

func (c *Client) describeVMByName(ctx context.Context, name string) (*cloud.VMDescriptor, error) {
	desc, err := c.DescribeVM(ctx, name)
	if err != nil || desc == nil {
		return desc, err
	}
	out, err := c.instances.Get(ctx, &computepb.GetInstanceRequest{Project: c.project, Zone: c.zone, Instance: name})
	if err == nil && out.Labels["managed-by"] == cloud.ManagedByValue {
		desc.Outcome = cloud.Existed
	} else {
		desc.Outcome = cloud.Adopted
	}
	return desc, nil
}

func instanceToDescriptor(inst *computepb.Instance) *cloud.VMDescriptor {
	desc := &cloud.VMDescriptor{InstanceID: fmt.Sprintf("%d", inst.GetId()), State: strings.ToLower(inst.GetStatus())}
	for _, ni := range inst.GetNetworkInterfaces() {
		for _, ac := range ni.GetAccessConfigs() {
			if ac.GetNatIP() != "" {
				desc.PublicIPv4 = ac.GetNatIP()
			}
		}
	}
	return desc
}

func (c *Client) DeleteVM(ctx context.Context, instanceID string) error {
	op, err := c.instances.Delete(ctx, &computepb.DeleteInstanceRequest{Project: c.project, Zone: c.zone, Instance: instanceID})
	if err != nil {
		if isGCPNotFound(err) {
			return nil
		}
		return fmt.Errorf("deleting instance %s: %w", instanceID, err)
	}
	return op.Wait(ctx)
}

const pollInterval = 10 * time.Second

// PollVMState mirrors awscloud's polling contract: "running" maps to GCE's
// RUNNING status, checked every pollInterval until maxWait elapses.
func (c *Client) PollVMState(ctx context.Context, instanceID, desiredState string, maxWait time.Duration) (*cloud.VMDescriptor, error) {
	deadline := time.Now().Add(maxWait)
	want := strings.ToUpper(desiredState)

	for {
		desc, err := c.DescribeVM(ctx, instanceID)
		if err == nil && desc != nil && strings.ToUpper(desc.State) == want {
			return desc, nil
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

func sanitizeLabel(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, ".", "-"))
}

func isGCPNotFound(err error) bool {
	return strings.Contains(err.Error(), "notFound") || strings.Contains(err.Error(), "404")
}
