package gcpcloud

import (
	"context"
	"fmt"

	"github.com/iamdavid-vaughan/deploysub/internal/cloud"
)

// EnsureIdentityRole has no Google Cloud equivalent of IAM's
// create-role-plus-instance-profile pair: a GCE instance simply runs as
// an existing service account email, and that account's own IAM bindings
// (granted out of band, the same way a pre-existing VPC or image project
// is out of band here) determine what it can do. spec.Name is therefore
// treated as the caller-supplied service account email and merely
// confirmed to look well-formed; nothing is created.
func (c *Client) EnsureIdentityRole(ctx context.Context, spec cloud.IdentityRoleSpec) (*cloud.IdentityRoleDescriptor, error) {
	if !looksLikeServiceAccountEmail(spec.Name) {
		return nil, fmt.Errorf("identity role %q is not a service account email (expected name@project.iam.gserviceaccount.com)", spec.Name)
	}
	return &cloud.IdentityRoleDescriptor{
		RoleARN:            spec.Name,
		InstanceProfileARN: spec.Name,
		Outcome:            cloud.Adopted,
	}, nil
}

func (c *Client) DescribeIdentityRole(ctx context.Context, name string) (*cloud.IdentityRoleDescriptor, error) {
	if !looksLikeServiceAccountEmail(name) {
		return nil, nil
	}
	return &cloud.IdentityRoleDescriptor{RoleARN: name, InstanceProfileARN: name, Outcome: cloud.Adopted}, nil
}

// DeleteIdentityRole is a no-op: this Manager never created a service
// account, so it never deletes one.
func (c *Client) DeleteIdentityRole(ctx context.Context, name string) error {
	return nil
}

func looksLikeServiceAccountEmail(name string) bool {
	at := -1
	for i, r := range name {
		if r == '@' {
			at = i
			break
		}
	}
	return at > 0 && at < len(name)-1
}
