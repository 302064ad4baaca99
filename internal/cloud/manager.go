// Package cloud defines the provider-neutral Cloud Resource Manager
// interface: typed create/describe/delete for the VM, block storage
// (implicit in VM spec), object storage, firewall group, identity
// role, and key-pair primitives. Concrete providers
// (internal/cloud/awscloud, internal/cloud/gcpcloud) implement Manager;
// the orchestrator and hardening state machine depend only on this
// interface, never on a concrete provider package.
package cloud

import (
	"context"
	"time"
)

// Outcome is the explicit three-valued result of every EnsureX operation:
// a resource was newly Created, already Existed under our own management,
// or was Adopted (pre-existing, not ours, destroy-exempt).
type Outcome string

const (
	Created Outcome = "created"
	Existed Outcome = "existed"
	Adopted Outcome = "adopted"
)

// KeyPairSpec describes the SSH key pair to ensure.
type KeyPairSpec struct {
	Name           string
	LocalPrivatePath string
}

type KeyPairDescriptor struct {
	Name        string
	ProviderID  string // cloud-assigned key pair id
	Fingerprint string
	Outcome     Outcome
}

// FirewallGroupSpec describes the ingress rules ensure_firewall_group creates.
type FirewallGroupSpec struct {
	Name           string
	TransitionPort int // 22, open only during the hardening transition window
	CustomSSHPort  int
	AppPort        int // 0 means no extra application port
}

type FirewallGroupDescriptor struct {
	ProviderID string
	Outcome    Outcome
}

// ObjectStoreSpec describes the bucket ensure_object_store creates.
type ObjectStoreSpec struct {
	ProjectName string
	Region      string
	Salt        string
}

type ObjectStoreDescriptor struct {
	Name    string
	Outcome Outcome
}

// IdentityRoleSpec describes the role the VM assumes.
type IdentityRoleSpec struct {
	Name string
}

type IdentityRoleDescriptor struct {
	RoleARN        string
	InstanceProfileARN string
	Outcome        Outcome
}

// VMSpec describes the instance ensure_vm launches.
type VMSpec struct {
	Name              string
	OperatingSystem   string // "ubuntu22" | "debian12"
	InstanceClass     string
	RootVolumeGB      int32
	KeyPairName       string
	FirewallGroupID   string
	InstanceProfileARN string
}

type VMDescriptor struct {
	InstanceID     string
	PublicIPv4     string
	State          string
	Outcome        Outcome
}

// Manager is the provider-neutral Cloud Resource Manager.
type Manager interface {
	EnsureKeyPair(ctx context.Context, spec KeyPairSpec) (*KeyPairDescriptor, error)
	DescribeKeyPair(ctx context.Context, name string) (*KeyPairDescriptor, error)
	DeleteKeyPair(ctx context.Context, name string) error

	EnsureFirewallGroup(ctx context.Context, spec FirewallGroupSpec) (*FirewallGroupDescriptor, error)
	DescribeFirewallGroup(ctx context.Context, id string) (*FirewallGroupDescriptor, error)
	DeleteFirewallGroup(ctx context.Context, id string) error
	OpenFirewallPort(ctx context.Context, groupID string, port int32) error
	CloseFirewallPort(ctx context.Context, groupID string, port int32) error

	EnsureObjectStore(ctx context.Context, spec ObjectStoreSpec) (*ObjectStoreDescriptor, error)
	DescribeObjectStore(ctx context.Context, name string) (*ObjectStoreDescriptor, error)
	DeleteObjectStore(ctx context.Context, name string) error

	EnsureIdentityRole(ctx context.Context, spec IdentityRoleSpec) (*IdentityRoleDescriptor, error)
	DescribeIdentityRole(ctx context.Context, name string) (*IdentityRoleDescriptor, error)
	DeleteIdentityRole(ctx context.Context, name string) error

	EnsureVM(ctx context.Context, spec VMSpec) (*VMDescriptor, error)
	DescribeVM(ctx context.Context, instanceID string) (*VMDescriptor, error)
	DeleteVM(ctx context.Context, instanceID string) error
	PollVMState(ctx context.Context, instanceID, desiredState string, maxWait time.Duration) (*VMDescriptor, error)
}

// ManagedByTag is stamped on every resource this orchestrator creates, so
// adopted (we_created_it=false) resources are trivially distinguishable on
// a subsequent describe.
const ManagedByTag = "managed-by"

// ManagedByValue is the fixed tag value written alongside ManagedByTag.
const ManagedByValue = "deploysub"
