// Package gcpcloud implements internal/cloud.Manager against Google
// Cloud, demonstrating that the orchestrator and hardening state
// machine never depend on a concrete provider: only that interface
// crosses the boundary. Its shape mirrors internal/cloud/awscloud: one
// struct owning one typed client per service, built once via NewClient
// and handed to the orchestrator.
package gcpcloud

import (
	"context"
	"fmt"

	compute "cloud.google.com/go/compute/apiv1"
	"cloud.google.com/go/storage"

	"github.com/iamdavid-vaughan/deploysub/internal/logging"
)

// Client is the Google-Cloud-backed cloud.Manager.
type Client struct {
	project string
	zone    string
	region  string
	log     *logging.Logger

	instances *compute.InstancesClient
	firewalls *compute.FirewallsClient
	storage   *storage.Client
}

// NewClient builds a Client from application-default credentials (the
// GCP analogue of the AWS default provider chain), scoped to one project
// and zone for the lifetime of one deployment.
func NewClient(ctx context.Context, gcpProject, zone string, log *logging.Logger) (*Client, error) {
	instances, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("building compute instances client: %w", err)
	}
	firewalls, err := compute.NewFirewallsRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("building compute firewalls client: %w", err)
	}
	store, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("building storage client: %w", err)
	}

	region := zone
	if idx := lastDash(zone); idx > 0 {
		region = zone[:idx]
	}

	return &Client{
		project:   gcpProject,
		zone:      zone,
		region:    region,
		log:       log,
		instances: instances,
		firewalls: firewalls,
		storage:   store,
	}, nil
}

// lastDash returns the index of the dash separating a zone's region
// prefix from its suffix letter, e.g. "us-central1-a" -> region
// "us-central1". GCP zones are always region + "-" + a single letter.
func lastDash(zone string) int {
	for i := len(zone) - 1; i >= 0; i-- {
		if zone[i] == '-' {
			return i
		}
	}
	return -1
}

func (c *Client) Close() error {
	_ = c.instances.Close()
	_ = c.firewalls.Close()
	return c.storage.Close()
}
