// Package route53 implements dns.Driver against Amazon Route 53, grounded
// on internal/cloud/awscloud's config.LoadDefaultConfig construction
// pattern, generalized to the route53 service client.
package route53

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
)

type Driver struct {
	client *route53.Client
}

func New(ctx context.Context) (*Driver, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS SDK config for route53: %w", err)
	}
	return &Driver{client: route53.NewFromConfig(cfg)}, nil
}

// UpsertARecord uses Route 53's native UPSERT action, avoiding the
// find-then-patch-or-create dance the Cloudflare REST API needs.
func (d *Driver) UpsertARecord(ctx context.Context, zone, name, ipv4 string, ttl int) error {
	_, err := d.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zone),
		ChangeBatch: &types.ChangeBatch{
			Changes: []types.Change{{
				Action: types.ChangeActionUpsert,
				ResourceRecordSet: &types.ResourceRecordSet{
					Name:            aws.String(name),
					Type:            types.RRTypeA,
					TTL:             aws.Int64(int64(ttl)),
					ResourceRecords: []types.ResourceRecord{{Value: aws.String(ipv4)}},
				},
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("upserting A record %s in zone %s: %w", name, zone, err)
	}
	return nil
}

func (d *Driver) DeleteARecord(ctx context.Context, zone, name string) error {
	existing, ttl, err := d.findARecord(ctx, zone, name)
	if err != nil {
		return err
	}
	if existing == "" {
		return nil
	}

	_, err = d.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zone),
		ChangeBatch: &types.ChangeBatch{
			Changes: []types.Change{{
				Action: types.ChangeActionDelete,
				ResourceRecordSet: &types.ResourceRecordSet{
					Name:            aws.String(name),
					Type:            types.RRTypeA,
					TTL:             aws.Int64(ttl),
					ResourceRecords: []types.ResourceRecord{{Value: aws.String(existing)}},
				},
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting A record %s in zone %s: %w", name, zone, err)
	}
	return nil
}

func (d *Driver) findARecord(ctx context.Context, zone, name string) (ipv4 string, ttl int64, err error) {
	value, ttlOut, err := d.findRecord(ctx, zone, types.RRTypeA, name)
	if err != nil || value == "" {
		return "", ttlOut, err
	}
	return value, ttlOut, nil
}

// UpsertTXTRecord publishes the ACME DNS-01 challenge value for name via
// Route 53's native UPSERT action. TXT record values must be wrapped in
// double quotes in the wire format; Route53 returns them quoted, and
// findRecord strips that layer back off with unquoteTXT, so its round
// trip sees the raw value unquoted.
func (d *Driver) UpsertTXTRecord(ctx context.Context, zone, name, value string, ttl int) error {
	_, err := d.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zone),
		ChangeBatch: &types.ChangeBatch{
			Changes: []types.Change{{
				Action: types.ChangeActionUpsert,
				ResourceRecordSet: &types.ResourceRecordSet{
					Name:            aws.String(name),
					Type:            types.RRTypeTxt,
					TTL:             aws.Int64(int64(ttl)),
					ResourceRecords: []types.ResourceRecord{{Value: aws.String(quoteTXT(value))}},
				},
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("upserting TXT record %s in zone %s: %w", name, zone, err)
	}
	return nil
}

func (d *Driver) DeleteTXTRecord(ctx context.Context, zone, name, value string) error {
	existing, ttl, err := d.findRecord(ctx, zone, types.RRTypeTxt, name)
	if err != nil {
		return err
	}
	if existing == "" || existing != value {
		return nil
	}

	_, err = d.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zone),
		ChangeBatch: &types.ChangeBatch{
			Changes: []types.Change{{
				Action: types.ChangeActionDelete,
				ResourceRecordSet: &types.ResourceRecordSet{
					Name:            aws.String(name),
					Type:            types.RRTypeTxt,
					TTL:             aws.Int64(ttl),
					ResourceRecords: []types.ResourceRecord{{Value: aws.String(quoteTXT(value))}},
				},
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting TXT record %s in zone %s: %w", name, zone, err)
	}
	return nil
}

func (d *Driver) findRecord(ctx context.Context, zone string, recordType types.RRType, name string) (value string, ttl int64, err error) {
	out, err := d.client.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(zone),
		StartRecordName: aws.String(name),
		StartRecordType: recordType,
		MaxItems:        aws.Int32(1),
	})
	if err != nil {
		return "", 0, fmt.Errorf("listing record sets in zone %s: %w", zone, err)
	}
	for _, rs := range out.ResourceRecordSets {
		if rs.Type != recordType {
			continue
		}
		if aws.ToString(rs.Name) == name || aws.ToString(rs.Name) == name+"." {
			if len(rs.ResourceRecords) > 0 {
				return unquoteTXT(aws.ToString(rs.ResourceRecords[0].Value)), aws.ToInt64(rs.TTL), nil
			}
		}
	}
	return "", 0, nil
}

func quoteTXT(value string) string {
	if strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
		return value
	}
	return `"` + strings.ReplaceAll(value, `"`, `\"`) + `"`
}

func unquoteTXT(value string) string {
	if strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) && len(value) >= 2 {
		return strings.ReplaceAll(value[1:len(value)-1], `\"`, `"`)
	}
	return value
}
