package awscloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/iamdavid-vaughan/deploysub/internal/cloud"
)

// EnsureObjectStore creates the bucket the recovery channel and the
// application's artifact store use, with versioning and server-side
// encryption enabled unconditionally: once the bucket exists, these two
// calls run concurrently since neither depends on the other's result.
func (c *Client) EnsureObjectStore(ctx context.Context, spec cloud.ObjectStoreSpec) (*cloud.ObjectStoreDescriptor, error) {
	name := fmt.Sprintf("%s-%s", spec.ProjectName, spec.Salt)

	if existing, err := c.DescribeObjectStore(ctx, name); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(name)}
	if spec.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(spec.Region),
		}
	}

	if _, err := c.s3.CreateBucket(ctx, input); err != nil {
		if isAlreadyExists(err) {
			adopted, descErr := c.DescribeObjectStore(ctx, name)
			if descErr != nil || adopted == nil {
				return nil, fmt.Errorf("create bucket reported already-exists but describe failed: %w", descErr)
			}
			adopted.Outcome = cloud.Adopted
			return adopted, nil
		}
		return nil, fmt.Errorf("creating bucket %s: %w", name, err)
	}

	if err := c.enableBucketVersioningAndEncryption(ctx, name); err != nil {
		return nil, err
	}

	if _, err := c.s3.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
		Bucket: aws.String(name),
		Tagging: &types.Tagging{TagSet: []types.Tag{
			{Key: aws.String("Name"), Value: aws.String(name)},
			{Key: aws.String(cloud.ManagedByTag), Value: aws.String(cloud.ManagedByValue)},
		}},
	}); err != nil {
		return nil, fmt.Errorf("tagging bucket %s: %w", name, err)
	}

	return &cloud.ObjectStoreDescriptor{Name: name, Outcome: cloud.Created}, nil
}

func (c *Client) enableBucketVersioningAndEncryption(ctx context.Context, name string) error {
	errCh := make(chan error, 2)

	go func() {
		_, err := c.s3.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
			Bucket:                  aws.String(name),
			VersioningConfiguration: &types.VersioningConfiguration{Status: types.BucketVersioningStatusEnabled},
		})
		errCh <- err
	}()

	go func() {
		_, err := c.s3.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
			Bucket: aws.String(name),
			ServerSideEncryptionConfiguration: &types.ServerSideEncryptionConfiguration{
				Rules: []types.ServerSideEncryptionRule{{
					ApplyServerSideEncryptionByDefault: &types.ServerSideEncryptionByDefault{
						SSEAlgorithm: types.ServerSideEncryptionAes256,
					},
				}},
			},
		})
		errCh <- err
	}()

	var combined error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			combined = errors.Join(combined, err)
		}
	}
	if combined != nil {
		return fmt.Errorf("enabling versioning/encryption on bucket %s: %w", name, combined)
	}
	return nil
}

func (c *Client) DescribeObjectStore(ctx context.Context, name string) (*cloud.ObjectStoreDescriptor, error) {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
	if err != nil {
		var notFound *smithyhttp.ResponseError
		if errors.As(err, &notFound) && notFound.HTTPStatusCode() == 404 {
			return nil, nil
		}
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("head-bucket %s: %w", name, err)
	}

	desc := &cloud.ObjectStoreDescriptor{Name: name}
	tagOut, tagErr := c.s3.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: aws.String(name)})
	if tagErr == nil {
		for _, t := range tagOut.TagSet {
			if aws.ToString(t.Key) == cloud.ManagedByTag && aws.ToString(t.Value) == cloud.ManagedByValue {
				desc.Outcome = cloud.Existed
			}
		}
	}
	if desc.Outcome == "" {
		desc.Outcome = cloud.Adopted
	}
	return desc, nil
}

func (c *Client) DeleteObjectStore(ctx context.Context, name string) error {
	_, err := c.s3.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting bucket %s: %w", name, err)
	}
	return nil
}
