package gcpcloud

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/iamdavid-vaughan/deploysub/internal/cloud"
)

// EnsureObjectStore creates the Cloud Storage bucket the application's
// artifacts and backups live in, the GCS analogue of awscloud's S3
// bucket.
func (c *Client) EnsureObjectStore(ctx context.Context, spec cloud.ObjectStoreSpec) (*cloud.ObjectStoreDescriptor, error) {
	name := bucketName(spec)
	bucket := c.storage.Bucket(name)

	if _, err := bucket.Attrs(ctx); err == nil {
		return &cloud.ObjectStoreDescriptor{Name: name, Outcome: cloud.Existed}, nil
	} else if !errors.Is(err, storage.ErrBucketNotExist) {
		return nil, fmt.Errorf("checking bucket %s: %w", name, err)
	}

	if err := bucket.Create(ctx, c.project, &storage.BucketAttrs{Location: spec.Region}); err != nil {
		return nil, fmt.Errorf("creating bucket %s: %w", name, err)
	}
	return &cloud.ObjectStoreDescriptor{Name: name, Outcome: cloud.Created}, nil
}

func (c *Client) DescribeObjectStore(ctx context.Context, name string) (*cloud.ObjectStoreDescriptor, error) {
	if _, err := c.storage.Bucket(name).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrBucketNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("describing bucket %s: %w", name, err)
	}
	return &cloud.ObjectStoreDescriptor{Name: name, Outcome: cloud.Existed}, nil
}

func (c *Client) DeleteObjectStore(ctx context.Context, name string) error {
	bucket := c.storage.Bucket(name)
	it := bucket.Objects(ctx, nil)
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("listing objects in %s: %w", name, err)
		}
		if err := bucket.Object(obj.Name).Delete(ctx); err != nil {
			return fmt.Errorf("deleting object %s/%s: %w", name, obj.Name, err)
		}
	}
	if err := bucket.Delete(ctx); err != nil && !errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("deleting bucket %s: %w", name, err)
	}
	return nil
}

func bucketName(spec cloud.ObjectStoreSpec) string {
	return fmt.Sprintf("%s-%s", spec.ProjectName, spec.Salt)
}
