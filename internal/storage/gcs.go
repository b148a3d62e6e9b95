package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gcs "cloud.google.com/go/storage"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	"google.golang.org/api/googleapi"
)

// NewGCSStore opens a Google Cloud Storage bucket.
// Uses Application Default Credentials (ADC) for authentication.
func NewGCSStore(ctx context.Context, bucketName, prefix, project string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, fmt.Sprintf("gs://%s", bucketName))
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		bucket.Close()
		return nil, fmt.Errorf("create GCS client: %w", err)
	}

	admin := &gcsAdmin{client: client, name: bucketName, project: project}
	return NewBlobStore(bucket, bucketName, prefix, fmt.Sprintf("gs://%s/", bucketName), admin), nil
}

// gcsAdmin checks and creates GCS buckets with the native client.
type gcsAdmin struct {
	client  *gcs.Client
	name    string
	project string
}

func (a *gcsAdmin) BucketExists(ctx context.Context) (bool, error) {
	_, err := a.client.Bucket(a.name).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gcs.ErrBucketNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("get bucket %s: %w", a.name, err)
}

func (a *gcsAdmin) CreateBucket(ctx context.Context, location string) error {
	if a.project == "" {
		return fmt.Errorf("project required to create bucket %s", a.name)
	}

	err := a.client.Bucket(a.name).Create(ctx, a.project, &gcs.BucketAttrs{
		Location: location,
	})
	if err == nil {
		return nil
	}

	// Bucket names are global: a conflict is ours only if we can read it.
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Code != http.StatusConflict {
		return fmt.Errorf("create bucket %s: %w", a.name, err)
	}
	exists, err := a.BucketExists(ctx)
	if err != nil {
		return fmt.Errorf("bucket name %s is taken: %w", a.name, err)
	}
	if !exists {
		return fmt.Errorf("create bucket %s: conflict but bucket not found", a.name)
	}
	return nil
}

func (a *gcsAdmin) Close() error {
	return a.client.Close()
}
