package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned by Head and Open when the key does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	MD5         []byte // nil when the backend does not report it
	ETag        string
	ContentType string
	ModTime     time.Time
}

// PutOptions controls a single upload.
type PutOptions struct {
	// ContentMD5 makes the backend reject the upload if the bytes received
	// do not hash to this value.
	ContentMD5 []byte
	// ContentType defaults to DefaultContentType when empty.
	ContentType string
}

// DefaultContentType is stored for uploads that do not name a type.
const DefaultContentType = "application/octet-stream"

// ObjectStore is the durable staging store. Keys are relative to the
// store's configured prefix.
type ObjectStore interface {
	// BucketName returns the bucket the store writes to.
	BucketName() string

	// BucketExists reports whether the bucket has been created.
	BucketExists(ctx context.Context) (bool, error)

	// CreateBucket creates the bucket in the given location.
	// Creating a bucket that already exists and is owned by the caller succeeds.
	CreateBucket(ctx context.Context, location string) error

	// Exists checks if an object is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Put uploads r under key. The object only becomes visible once the
	// whole body has been written; a failed or cancelled Put leaves nothing.
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) error

	// Head returns metadata about a stored object.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Open returns a reader over a stored object.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes an object.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "local" | "gcs" | "s3" | "mem"
	Bucket  string

	// Local filesystem root; the bucket is a directory below it.
	LocalDir string

	// GCS project used when the bucket has to be created.
	GCSProject string

	// S3 (also works for B2, R2, MinIO)
	S3Endpoint string
	S3Region   string

	// Common
	Prefix string // path prefix within the bucket, e.g. "raw/"
}

// NewObjectStore creates a storage backend based on configuration.
func NewObjectStore(ctx context.Context, cfg StorageConfig) (ObjectStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket required for %s backend", cfg.Backend)
	}

	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Bucket, cfg.Prefix)
	case "gcs":
		return NewGCSStore(ctx, cfg.Bucket, cfg.Prefix, cfg.GCSProject)
	case "s3":
		return NewS3Store(ctx, cfg.Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	case "mem":
		return NewMemStore(cfg.Bucket, cfg.Prefix, false), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
