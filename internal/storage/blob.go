package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// BucketAdmin manages the lifecycle of the bucket itself, which the
// portable blob API does not cover.
type BucketAdmin interface {
	BucketExists(ctx context.Context) (bool, error)
	CreateBucket(ctx context.Context, location string) error
	Close() error
}

// BlobStore implements ObjectStore on top of a gocloud.dev bucket.
type BlobStore struct {
	bucket  *blob.Bucket
	name    string
	prefix  string // prepended to every key
	uriBase string // scheme and authority, e.g. "gs://bucket/"
	admin   BucketAdmin
}

// NewBlobStore wraps an opened bucket.
func NewBlobStore(bucket *blob.Bucket, name, prefix, uriBase string, admin BucketAdmin) *BlobStore {
	return &BlobStore{
		bucket:  bucket,
		name:    name,
		prefix:  prefix,
		uriBase: uriBase,
		admin:   admin,
	}
}

func (s *BlobStore) key(k string) string {
	return s.prefix + k
}

// BucketName returns the bucket name.
func (s *BlobStore) BucketName() string {
	return s.name
}

// BucketExists reports whether the bucket exists.
func (s *BlobStore) BucketExists(ctx context.Context) (bool, error) {
	return s.admin.BucketExists(ctx)
}

// CreateBucket creates the bucket.
func (s *BlobStore) CreateBucket(ctx context.Context, location string) error {
	return s.admin.CreateBucket(ctx, location)
}

// Exists checks if an object is present.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, s.key(key))
}

// Put uploads the reader's bytes. gocloud writers only commit the object
// when the upload finishes; if ctx is cancelled first the write is aborted.
func (s *BlobStore) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) error {
	path := s.key(key)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	wopts := &blob.WriterOptions{
		ContentMD5:  opts.ContentMD5,
		ContentType: contentType,
	}
	if err := s.bucket.Upload(ctx, path, r, wopts); err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

// Head returns metadata about a stored object.
func (s *BlobStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	path := s.key(key)
	attrs, err := s.bucket.Attributes(ctx, path)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("get attributes for %s: %w", path, err)
	}

	return &ObjectInfo{
		Key:         key,
		Size:        attrs.Size,
		MD5:         attrs.MD5,
		ETag:        attrs.ETag,
		ContentType: attrs.ContentType,
		ModTime:     attrs.ModTime,
	}, nil
}

// Open returns a reader over a stored object.
func (s *BlobStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	path := s.key(key)
	r, err := s.bucket.NewReader(ctx, path, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return r, nil
}

// Delete removes an object.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	path := s.key(key)
	if err := s.bucket.Delete(ctx, path); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil
		}
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// List returns all keys with the given prefix, relative to the store prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := s.bucket.List(&blob.ListOptions{
		Prefix: s.key(prefix),
	})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, strings.TrimPrefix(obj.Key, s.prefix))
	}

	return keys, nil
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	return s.uriBase + s.key(key)
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	var err error
	if s.bucket != nil {
		err = s.bucket.Close()
	}
	if s.admin != nil {
		if aerr := s.admin.Close(); aerr != nil && err == nil {
			err = aerr
		}
	}
	return err
}

// Verify BlobStore implements ObjectStore.
var _ ObjectStore = (*BlobStore)(nil)
