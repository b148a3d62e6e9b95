// Package stage uploads local artifacts to the object store under
// deterministic keys.
package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/withObsrvr/tripdata-loader/internal/catalog"
	"github.com/withObsrvr/tripdata-loader/internal/logging"
	"github.com/withObsrvr/tripdata-loader/internal/storage"
)

// ErrVerifyFailed is returned when the stored object does not match the
// local file after upload.
var ErrVerifyFailed = errors.New("staged object verification failed")

// StageError is the result of a failed Stage.
type StageError struct {
	Item  catalog.WorkItem
	Key   string
	Cause error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s to %s: %v", e.Item, e.Key, e.Cause)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether another attempt could succeed. A missing local
// artifact or a cancelled run will not improve on retry.
func (e *StageError) Retryable() bool {
	return !errors.Is(e.Cause, context.Canceled) && !errors.Is(e.Cause, os.ErrNotExist)
}

// StagedObject describes an object in the staging store.
type StagedObject struct {
	Key     string
	URI     string
	Size    int64
	MD5     string
	SHA256  string // "sha256:<hex>", empty when skipped
	Skipped bool   // already present, nothing uploaded
}

// Stager copies local artifacts into the object store. Each call is a single
// attempt; retry policy belongs to the caller.
type Stager struct {
	store    storage.ObjectStore
	location string
	logger   *slog.Logger
}

// New creates a Stager. location is used if the bucket has to be created.
func New(store storage.ObjectStore, location string) *Stager {
	return &Stager{
		store:    store,
		location: location,
		logger:   logging.Component("stage"),
	}
}

// EnsureBucket creates the bucket if it does not exist. A bucket created
// concurrently by another process counts as success.
func (s *Stager) EnsureBucket(ctx context.Context) (created bool, err error) {
	exists, err := s.store.BucketExists(ctx)
	if err != nil {
		return false, fmt.Errorf("check bucket %s: %w", s.store.BucketName(), err)
	}
	if exists {
		s.logger.Info("bucket exists", "bucket", s.store.BucketName())
		return false, nil
	}

	s.logger.Info("creating bucket", "bucket", s.store.BucketName(), "location", s.location)
	if err := s.store.CreateBucket(ctx, s.location); err != nil {
		return false, err
	}
	return true, nil
}

// Stage uploads the file at path under the item's staging key unless an
// object already exists there.
func (s *Stager) Stage(ctx context.Context, path string, item catalog.WorkItem) (StagedObject, error) {
	key := item.StagingKey()
	fail := func(err error) (StagedObject, error) {
		return StagedObject{}, &StageError{Item: item, Key: key, Cause: err}
	}

	exists, err := s.store.Exists(ctx, key)
	if err != nil {
		return fail(fmt.Errorf("check existence: %w", err))
	}
	if exists {
		s.logger.Debug("already staged", "item", item.String(), "key", key)
		return StagedObject{Key: key, URI: s.store.URI(key), Skipped: true}, nil
	}

	digest, err := ComputeDigest(path)
	if err != nil {
		return fail(fmt.Errorf("hash local artifact: %w", err))
	}

	f, err := os.Open(path)
	if err != nil {
		return fail(err)
	}
	defer f.Close()

	err = s.store.Put(ctx, key, f, storage.PutOptions{
		ContentMD5:  digest.MD5,
		ContentType: contentType(item.Format),
	})
	if err != nil {
		return fail(err)
	}

	if err := s.verify(ctx, key, digest); err != nil {
		if derr := s.store.Delete(ctx, key); derr != nil {
			s.logger.Error("failed to delete unverified object", "key", key, "error", derr)
		}
		return fail(err)
	}

	s.logger.Info("artifact staged",
		"item", item.String(),
		"key", key,
		"bytes", digest.Size,
		"sha256", digest.SHA256,
	)

	return StagedObject{
		Key:    key,
		URI:    s.store.URI(key),
		Size:   digest.Size,
		MD5:    digest.MD5Hex(),
		SHA256: digest.SHA256,
	}, nil
}

func (s *Stager) verify(ctx context.Context, key string, want Digest) error {
	info, err := s.store.Head(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	if info.Size != want.Size {
		return fmt.Errorf("%w: size %d, expected %d", ErrVerifyFailed, info.Size, want.Size)
	}
	if len(info.MD5) > 0 && !bytes.Equal(info.MD5, want.MD5) {
		return fmt.Errorf("%w: md5 mismatch", ErrVerifyFailed)
	}
	return nil
}

func contentType(f catalog.Format) string {
	switch f {
	case catalog.Parquet:
		return "application/vnd.apache.parquet"
	default:
		return "application/gzip"
	}
}
