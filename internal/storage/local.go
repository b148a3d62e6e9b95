package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gocloud.dev/blob/fileblob"
)

// NewLocalStore stores objects on the local filesystem. The bucket is a
// directory below baseDir so that bucket creation stays observable.
func NewLocalStore(baseDir, bucketName, prefix string) (*BlobStore, error) {
	absDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", baseDir, err)
	}

	bucket, err := fileblob.OpenBucket(absDir, &fileblob.Options{CreateDir: true})
	if err != nil {
		return nil, fmt.Errorf("open local bucket %s: %w", absDir, err)
	}

	admin := &localAdmin{dir: filepath.Join(absDir, bucketName)}
	return NewBlobStore(bucket, bucketName, bucketName+"/"+prefix, "file://"+filepath.ToSlash(absDir)+"/", admin), nil
}

// localAdmin treats a directory as the bucket.
type localAdmin struct {
	dir string
}

func (a *localAdmin) BucketExists(ctx context.Context) (bool, error) {
	info, err := os.Stat(a.dir)
	if err == nil {
		if !info.IsDir() {
			return false, fmt.Errorf("%s exists and is not a directory", a.dir)
		}
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (a *localAdmin) CreateBucket(ctx context.Context, location string) error {
	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", a.dir, err)
	}
	return nil
}

func (a *localAdmin) Close() error {
	return nil
}
