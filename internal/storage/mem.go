package storage

import (
	"context"
	"sync"

	"gocloud.dev/blob/memblob"
)

// NewMemStore returns an in-memory store, used for dry runs and tests.
func NewMemStore(bucketName, prefix string, created bool) *BlobStore {
	admin := &memAdmin{created: created}
	return NewBlobStore(memblob.OpenBucket(nil), bucketName, prefix, "mem://"+bucketName+"/", admin)
}

type memAdmin struct {
	mu      sync.Mutex
	created bool
}

func (a *memAdmin) BucketExists(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.created, nil
}

func (a *memAdmin) CreateBucket(ctx context.Context, location string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created = true
	return nil
}

func (a *memAdmin) Close() error {
	return nil
}
