// Package warehouse submits bulk-load jobs to a queryable store.
package warehouse

import (
	"context"
	"errors"

	"github.com/withObsrvr/tripdata-loader/internal/catalog"
)

// ErrJobFailed marks a load job that reached a terminal failed state.
var ErrJobFailed = errors.New("load job failed")

// ErrTableNotFound is returned by TableRowCount for unknown tables.
var ErrTableNotFound = errors.New("table not found")

// LoadJob describes one replace-load of every staged object of a type.
// The destination is always fully replaced, never appended to.
type LoadJob struct {
	Type catalog.DatasetType

	// SourceURI is a wildcard URI over the staged objects, e.g.
	// gs://bucket/green/*.csv.gz.
	SourceURI string
	// SourcePrefix is the same selection expressed as a store key prefix.
	SourcePrefix string

	Table           string
	Format          catalog.Format
	PartitionField  string // day-partitioned on this column
	SkipLeadingRows int64
	Autodetect      bool
}

// JobHandle identifies a submitted job.
type JobHandle struct {
	ID       string
	Location string
}

// JobStatus is a point-in-time view of a job.
type JobStatus struct {
	State string // "pending" | "running" | "done"
	Done  bool
	// Err is set when Done and the job failed. It wraps ErrJobFailed.
	Err error
}

// Warehouse is a bulk-load backend.
type Warehouse interface {
	Submit(ctx context.Context, job LoadJob) (JobHandle, error)
	Status(ctx context.Context, h JobHandle) (JobStatus, error)
	TableRowCount(ctx context.Context, table string) (int64, error)
	// Describe names the destination for logs, e.g. "project.dataset".
	Describe() string
	Close() error
}
