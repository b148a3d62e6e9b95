// Package load runs one idempotent replace-load per dataset type.
package load

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/tripdata-loader/internal/catalog"
	"github.com/withObsrvr/tripdata-loader/internal/logging"
	"github.com/withObsrvr/tripdata-loader/internal/storage"
	"github.com/withObsrvr/tripdata-loader/internal/warehouse"
)

// TableSpec holds the fixed per-type load options.
type TableSpec struct {
	PartitionField string
}

// TableSpecs lists the day-partition column for each dataset type.
var TableSpecs = map[catalog.DatasetType]TableSpec{
	catalog.Green:  {PartitionField: "lpep_pickup_datetime"},
	catalog.Yellow: {PartitionField: "tpep_pickup_datetime"},
	catalog.FHV:    {PartitionField: "pickup_datetime"},
}

// maxStatusErrors is how many consecutive status lookups may fail before the
// load is abandoned.
const maxStatusErrors = 3

// LoadError is the result of a failed Load. It is terminal for its type only.
type LoadError struct {
	Type  catalog.DatasetType
	Table string
	JobID string
	Cause error
}

func (e *LoadError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("load %s into %s (job %s): %v", e.Type, e.Table, e.JobID, e.Cause)
	}
	return fmt.Sprintf("load %s into %s: %v", e.Type, e.Table, e.Cause)
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Result describes a completed load.
type Result struct {
	Type      catalog.DatasetType
	Table     string
	JobID     string
	SourceURI string
	RowCount  int64
	Duration  time.Duration
}

// Options configures the Loader.
type Options struct {
	TableSuffix  string
	Format       catalog.Format
	PollInterval time.Duration
	Timeout      time.Duration
}

// Loader submits and supervises warehouse load jobs.
type Loader struct {
	wh     warehouse.Warehouse
	store  storage.ObjectStore
	opts   Options
	logger *slog.Logger
}

// New creates a Loader. The store is used to build source URIs.
func New(wh warehouse.Warehouse, store storage.ObjectStore, opts Options) *Loader {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	if opts.Format == "" {
		opts.Format = catalog.CSVGzip
	}
	return &Loader{
		wh:     wh,
		store:  store,
		opts:   opts,
		logger: logging.Component("load"),
	}
}

// TableName returns the destination table for a type.
func (l *Loader) TableName(t catalog.DatasetType) string {
	return fmt.Sprintf("%s_tripdata%s", t, l.opts.TableSuffix)
}

// Job builds the load job for a type.
func (l *Loader) Job(t catalog.DatasetType) warehouse.LoadJob {
	job := warehouse.LoadJob{
		Type:           t,
		SourceURI:      l.store.URI(fmt.Sprintf("%s/*.%s", t, l.opts.Format.Ext())),
		SourcePrefix:   string(t) + "/",
		Table:          l.TableName(t),
		Format:         l.opts.Format,
		PartitionField: TableSpecs[t].PartitionField,
		Autodetect:     true,
	}
	if l.opts.Format == catalog.CSVGzip {
		job.SkipLeadingRows = 1
	}
	return job
}

// Load replaces the type's table with the contents of every staged object of
// that type and waits for the job to finish.
func (l *Loader) Load(ctx context.Context, t catalog.DatasetType) (Result, error) {
	start := time.Now()
	job := l.Job(t)
	fail := func(jobID string, err error) (Result, error) {
		return Result{}, &LoadError{Type: t, Table: job.Table, JobID: jobID, Cause: err}
	}

	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	h, err := l.wh.Submit(ctx, job)
	if err != nil {
		return fail("", err)
	}

	logger := l.logger.With("type", string(t), "table", job.Table, "job_id", h.ID)
	logger.Info("waiting for load job", "source", job.SourceURI)

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	statusErrors := 0
	for {
		st, err := l.wh.Status(ctx, h)
		switch {
		case err != nil:
			statusErrors++
			logger.Warn("job status lookup failed", "attempt", statusErrors, "error", err)
			if statusErrors >= maxStatusErrors || ctx.Err() != nil {
				return fail(h.ID, fmt.Errorf("poll status: %w", err))
			}
		case st.Done:
			if st.Err != nil {
				return fail(h.ID, st.Err)
			}
			rows, err := l.wh.TableRowCount(ctx, job.Table)
			if err != nil {
				return fail(h.ID, fmt.Errorf("row count: %w", err))
			}
			res := Result{
				Type:      t,
				Table:     job.Table,
				JobID:     h.ID,
				SourceURI: job.SourceURI,
				RowCount:  rows,
				Duration:  time.Since(start),
			}
			logger.Info("load complete", "rows", rows, "duration", res.Duration)
			return res, nil
		default:
			statusErrors = 0
			logger.Debug("load job in progress", "state", st.State)
		}

		select {
		case <-ctx.Done():
			return fail(h.ID, fmt.Errorf("waiting for job: %w", ctx.Err()))
		case <-ticker.C:
		}
	}
}
