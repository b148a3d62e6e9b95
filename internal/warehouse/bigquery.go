package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"

	"github.com/withObsrvr/tripdata-loader/internal/catalog"
	"github.com/withObsrvr/tripdata-loader/internal/logging"
)

// BigQueryWarehouse loads staged GCS objects into BigQuery tables. Load jobs
// with WriteTruncate are atomic: a failed job leaves the table untouched.
type BigQueryWarehouse struct {
	client   *bigquery.Client
	project  string
	dataset  string
	location string
	logger   *slog.Logger
}

// NewBigQuery creates a warehouse client. Uses Application Default Credentials.
func NewBigQuery(ctx context.Context, project, dataset, location string) (*BigQueryWarehouse, error) {
	client, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}
	client.Location = location

	return &BigQueryWarehouse{
		client:   client,
		project:  project,
		dataset:  dataset,
		location: location,
		logger:   logging.Component("bigquery"),
	}, nil
}

// CheckDataset verifies the destination dataset is reachable.
func (w *BigQueryWarehouse) CheckDataset(ctx context.Context) error {
	if _, err := w.client.Dataset(w.dataset).Metadata(ctx); err != nil {
		return fmt.Errorf("dataset %s.%s: %w", w.project, w.dataset, err)
	}
	return nil
}

func (w *BigQueryWarehouse) Describe() string {
	return w.project + "." + w.dataset
}

func (w *BigQueryWarehouse) Submit(ctx context.Context, job LoadJob) (JobHandle, error) {
	ref := bigquery.NewGCSReference(job.SourceURI)
	ref.AutoDetect = job.Autodetect

	switch job.Format {
	case catalog.Parquet:
		ref.SourceFormat = bigquery.Parquet
	default:
		ref.SourceFormat = bigquery.CSV
		ref.Compression = bigquery.Gzip
		ref.SkipLeadingRows = job.SkipLeadingRows
	}

	loader := w.client.Dataset(w.dataset).Table(job.Table).LoaderFrom(ref)
	loader.WriteDisposition = bigquery.WriteTruncate
	loader.CreateDisposition = bigquery.CreateIfNeeded
	if job.PartitionField != "" {
		loader.TimePartitioning = &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: job.PartitionField,
		}
	}
	loader.JobIDConfig = bigquery.JobIDConfig{
		JobID:          fmt.Sprintf("tripdata_%s", job.Type),
		AddJobIDSuffix: true,
	}
	loader.Labels = map[string]string{"dataset_type": string(job.Type)}

	j, err := loader.Run(ctx)
	if err != nil {
		return JobHandle{}, fmt.Errorf("start load into %s: %w", job.Table, err)
	}

	w.logger.Info("load job submitted",
		"job_id", j.ID(),
		"table", job.Table,
		"source", job.SourceURI,
	)
	return JobHandle{ID: j.ID(), Location: j.Location()}, nil
}

func (w *BigQueryWarehouse) Status(ctx context.Context, h JobHandle) (JobStatus, error) {
	j, err := w.client.JobFromIDLocation(ctx, h.ID, h.Location)
	if err != nil {
		return JobStatus{}, fmt.Errorf("get job %s: %w", h.ID, err)
	}
	st, err := j.Status(ctx)
	if err != nil {
		return JobStatus{}, fmt.Errorf("job %s status: %w", h.ID, err)
	}

	out := JobStatus{State: stateName(st.State), Done: st.Done()}
	if st.Done() && st.Err() != nil {
		out.Err = fmt.Errorf("%w: %v", ErrJobFailed, st.Err())
	}
	return out, nil
}

func (w *BigQueryWarehouse) TableRowCount(ctx context.Context, table string) (int64, error) {
	md, err := w.client.Dataset(w.dataset).Table(table).Metadata(ctx)
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return 0, fmt.Errorf("%s: %w", table, ErrTableNotFound)
		}
		return 0, fmt.Errorf("table %s metadata: %w", table, err)
	}
	return int64(md.NumRows), nil
}

func (w *BigQueryWarehouse) Close() error {
	return w.client.Close()
}

func stateName(s bigquery.State) string {
	switch s {
	case bigquery.Pending:
		return "pending"
	case bigquery.Running:
		return "running"
	case bigquery.Done:
		return "done"
	default:
		return "unknown"
	}
}

var _ Warehouse = (*BigQueryWarehouse)(nil)
