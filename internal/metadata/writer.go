package metadata

import (
	"context"
	"time"
)

type LedgerConfig struct {
	PostgresDSN string
}

// Writer records the progress of runs. Implementations must be safe for
// concurrent use; the orchestrator records items from several types at once.
type Writer interface {
	StartRun(ctx context.Context, rec RunRecord) error
	RecordItem(ctx context.Context, rec ItemRecord) error
	RecordLoad(ctx context.Context, rec LoadRecord) error
	FinishRun(ctx context.Context, runID, status string, finishedAt time.Time) error
	Close() error
}

// RunRecord describes a run as it starts.
type RunRecord struct {
	RunID           string
	StartedAt       time.Time
	Policy          string
	DatasetTypes    []string
	Bucket          string
	Destination     string
	ProducerVersion string
}

// ItemRecord is the terminal outcome of one work item.
type ItemRecord struct {
	RunID        string
	DatasetType  string
	Year         int
	Month        int
	State        string
	StagingKey   string
	FetchCached  bool
	StageSkipped bool
	ByteSize     int64
	MD5          string
	SHA256       string
	Attempts     int
	ErrorStage   string
	ErrorMessage string
}

// LoadRecord is the outcome of one type's load phase.
type LoadRecord struct {
	RunID        string
	DatasetType  string
	Table        string
	JobID        string
	State        string
	RowCount     int64
	Duration     time.Duration
	Omitted      []string
	ErrorMessage string
}

// NewWriter returns a Postgres writer when a DSN is configured, otherwise a
// no-op writer.
func NewWriter(ctx context.Context, cfg LedgerConfig) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return NoopWriter{}, nil
	}
	return NewPostgresWriter(ctx, cfg)
}

// NoopWriter discards every record.
type NoopWriter struct{}

func (NoopWriter) StartRun(context.Context, RunRecord) error   { return nil }
func (NoopWriter) RecordItem(context.Context, ItemRecord) error { return nil }
func (NoopWriter) RecordLoad(context.Context, LoadRecord) error { return nil }
func (NoopWriter) FinishRun(context.Context, string, string, time.Time) error {
	return nil
}
func (NoopWriter) Close() error { return nil }
