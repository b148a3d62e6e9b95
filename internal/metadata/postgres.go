package metadata

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/tripdata-loader/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresWriter connects and applies the ledger schema.
func NewPostgresWriter(ctx context.Context, cfg LedgerConfig) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{
		pool:   pool,
		logger: logging.Component("metadata"),
	}

	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w.logger.Info("connected to PostgreSQL run ledger")
	return w, nil
}

func (w *PostgresWriter) StartRun(ctx context.Context, rec RunRecord) error {
	query := `
		INSERT INTO _meta_runs (
			run_id, started_at, status, policy, dataset_types,
			bucket, destination, producer_version
		)
		VALUES ($1, $2, 'running', $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO NOTHING
	`

	_, err := w.pool.Exec(ctx, query,
		rec.RunID,
		rec.StartedAt,
		rec.Policy,
		rec.DatasetTypes,
		rec.Bucket,
		rec.Destination,
		rec.ProducerVersion,
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

func (w *PostgresWriter) RecordItem(ctx context.Context, rec ItemRecord) error {
	query := `
		INSERT INTO _meta_items (
			run_id, dataset_type, year, month, state, staging_key,
			fetch_cached, stage_skipped, byte_size, md5, sha256, attempts,
			error_stage, error_message
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (run_id, dataset_type, year, month)
		DO UPDATE SET
			state = EXCLUDED.state,
			fetch_cached = EXCLUDED.fetch_cached,
			stage_skipped = EXCLUDED.stage_skipped,
			byte_size = EXCLUDED.byte_size,
			md5 = EXCLUDED.md5,
			sha256 = EXCLUDED.sha256,
			attempts = EXCLUDED.attempts,
			error_stage = EXCLUDED.error_stage,
			error_message = EXCLUDED.error_message,
			recorded_at = NOW()
	`

	_, err := w.pool.Exec(ctx, query,
		rec.RunID,
		rec.DatasetType,
		rec.Year,
		rec.Month,
		rec.State,
		rec.StagingKey,
		rec.FetchCached,
		rec.StageSkipped,
		rec.ByteSize,
		nullable(rec.MD5),
		nullable(rec.SHA256),
		rec.Attempts,
		nullable(rec.ErrorStage),
		nullable(rec.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("record item: %w", err)
	}
	return nil
}

func (w *PostgresWriter) RecordLoad(ctx context.Context, rec LoadRecord) error {
	query := `
		INSERT INTO _meta_loads (
			run_id, dataset_type, table_name, job_id, state, row_count,
			duration_ms, omitted, error_message
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, dataset_type)
		DO UPDATE SET
			job_id = EXCLUDED.job_id,
			state = EXCLUDED.state,
			row_count = EXCLUDED.row_count,
			duration_ms = EXCLUDED.duration_ms,
			omitted = EXCLUDED.omitted,
			error_message = EXCLUDED.error_message,
			recorded_at = NOW()
	`

	omitted := rec.Omitted
	if omitted == nil {
		omitted = []string{}
	}

	_, err := w.pool.Exec(ctx, query,
		rec.RunID,
		rec.DatasetType,
		rec.Table,
		nullable(rec.JobID),
		rec.State,
		rec.RowCount,
		rec.Duration.Milliseconds(),
		omitted,
		nullable(rec.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("record load: %w", err)
	}

	w.logger.Info("recorded load", "run_id", rec.RunID, "type", rec.DatasetType, "state", rec.State)
	return nil
}

func (w *PostgresWriter) FinishRun(ctx context.Context, runID, status string, finishedAt time.Time) error {
	_, err := w.pool.Exec(ctx,
		`UPDATE _meta_runs SET status = $2, finished_at = $3 WHERE run_id = $1`,
		runID, status, finishedAt,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// LastLoad returns the most recent successful load of a dataset type, or nil
// if there is none.
func (w *PostgresWriter) LastLoad(ctx context.Context, datasetType string) (*LoadRecord, error) {
	query := `
		SELECT run_id, table_name, COALESCE(job_id, ''), state,
		       COALESCE(row_count, 0), duration_ms
		FROM _meta_loads
		WHERE dataset_type = $1 AND state = 'DONE'
		ORDER BY recorded_at DESC
		LIMIT 1
	`

	rec := LoadRecord{DatasetType: datasetType}
	var durationMs int64
	err := w.pool.QueryRow(ctx, query, datasetType).Scan(
		&rec.RunID, &rec.Table, &rec.JobID, &rec.State, &rec.RowCount, &durationMs,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("last load: %w", err)
	}
	rec.Duration = time.Duration(durationMs) * time.Millisecond
	return &rec, nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var (
	_ Writer = (*PostgresWriter)(nil)
	_ Writer = NoopWriter{}
)
