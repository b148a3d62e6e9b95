package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/tripdata-loader/internal/catalog"
	"github.com/withObsrvr/tripdata-loader/internal/logging"
	"github.com/withObsrvr/tripdata-loader/internal/storage"
)

// tablePrefix holds table manifests inside the staging store.
const tablePrefix = "_tables/"

// TableState is the materialized state of a local table.
type TableState struct {
	Table          string    `json:"table"`
	Rows           int64     `json:"rows"`
	Sources        []string  `json:"sources"`
	PartitionField string    `json:"partition_field,omitempty"`
	JobID          string    `json:"job_id"`
	LoadedAt       time.Time `json:"loaded_at"`
}

type localJob struct {
	state string
	err   error
}

// LocalWarehouse emulates a replace-load against the staging store itself.
// It counts rows from the staged objects, builds the new table state aside
// and swaps it in only when the whole job succeeded, so a failed job leaves
// the previous table intact. Table manifests are written back to the store
// so row counts survive the process.
type LocalWarehouse struct {
	store  storage.ObjectStore
	logger *slog.Logger

	mu     sync.Mutex
	tables map[string]TableState
	jobs   map[string]*localJob
}

// NewLocal creates a local warehouse over store.
func NewLocal(store storage.ObjectStore) *LocalWarehouse {
	return &LocalWarehouse{
		store:  store,
		logger: logging.Component("local-warehouse"),
		tables: make(map[string]TableState),
		jobs:   make(map[string]*localJob),
	}
}

func (w *LocalWarehouse) Describe() string {
	return w.store.URI(tablePrefix)
}

// Submit starts the job in the background, like a remote warehouse would.
func (w *LocalWarehouse) Submit(ctx context.Context, job LoadJob) (JobHandle, error) {
	id := fmt.Sprintf("tripdata_%s_%s", job.Type, uuid.NewString())

	w.mu.Lock()
	w.jobs[id] = &localJob{state: "running"}
	w.mu.Unlock()

	jobCtx := context.WithoutCancel(ctx)
	go func() {
		err := w.run(jobCtx, id, job)

		w.mu.Lock()
		defer w.mu.Unlock()
		j := w.jobs[id]
		j.state = "done"
		if err != nil {
			j.err = fmt.Errorf("%w: %v", ErrJobFailed, err)
		}
	}()

	return JobHandle{ID: id, Location: "local"}, nil
}

func (w *LocalWarehouse) Status(ctx context.Context, h JobHandle) (JobStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	j, ok := w.jobs[h.ID]
	if !ok {
		return JobStatus{}, fmt.Errorf("unknown job %s", h.ID)
	}
	return JobStatus{State: j.state, Done: j.state == "done", Err: j.err}, nil
}

func (w *LocalWarehouse) TableRowCount(ctx context.Context, table string) (int64, error) {
	state, err := w.Table(ctx, table)
	if err != nil {
		return 0, err
	}
	return state.Rows, nil
}

// Table returns the current state of a table.
func (w *LocalWarehouse) Table(ctx context.Context, table string) (TableState, error) {
	w.mu.Lock()
	state, ok := w.tables[table]
	w.mu.Unlock()
	if ok {
		return state, nil
	}

	r, err := w.store.Open(ctx, tablePrefix+table+".json")
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return TableState{}, fmt.Errorf("%s: %w", table, ErrTableNotFound)
		}
		return TableState{}, err
	}
	defer r.Close()

	if err := json.NewDecoder(r).Decode(&state); err != nil {
		return TableState{}, fmt.Errorf("decode table %s: %w", table, err)
	}
	return state, nil
}

func (w *LocalWarehouse) Close() error {
	return nil
}

func (w *LocalWarehouse) run(ctx context.Context, id string, job LoadJob) error {
	keys, err := w.store.List(ctx, job.SourcePrefix)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}

	suffix := "." + job.Format.Ext()
	var sources []string
	for _, k := range keys {
		if strings.HasSuffix(k, suffix) {
			sources = append(sources, k)
		}
	}
	if len(sources) == 0 {
		return fmt.Errorf("no objects match %s", job.SourceURI)
	}
	sort.Strings(sources)

	var rows int64
	for _, key := range sources {
		n, err := w.countRows(ctx, key, job)
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		rows += n
	}

	state := TableState{
		Table:          job.Table,
		Rows:           rows,
		Sources:        sources,
		PartitionField: job.PartitionField,
		JobID:          id,
		LoadedAt:       time.Now().UTC(),
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := w.store.Put(ctx, tablePrefix+job.Table+".json", bytes.NewReader(data), storage.PutOptions{
		ContentType: "application/json",
	}); err != nil {
		return fmt.Errorf("write table manifest: %w", err)
	}

	w.mu.Lock()
	w.tables[job.Table] = state
	w.mu.Unlock()

	w.logger.Info("table replaced", "table", job.Table, "rows", rows, "sources", len(sources))
	return nil
}

func (w *LocalWarehouse) countRows(ctx context.Context, key string, job LoadJob) (int64, error) {
	r, err := w.store.Open(ctx, key)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	switch job.Format {
	case catalog.Parquet:
		return CountParquetRows(r)
	default:
		return CountCSVGzipRows(r, job.SkipLeadingRows)
	}
}

// CountCSVGzipRows counts data lines in a gzip CSV stream, excluding the
// first skip lines.
func CountCSVGzipRows(r io.Reader, skip int64) (int64, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer zr.Close()

	var lines int64
	var last byte = '\n'
	buf := make([]byte, 64*1024)
	for {
		n, err := zr.Read(buf)
		if n > 0 {
			lines += int64(bytes.Count(buf[:n], []byte{'\n'}))
			last = buf[n-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if last != '\n' {
		lines++
	}

	lines -= skip
	if lines < 0 {
		lines = 0
	}
	return lines, nil
}

// CountParquetRows returns the row count recorded in a parquet footer.
func CountParquetRows(r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, err
	}
	return f.NumRows(), nil
}

var _ Warehouse = (*LocalWarehouse)(nil)
