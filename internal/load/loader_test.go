package load

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/tripdata-loader/internal/catalog"
	"github.com/withObsrvr/tripdata-loader/internal/storage"
	"github.com/withObsrvr/tripdata-loader/internal/warehouse"
)

// scriptedWarehouse reports "running" for a number of polls before finishing.
type scriptedWarehouse struct {
	mu          sync.Mutex
	pollsToDone int
	polls       int
	finalErr    error
	statusErr   error
	rows        int64
	submitted   []warehouse.LoadJob
}

func (w *scriptedWarehouse) Submit(ctx context.Context, job warehouse.LoadJob) (warehouse.JobHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.submitted = append(w.submitted, job)
	return warehouse.JobHandle{ID: "job-1"}, nil
}

func (w *scriptedWarehouse) Status(ctx context.Context, h warehouse.JobHandle) (warehouse.JobStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.polls++
	if w.statusErr != nil {
		return warehouse.JobStatus{}, w.statusErr
	}
	if w.polls < w.pollsToDone {
		return warehouse.JobStatus{State: "running"}, nil
	}
	return warehouse.JobStatus{State: "done", Done: true, Err: w.finalErr}, nil
}

func (w *scriptedWarehouse) TableRowCount(ctx context.Context, table string) (int64, error) {
	return w.rows, nil
}

func (w *scriptedWarehouse) Describe() string { return "scripted" }
func (w *scriptedWarehouse) Close() error     { return nil }

func newLoader(wh warehouse.Warehouse, store storage.ObjectStore) *Loader {
	return New(wh, store, Options{
		TableSuffix:  "_nyc",
		Format:       catalog.CSVGzip,
		PollInterval: time.Millisecond,
		Timeout:      5 * time.Second,
	})
}

func TestLoaderBuildsJob(t *testing.T) {
	store := storage.NewMemStore("tripdata", "", true)
	l := newLoader(&scriptedWarehouse{}, store)

	job := l.Job(catalog.Yellow)
	assert.Equal(t, "yellow_tripdata_nyc", job.Table)
	assert.Equal(t, "mem://tripdata/yellow/*.csv.gz", job.SourceURI)
	assert.Equal(t, "yellow/", job.SourcePrefix)
	assert.Equal(t, "tpep_pickup_datetime", job.PartitionField)
	assert.Equal(t, int64(1), job.SkipLeadingRows)
	assert.True(t, job.Autodetect)

	pq := New(&scriptedWarehouse{}, store, Options{Format: catalog.Parquet})
	job = pq.Job(catalog.Green)
	assert.Equal(t, "green_tripdata", job.Table)
	assert.Equal(t, "lpep_pickup_datetime", job.PartitionField)
	assert.Equal(t, int64(0), job.SkipLeadingRows)
}

func TestLoaderPollsUntilDone(t *testing.T) {
	wh := &scriptedWarehouse{pollsToDone: 4, rows: 1234}
	l := newLoader(wh, storage.NewMemStore("tripdata", "", true))

	res, err := l.Load(context.Background(), catalog.Green)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), res.RowCount)
	assert.Equal(t, "green_tripdata_nyc", res.Table)
	assert.Equal(t, "job-1", res.JobID)
	assert.Equal(t, 4, wh.polls)
	assert.Len(t, wh.submitted, 1)
}

func TestLoaderJobFailure(t *testing.T) {
	wh := &scriptedWarehouse{pollsToDone: 2, finalErr: warehouse.ErrJobFailed}
	l := newLoader(wh, storage.NewMemStore("tripdata", "", true))

	_, err := l.Load(context.Background(), catalog.Green)
	require.Error(t, err)

	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, catalog.Green, le.Type)
	assert.Equal(t, "job-1", le.JobID)
	assert.ErrorIs(t, err, warehouse.ErrJobFailed)
}

func TestLoaderStatusErrors(t *testing.T) {
	wh := &scriptedWarehouse{statusErr: errors.New("backend unavailable")}
	l := newLoader(wh, storage.NewMemStore("tripdata", "", true))

	_, err := l.Load(context.Background(), catalog.Green)
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, maxStatusErrors, wh.polls)
}

func TestLoaderTimeout(t *testing.T) {
	wh := &scriptedWarehouse{pollsToDone: 1 << 30}
	l := New(wh, storage.NewMemStore("tripdata", "", true), Options{
		PollInterval: time.Millisecond,
		Timeout:      30 * time.Millisecond,
	})

	_, err := l.Load(context.Background(), catalog.Green)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoaderFullRebuildAgainstLocalWarehouse(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore("tripdata", "", true)
	defer store.Close()

	for _, key := range []string{
		"green/green_tripdata_2019-01.csv.gz",
		"green/green_tripdata_2019-02.csv.gz",
	} {
		require.NoError(t, store.Put(ctx, key, gzipCSV(t, 10), storage.PutOptions{}))
	}

	l := newLoader(warehouse.NewLocal(store), store)

	first, err := l.Load(ctx, catalog.Green)
	require.NoError(t, err)
	assert.Equal(t, int64(20), first.RowCount)

	second, err := l.Load(ctx, catalog.Green)
	require.NoError(t, err)
	assert.Equal(t, first.RowCount, second.RowCount, "reload must replace, not append")
}

func gzipCSV(t *testing.T, rows int) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	fmt.Fprintln(zw, "VendorID,lpep_pickup_datetime,fare_amount")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(zw, "2,2019-01-01 00:%02d:00,%d.0\n", i%60, i)
	}
	require.NoError(t, zw.Close())
	return bytes.NewReader(buf.Bytes())
}
