package warehouse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/tripdata-loader/internal/catalog"
	"github.com/withObsrvr/tripdata-loader/internal/storage"
)

func gzipLines(t *testing.T, header string, rows int) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	fmt.Fprintln(zw, header)
	for i := 0; i < rows; i++ {
		fmt.Fprintf(zw, "2,2019-01-%02d 08:00:00,%d\n", i%28+1, i)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func putObject(t *testing.T, store storage.ObjectStore, key string, data []byte) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), key, bytes.NewReader(data), storage.PutOptions{}))
}

func greenJob() LoadJob {
	return LoadJob{
		Type:            catalog.Green,
		SourceURI:       "mem://tripdata/green/*.csv.gz",
		SourcePrefix:    "green/",
		Table:           "green_tripdata_nyc",
		Format:          catalog.CSVGzip,
		PartitionField:  "lpep_pickup_datetime",
		SkipLeadingRows: 1,
		Autodetect:      true,
	}
}

func waitDone(t *testing.T, w Warehouse, h JobHandle) JobStatus {
	t.Helper()
	var st JobStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = w.Status(context.Background(), h)
		return err == nil && st.Done
	}, 5*time.Second, 5*time.Millisecond)
	return st
}

func TestLocalWarehouseReplaceLoad(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore("tripdata", "", true)
	defer store.Close()

	putObject(t, store, "green/green_tripdata_2019-01.csv.gz", gzipLines(t, "VendorID,lpep_pickup_datetime,fare", 7))
	putObject(t, store, "green/green_tripdata_2019-02.csv.gz", gzipLines(t, "VendorID,lpep_pickup_datetime,fare", 5))
	// Other types and formats are not part of the load.
	putObject(t, store, "yellow/yellow_tripdata_2019-01.csv.gz", gzipLines(t, "h", 100))
	putObject(t, store, "green/notes.txt", []byte("ignored"))

	w := NewLocal(store)

	h, err := w.Submit(ctx, greenJob())
	require.NoError(t, err)
	st := waitDone(t, w, h)
	require.NoError(t, st.Err)

	rows, err := w.TableRowCount(ctx, "green_tripdata_nyc")
	require.NoError(t, err)
	assert.Equal(t, int64(12), rows)

	// A second full load yields the same count, not double.
	h, err = w.Submit(ctx, greenJob())
	require.NoError(t, err)
	require.NoError(t, waitDone(t, w, h).Err)

	rows, err = w.TableRowCount(ctx, "green_tripdata_nyc")
	require.NoError(t, err)
	assert.Equal(t, int64(12), rows)

	// A fresh warehouse over the same store reads the persisted manifest.
	state, err := NewLocal(store).Table(ctx, "green_tripdata_nyc")
	require.NoError(t, err)
	assert.Equal(t, int64(12), state.Rows)
	assert.Len(t, state.Sources, 2)
	assert.Equal(t, "lpep_pickup_datetime", state.PartitionField)
}

func TestLocalWarehouseFailedJobKeepsTable(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore("tripdata", "", true)
	defer store.Close()

	putObject(t, store, "green/green_tripdata_2019-01.csv.gz", gzipLines(t, "h", 3))
	w := NewLocal(store)

	h, err := w.Submit(ctx, greenJob())
	require.NoError(t, err)
	require.NoError(t, waitDone(t, w, h).Err)

	putObject(t, store, "green/green_tripdata_2019-02.csv.gz", []byte("not gzip"))

	h, err = w.Submit(ctx, greenJob())
	require.NoError(t, err)
	st := waitDone(t, w, h)
	require.Error(t, st.Err)
	assert.True(t, errors.Is(st.Err, ErrJobFailed))

	rows, err := w.TableRowCount(ctx, "green_tripdata_nyc")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rows, "failed load must leave the previous table")
}

func TestLocalWarehouseNoSources(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore("tripdata", "", true)
	defer store.Close()
	w := NewLocal(store)

	h, err := w.Submit(ctx, greenJob())
	require.NoError(t, err)
	st := waitDone(t, w, h)
	assert.ErrorIs(t, st.Err, ErrJobFailed)

	_, err = w.TableRowCount(ctx, "green_tripdata_nyc")
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestLocalWarehouseStatusUnknownJob(t *testing.T) {
	w := NewLocal(storage.NewMemStore("tripdata", "", true))
	_, err := w.Status(context.Background(), JobHandle{ID: "nope"})
	assert.Error(t, err)
}

type tripRow struct {
	VendorID int64   `parquet:"vendor_id"`
	Fare     float64 `parquet:"fare_amount"`
}

func TestLocalWarehouseParquet(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore("tripdata", "", true)
	defer store.Close()

	var buf bytes.Buffer
	require.NoError(t, parquet.Write(&buf, []tripRow{{1, 2.5}, {2, 3.5}, {1, 4}, {2, 8}}))
	putObject(t, store, "fhv/fhv_tripdata_2019-01.parquet", buf.Bytes())

	w := NewLocal(store)
	h, err := w.Submit(ctx, LoadJob{
		Type:         catalog.FHV,
		SourceURI:    "mem://tripdata/fhv/*.parquet",
		SourcePrefix: "fhv/",
		Table:        "fhv_tripdata_nyc",
		Format:       catalog.Parquet,
	})
	require.NoError(t, err)
	require.NoError(t, waitDone(t, w, h).Err)

	rows, err := w.TableRowCount(ctx, "fhv_tripdata_nyc")
	require.NoError(t, err)
	assert.Equal(t, int64(4), rows)
}

func TestCountCSVGzipRows(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte("a,b\n1,2\n3,4"))
	require.NoError(t, zw.Close())

	n, err := CountCSVGzipRows(bytes.NewReader(buf.Bytes()), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "last line without newline still counts")

	_, err = CountCSVGzipRows(bytes.NewReader([]byte("plain")), 1)
	assert.Error(t, err)
}
