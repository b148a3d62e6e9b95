package fetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/tripdata-loader/internal/catalog"
)

var greenJan = catalog.WorkItem{Type: catalog.Green, Year: 2019, Month: 1, Format: catalog.CSVGzip}

func gzipCSV(t *testing.T, rows int) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("VendorID,lpep_pickup_datetime,fare_amount\n"))
	require.NoError(t, err)
	for i := 0; i < rows; i++ {
		_, err := zw.Write([]byte("2,2019-01-01 00:10:00," + strconv.Itoa(i) + ".5\n"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// fakeOrigin serves fixed bytes and counts requests.
type fakeOrigin struct {
	mu     sync.Mutex
	calls  int
	status int
	body   []byte
	// declared overrides the Content-Length header when non-zero
	declared int
}

func (o *fakeOrigin) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.calls++
		status, body, declared := o.status, o.body, o.declared
		o.mu.Unlock()

		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		if declared > 0 {
			w.Header().Set("Content-Length", strconv.Itoa(declared))
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (o *fakeOrigin) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func newTestFetcher(t *testing.T, origin Origin) (*Fetcher, string) {
	t.Helper()
	dir := t.TempDir()
	f, err := New(origin, dir, Options{})
	require.NoError(t, err)
	return f, dir
}

func partFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, ".*.part-*"))
	require.NoError(t, err)
	return matches
}

func TestFetchThenCached(t *testing.T) {
	fo := &fakeOrigin{body: gzipCSV(t, 10)}
	srv := fo.server(t)
	f, dir := newTestFetcher(t, NewHTTPOrigin(srv.URL, srv.Client(), 0))
	ctx := context.Background()

	res, err := f.Fetch(ctx, greenJan)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, filepath.Join(dir, "green_tripdata_2019-01.csv.gz"), res.Path)
	assert.Equal(t, int64(len(fo.body)), res.Size)
	assert.Equal(t, 1, fo.Calls())

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, fo.body, data)

	// Second call makes zero origin requests.
	res, err = f.Fetch(ctx, greenJan)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, 1, fo.Calls())
	assert.Empty(t, partFiles(t, dir))
}

func TestFetchRequestPath(t *testing.T) {
	paths := make(chan string, 1)
	body := gzipCSV(t, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		w.Write(body)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, NewHTTPOrigin(srv.URL+"/", srv.Client(), 0))
	_, err := f.Fetch(context.Background(), greenJan)
	require.NoError(t, err)
	assert.Equal(t, "/green/green_tripdata_2019-01.csv.gz", <-paths)
}

func TestFetchIgnoresLeftoverPartial(t *testing.T) {
	fo := &fakeOrigin{body: gzipCSV(t, 5)}
	srv := fo.server(t)
	f, dir := newTestFetcher(t, NewHTTPOrigin(srv.URL, srv.Client(), 0))

	// Simulate a crash mid-download from an earlier run.
	leftover := filepath.Join(dir, ".green_tripdata_2019-01.csv.gz.part-12345")
	require.NoError(t, os.WriteFile(leftover, fo.body[:len(fo.body)/2], 0644))

	res, err := f.Fetch(context.Background(), greenJan)
	require.NoError(t, err)
	assert.False(t, res.Cached, "partial file must not count as cached")
	assert.Equal(t, 1, fo.Calls())

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, fo.body, data)

	removed, err := f.SweepPartials(0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Empty(t, partFiles(t, dir))
}

func TestFetchTruncatedBody(t *testing.T) {
	full := gzipCSV(t, 50)
	fo := &fakeOrigin{body: full[:len(full)-10], declared: len(full)}
	srv := fo.server(t)
	f, dir := newTestFetcher(t, NewHTTPOrigin(srv.URL, srv.Client(), 0))

	_, err := f.Fetch(context.Background(), greenJan)
	require.Error(t, err)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.True(t, fe.Retryable())
	assert.Equal(t, greenJan, fe.Item)

	_, statErr := os.Stat(f.Path(greenJan))
	assert.True(t, os.IsNotExist(statErr), "final file must not exist")
	assert.Empty(t, partFiles(t, dir))
}

func TestFetchCorruptContent(t *testing.T) {
	full := gzipCSV(t, 50)
	// Correct length header, but the gzip trailer is missing.
	fo := &fakeOrigin{body: full[:len(full)-8]}
	srv := fo.server(t)
	f, dir := newTestFetcher(t, NewHTTPOrigin(srv.URL, srv.Client(), 0))

	_, err := f.Fetch(context.Background(), greenJan)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArtifact)

	_, statErr := os.Stat(f.Path(greenJan))
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, partFiles(t, dir))
}

func TestFetchStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusNotFound, false},
		{http.StatusForbidden, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			fo := &fakeOrigin{status: tt.status}
			srv := fo.server(t)
			f, _ := newTestFetcher(t, NewHTTPOrigin(srv.URL, srv.Client(), 0))

			_, err := f.Fetch(context.Background(), greenJan)
			var fe *FetchError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.status, fe.StatusCode)
			assert.Equal(t, tt.retryable, fe.Retryable())
		})
	}
}

func TestFetchReplacesCorruptCache(t *testing.T) {
	fo := &fakeOrigin{body: gzipCSV(t, 3)}
	srv := fo.server(t)
	f, _ := newTestFetcher(t, NewHTTPOrigin(srv.URL, srv.Client(), 0))

	require.NoError(t, os.WriteFile(f.Path(greenJan), []byte("<html>not found</html>"), 0644))

	res, err := f.Fetch(context.Background(), greenJan)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, 1, fo.Calls())

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, fo.body, data)
}

func TestFetchCancelled(t *testing.T) {
	fo := &fakeOrigin{body: gzipCSV(t, 3)}
	srv := fo.server(t)
	f, dir := newTestFetcher(t, NewHTTPOrigin(srv.URL, srv.Client(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Fetch(ctx, greenJan)
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.False(t, fe.Retryable())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, partFiles(t, dir))
}

func TestFetchRemove(t *testing.T) {
	fo := &fakeOrigin{body: gzipCSV(t, 3)}
	srv := fo.server(t)
	f, _ := newTestFetcher(t, NewHTTPOrigin(srv.URL, srv.Client(), 0))

	_, err := f.Fetch(context.Background(), greenJan)
	require.NoError(t, err)

	require.NoError(t, f.Remove(greenJan))
	_, statErr := os.Stat(f.Path(greenJan))
	assert.True(t, os.IsNotExist(statErr))
	// Removing twice is fine.
	require.NoError(t, f.Remove(greenJan))
}

type tripRow struct {
	VendorID int64   `parquet:"vendor_id"`
	Fare     float64 `parquet:"fare_amount"`
}

func TestFetchParquetFromBucketOrigin(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	var buf bytes.Buffer
	rows := []tripRow{{1, 9.5}, {2, 12}, {2, 7.25}}
	require.NoError(t, parquet.Write(&buf, rows))

	item := catalog.WorkItem{Type: catalog.Yellow, Year: 2020, Month: 7, Format: catalog.Parquet}
	require.NoError(t, bucket.WriteAll(ctx, "mirror/"+item.StagingKey(), buf.Bytes(), nil))

	origin := NewBucketOrigin(bucket, "mem://mirror", "mirror/")
	f, _ := newTestFetcher(t, origin)

	res, err := f.Fetch(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), res.Size)
	assert.True(t, strings.HasSuffix(res.Path, "yellow_tripdata_2020-07.parquet"))

	missing := catalog.WorkItem{Type: catalog.Yellow, Year: 2020, Month: 8, Format: catalog.Parquet}
	_, err = f.Fetch(ctx, missing)
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.False(t, fe.Retryable())
}

func TestNewOriginSelectsImplementation(t *testing.T) {
	ctx := context.Background()

	o, err := NewOrigin(ctx, "https://example.com/releases", 2)
	require.NoError(t, err)
	assert.IsType(t, &HTTPOrigin{}, o)
	assert.Equal(t, "https://example.com/releases/green/green_tripdata_2019-01.csv.gz", o.Describe(greenJan))

	o, err = NewOrigin(ctx, "file://"+filepath.ToSlash(t.TempDir()), 0)
	require.NoError(t, err)
	assert.IsType(t, &BucketOrigin{}, o)
	o.(*BucketOrigin).Close()
}

func TestSweepPartialsKeepsActiveDownloads(t *testing.T) {
	f, dir := newTestFetcher(t, NewHTTPOrigin("http://unused", nil, 0))

	stale := filepath.Join(dir, ".green_tripdata_2019-01.csv.gz.part-1")
	active := filepath.Join(dir, ".green_tripdata_2019-02.csv.gz.part-2")
	require.NoError(t, os.WriteFile(stale, []byte("half"), 0644))
	require.NoError(t, os.WriteFile(active, []byte("half"), 0644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	removed, err := f.SweepPartials(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{active}, partFiles(t, dir))
}
