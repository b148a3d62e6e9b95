package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *Summary {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Summary{
		RunID:      "run-1",
		Policy:     "best-effort",
		StartedAt:  start,
		FinishedAt: start.Add(90 * time.Second),
		Elapsed:    90 * time.Second,
		Types: []TypeReport{
			{
				Type: "green", State: "DONE", Table: "green_tripdata_nyc",
				Items: 12, Fetched: 11, Staged: 11, Failed: 1,
				Failures: []ItemFailure{{Item: "green/2019-07", Stage: "fetch", Attempts: 3, Error: "http 404"}},
				Omitted:  []string{"green/2019-07"},
				RowCount: 6044050,
				Duration: time.Minute,
			},
			{
				Type: "yellow", State: "FAILED", Items: 12, Staged: 12,
				LoadError:     "job failed",
				CleanupErrors: []string{"remove yellow_tripdata_2019-01.csv.gz: permission denied"},
			},
		},
	}
}

func TestSucceeded(t *testing.T) {
	s := sample()
	assert.False(t, s.Succeeded())
	assert.Equal(t, []string{"yellow"}, s.FailedTypes())

	s.Types[1].State = "DONE"
	assert.True(t, s.Succeeded())
	assert.Empty(t, s.FailedTypes())

	assert.False(t, (&Summary{}).Succeeded(), "empty run is not a success")
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	Render(&buf, sample())
	out := buf.String()

	assert.Contains(t, out, "green")
	assert.Contains(t, out, "6044050")
	assert.Contains(t, out, "green/2019-07 failed at fetch after 3 attempt(s): http 404")
	assert.Contains(t, out, "green loaded without: green/2019-07")
	assert.Contains(t, out, "yellow load: job failed")
	assert.Contains(t, out, "yellow cleanup: remove yellow_tripdata_2019-01.csv.gz")
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "summary.json")

	_, err := Load(path)
	require.ErrorIs(t, err, ErrNoSummary)

	want := sample()
	require.NoError(t, Save(path, want))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
