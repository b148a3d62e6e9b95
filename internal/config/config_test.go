package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORAGE_BUCKET", "tripdata-test")
	t.Setenv("LOCAL_DIR", t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"green", "yellow"}, cfg.Catalog.Types)
	assert.Equal(t, []int{2019, 2020}, cfg.Catalog.Years)
	assert.Len(t, cfg.Catalog.Months, 12)
	assert.Equal(t, "csv.gz", cfg.Catalog.Format)
	assert.Equal(t, DefaultOriginURL, cfg.Origin.URL)
	assert.Equal(t, "_nyc", cfg.Warehouse.TableSuffix)
	assert.Equal(t, PolicyFailClosed, cfg.Pipeline.FailurePolicy)
	assert.Equal(t, "us-central1", cfg.Storage.Location)

	cat, err := cfg.CatalogSpec()
	require.NoError(t, err)
	assert.Len(t, cat.Items("green"), 24)
}

func TestLoadEnvOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DATASET_TYPES", "fhv, green")
	t.Setenv("YEARS", "2019")
	t.Setenv("MONTHS", "1-3,6")
	t.Setenv("WORKERS", "8")
	t.Setenv("FAILURE_POLICY", "best-effort")
	t.Setenv("RETRY_BACKOFF", "100ms")
	t.Setenv("TABLE_SUFFIX", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"fhv", "green"}, cfg.Catalog.Types)
	assert.Equal(t, []int{2019}, cfg.Catalog.Years)
	assert.Equal(t, []int{1, 2, 3, 6}, cfg.Catalog.Months)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, PolicyBestEffort, cfg.Pipeline.FailurePolicy)
	assert.Equal(t, 100*time.Millisecond, cfg.Pipeline.RetryBackoff)
	assert.Equal(t, "", cfg.Warehouse.TableSuffix)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("WORKERS", "6")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
catalog:
  types: [yellow]
  years: [2020]
pipeline:
  workers: 2
  retry_attempts: 5
  load_poll_interval: 250ms
warehouse:
  table_suffix: _test
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"yellow"}, cfg.Catalog.Types)
	assert.Equal(t, []int{2020}, cfg.Catalog.Years)
	assert.Equal(t, 6, cfg.Pipeline.Workers, "env overrides file")
	assert.Equal(t, 5, cfg.Pipeline.RetryAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.LoadPollInterval)
	assert.Equal(t, "_test", cfg.Warehouse.TableSuffix)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing bucket", map[string]string{"STORAGE_BUCKET": ""}},
		{"bad worker count", map[string]string{"WORKERS": "many"}},
		{"zero workers", map[string]string{"WORKERS": "0"}},
		{"unknown type", map[string]string{"DATASET_TYPES": "purple"}},
		{"month out of range", map[string]string{"MONTHS": "13"}},
		{"unknown policy", map[string]string{"FAILURE_POLICY": "yolo"}},
		{"unknown storage", map[string]string{"STORAGE_BACKEND": "ftp"}},
		{"bigquery without dataset", map[string]string{
			"WAREHOUSE_BACKEND": "bigquery",
			"WAREHOUSE_PROJECT": "p",
			"STORAGE_BACKEND":   "gcs",
		}},
		{"bigquery on s3", map[string]string{
			"WAREHOUSE_BACKEND": "bigquery",
			"WAREHOUSE_PROJECT": "p",
			"WAREHOUSE_DATASET": "d",
			"STORAGE_BACKEND":   "s3",
		}},
		{"bad duration", map[string]string{"FETCH_TIMEOUT": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load("")
			require.Error(t, err)
			assert.True(t, IsConfigError(err), "expected ConfigError, got %T: %v", err, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	setBaseEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestParseIntList(t *testing.T) {
	got, err := ParseIntList("2019-2021, 2023")
	require.NoError(t, err)
	assert.Equal(t, []int{2019, 2020, 2021, 2023}, got)

	_, err = ParseIntList("5-1")
	assert.Error(t, err)
	_, err = ParseIntList(" , ")
	assert.Error(t, err)
	_, err = ParseIntList("x")
	assert.Error(t, err)
}
