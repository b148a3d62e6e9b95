package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/tripdata-loader/internal/catalog"
)

// Failure policies for a dataset type whose items did not all stage.
const (
	PolicyFailClosed = "fail-closed"
	PolicyBestEffort = "best-effort"
)

const DefaultOriginURL = "https://github.com/DataTalksClub/nyc-tlc-data/releases/download"

type Config struct {
	Catalog   CatalogConfig   `yaml:"catalog"`
	Origin    OriginConfig    `yaml:"origin"`
	Storage   StorageConfig   `yaml:"storage"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Notify    NotifyConfig    `yaml:"notify"`

	SummaryPath string `yaml:"summary_path"`
}

type CatalogConfig struct {
	Types  []string `yaml:"types"`
	Years  []int    `yaml:"years"`
	Months []int    `yaml:"months"`
	Format string   `yaml:"format"`
}

type OriginConfig struct {
	URL         string  `yaml:"url"`
	RateLimit   float64 `yaml:"rate_limit"` // requests per second, 0 disables
	DownloadDir string  `yaml:"download_dir"`
}

type StorageConfig struct {
	Backend    string `yaml:"backend"`
	Bucket     string `yaml:"bucket"`
	Prefix     string `yaml:"prefix"`
	Location   string `yaml:"location"`
	Project    string `yaml:"project"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
	LocalDir   string `yaml:"local_dir"`
}

type WarehouseConfig struct {
	Backend     string `yaml:"backend"`
	Project     string `yaml:"project"`
	Dataset     string `yaml:"dataset"`
	Location    string `yaml:"location"`
	TableSuffix string `yaml:"table_suffix"`
}

type PipelineConfig struct {
	Workers          int           `yaml:"workers"`
	TypeConcurrency  int           `yaml:"type_concurrency"`
	FailurePolicy    string        `yaml:"failure_policy"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	RetryMaxBackoff  time.Duration `yaml:"retry_max_backoff"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	StageTimeout     time.Duration `yaml:"stage_timeout"`
	LoadTimeout      time.Duration `yaml:"load_timeout"`
	LoadPollInterval time.Duration `yaml:"load_poll_interval"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LedgerConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

type NotifyConfig struct {
	Endpoint  string `yaml:"endpoint"`
	BackupDir string `yaml:"backup_dir"`
}

// ConfigError reports configuration that cannot be used. It aborts the run
// before any work item is processed.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is or wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	cat := catalog.Default()
	return Config{
		Catalog: CatalogConfig{
			Types:  []string{string(catalog.Green), string(catalog.Yellow)},
			Years:  cat.Years,
			Months: cat.Months,
			Format: string(cat.Format),
		},
		Origin: OriginConfig{
			URL:         DefaultOriginURL,
			DownloadDir: filepath.Join(os.TempDir(), "tripdata"),
		},
		Storage: StorageConfig{
			Backend:  "local",
			Location: "us-central1",
			LocalDir: "./data",
		},
		Warehouse: WarehouseConfig{
			Backend:     "local",
			Location:    "us-central1",
			TableSuffix: "_nyc",
		},
		Pipeline: PipelineConfig{
			Workers:          4,
			TypeConcurrency:  2,
			FailurePolicy:    PolicyFailClosed,
			RetryAttempts:    3,
			RetryBackoff:     2 * time.Second,
			RetryMaxBackoff:  30 * time.Second,
			FetchTimeout:     10 * time.Minute,
			StageTimeout:     10 * time.Minute,
			LoadTimeout:      30 * time.Minute,
			LoadPollInterval: 5 * time.Second,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and environment variables, in that order of precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ConfigError{Field: "file", Err: fmt.Errorf("read %s: %w", path, err)}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return &ConfigError{Field: "file", Err: fmt.Errorf("parse %s: %w", path, err)}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	e := &envReader{}

	if v := os.Getenv("DATASET_TYPES"); v != "" {
		types, err := catalog.ParseTypes(v)
		if err != nil {
			e.fail("DATASET_TYPES", err)
		}
		cfg.Catalog.Types = make([]string, len(types))
		for i, t := range types {
			cfg.Catalog.Types[i] = string(t)
		}
	}
	cfg.Catalog.Years = e.intList("YEARS", cfg.Catalog.Years)
	cfg.Catalog.Months = e.intList("MONTHS", cfg.Catalog.Months)
	cfg.Catalog.Format = getenvDefault("ARTIFACT_FORMAT", cfg.Catalog.Format)

	cfg.Origin.URL = getenvDefault("ORIGIN_URL", cfg.Origin.URL)
	cfg.Origin.RateLimit = e.float("ORIGIN_RATE_LIMIT", cfg.Origin.RateLimit)
	cfg.Origin.DownloadDir = getenvDefault("DOWNLOAD_DIR", cfg.Origin.DownloadDir)

	cfg.Storage.Backend = getenvDefault("STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.Bucket = getenvDefault("STORAGE_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.Prefix = getenvDefault("STORAGE_PREFIX", cfg.Storage.Prefix)
	cfg.Storage.Location = getenvDefault("STORAGE_LOCATION", cfg.Storage.Location)
	cfg.Storage.Project = getenvDefault("STORAGE_PROJECT", cfg.Storage.Project)
	cfg.Storage.S3Endpoint = getenvDefault("S3_ENDPOINT", cfg.Storage.S3Endpoint)
	cfg.Storage.S3Region = getenvDefault("S3_REGION", cfg.Storage.S3Region)
	cfg.Storage.LocalDir = getenvDefault("LOCAL_DIR", cfg.Storage.LocalDir)

	cfg.Warehouse.Backend = getenvDefault("WAREHOUSE_BACKEND", cfg.Warehouse.Backend)
	cfg.Warehouse.Project = getenvDefault("WAREHOUSE_PROJECT", cfg.Warehouse.Project)
	cfg.Warehouse.Dataset = getenvDefault("WAREHOUSE_DATASET", cfg.Warehouse.Dataset)
	cfg.Warehouse.Location = getenvDefault("WAREHOUSE_LOCATION", cfg.Warehouse.Location)
	if v, ok := os.LookupEnv("TABLE_SUFFIX"); ok {
		cfg.Warehouse.TableSuffix = v
	}

	cfg.Pipeline.Workers = e.int("WORKERS", cfg.Pipeline.Workers)
	cfg.Pipeline.TypeConcurrency = e.int("TYPE_CONCURRENCY", cfg.Pipeline.TypeConcurrency)
	cfg.Pipeline.FailurePolicy = getenvDefault("FAILURE_POLICY", cfg.Pipeline.FailurePolicy)
	cfg.Pipeline.RetryAttempts = e.int("RETRY_ATTEMPTS", cfg.Pipeline.RetryAttempts)
	cfg.Pipeline.RetryBackoff = e.duration("RETRY_BACKOFF", cfg.Pipeline.RetryBackoff)
	cfg.Pipeline.RetryMaxBackoff = e.duration("RETRY_MAX_BACKOFF", cfg.Pipeline.RetryMaxBackoff)
	cfg.Pipeline.FetchTimeout = e.duration("FETCH_TIMEOUT", cfg.Pipeline.FetchTimeout)
	cfg.Pipeline.StageTimeout = e.duration("STAGE_TIMEOUT", cfg.Pipeline.StageTimeout)
	cfg.Pipeline.LoadTimeout = e.duration("LOAD_TIMEOUT", cfg.Pipeline.LoadTimeout)
	cfg.Pipeline.LoadPollInterval = e.duration("LOAD_POLL_INTERVAL", cfg.Pipeline.LoadPollInterval)

	cfg.Log.Format = getenvDefault("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.Level = getenvDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Metrics.Addr = getenvDefault("METRICS_ADDR", cfg.Metrics.Addr)
	cfg.Ledger.PostgresDSN = getenvDefault("CATALOG_DSN", cfg.Ledger.PostgresDSN)
	cfg.Notify.Endpoint = getenvDefault("NOTIFY_ENDPOINT", cfg.Notify.Endpoint)
	cfg.Notify.BackupDir = getenvDefault("NOTIFY_BACKUP_DIR", cfg.Notify.BackupDir)
	cfg.SummaryPath = getenvDefault("SUMMARY_PATH", cfg.SummaryPath)

	return e.err
}

// Validate checks that the configuration can drive a run.
func (c Config) Validate() error {
	if _, err := c.DatasetTypes(); err != nil {
		return &ConfigError{Field: "catalog.types", Err: err}
	}
	if _, err := c.CatalogSpec(); err != nil {
		return &ConfigError{Field: "catalog", Err: err}
	}

	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			return &ConfigError{Field: "storage.local_dir", Err: errors.New("required for local backend")}
		}
	case "gcs", "s3", "mem":
	default:
		return &ConfigError{Field: "storage.backend", Err: fmt.Errorf("unknown backend %q", c.Storage.Backend)}
	}
	if c.Storage.Bucket == "" {
		return &ConfigError{Field: "storage.bucket", Err: errors.New("required")}
	}
	if c.Storage.Location == "" {
		return &ConfigError{Field: "storage.location", Err: errors.New("required")}
	}

	switch c.Warehouse.Backend {
	case "local":
	case "bigquery":
		if c.Warehouse.Project == "" {
			return &ConfigError{Field: "warehouse.project", Err: errors.New("required for bigquery backend")}
		}
		if c.Warehouse.Dataset == "" {
			return &ConfigError{Field: "warehouse.dataset", Err: errors.New("required for bigquery backend")}
		}
		if c.Storage.Backend != "gcs" {
			return &ConfigError{Field: "warehouse.backend", Err: errors.New("bigquery loads require the gcs storage backend")}
		}
	default:
		return &ConfigError{Field: "warehouse.backend", Err: fmt.Errorf("unknown backend %q", c.Warehouse.Backend)}
	}

	if c.Origin.URL == "" {
		return &ConfigError{Field: "origin.url", Err: errors.New("required")}
	}
	if c.Origin.DownloadDir == "" {
		return &ConfigError{Field: "origin.download_dir", Err: errors.New("required")}
	}
	if c.Origin.RateLimit < 0 {
		return &ConfigError{Field: "origin.rate_limit", Err: errors.New("must not be negative")}
	}

	p := c.Pipeline
	if p.Workers < 1 {
		return &ConfigError{Field: "pipeline.workers", Err: errors.New("must be at least 1")}
	}
	if p.TypeConcurrency < 1 {
		return &ConfigError{Field: "pipeline.type_concurrency", Err: errors.New("must be at least 1")}
	}
	if p.FailurePolicy != PolicyFailClosed && p.FailurePolicy != PolicyBestEffort {
		return &ConfigError{Field: "pipeline.failure_policy", Err: fmt.Errorf("unknown policy %q", p.FailurePolicy)}
	}
	if p.RetryAttempts < 0 {
		return &ConfigError{Field: "pipeline.retry_attempts", Err: errors.New("must not be negative")}
	}
	if p.RetryBackoff <= 0 || p.RetryMaxBackoff < p.RetryBackoff {
		return &ConfigError{Field: "pipeline.retry_backoff", Err: errors.New("backoff must be positive and not exceed the max backoff")}
	}
	if p.FetchTimeout <= 0 || p.StageTimeout <= 0 || p.LoadTimeout <= 0 || p.LoadPollInterval <= 0 {
		return &ConfigError{Field: "pipeline", Err: errors.New("timeouts and poll interval must be positive")}
	}

	return nil
}

// DatasetTypes returns the parsed dataset types to process.
func (c Config) DatasetTypes() ([]catalog.DatasetType, error) {
	if len(c.Catalog.Types) == 0 {
		return nil, errors.New("no dataset types configured")
	}
	out := make([]catalog.DatasetType, 0, len(c.Catalog.Types))
	seen := make(map[catalog.DatasetType]bool)
	for _, s := range c.Catalog.Types {
		t, err := catalog.ParseType(s)
		if err != nil {
			return nil, err
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

// CatalogSpec returns the validated catalog description.
func (c Config) CatalogSpec() (catalog.Catalog, error) {
	format, err := catalog.ParseFormat(c.Catalog.Format)
	if err != nil {
		return catalog.Catalog{}, err
	}
	cat := catalog.Catalog{
		Years:  c.Catalog.Years,
		Months: c.Catalog.Months,
		Format: format,
	}
	if err := cat.Validate(); err != nil {
		return catalog.Catalog{}, err
	}
	return cat, nil
}
