package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/withObsrvr/tripdata-loader/internal/config"
	"github.com/withObsrvr/tripdata-loader/internal/fetch"
	"github.com/withObsrvr/tripdata-loader/internal/load"
	"github.com/withObsrvr/tripdata-loader/internal/metadata"
	"github.com/withObsrvr/tripdata-loader/internal/notify"
	"github.com/withObsrvr/tripdata-loader/internal/stage"
	"github.com/withObsrvr/tripdata-loader/internal/storage"
	"github.com/withObsrvr/tripdata-loader/internal/warehouse"
)

// clients are the concrete collaborators of a run. They are built once here
// and injected; nothing below the CLI constructs its own clients.
type clients struct {
	store     storage.ObjectStore
	origin    fetch.Origin
	fetcher   *fetch.Fetcher
	stager    *stage.Stager
	warehouse warehouse.Warehouse
	loader    *load.Loader
	ledger    metadata.Writer
	notifier  notify.Emitter
	log       *slog.Logger
}

// buildClients constructs every client. Any failure is a *config.ConfigError:
// the run cannot start without them.
func buildClients(ctx context.Context, cfg config.Config) (*clients, error) {
	c := &clients{log: slogComponent()}
	built := false
	defer func() {
		if !built {
			c.Close()
		}
	}()

	var err error
	c.store, err = storage.NewObjectStore(ctx, storage.StorageConfig{
		Backend:    cfg.Storage.Backend,
		Bucket:     cfg.Storage.Bucket,
		LocalDir:   cfg.Storage.LocalDir,
		GCSProject: cfg.Storage.Project,
		S3Endpoint: cfg.Storage.S3Endpoint,
		S3Region:   cfg.Storage.S3Region,
		Prefix:     cfg.Storage.Prefix,
	})
	if err != nil {
		return nil, &config.ConfigError{Field: "storage", Err: fmt.Errorf("create storage: %w", err)}
	}

	c.origin, err = fetch.NewOrigin(ctx, cfg.Origin.URL, cfg.Origin.RateLimit)
	if err != nil {
		return nil, &config.ConfigError{Field: "origin.url", Err: err}
	}
	c.fetcher, err = fetch.New(c.origin, cfg.Origin.DownloadDir, fetch.Options{})
	if err != nil {
		return nil, &config.ConfigError{Field: "origin.download_dir", Err: err}
	}

	c.stager = stage.New(c.store, cfg.Storage.Location)

	switch cfg.Warehouse.Backend {
	case "bigquery":
		bq, err := warehouse.NewBigQuery(ctx, cfg.Warehouse.Project, cfg.Warehouse.Dataset, cfg.Warehouse.Location)
		if err != nil {
			return nil, &config.ConfigError{Field: "warehouse", Err: err}
		}
		c.warehouse = bq
		if err := bq.CheckDataset(ctx); err != nil {
			return nil, &config.ConfigError{Field: "warehouse.dataset", Err: err}
		}
	default:
		c.warehouse = warehouse.NewLocal(c.store)
	}

	format, _ := cfg.CatalogSpec()
	c.loader = load.New(c.warehouse, c.store, load.Options{
		TableSuffix:  cfg.Warehouse.TableSuffix,
		Format:       format.Format,
		PollInterval: cfg.Pipeline.LoadPollInterval,
		Timeout:      cfg.Pipeline.LoadTimeout,
	})

	c.ledger, err = metadata.NewWriter(ctx, metadata.LedgerConfig{PostgresDSN: cfg.Ledger.PostgresDSN})
	if err != nil {
		return nil, &config.ConfigError{Field: "ledger.postgres_dsn", Err: err}
	}

	c.notifier, err = notify.NewEmitter(cfg.Notify)
	if err != nil {
		return nil, &config.ConfigError{Field: "notify", Err: err}
	}

	built = true
	return c, nil
}

// Close releases every client that was created.
func (c *clients) Close() {
	closeAll := []io.Closer{}
	if c.notifier != nil {
		closeAll = append(closeAll, c.notifier)
	}
	if c.ledger != nil {
		closeAll = append(closeAll, c.ledger)
	}
	if c.warehouse != nil {
		closeAll = append(closeAll, c.warehouse)
	}
	if closer, ok := c.origin.(io.Closer); ok {
		closeAll = append(closeAll, closer)
	}
	if c.store != nil {
		closeAll = append(closeAll, c.store)
	}
	for _, cl := range closeAll {
		if err := cl.Close(); err != nil {
			c.log.Warn("close failed", "error", err)
		}
	}
}
