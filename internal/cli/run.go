package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/tripdata-loader/internal/catalog"
	"github.com/withObsrvr/tripdata-loader/internal/config"
	"github.com/withObsrvr/tripdata-loader/internal/logging"
	"github.com/withObsrvr/tripdata-loader/internal/metrics"
	"github.com/withObsrvr/tripdata-loader/internal/notify"
	"github.com/withObsrvr/tripdata-loader/internal/pipeline"
	"github.com/withObsrvr/tripdata-loader/internal/report"
)

func slogComponent() *slog.Logger {
	return logging.Component("cli")
}

func buildRunCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Fetch, stage and load every configured dataset type",
		Long: `Fetch, stage and load every configured dataset type.

Reruns are safe: cached downloads and already staged objects are reused and
each table is replaced in full. Two runs for the same type are not locked
against each other; the last successful load wins. Runs may share a download
directory: only temp files idle for longer than the fetch timeout are swept
at startup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runPipeline(ctx, *configFile, cmd.OutOrStdout())
		},
	}
}

// runPipeline runs one full ingest and writes the summary to out.
func runPipeline(ctx context.Context, configFile string, out io.Writer) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return configFailure(err)
	}

	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
	log := slogComponent()
	log.Info("tripdata-loader starting", "version", Version, "git_sha", GitSHA)
	notify.ProducerVersion = Version

	types, err := cfg.DatasetTypes()
	if err != nil {
		return configFailure(err)
	}
	cat, err := cfg.CatalogSpec()
	if err != nil {
		return configFailure(err)
	}
	policy, err := pipeline.ParsePolicy(cfg.Pipeline.FailurePolicy)
	if err != nil {
		return configFailure(err)
	}

	printBanner(out, cfg, types)

	var m *metrics.Metrics
	if cfg.Metrics.Addr != "" {
		m = metrics.Init("tripdata_loader")
		srv := metrics.NewServer(cfg.Metrics.Addr)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		log.Info("serving metrics", "addr", cfg.Metrics.Addr)
	}

	c, err := buildClients(ctx, cfg)
	if err != nil {
		return configFailure(err)
	}
	defer c.Close()

	if n, err := c.fetcher.SweepPartials(cfg.Pipeline.FetchTimeout); err != nil {
		log.Warn("failed to sweep partial downloads", "error", err)
	} else if n > 0 {
		log.Info("removed partial downloads from an earlier run", "count", n)
	}

	orch, err := pipeline.New(pipeline.Config{
		Workers:         cfg.Pipeline.Workers,
		TypeConcurrency: cfg.Pipeline.TypeConcurrency,
		Policy:          policy,
		RetryAttempts:   cfg.Pipeline.RetryAttempts,
		RetryBackoff:    cfg.Pipeline.RetryBackoff,
		RetryMaxBackoff: cfg.Pipeline.RetryMaxBackoff,
		FetchTimeout:    cfg.Pipeline.FetchTimeout,
		StageTimeout:    cfg.Pipeline.StageTimeout,
	}, pipeline.Deps{
		Catalog:  cat,
		Fetcher:  c.fetcher,
		Stager:   c.stager,
		Loader:   c.loader,
		Ledger:   c.ledger,
		Notifier: c.notifier,
		Metrics:  m,
	})
	if err != nil {
		return configFailure(err)
	}

	runID := logging.GenerateRunID()
	summary, err := orch.Run(logging.WithRunID(ctx, runID), types)
	if err != nil {
		if config.IsConfigError(err) {
			return configFailure(err)
		}
		return &ExitError{Code: ExitRunFailed, Err: err}
	}

	fmt.Fprintln(out)
	report.Render(out, summary)
	fmt.Fprintf(out, "\nTotal elapsed: %s\n", summary.Elapsed.Round(time.Second))

	if cfg.SummaryPath != "" {
		if err := report.Save(cfg.SummaryPath, summary); err != nil {
			log.Error("failed to save summary", "path", cfg.SummaryPath, "error", err)
		} else {
			log.Info("summary saved", "path", cfg.SummaryPath)
		}
	}

	if !summary.Succeeded() {
		err := fmt.Errorf("dataset types failed: %s", strings.Join(summary.FailedTypes(), ", "))
		if summary.Cancelled {
			err = errors.Join(err, context.Canceled)
		}
		return &ExitError{Code: ExitRunFailed, Err: err}
	}

	printNextSteps(out, cfg, summary)
	return nil
}

func printBanner(out io.Writer, cfg config.Config, types []catalog.DatasetType) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}

	fmt.Fprintf(out, "tripdata-loader %s\n", Version)
	fmt.Fprintf(out, "  types:       %s\n", strings.Join(names, ", "))
	fmt.Fprintf(out, "  origin:      %s\n", cfg.Origin.URL)
	fmt.Fprintf(out, "  bucket:      %s (%s, %s)\n", cfg.Storage.Bucket, cfg.Storage.Backend, cfg.Storage.Location)
	if cfg.Warehouse.Backend == "bigquery" {
		fmt.Fprintf(out, "  destination: %s.%s (%s)\n", cfg.Warehouse.Project, cfg.Warehouse.Dataset, cfg.Warehouse.Location)
	} else {
		fmt.Fprintf(out, "  destination: local warehouse\n")
	}
	fmt.Fprintf(out, "  policy:      %s\n", cfg.Pipeline.FailurePolicy)
}

// printNextSteps lists the tables that are ready to query.
func printNextSteps(out io.Writer, cfg config.Config, s *report.Summary) {
	fmt.Fprintln(out, "\nNext steps: query the loaded tables")

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.Style().Format.Header = text.FormatDefault
	t.AppendHeader(table.Row{"table", "rows"})
	for _, r := range s.Types {
		name := r.Table
		if cfg.Warehouse.Backend == "bigquery" {
			name = fmt.Sprintf("%s.%s.%s", cfg.Warehouse.Project, cfg.Warehouse.Dataset, r.Table)
		}
		t.AppendRow(table.Row{name, r.RowCount})
	}
	t.Render()
}
