package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/tripdata-loader/internal/config"
	"github.com/withObsrvr/tripdata-loader/internal/fetch"
	"github.com/withObsrvr/tripdata-loader/internal/report"
)

func buildCatalogCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the work items of the configured catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listCatalog(cmd.Context(), *configFile, cmd.OutOrStdout())
		},
	}
}

// listCatalog prints every work item with its staging key and source.
func listCatalog(ctx context.Context, configFile string, out io.Writer) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return configFailure(err)
	}
	types, err := cfg.DatasetTypes()
	if err != nil {
		return configFailure(err)
	}
	cat, err := cfg.CatalogSpec()
	if err != nil {
		return configFailure(err)
	}

	origin, err := fetch.NewOrigin(ctx, cfg.Origin.URL, 0)
	if err != nil {
		return configFailure(&config.ConfigError{Field: "origin.url", Err: err})
	}
	if closer, ok := origin.(io.Closer); ok {
		defer closer.Close()
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.Style().Format.Header = text.FormatDefault
	t.AppendHeader(table.Row{"item", "staging key", "source"})

	total := 0
	for _, dt := range types {
		for _, item := range cat.Items(dt) {
			t.AppendRow(table.Row{item.String(), item.StagingKey(), origin.Describe(item)})
			total++
		}
	}
	t.AppendFooter(table.Row{"total", total, ""})
	t.Render()
	return nil
}

func buildSummaryCommand(configFile *string) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show the summary saved by the last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, err := config.Load(*configFile)
				if err != nil {
					return configFailure(err)
				}
				path = cfg.SummaryPath
			}
			if path == "" {
				return configFailure(&config.ConfigError{Field: "summary_path", Err: fmt.Errorf("not set; use --file or SUMMARY_PATH")})
			}
			return showSummary(path, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&path, "file", "f", "", "summary JSON file (defaults to SUMMARY_PATH)")
	return cmd
}

func showSummary(path string, out io.Writer) error {
	s, err := report.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "run %s (%s) started %s\n", s.RunID, s.Policy, s.StartedAt.Format("2006-01-02 15:04:05Z07:00"))
	report.Render(out, s)
	if !s.Succeeded() {
		return &ExitError{Code: ExitRunFailed, Err: fmt.Errorf("last run failed")}
	}
	return nil
}
