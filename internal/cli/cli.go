// Package cli implements the tripdata-loader command line.
//
//	tripdata-loader
//	├── run       fetch, stage and load the configured catalog
//	├── catalog   list work items, staging keys and source locations
//	└── summary   render the summary persisted by the last run
//
// Configuration comes from an optional YAML file (--config) overridden by
// environment variables.
package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/tripdata-loader/internal/config"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitRunFailed   = 1
	ExitConfigError = 2
)

// ExitError carries the process exit status of a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps a command error to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	if config.IsConfigError(err) {
		return ExitConfigError
	}
	return ExitRunFailed
}

func configFailure(err error) error {
	return &ExitError{Code: ExitConfigError, Err: err}
}

// BuildCLI creates the root command.
func BuildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "tripdata-loader",
		Short:         "Idempotent ingest of monthly trip-data partitions into a warehouse",
		Version:       fmt.Sprintf("%s (%s)", Version, GitSHA),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file (environment variables override it)")

	rootCmd.AddCommand(
		buildRunCommand(&configFile),
		buildCatalogCommand(&configFile),
		buildSummaryCommand(&configFile),
	)
	return rootCmd
}
