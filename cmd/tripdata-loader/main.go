package main

import (
	"context"
	"fmt"
	"os"

	"github.com/withObsrvr/tripdata-loader/internal/cli"
)

func main() {
	root := cli.BuildCLI()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "tripdata-loader: %v\n", err)
		os.Exit(cli.ExitCode(err))
	}
}
