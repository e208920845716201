// Package cmd defines the CLI commands for the pipeline executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/newsfacts-pipeline/internal/config"
	"github.com/JakeFAU/newsfacts-pipeline/internal/server"
)

// App is the application surface the serve command drives.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory. Tests replace it with a fake.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// loadConfig is swapped in tests to bypass file and environment lookup.
var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "newsfacts",
		Short: "URL ingestion pipeline for news articles.",
		Long: `newsfacts ingests article URLs, renders and archives each page, cleans the
content, resolves named entities and extracts attributable claims. Each stage
runs as an independent worker fed by a stage queue.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env PIPELINE_* overrides it)")

	configPath := func() string { return cfgFile }
	cmd.AddCommand(
		newServeCmd(configPath),
		newMigrateCmd(configPath),
		newSubmitCmd(),
		newStatusCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
