// Command ingestctl is the operator CLI for ingestion jobs.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"file-ingestion-service/internal/app"
	"file-ingestion-service/internal/config"
	"file-ingestion-service/internal/logger"
)

var (
	cfg  config.Config
	lg   logger.Logger
	deps *app.Deps
)

var rootCmd = &cobra.Command{
	Use:           "ingestctl",
	Short:         "Inspect and manage file ingestion jobs",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg = config.Load()
		level, _ := cmd.Flags().GetString("log-level")
		var err error
		if lg, err = logger.New(level); err != nil {
			return err
		}
		deps, err = app.Bootstrap(cmd.Context(), cfg, lg)
		return err
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if deps != nil {
			deps.Close()
		}
		if lg != nil {
			_ = lg.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(newJobsCmd(), newStatusCmd(), newAnalyticsCmd(), newDLQCmd(), newQueueCmd())
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
