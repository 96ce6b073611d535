package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"file-ingestion-service/internal/processing"
)

func newAnalyticsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "analytics", Short: "Reporting tables"}

	var async bool
	build := &cobra.Command{
		Use:   "build",
		Short: "Rebuild the analytics tables from the jobs table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if async {
				id, err := deps.Intake.BuildAnalytics(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "analytics build dispatched, task %s\n", id)
				return nil
			}
			report, err := processing.NewAnalyticsBuilder(deps.Store.Pool(), cfg.TableSchema, lg).Build(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingestion_summary: %d rows\ningestion_daily: %d rows\ntables processed: %d\n",
				report.SummaryRows, report.DailyRows, report.TablesProcessed)
			return nil
		},
	}
	build.Flags().BoolVar(&async, "async", false, "dispatch to the worker pool instead of running inline")

	cmd.AddCommand(build)
	return cmd
}

func newDLQCmd() *cobra.Command {
	var count int64
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Show dead-lettered task ids, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := deps.Queue.DLQPeek(cmd.Context(), count)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&count, "count", 100, "maximum number of ids")
	return cmd
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Print ready, in-flight and scheduled task counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ready, err := deps.Queue.ReadyDepth(ctx)
			if err != nil {
				return err
			}
			inflight, err := deps.Queue.InFlight(ctx)
			if err != nil {
				return err
			}
			scheduled, err := deps.Queue.ScheduledCount(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ready=%d inflight=%d scheduled=%d\n", ready, inflight, scheduled)
			return nil
		},
	}
}
