package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"file-ingestion-service/internal/jobs"
	"file-ingestion-service/internal/models"
)

const messageWidth = 60

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "List, retry and delete jobs"}

	var f jobs.Filter
	var status, channel string
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.Status = models.Status(status)
			f.Channel = models.Channel(channel)
			if f.Status != "" && !f.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			if f.Channel != "" && !f.Channel.Valid() {
				return fmt.Errorf("unknown ingestion type %q", channel)
			}
			rows, err := deps.Intake.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			renderJobs(cmd.OutOrStdout(), rows)
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status (queued, running, completed, failed)")
	list.Flags().StringVar(&channel, "type", "", "filter by ingestion type (Postgres, S3)")
	list.Flags().StringVar(&f.FileHash, "hash", "", "filter by file fingerprint")
	list.Flags().IntVar(&f.Limit, "limit", 50, "maximum number of jobs")
	list.Flags().IntVar(&f.Offset, "offset", 0, "number of jobs to skip")

	retry := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-queue a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := deps.Intake.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s %s (redispatched=%t)\n", res.Job.ID, res.Job.Status, res.Redispatched)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <job-id>...",
		Short: "Delete jobs and cancel their queued work",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := deps.Intake.BulkDelete(cmd.Context(), args...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d of %d job(s)\n", n, len(args))
			return nil
		},
	}

	cmd.AddCommand(list, retry, del)
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := deps.Intake.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		},
	}
}

func renderJobs(w io.Writer, list []models.Job) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Type", "Status", "Retries", "Files", "Created", "Message"})
	for _, job := range list {
		files := "-"
		if job.FileCount != nil {
			files = fmt.Sprint(*job.FileCount)
		}
		msg := ""
		if job.Message != nil {
			msg = shorten(*job.Message, messageWidth)
		}
		t.AppendRow(table.Row{
			job.ID,
			job.IngestionType,
			job.Status,
			job.RetryCount,
			files,
			job.CreatedAt.Format(time.DateTime),
			msg,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "Total", len(list)})
	t.Render()
}

func shorten(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
