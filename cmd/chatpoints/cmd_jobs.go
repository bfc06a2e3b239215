package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	chatjobdomain "github.com/smallbiznis/chatpoints/internal/chatjob/domain"
	"github.com/smallbiznis/chatpoints/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsStatsCmd, jobsRetryFailedCmd, jobsRunOnceCmd, jobsPurgeCmd)

	jobsRetryFailedCmd.Flags().Int("limit", 1000, "maximum number of failed jobs to reset")
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and operate the chat job queue",
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var queue chatjobdomain.Queue
		return runOneShot(cmd.Context(), func(ctx context.Context) error {
			stats, err := queue.Stats(ctx)
			if err != nil {
				return fmt.Errorf("queue stats: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STATUS\tCOUNT")
			fmt.Fprintf(w, "pending\t%d\n", stats.Pending)
			fmt.Fprintf(w, "processing\t%d\n", stats.Processing)
			fmt.Fprintf(w, "completed\t%d\n", stats.Completed)
			fmt.Fprintf(w, "failed\t%d\n", stats.Failed)
			fmt.Fprintf(w, "total\t%d\n", stats.Total())
			fmt.Fprintf(w, "oldest pending\t%s\n", stats.OldestPendingAge)
			return w.Flush()
		}, fx.Populate(&queue))
	},
}

var jobsRetryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Move terminally failed jobs back to pending",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		var queue chatjobdomain.Queue
		return runOneShot(cmd.Context(), func(ctx context.Context) error {
			n, err := queue.RetryFailed(ctx, limit)
			if err != nil {
				return fmt.Errorf("retry failed jobs: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d job(s) reset to pending.\n", n)
			return nil
		}, fx.Populate(&queue))
	},
}

var jobsRunOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Claim and process a single batch, then exit",
	Long: `Processes one batch in the foreground. It does not take the worker
lock, so stop the running worker first if strict single-consumer processing
matters.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var w *worker.Worker
		return runOneShot(cmd.Context(), func(ctx context.Context) error {
			result, err := w.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "claimed=%d completed=%d retried=%d failed=%d\n",
				result.Claimed, result.Completed, result.Retried, result.Failed)
			return nil
		}, fx.Populate(&w))
	},
}

var jobsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete completed jobs older than the configured retention",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var w *worker.Worker
		return runOneShot(cmd.Context(), func(ctx context.Context) error {
			n, err := w.PurgeCompleted(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d completed job(s) deleted.\n", n)
			return nil
		}, fx.Populate(&w))
	},
}
