package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/callpilot/internal/queue"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage queued jobs",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in one lifecycle state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		sched, st, rdb, err := initScheduler(ctx)
		if err != nil {
			return err
		}
		defer st.Close()  //nolint:errcheck
		defer rdb.Close() //nolint:errcheck

		state, _ := cmd.Flags().GetString("state")
		offset, _ := cmd.Flags().GetInt64("offset")
		limit, _ := cmd.Flags().GetInt64("limit")

		jobs, err := sched.ListByState(ctx, state, offset, limit)
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}
		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show the full job record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sched, st, rdb, err := initScheduler(ctx)
		if err != nil {
			return err
		}
		defer st.Close()  //nolint:errcheck
		defer rdb.Close() //nolint:errcheck

		job, err := sched.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

// -- jobs cancel / retry --

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or active job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sched, st, rdb, err := initScheduler(ctx)
		if err != nil {
			return err
		}
		defer st.Close()  //nolint:errcheck
		defer rdb.Close() //nolint:errcheck

		if err := sched.Cancel(ctx, args[0]); err != nil {
			return eris.Wrap(err, "jobs cancel")
		}
		fmt.Println("canceled")
		return nil
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Requeue a failed job with one more attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sched, st, rdb, err := initScheduler(ctx)
		if err != nil {
			return err
		}
		defer st.Close()  //nolint:errcheck
		defer rdb.Close() //nolint:errcheck

		if err := sched.Retry(ctx, args[0]); err != nil {
			return eris.Wrap(err, "jobs retry")
		}
		fmt.Println("requeued")
		return nil
	},
}

// -- jobs stats --

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the per-state queue census",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		sched, st, rdb, err := initScheduler(ctx)
		if err != nil {
			return err
		}
		defer st.Close()  //nolint:errcheck
		defer rdb.Close() //nolint:errcheck

		stats, err := sched.Stats(ctx)
		if err != nil {
			return eris.Wrap(err, "jobs stats")
		}

		formatQueueStats(os.Stdout, stats)
		return nil
	},
}

// -- jobs clean --

var jobsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Evict terminal jobs older than the grace period",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		sched, st, rdb, err := initScheduler(ctx)
		if err != nil {
			return err
		}
		defer st.Close()  //nolint:errcheck
		defer rdb.Close() //nolint:errcheck

		state, _ := cmd.Flags().GetString("state")
		grace, _ := cmd.Flags().GetDuration("grace")
		limit, _ := cmd.Flags().GetInt64("limit")

		removed, err := sched.Clean(ctx, grace, limit, state)
		if err != nil {
			return eris.Wrap(err, "jobs clean")
		}
		fmt.Printf("removed %d jobs\n", removed)
		return nil
	},
}

// -- jobs pause / resume --

var jobsPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause dispatch; waiting jobs accumulate",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		sched, st, rdb, err := initScheduler(ctx)
		if err != nil {
			return err
		}
		defer st.Close()  //nolint:errcheck
		defer rdb.Close() //nolint:errcheck

		if err := sched.Pause(ctx); err != nil {
			return eris.Wrap(err, "jobs pause")
		}
		fmt.Println("paused")
		return nil
	},
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume dispatch",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		sched, st, rdb, err := initScheduler(ctx)
		if err != nil {
			return err
		}
		defer st.Close()  //nolint:errcheck
		defer rdb.Close() //nolint:errcheck

		if err := sched.Resume(ctx); err != nil {
			return eris.Wrap(err, "jobs resume")
		}
		fmt.Println("resumed")
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("state", "waiting", "lifecycle state (waiting, delayed, active, completed, failed, canceled)")
	jobsListCmd.Flags().Int64("offset", 0, "pagination offset")
	jobsListCmd.Flags().Int64("limit", 50, "max jobs to display")

	jobsCleanCmd.Flags().String("state", "completed", "terminal state to clean (completed, failed, canceled)")
	jobsCleanCmd.Flags().Duration("grace", 24*time.Hour, "keep jobs younger than this")
	jobsCleanCmd.Flags().Int64("limit", 1000, "max jobs to remove")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsStatsCmd)
	jobsCmd.AddCommand(jobsCleanCmd)
	jobsCmd.AddCommand(jobsPauseCmd)
	jobsCmd.AddCommand(jobsResumeCmd)
	rootCmd.AddCommand(jobsCmd)
}

// formatJobsList writes a tabular list of jobs to w.
func formatJobsList(out io.Writer, jobs []*queue.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFAMILY\tSTATE\tPRIO\tATTEMPTS\tCREATED\tLAST_ERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t-----\t----\t--------\t-------\t----------")

	for _, j := range jobs {
		lastErr := j.LastError
		if len(lastErr) > 40 {
			lastErr = lastErr[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			truncateID(j.ID),
			j.Family,
			j.State,
			j.Priority,
			j.AttemptsMade,
			j.MaxAttempts,
			j.CreatedAt.Format("2006-01-02 15:04"),
			lastErr,
		)
	}
	_ = w.Flush()
}

// formatQueueStats writes the queue census to w.
func formatQueueStats(out io.Writer, s *queue.Stats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Waiting:\t%d\n", s.Waiting)
	_, _ = fmt.Fprintf(w, "Delayed:\t%d\n", s.Delayed)
	_, _ = fmt.Fprintf(w, "Active:\t%d\n", s.Active)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.Completed)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Canceled:\t%d\n", s.Canceled)
	_, _ = fmt.Fprintf(w, "Repeats:\t%d\n", s.Repeats)
	if s.Paused {
		_, _ = fmt.Fprintln(w, "Dispatch:\tPAUSED")
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
