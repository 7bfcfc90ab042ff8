package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/callpilot/internal/queue"
	"github.com/sells-group/callpilot/internal/scheduler"
)

var refillCmd = &cobra.Command{
	Use:   "refill",
	Short: "Schedule calls for callable leads",
	Long:  "Expands callable leads into place-call jobs. Runs once by default; --cron registers a recurring refill instead.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		sched, st, rdb, err := initScheduler(ctx)
		if err != nil {
			return err
		}
		defer st.Close()  //nolint:errcheck
		defer rdb.Close() //nolint:errcheck

		message, _ := cmd.Flags().GetString("message")
		priority, _ := cmd.Flags().GetString("priority")
		limit, _ := cmd.Flags().GetInt("limit")
		pattern, _ := cmd.Flags().GetString("cron")

		// An explicit --limit 0 schedules nothing; an absent flag means
		// "as many as config allows".
		if !cmd.Flags().Changed("limit") {
			limit = cfg.Refill.MaxLeadLimit
		}

		req := scheduler.RefillRequest{
			Message:   message,
			Priority:  priority,
			LeadLimit: limit,
		}

		if pattern != "" {
			id, err := sched.ScheduleRefill(ctx, req, pattern)
			if err != nil {
				return eris.Wrap(err, "schedule refill")
			}
			fmt.Println(id)
			return nil
		}

		res, err := sched.RunRefillNow(ctx, req)
		if err != nil {
			return eris.Wrap(err, "run refill")
		}
		fmt.Printf("scheduled %d calls\n", res.Scheduled)
		return nil
	},
}

var refillListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recurring schedules",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		sched, st, rdb, err := initScheduler(ctx)
		if err != nil {
			return err
		}
		defer st.Close()  //nolint:errcheck
		defer rdb.Close() //nolint:errcheck

		reps, err := sched.ListSchedules(ctx)
		if err != nil {
			return eris.Wrap(err, "refill list")
		}
		if len(reps) == 0 {
			fmt.Fprintln(os.Stderr, "No schedules registered.")
			return nil
		}

		formatSchedules(os.Stdout, reps)
		return nil
	},
}

var refillStopCmd = &cobra.Command{
	Use:   "stop <schedule-id>",
	Short: "Remove a recurring schedule and its pending child job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sched, st, rdb, err := initScheduler(ctx)
		if err != nil {
			return err
		}
		defer st.Close()  //nolint:errcheck
		defer rdb.Close() //nolint:errcheck

		if err := sched.StopSchedule(ctx, args[0]); err != nil {
			return eris.Wrap(err, "refill stop")
		}
		fmt.Println("stopped")
		return nil
	},
}

func init() {
	refillCmd.Flags().String("message", "", "agent instructions for refill calls (default from config)")
	refillCmd.Flags().String("priority", "", "job priority (high, normal, low)")
	refillCmd.Flags().Int("limit", 0, "max leads per run (default from config)")
	refillCmd.Flags().String("cron", "", "register a recurring refill instead of running once")

	refillCmd.AddCommand(refillListCmd)
	refillCmd.AddCommand(refillStopCmd)
	rootCmd.AddCommand(refillCmd)
}

// formatSchedules writes a tabular list of repeat registrations to w.
func formatSchedules(out io.Writer, reps []queue.RepeatInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFAMILY\tPATTERN\tNEXT_FIRE")
	_, _ = fmt.Fprintln(w, "--\t------\t-------\t---------")
	for _, r := range reps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.ID,
			r.Family,
			r.Pattern,
			r.NextFire.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
