package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/callpilot/internal/scheduler"
)

var callCmd = &cobra.Command{
	Use:   "call <number>",
	Short: "Schedule an outbound call",
	Long:  "Enqueues a place-call job. By default the call is dispatched immediately; --delay, --at, and --cron defer or repeat it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sched, st, rdb, err := initScheduler(ctx)
		if err != nil {
			return err
		}
		defer st.Close()  //nolint:errcheck
		defer rdb.Close() //nolint:errcheck

		message, _ := cmd.Flags().GetString("message")
		leadID, _ := cmd.Flags().GetString("lead")
		priority, _ := cmd.Flags().GetString("priority")
		speakFirst, _ := cmd.Flags().GetBool("speak-first")
		initialMessage, _ := cmd.Flags().GetString("initial-message")
		jobID, _ := cmd.Flags().GetString("job-id")
		delay, _ := cmd.Flags().GetDuration("delay")
		at, _ := cmd.Flags().GetString("at")
		pattern, _ := cmd.Flags().GetString("cron")

		req := scheduler.CallRequest{
			To:             args[0],
			Message:        message,
			LeadID:         leadID,
			Priority:       priority,
			SpeakFirst:     speakFirst,
			InitialMessage: initialMessage,
			JobID:          jobID,
		}

		var id string
		switch {
		case pattern != "":
			id, err = sched.ScheduleRecurring(ctx, req, pattern)
		case at != "":
			var when time.Time
			when, err = time.Parse(time.RFC3339, at)
			if err != nil {
				return eris.Wrap(err, "--at must be RFC3339")
			}
			id, err = sched.ScheduleDelayed(ctx, req, when, 0)
		case delay > 0:
			id, err = sched.ScheduleDelayed(ctx, req, time.Time{}, delay.Milliseconds())
		default:
			id, err = sched.ScheduleImmediate(ctx, req)
		}
		if err != nil {
			return eris.Wrap(err, "schedule call")
		}

		fmt.Println(id)
		return nil
	},
}

func init() {
	callCmd.Flags().String("message", "", "agent instructions for this call")
	callCmd.Flags().String("lead", "", "lead id to mark contacted on success")
	callCmd.Flags().String("priority", "", "job priority (high, normal, low)")
	callCmd.Flags().Bool("speak-first", false, "agent opens the conversation")
	callCmd.Flags().String("initial-message", "", "opening line when --speak-first is set")
	callCmd.Flags().String("job-id", "", "explicit job id for idempotent scheduling")
	callCmd.Flags().Duration("delay", 0, "defer the call (e.g. 30m, 2h)")
	callCmd.Flags().String("at", "", "fire at an RFC3339 time (wins over --delay)")
	callCmd.Flags().String("cron", "", "repeat on a cron pattern (e.g. \"0 9 * * 1-5\")")
	rootCmd.AddCommand(callCmd)
}
