package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/callpilot/internal/calls"
)

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "Inspect completed and in-flight calls",
}

var callsShowCmd = &cobra.Command{
	Use:   "show <call-sid>",
	Short: "Show a call with its transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		svc := calls.NewService(st)
		ev, err := svc.CallEvent(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "calls show")
		}
		if ev == nil {
			return eris.Errorf("unknown call %s", args[0])
		}
		entries, err := svc.Transcripts(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "calls show transcripts")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(ev); err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("[%s] %s: %s\n", e.Timestamp.Format("15:04:05"), e.Role, e.Content)
		}
		return nil
	},
}

func init() {
	callsCmd.AddCommand(callsShowCmd)
	rootCmd.AddCommand(callsCmd)
}
