package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/dispense/app"
	"github.com/kilianp07/dispense/config"
	"github.com/kilianp07/dispense/core/dispense/runlog"
)

var runsFlags struct {
	since   time.Duration
	outcome string
	runID   string
	limit   int
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List dispense runs from the run log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, cfg *config.Config, svc *app.Service) error {
			if cfg.RunLog.Backend == "memory" {
				return fmt.Errorf("runs: the memory run log does not outlive the service, configure jsonl, rotating or sqlite")
			}
			q := runlog.Query{Outcome: runsFlags.outcome, RunID: runsFlags.runID, Limit: runsFlags.limit}
			if runsFlags.since > 0 {
				q.Start = time.Now().Add(-runsFlags.since)
			}
			recs, err := svc.Runs(ctx, q)
			if err != nil {
				return err
			}
			return render(cmd, recs)
		})
	},
}

func init() {
	f := runsCmd.Flags()
	f.DurationVar(&runsFlags.since, "since", 0, "only runs newer than this")
	f.StringVar(&runsFlags.outcome, "outcome", "", "completed, timed_out, cancelled or failed")
	f.StringVar(&runsFlags.runID, "run-id", "", "a single run")
	f.IntVar(&runsFlags.limit, "limit", 20, "newest runs to show, 0 for all")
	rootCmd.AddCommand(runsCmd)
}
