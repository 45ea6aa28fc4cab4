package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/harmony/internal/scheduler"
)

var runPolicy policyFlag

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run harmonization passes on the configured schedule",
	Long: `Run as a daemon, harmonizing every pairing on the cron schedule from the
config file. Pairings run in parallel up to max_parallel; a pairing whose
lease is held by another process is skipped until the next tick.

Stops cleanly on SIGINT or SIGTERM.`,
	GroupID: "harmonize",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		schedule := a.cfg.Schedule
		if s, _ := cmd.Flags().GetString("schedule"); s != "" {
			schedule = s
		}
		if err := scheduler.ValidateSchedule(schedule); err != nil {
			return err
		}
		sched, err := a.scheduler(runPolicy.policy)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if now, _ := cmd.Flags().GetBool("now"); now {
			if _, err := sched.RunAll(ctx, nil); err != nil {
				a.logger.Error("initial run", "err", err)
			}
		}
		return sched.Start(ctx, schedule)
	},
}

func init() {
	runCmd.Flags().Var(&runPolicy, "policy", "Conflict policy override: local_wins, remote_wins or chronology")
	runCmd.Flags().String("schedule", "", "Cron schedule override")
	runCmd.Flags().Bool("now", false, "Run one pass over every pairing before waiting for the schedule")
	rootCmd.AddCommand(runCmd)
}
