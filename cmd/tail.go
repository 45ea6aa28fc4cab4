package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/harmony/internal/output"
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent harmonization activity",
	Long: `Show recent creates, updates and deletes made by harmonization passes.
Use -f to follow in real time.

Examples:
  harmony tail          # Show last 20 entries
  harmony tail -f       # Follow new entries in real time
  harmony tail -n 50    # Show last 50 entries
  harmony tail -f -n 0  # Follow only new entries, skip history`,
	GroupID: "observe",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		lines, _ := cmd.Flags().GetInt("lines")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var maxID int64
		if lines > 0 {
			entries, err := a.db.LogTail(ctx, lines)
			if err != nil {
				output.Error("query harmonization log: %v", err)
				return err
			}
			for _, e := range entries {
				fmt.Println(output.FormatLogEntry(e))
				maxID = max(maxID, e.ID)
			}
			if len(entries) == 0 && !follow {
				fmt.Println("No harmonization activity recorded.")
			}
		}
		if !follow {
			return nil
		}

		// Following without history starts after the newest entry.
		if maxID == 0 {
			if tail, _ := a.db.LogTail(ctx, 1); len(tail) > 0 {
				maxID = tail[0].ID
			}
		}

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				fmt.Println()
				return nil
			case <-ticker.C:
				entries, err := a.db.LogSince(ctx, maxID, 100)
				if err != nil {
					slog.Debug("tail: poll", "err", err)
					continue
				}
				for _, e := range entries {
					fmt.Println(output.FormatLogEntry(e))
					maxID = max(maxID, e.ID)
				}
			}
		}
	},
}

func init() {
	tailCmd.Flags().BoolP("follow", "f", false, "Follow new entries in real time")
	tailCmd.Flags().IntP("lines", "n", 20, "Number of initial lines to show")
	rootCmd.AddCommand(tailCmd)
}
