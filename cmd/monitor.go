package cmd

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/marcus/harmony/internal/tui/monitor"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live dashboard of pairings and harmonization activity",
	Long: `Launch a live-updating dashboard showing every pairing with its link count
and last pass, and the harmonization log.

Key bindings:
  Tab      Switch panels
  ↑/↓      Select a pairing or scroll the log
  Enter    Show only the selected pairing's activity
  Esc      Clear the filter
  r        Force refresh
  ?        Toggle help
  q        Quit`,
	GroupID: "observe",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		interval, _ := cmd.Flags().GetDuration("interval")
		if interval < 500*time.Millisecond {
			interval = 2 * time.Second
		}

		p := tea.NewProgram(monitor.NewModel(a.db, interval), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("error running monitor: %w", err)
		}
		return nil
	},
}

func init() {
	monitorCmd.Flags().Duration("interval", 2*time.Second, "Refresh interval")
	rootCmd.AddCommand(monitorCmd)
}
