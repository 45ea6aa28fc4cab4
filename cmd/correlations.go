package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/harmony/internal/models"
	"github.com/marcus/harmony/internal/output"
)

var correlationsCmd = &cobra.Command{
	Use:     "correlations [affiliation-id]",
	Aliases: []string{"links"},
	Short:   "List linked object pairs",
	GroupID: "pairings",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		var affiliationID string
		if len(args) == 1 {
			affiliationID = args[0]
		}
		links, err := a.db.ListCorrelations(context.Background(), affiliationID)
		if err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(links)
		}
		if len(links) == 0 {
			output.Info("No correlations.")
			return nil
		}
		fmt.Print(output.Table(
			[]string{"AFFILIATION", "LOCAL", "REMOTE", "UPDATED"},
			correlationTableRows(links),
			output.TerminalWidth(0),
		))
		return nil
	},
}

func correlationTableRows(links []models.Correlation) [][]string {
	rows := make([][]string, 0, len(links))
	for _, c := range links {
		rows = append(rows, []string{
			c.AffiliationID,
			c.LocalCollectionID + "/" + c.LocalObjectID,
			c.RemoteCollectionID + "/" + c.RemoteObjectID,
			output.FormatTimeAgo(c.UpdatedAt),
		})
	}
	return rows
}

func init() {
	correlationsCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(correlationsCmd)
}
