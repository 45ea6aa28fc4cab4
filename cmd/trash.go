package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/harmony/internal/models"
	"github.com/marcus/harmony/internal/output"
)

var trashCmd = &cobra.Command{
	Use:   "trash <local-collection> <object-id>",
	Short: "Queue a local deletion for the next pass",
	Long: `Record that a local object was moved to the trash. The next pass deletes
its remote counterpart and drops the correlation, even if the local change
feed never reports the deletion.`,
	GroupID: "pairings",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		queued, err := trashObject(cmd.Context(), a, args[0], args[1])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("QUEUED %s for deletion in %s", args[1], strings.Join(queued, ", "))
		return nil
	},
}

// trashObject enqueues a pending delete for a linked local object with every
// pairing that owns its collection. It returns the affiliation ids queued.
func trashObject(ctx context.Context, a *app, localCollectionID, objectID string) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	owners, err := a.db.ListCollectionCorrelationsByLocal(ctx, a.cfg.User, localCollectionID)
	if err != nil {
		return nil, err
	}
	if len(owners) == 0 {
		return nil, fmt.Errorf("no pairing owns local collection %s", localCollectionID)
	}
	c, err := a.db.FindByLocal(ctx, a.cfg.User, models.TypeEvent, objectID, localCollectionID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("object %s is not linked to a remote object", objectID)
	}

	var queued []string
	for _, cc := range owners {
		if err := a.db.EnqueuePendingDelete(ctx, cc.AffiliationID, objectID); err != nil {
			return queued, fmt.Errorf("queue delete in %s: %w", cc.AffiliationID, err)
		}
		queued = append(queued, cc.AffiliationID)
	}
	return queued, nil
}

func init() {
	rootCmd.AddCommand(trashCmd)
}
