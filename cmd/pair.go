package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/harmony/internal/models"
	"github.com/marcus/harmony/internal/output"
)

var pairCmd = &cobra.Command{
	Use:     "pair",
	Aliases: []string{"pairs"},
	Short:   "Manage collection pairings",
	GroupID: "pairings",
}

var pairAddCmd = &cobra.Command{
	Use:   "add <local-collection> <remote-collection>",
	Short: "Pair a local collection with a remote one",
	Long: `Pair a local collection with a remote one. Both collections must exist
unless --create is given. The first pass over a new pairing enumerates both
collections in full.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		create, _ := cmd.Flags().GetBool("create")
		cc, err := addPairing(cmd.Context(), a, args[0], args[1], create)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("PAIRED %s: %s <-> %s", cc.AffiliationID, cc.LocalCollectionID, cc.RemoteCollectionID)
		return nil
	},
}

func addPairing(ctx context.Context, a *app, localID, remoteID string, create bool) (*models.CollectionCorrelation, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if create {
		if err := a.local.CreateCollection(localID); err != nil {
			return nil, fmt.Errorf("create local collection: %w", err)
		}
		if err := a.remote.CreateCollection(remoteID); err != nil {
			return nil, fmt.Errorf("create remote collection: %w", err)
		}
	}
	if c, err := a.local.FetchCollection(ctx, localID); err != nil {
		return nil, err
	} else if c == nil {
		return nil, fmt.Errorf("local collection %s not found", localID)
	}
	if c, err := a.remote.FetchCollection(ctx, remoteID); err != nil {
		return nil, err
	} else if c == nil {
		return nil, fmt.Errorf("remote collection %s not found", remoteID)
	}

	cc := &models.CollectionCorrelation{
		UserID:             a.cfg.User,
		LocalCollectionID:  localID,
		RemoteCollectionID: remoteID,
	}
	if err := a.db.CreateCollectionCorrelation(ctx, cc); err != nil {
		return nil, err
	}
	return cc, nil
}

var pairListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List pairings",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		pairings, err := a.db.ListCollectionCorrelations(ctx)
		if err != nil {
			return err
		}
		counts, err := a.db.CountCorrelations(ctx)
		if err != nil {
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			type row struct {
				models.CollectionCorrelation
				Correlations int `json:"correlations"`
			}
			rows := make([]row, 0, len(pairings))
			for _, cc := range pairings {
				rows = append(rows, row{cc, counts[cc.AffiliationID]})
			}
			return output.JSON(rows)
		}

		if len(pairings) == 0 {
			output.Info("No pairings.")
			return nil
		}
		fmt.Print(output.Table(
			[]string{"AFFILIATION", "USER", "LOCAL", "REMOTE", "LINKS", "LAST PASS"},
			pairingTableRows(pairings, counts),
			output.TerminalWidth(0),
		))
		return nil
	},
}

func pairingTableRows(pairings []models.CollectionCorrelation, counts map[string]int) [][]string {
	rows := make([][]string, 0, len(pairings))
	for _, cc := range pairings {
		rows = append(rows, []string{
			cc.AffiliationID,
			cc.UserID,
			cc.LocalCollectionID,
			cc.RemoteCollectionID,
			fmt.Sprint(counts[cc.AffiliationID]),
			output.FormatLastHarmonized(cc.LastHarmonizedAt),
		})
	}
	return rows
}

var pairRemoveCmd = &cobra.Command{
	Use:     "remove <affiliation-id>",
	Aliases: []string{"rm"},
	Short:   "Remove a pairing and all of its correlations",
	Long: `Remove a pairing together with its correlations and queued deletes.
Calendar objects on either side are left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		cc, err := removePairing(context.Background(), a, args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("REMOVED %s", cc.AffiliationID)
		return nil
	},
}

// removePairing deletes a pairing and everything hanging off it while
// holding the pairing's lease.
func removePairing(ctx context.Context, a *app, affiliationID string) (*models.CollectionCorrelation, error) {
	var removed *models.CollectionCorrelation
	err := a.withLease(affiliationID, func() error {
		cc, err := a.db.GetCollectionCorrelation(ctx, affiliationID)
		if err != nil {
			return err
		}
		if cc == nil {
			return fmt.Errorf("no pairing %s", affiliationID)
		}
		if err := a.db.DeleteAffiliation(ctx, cc.UserID, cc.AffiliationID); err != nil {
			return err
		}
		a.releaseTokens(ctx, cc)
		removed = cc
		return nil
	})
	return removed, err
}

var pairResetCmd = &cobra.Command{
	Use:   "reset <affiliation-id>",
	Short: "Forget both resume tokens so the next pass enumerates everything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := resetPairing(context.Background(), a, args[0]); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("RESET %s", args[0])
		return nil
	},
}

// resetPairing clears both resume tokens while holding the pairing's lease,
// so a running pass cannot overwrite the reset.
func resetPairing(ctx context.Context, a *app, affiliationID string) error {
	return a.withLease(affiliationID, func() error {
		cc, err := a.db.GetCollectionCorrelation(ctx, affiliationID)
		if err != nil {
			return err
		}
		if cc == nil {
			return fmt.Errorf("no pairing %s", affiliationID)
		}
		if err := a.db.ResetResumeTokens(ctx, affiliationID); err != nil {
			return err
		}
		a.releaseTokens(ctx, cc)
		return nil
	})
}

func init() {
	pairAddCmd.Flags().Bool("create", false, "Create missing collections on both sides")
	pairListCmd.Flags().Bool("json", false, "Output as JSON")
	pairCmd.AddCommand(pairAddCmd, pairListCmd, pairRemoveCmd, pairResetCmd)
	rootCmd.AddCommand(pairCmd)
}
