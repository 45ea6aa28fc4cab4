package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/harmony/internal/harmonize"
	"github.com/marcus/harmony/internal/models"
	"github.com/marcus/harmony/internal/output"
)

var syncPolicy policyFlag

var syncCmd = &cobra.Command{
	Use:   "sync [affiliation-id]",
	Short: "Run one harmonization pass now",
	Long: `Run one pass over every pairing, or over the given one, and print what
changed.

Examples:
  harmony sync                      # every pairing
  harmony sync af_1a2b3c4d5e6f7a8b  # one pairing
  harmony sync --policy local_wins  # local side wins conflicts this time`,
	GroupID: "harmonize",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		var only string
		if len(args) == 1 {
			only = args[0]
		}
		jsonOut, _ := cmd.Flags().GetBool("json")
		results, err := syncPairings(cmd.Context(), a, syncPolicy.policy, only)
		if jsonOut {
			if jerr := output.JSON(results); jerr != nil {
				return jerr
			}
		} else {
			printSyncResults(results)
		}
		return err
	},
}

// syncResult is one pairing's pass outcome.
type syncResult struct {
	AffiliationID string            `json:"affiliation_id"`
	Stats         models.Statistics `json:"stats"`
	Skipped       bool              `json:"skipped,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// syncPairings runs one pass per pairing in turn. only restricts the run to
// a single affiliation, which must exist.
func syncPairings(ctx context.Context, a *app, policy models.Policy, only string) ([]syncResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	engine, err := a.engine(policy)
	if err != nil {
		return nil, err
	}

	var pairings []models.CollectionCorrelation
	if only != "" {
		cc, err := a.db.GetCollectionCorrelation(ctx, only)
		if err != nil {
			return nil, err
		}
		if cc == nil {
			return nil, fmt.Errorf("no pairing %s", only)
		}
		pairings = append(pairings, *cc)
	} else if pairings, err = a.db.ListCollectionCorrelations(ctx); err != nil {
		return nil, err
	}

	var (
		results []syncResult
		errs    []error
	)
	for _, cc := range pairings {
		stats, err := engine.Run(ctx, cc)
		r := syncResult{AffiliationID: cc.AffiliationID, Stats: stats}
		switch {
		case errors.Is(err, harmonize.ErrLeaseHeld):
			r.Skipped = true
		case err != nil:
			r.Error = err.Error()
			errs = append(errs, fmt.Errorf("pairing %s: %w", cc.AffiliationID, err))
		}
		results = append(results, r)
	}
	return results, errors.Join(errs...)
}

func printSyncResults(results []syncResult) {
	if len(results) == 0 {
		output.Info("No pairings. Add one with: harmony pair add <local> <remote>")
		return
	}
	for _, r := range results {
		switch {
		case r.Skipped:
			output.Warning("%s: skipped, another pass holds the pairing", r.AffiliationID)
		case r.Error != "":
			output.Error("%s: %s", r.AffiliationID, r.Error)
		default:
			fmt.Printf("%s  %s\n", output.Title(r.AffiliationID), output.FormatStats(r.Stats))
		}
	}
}

func init() {
	syncCmd.Flags().Var(&syncPolicy, "policy", "Conflict policy override: local_wins, remote_wins or chronology")
	syncCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(syncCmd)
}
