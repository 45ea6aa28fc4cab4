package monitor

import (
	"context"
	"time"

	"github.com/marcus/harmony/internal/models"
)

// activityLimit caps how many log entries one refresh loads.
const activityLimit = 200

// Source is what the monitor reads. *db.DB satisfies it.
type Source interface {
	ListCollectionCorrelations(ctx context.Context) ([]models.CollectionCorrelation, error)
	CountCorrelations(ctx context.Context) (map[string]int, error)
	LogTail(ctx context.Context, limit int) ([]models.LogEntry, error)
}

// PairingRow is one pairing with its correlation count.
type PairingRow struct {
	Pairing      models.CollectionCorrelation
	Correlations int
}

// FetchData retrieves all data needed for the monitor display
func FetchData(ctx context.Context, src Source) RefreshDataMsg {
	msg := RefreshDataMsg{Timestamp: time.Now()}

	pairings, err := src.ListCollectionCorrelations(ctx)
	if err != nil {
		msg.Err = err
		return msg
	}
	counts, err := src.CountCorrelations(ctx)
	if err != nil {
		msg.Err = err
		return msg
	}
	for _, cc := range pairings {
		msg.Pairings = append(msg.Pairings, PairingRow{Pairing: cc, Correlations: counts[cc.AffiliationID]})
	}

	// Newest first for display.
	entries, err := src.LogTail(ctx, activityLimit)
	if err != nil {
		msg.Err = err
		return msg
	}
	for i := len(entries) - 1; i >= 0; i-- {
		msg.Activity = append(msg.Activity, entries[i])
	}
	return msg
}
