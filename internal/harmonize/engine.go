package harmonize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/marcus/harmony/internal/db"
	"github.com/marcus/harmony/internal/models"
)

// ErrLeaseHeld is returned by Run when another pass holds the pairing.
var ErrLeaseHeld = errors.New("harmonization already running for this pairing")

// Config wires an Engine.
type Config struct {
	Store  CorrelationStore
	Local  LocalAdapter
	Remote RemoteAdapter
	Policy models.Policy
	Leaser Leaser // optional
	Logger *slog.Logger
}

// Engine runs harmonization passes over collection pairings.
type Engine struct {
	store      CorrelationStore
	local      LocalAdapter
	remote     RemoteAdapter
	leaser     Leaser
	reconciler *Reconciler
	logger     *slog.Logger
}

// NewEngine returns an Engine for cfg.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      cfg.Store,
		local:      cfg.Local,
		remote:     cfg.Remote,
		leaser:     cfg.Leaser,
		reconciler: NewReconciler(cfg.Store, cfg.Local, cfg.Remote, cfg.Policy, logger),
		logger:     logger,
	}
}

// Run performs one pass over cc: local changes first, then remote changes.
// Each side's resume token is saved only after all of its ids have been
// processed; an error or cancellation leaves the token of an unfinished side
// untouched so the next pass resumes from the last durable checkpoint.
func (e *Engine) Run(ctx context.Context, cc models.CollectionCorrelation) (models.Statistics, error) {
	var stats models.Statistics
	log := e.logger.With("affiliation", cc.AffiliationID)

	if e.leaser != nil {
		release, err := e.leaser.Acquire(cc.AffiliationID)
		if errors.Is(err, db.ErrLeaseTimeout) {
			return stats, fmt.Errorf("%w: %v", ErrLeaseHeld, err)
		}
		if err != nil {
			return stats, fmt.Errorf("acquire lease: %w", err)
		}
		defer func() {
			if err := release(); err != nil {
				log.Warn("release lease", "err", err)
			}
		}()
	}

	// The caller's copy may predate a pass that finished while we waited
	// for the lease.
	fresh, err := e.store.GetCollectionCorrelation(ctx, cc.AffiliationID)
	if err != nil {
		return stats, fmt.Errorf("reload pairing: %w", err)
	}
	if fresh == nil {
		log.Info("pairing removed, skipping pass")
		return stats, nil
	}
	cc = *fresh

	localColl, err := e.local.FetchCollection(ctx, cc.LocalCollectionID)
	if err != nil {
		return stats, fmt.Errorf("fetch local collection %s: %w", cc.LocalCollectionID, err)
	}
	remoteColl, err := e.remote.FetchCollection(ctx, cc.RemoteCollectionID)
	if err != nil {
		return stats, fmt.Errorf("fetch remote collection %s: %w", cc.RemoteCollectionID, err)
	}
	if localColl == nil || remoteColl == nil {
		log.Warn("collection gone, removing pairing",
			"local_found", localColl != nil, "remote_found", remoteColl != nil)
		if err := e.store.DeleteAffiliation(ctx, cc.UserID, cc.AffiliationID); err != nil {
			return stats, fmt.Errorf("delete orphaned pairing: %w", err)
		}
		e.releaseToken(ctx, log, e.local, cc.LocalCollectionID, cc.LocalResumeToken)
		e.releaseToken(ctx, log, e.remote, cc.RemoteCollectionID, cc.RemoteResumeToken)
		return stats, nil
	}

	// Both feeds are enumerated before anything is mutated so that an
	// enumeration failure leaves both tokens where they were.
	localChanges, err := e.local.FetchChanges(ctx, cc.LocalCollectionID, cc.LocalResumeToken)
	if err != nil {
		return stats, fmt.Errorf("fetch local changes: %w", err)
	}
	pending, err := e.store.PendingDeletes(ctx, cc.AffiliationID)
	if err != nil {
		return stats, fmt.Errorf("load pending deletes: %w", err)
	}
	remoteChanges, err := e.remote.FetchChanges(ctx, cc.RemoteCollectionID, cc.RemoteResumeToken)
	if err != nil {
		return stats, fmt.Errorf("fetch remote changes: %w", err)
	}

	p := NewPass()
	if err := e.runLocal(ctx, p, cc, localChanges, pending, &stats, log); err != nil {
		return stats, err
	}
	if err := e.runRemote(ctx, p, cc, remoteChanges, &stats, log); err != nil {
		return stats, err
	}

	log.Info("harmonization pass complete",
		"remote_created", stats.RemoteCreated, "remote_updated", stats.RemoteUpdated,
		"remote_deleted", stats.RemoteDeleted, "local_created", stats.LocalCreated,
		"local_updated", stats.LocalUpdated, "local_deleted", stats.LocalDeleted,
		"failed", stats.Failed)
	return stats, nil
}

func (e *Engine) runLocal(ctx context.Context, p *Pass, cc models.CollectionCorrelation, changes *models.ChangeSet, pending []models.PendingDelete, stats *models.Statistics, log *slog.Logger) error {
	changed := append(append([]string(nil), changes.Added...), changes.Modified...)
	for _, id := range changed {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("local pass interrupted: %w", err)
		}
		o, err := e.reconciler.ReconcileLocalChanged(ctx, p, cc.UserID, cc.LocalCollectionID, id, cc.RemoteCollectionID, cc.AffiliationID)
		e.record(ctx, log, stats, models.DirectionLocal, cc.AffiliationID, id, o, err)
	}

	// Queued trash notifications are ordinary deletions.
	deleted := append([]string(nil), changes.Deleted...)
	seen := make(map[string]bool, len(deleted))
	for _, id := range deleted {
		seen[id] = true
	}
	queued := make(map[string]bool, len(pending))
	for _, pd := range pending {
		queued[pd.LocalObjectID] = true
		if !seen[pd.LocalObjectID] {
			seen[pd.LocalObjectID] = true
			deleted = append(deleted, pd.LocalObjectID)
		}
	}

	var acked []string
	for _, id := range deleted {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("local pass interrupted: %w", err)
		}
		o, err := e.reconciler.ReconcileLocalDeleted(ctx, cc.UserID, cc.LocalCollectionID, id)
		e.record(ctx, log, stats, models.DirectionLocal, cc.AffiliationID, id, o, err)
		if err == nil && queued[id] {
			acked = append(acked, id)
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("local pass interrupted: %w", err)
	}
	err := e.commitToken(ctx, log, e.local, cc.LocalCollectionID, cc.LocalResumeToken, changes.NextToken, func() error {
		return e.store.SaveLocalResumeToken(ctx, cc.AffiliationID, changes.NextToken)
	})
	if err != nil {
		return fmt.Errorf("save local resume token: %w", err)
	}
	if err := e.store.AckPendingDeletes(ctx, cc.AffiliationID, acked); err != nil {
		return fmt.Errorf("ack pending deletes: %w", err)
	}
	return nil
}

func (e *Engine) runRemote(ctx context.Context, p *Pass, cc models.CollectionCorrelation, changes *models.RemoteChangeSet, stats *models.Statistics, log *slog.Logger) error {
	for _, id := range changes.ChangedIDs() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("remote pass interrupted: %w", err)
		}
		o, err := e.reconciler.ReconcileRemoteChanged(ctx, p, cc.UserID, cc.RemoteCollectionID, id, cc.LocalCollectionID, cc.AffiliationID)
		e.record(ctx, log, stats, models.DirectionRemote, cc.AffiliationID, id, o, err)
	}
	for _, id := range changes.Deleted {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("remote pass interrupted: %w", err)
		}
		o, err := e.reconciler.ReconcileRemoteDeleted(ctx, cc.UserID, cc.RemoteCollectionID, id)
		e.record(ctx, log, stats, models.DirectionRemote, cc.AffiliationID, id, o, err)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("remote pass interrupted: %w", err)
	}
	err := e.commitToken(ctx, log, e.remote, cc.RemoteCollectionID, cc.RemoteResumeToken, changes.NextToken, func() error {
		return e.store.SaveRemoteResumeToken(ctx, cc.AffiliationID, changes.NextToken)
	})
	if err != nil {
		return fmt.Errorf("save remote resume token: %w", err)
	}
	return nil
}

// commitToken saves next in place of prev. Feeds implementing Checkpointer
// retain next before the save and release prev after it.
func (e *Engine) commitToken(ctx context.Context, log *slog.Logger, feed any, collectionID, prev, next string, save func() error) error {
	cp, _ := feed.(Checkpointer)
	if cp == nil {
		return save()
	}
	if next != "" {
		if err := cp.RetainToken(ctx, collectionID, next); err != nil {
			return fmt.Errorf("retain token: %w", err)
		}
	}
	if err := save(); err != nil {
		if next != "" && next != prev {
			if rerr := cp.ReleaseToken(ctx, collectionID, next); rerr != nil {
				log.Warn("release unsaved token", "err", rerr)
			}
		}
		return err
	}
	if prev != next {
		e.releaseToken(ctx, log, feed, collectionID, prev)
	}
	return nil
}

func (e *Engine) releaseToken(ctx context.Context, log *slog.Logger, feed any, collectionID, token string) {
	cp, ok := feed.(Checkpointer)
	if !ok || token == "" {
		return
	}
	if err := cp.ReleaseToken(ctx, collectionID, token); err != nil {
		log.Warn("release resume token", "collection", collectionID, "err", err)
	}
}

// record counts one object's outcome. A failed object is logged and counted
// but does not stop the pass.
func (e *Engine) record(ctx context.Context, log *slog.Logger, stats *models.Statistics, dir models.Direction, affiliationID, objectID string, o models.Outcome, err error) {
	if err != nil {
		stats.Failed++
		log.Warn("reconcile object", "direction", dir, "object_id", objectID, "err", err)
		return
	}
	stats.Record(o)
	if o == models.NoAction {
		return
	}

	entry := models.LogEntry{AffiliationID: affiliationID, Direction: dir, Outcome: o}
	if dir == models.DirectionLocal {
		entry.LocalObjectID = objectID
	} else {
		entry.RemoteObjectID = objectID
	}
	log.Debug("object reconciled", "direction", dir, "object_id", objectID, "outcome", o)
	if err := e.store.RecordLog(ctx, entry); err != nil {
		log.Debug("record log", "err", err)
	}
}
