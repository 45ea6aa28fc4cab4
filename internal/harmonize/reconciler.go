package harmonize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/marcus/harmony/internal/models"
)

// Reconciler applies the per-object state machine. Every correlation write
// happens after the store mutation it records.
type Reconciler struct {
	store  CorrelationStore
	local  LocalAdapter
	remote RemoteAdapter
	policy models.Policy
	logger *slog.Logger
}

// NewReconciler returns a Reconciler. A nil logger uses slog.Default.
func NewReconciler(store CorrelationStore, local LocalAdapter, remote RemoteAdapter, policy models.Policy, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, local: local, remote: remote, policy: policy, logger: logger}
}

// ReconcileLocalChanged handles an added or modified local object.
func (r *Reconciler) ReconcileLocalChanged(ctx context.Context, p *Pass, userID, localCollectionID, localObjectID, remoteCollectionID, affiliationID string) (models.Outcome, error) {
	if models.IsTombstoneID(localObjectID) {
		return models.NoAction, nil
	}
	local, err := r.local.FetchItem(ctx, localCollectionID, localObjectID)
	if err != nil {
		return models.NoAction, fmt.Errorf("fetch local %s: %w", localObjectID, err)
	}
	if local == nil {
		return models.NoAction, nil
	}

	corr, err := r.store.FindByLocal(ctx, userID, models.TypeEvent, localObjectID, localCollectionID)
	if err != nil {
		return models.NoAction, err
	}
	if corr != nil && corr.LocalFingerprint == local.Fingerprint {
		return models.NoAction, nil
	}

	remote, err := r.resolveRemote(ctx, p, corr, local, remoteCollectionID)
	if err != nil {
		return models.NoAction, err
	}

	outcome := models.NoAction
	if remote != nil {
		push, pull := true, false
		if corr == nil || remote.Fingerprint != corr.RemoteFingerprint {
			d := Decide(r.policy, local.ModifiedOn, remote.ModifiedOn)
			push, pull = d.PushLocal, d.PullRemote
			r.logger.Debug("conflict decided", "local_id", local.ID, "remote_id", remote.ID,
				"push", push, "pull", pull)
		}
		if push {
			if remote, err = r.pushRemote(ctx, remoteCollectionID, remote, local); err != nil {
				return models.NoAction, err
			}
			outcome = models.RemoteUpdated
		}
		if pull {
			if local, err = r.pullLocal(ctx, localCollectionID, local, remote); err != nil {
				return outcome, err
			}
			if outcome == models.NoAction {
				outcome = models.LocalUpdated
			}
		}
	} else {
		created, err := r.remote.CreateItem(ctx, remoteCollectionID, *local)
		if err != nil {
			return models.NoAction, fmt.Errorf("create remote for %s: %w", local.ID, err)
		}
		remote = created
		outcome = models.RemoteCreated
	}

	if err := r.upsert(ctx, corr, userID, affiliationID, localCollectionID, local, remoteCollectionID, remote); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// ReconcileRemoteChanged handles a created or updated remote object. A local
// object created from a remote one without a uuid gets a freshly minted uuid,
// which is written back to the remote side.
func (r *Reconciler) ReconcileRemoteChanged(ctx context.Context, p *Pass, userID, remoteCollectionID, remoteObjectID, localCollectionID, affiliationID string) (models.Outcome, error) {
	remote, err := r.remote.FetchItem(ctx, remoteCollectionID, remoteObjectID)
	if err != nil {
		return models.NoAction, fmt.Errorf("fetch remote %s: %w", remoteObjectID, err)
	}
	if remote == nil {
		return models.NoAction, nil
	}

	corr, err := r.store.FindByRemote(ctx, userID, models.TypeEvent, remoteObjectID, remoteCollectionID)
	if err != nil {
		return models.NoAction, err
	}
	if corr != nil && corr.RemoteFingerprint == remote.Fingerprint {
		return models.NoAction, nil
	}

	local, err := r.resolveLocal(ctx, corr, remote, localCollectionID)
	if err != nil {
		return models.NoAction, err
	}

	outcome := models.NoAction
	if local != nil {
		push, pull := false, true
		if corr == nil || local.Fingerprint != corr.LocalFingerprint {
			d := Decide(r.policy, local.ModifiedOn, remote.ModifiedOn)
			push, pull = d.PushLocal, d.PullRemote
			r.logger.Debug("conflict decided", "local_id", local.ID, "remote_id", remote.ID,
				"push", push, "pull", pull)
		}
		if pull {
			if local, err = r.pullLocal(ctx, localCollectionID, local, remote); err != nil {
				return models.NoAction, err
			}
			outcome = models.LocalUpdated
		}
		if push {
			if remote, err = r.pushRemote(ctx, remoteCollectionID, remote, local); err != nil {
				return outcome, err
			}
			if outcome == models.NoAction {
				outcome = models.RemoteUpdated
			}
		}
	} else {
		src := *remote
		minted := src.UUID == ""
		if minted {
			src.UUID = uuid.NewString()
		}
		created, err := r.local.CreateItem(ctx, localCollectionID, src)
		if err != nil {
			return models.NoAction, fmt.Errorf("create local for %s: %w", remote.ID, err)
		}
		local = created
		outcome = models.LocalCreated

		if minted {
			updated, err := r.remote.UpdateItemUUID(ctx, remoteCollectionID, remote.ID, src.UUID)
			if err != nil {
				// Link the new local object anyway, or the next pass would
				// push it back as a second remote copy.
				err = fmt.Errorf("set uuid on remote %s: %w", remote.ID, err)
				if lerr := r.upsert(ctx, corr, userID, affiliationID, localCollectionID, local, remoteCollectionID, remote); lerr != nil {
					return outcome, errors.Join(err, lerr)
				}
				return outcome, err
			}
			if updated != nil {
				remote = updated
			}
		}
	}

	if err := r.upsert(ctx, corr, userID, affiliationID, localCollectionID, local, remoteCollectionID, remote); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// ReconcileLocalDeleted removes the remote counterpart of a deleted local
// object. A counterpart that is already gone counts as deleted.
func (r *Reconciler) ReconcileLocalDeleted(ctx context.Context, userID, localCollectionID, localObjectID string) (models.Outcome, error) {
	corr, err := r.store.FindByLocal(ctx, userID, models.TypeEvent, localObjectID, localCollectionID)
	if err != nil {
		return models.NoAction, err
	}
	if corr == nil {
		return models.NoAction, nil
	}
	if _, err := r.remote.DeleteItem(ctx, corr.RemoteCollectionID, corr.RemoteObjectID); err != nil {
		return models.NoAction, fmt.Errorf("delete remote %s: %w", corr.RemoteObjectID, err)
	}
	if err := r.store.DeleteCorrelation(ctx, corr.ID); err != nil {
		return models.NoAction, err
	}
	return models.RemoteDeleted, nil
}

// ReconcileRemoteDeleted removes the local counterpart of a deleted remote
// object.
func (r *Reconciler) ReconcileRemoteDeleted(ctx context.Context, userID, remoteCollectionID, remoteObjectID string) (models.Outcome, error) {
	corr, err := r.store.FindByRemote(ctx, userID, models.TypeEvent, remoteObjectID, remoteCollectionID)
	if err != nil {
		return models.NoAction, err
	}
	if corr == nil {
		return models.NoAction, nil
	}
	if _, err := r.local.DeleteItem(ctx, corr.LocalCollectionID, corr.LocalObjectID); err != nil {
		return models.NoAction, fmt.Errorf("delete local %s: %w", corr.LocalObjectID, err)
	}
	if err := r.store.DeleteCorrelation(ctx, corr.ID); err != nil {
		return models.NoAction, err
	}
	return models.LocalDeleted, nil
}

// resolveRemote finds the remote counterpart through the correlation, or
// through the pass uuid index when the object is not linked yet.
func (r *Reconciler) resolveRemote(ctx context.Context, p *Pass, corr *models.Correlation, local *models.EventObject, remoteCollectionID string) (*models.EventObject, error) {
	var remoteID string
	switch {
	case corr != nil:
		remoteID = corr.RemoteObjectID
		remoteCollectionID = corr.RemoteCollectionID
	case local.UUID != "":
		id, err := p.lookupRemote(ctx, r.remote, remoteCollectionID, local.UUID)
		if err != nil {
			return nil, err
		}
		remoteID = id
	}
	if remoteID == "" {
		return nil, nil
	}
	remote, err := r.remote.FetchItem(ctx, remoteCollectionID, remoteID)
	if err != nil {
		return nil, fmt.Errorf("fetch remote %s: %w", remoteID, err)
	}
	return remote, nil
}

func (r *Reconciler) resolveLocal(ctx context.Context, corr *models.Correlation, remote *models.EventObject, localCollectionID string) (*models.EventObject, error) {
	if corr != nil {
		local, err := r.local.FetchItem(ctx, corr.LocalCollectionID, corr.LocalObjectID)
		if err != nil {
			return nil, fmt.Errorf("fetch local %s: %w", corr.LocalObjectID, err)
		}
		return local, nil
	}
	if remote.UUID == "" {
		return nil, nil
	}
	local, err := r.local.FindItemByUUID(ctx, localCollectionID, remote.UUID)
	if err != nil {
		return nil, fmt.Errorf("find local by uuid %s: %w", remote.UUID, err)
	}
	return local, nil
}

// pushRemote overwrites the remote object with the local snapshot. Remote
// attachments the local snapshot no longer references are deleted first.
// Ones it still references are left alone: UpdateItem rewrites references,
// not content.
func (r *Reconciler) pushRemote(ctx context.Context, remoteCollectionID string, remote, local *models.EventObject) (*models.EventObject, error) {
	if stale := staleAttachments(remote.Attachments, local.Attachments); len(stale) > 0 {
		if err := r.remote.DeleteItemAttachments(ctx, remoteCollectionID, stale); err != nil {
			return nil, fmt.Errorf("clear attachments of remote %s: %w", remote.ID, err)
		}
	}
	updated, err := r.remote.UpdateItem(ctx, remoteCollectionID, remote.ID, *local)
	if err != nil {
		return nil, fmt.Errorf("update remote %s: %w", remote.ID, err)
	}
	return updated, nil
}

// staleAttachments returns the ids in current that next does not reference.
func staleAttachments(current, next []string) []string {
	keep := make(map[string]bool, len(next))
	for _, id := range next {
		keep[id] = true
	}
	var out []string
	for _, id := range current {
		if !keep[id] {
			out = append(out, id)
		}
	}
	return out
}

func (r *Reconciler) pullLocal(ctx context.Context, localCollectionID string, local, remote *models.EventObject) (*models.EventObject, error) {
	updated, err := r.local.UpdateItem(ctx, localCollectionID, local.ID, *remote)
	if err != nil {
		return nil, fmt.Errorf("update local %s: %w", local.ID, err)
	}
	return updated, nil
}

// upsert records the final snapshots of both sides.
func (r *Reconciler) upsert(ctx context.Context, corr *models.Correlation, userID, affiliationID, localCollectionID string, local *models.EventObject, remoteCollectionID string, remote *models.EventObject) error {
	if corr == nil {
		c := &models.Correlation{
			Type:               models.TypeEvent,
			UserID:             userID,
			AffiliationID:      affiliationID,
			LocalCollectionID:  localCollectionID,
			LocalObjectID:      local.ID,
			LocalFingerprint:   local.Fingerprint,
			RemoteCollectionID: remoteCollectionID,
			RemoteObjectID:     remote.ID,
			RemoteFingerprint:  remote.Fingerprint,
		}
		return r.store.CreateCorrelation(ctx, c)
	}

	c := *corr
	c.LocalCollectionID = localCollectionID
	c.LocalObjectID = local.ID
	c.LocalFingerprint = local.Fingerprint
	c.RemoteCollectionID = remoteCollectionID
	c.RemoteObjectID = remote.ID
	c.RemoteFingerprint = remote.Fingerprint
	return r.store.UpdateCorrelation(ctx, &c)
}
