package db

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus/harmony/internal/models"
)

// EnqueuePendingDelete queues a local deletion for the next pass. Queuing the
// same object twice keeps the first entry.
func (db *DB) EnqueuePendingDelete(ctx context.Context, affiliationID, localObjectID string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO pending_deletes (affiliation_id, local_object_id, queued_at)
		VALUES (?, ?, ?)
	`, affiliationID, localObjectID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("enqueue pending delete %s: %w", localObjectID, err)
	}
	return nil
}

// PendingDeletes returns the queued deletions of a pairing, oldest first.
func (db *DB) PendingDeletes(ctx context.Context, affiliationID string) ([]models.PendingDelete, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT affiliation_id, local_object_id, queued_at FROM pending_deletes
		WHERE affiliation_id = ? ORDER BY queued_at, local_object_id
	`, affiliationID)
	if err != nil {
		return nil, fmt.Errorf("list pending deletes: %w", err)
	}
	defer rows.Close()

	var out []models.PendingDelete
	for rows.Next() {
		var p models.PendingDelete
		var queued string
		if err := rows.Scan(&p.AffiliationID, &p.LocalObjectID, &queued); err != nil {
			return nil, fmt.Errorf("scan pending delete: %w", err)
		}
		if p.QueuedAt, err = parseTimestamp(queued); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AckPendingDeletes removes consumed entries.
func (db *DB) AckPendingDeletes(ctx context.Context, affiliationID string, localObjectIDs []string) error {
	if len(localObjectIDs) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`DELETE FROM pending_deletes WHERE affiliation_id = ? AND local_object_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare ack: %w", err)
	}
	defer stmt.Close()

	for _, id := range localObjectIDs {
		if _, err := stmt.ExecContext(ctx, affiliationID, id); err != nil {
			return fmt.Errorf("ack pending delete %s: %w", id, err)
		}
	}
	return tx.Commit()
}
