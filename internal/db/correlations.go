package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/harmony/internal/models"
)

const correlationColumns = `id, type, user_id, affiliation_id, local_collection_id, local_object_id,
	local_fingerprint, remote_collection_id, remote_object_id, remote_fingerprint, created_at, updated_at`

// FindByLocal returns the correlation for a local object, or nil if the
// object is not linked.
func (db *DB) FindByLocal(ctx context.Context, userID string, typ models.ObjectType, localObjectID, localCollectionID string) (*models.Correlation, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+correlationColumns+` FROM correlations
		WHERE user_id = ? AND type = ? AND local_collection_id = ? AND local_object_id = ?`,
		userID, string(typ), localCollectionID, localObjectID)
	c, err := scanCorrelation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find correlation by local %s: %w", localObjectID, err)
	}
	return c, nil
}

// FindByRemote returns the correlation for a remote object, or nil if the
// object is not linked.
func (db *DB) FindByRemote(ctx context.Context, userID string, typ models.ObjectType, remoteObjectID, remoteCollectionID string) (*models.Correlation, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+correlationColumns+` FROM correlations
		WHERE user_id = ? AND type = ? AND remote_collection_id = ? AND remote_object_id = ?`,
		userID, string(typ), remoteCollectionID, remoteObjectID)
	c, err := scanCorrelation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find correlation by remote %s: %w", remoteObjectID, err)
	}
	return c, nil
}

// CreateCorrelation inserts c and sets its ID and timestamps. A row already
// linking either object yields ErrDuplicateCorrelation.
func (db *DB) CreateCorrelation(ctx context.Context, c *models.Correlation) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO correlations (type, user_id, affiliation_id, local_collection_id, local_object_id,
			local_fingerprint, remote_collection_id, remote_object_id, remote_fingerprint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(c.Type), c.UserID, c.AffiliationID, c.LocalCollectionID, c.LocalObjectID,
		c.LocalFingerprint, c.RemoteCollectionID, c.RemoteObjectID, c.RemoteFingerprint,
		formatTime(now), formatTime(now))
	if isUniqueViolation(err) {
		return fmt.Errorf("create correlation %s <-> %s: %w", c.LocalObjectID, c.RemoteObjectID, ErrDuplicateCorrelation)
	}
	if err != nil {
		return fmt.Errorf("create correlation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	c.ID = id
	c.CreatedAt = now
	c.UpdatedAt = now
	return nil
}

// UpdateCorrelation rewrites the ids and fingerprints of an existing row.
func (db *DB) UpdateCorrelation(ctx context.Context, c *models.Correlation) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE correlations SET local_collection_id = ?, local_object_id = ?, local_fingerprint = ?,
			remote_collection_id = ?, remote_object_id = ?, remote_fingerprint = ?, updated_at = ?
		WHERE id = ?
	`, c.LocalCollectionID, c.LocalObjectID, c.LocalFingerprint,
		c.RemoteCollectionID, c.RemoteObjectID, c.RemoteFingerprint, formatTime(now), c.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("update correlation %d: %w", c.ID, ErrDuplicateCorrelation)
	}
	if err != nil {
		return fmt.Errorf("update correlation %d: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update correlation %d: %w", c.ID, sql.ErrNoRows)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	c.UpdatedAt = now
	return nil
}

// DeleteCorrelation removes a row by id. Deleting a missing row is not an error.
func (db *DB) DeleteCorrelation(ctx context.Context, id int64) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM correlations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete correlation %d: %w", id, err)
	}
	return nil
}

// ListCorrelations returns the correlations of one pairing, or of every
// pairing when affiliationID is empty.
func (db *DB) ListCorrelations(ctx context.Context, affiliationID string) ([]models.Correlation, error) {
	query := `SELECT ` + correlationColumns + ` FROM correlations`
	var args []any
	if affiliationID != "" {
		query += ` WHERE affiliation_id = ?`
		args = append(args, affiliationID)
	}
	query += ` ORDER BY id`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list correlations: %w", err)
	}
	defer rows.Close()

	var out []models.Correlation
	for rows.Next() {
		c, err := scanCorrelation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan correlation: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CountCorrelations returns the number of correlations per affiliation.
func (db *DB) CountCorrelations(ctx context.Context) (map[string]int, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT affiliation_id, COUNT(*) FROM correlations GROUP BY affiliation_id`)
	if err != nil {
		return nil, fmt.Errorf("count correlations: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func scanCorrelation(row rowScanner) (*models.Correlation, error) {
	var c models.Correlation
	var typ, created, updated string
	err := row.Scan(&c.ID, &typ, &c.UserID, &c.AffiliationID, &c.LocalCollectionID, &c.LocalObjectID,
		&c.LocalFingerprint, &c.RemoteCollectionID, &c.RemoteObjectID, &c.RemoteFingerprint, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.Type = models.ObjectType(typ)
	if c.CreatedAt, err = parseTimestamp(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTimestamp(updated); err != nil {
		return nil, err
	}
	return &c, nil
}
