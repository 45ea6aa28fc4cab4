package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/marcus/harmony/internal/models"
)

// ErrCollectionCorrelationNotFound is returned by writes that target a
// pairing which no longer exists.
var ErrCollectionCorrelationNotFound = errors.New("collection correlation not found")

const collectionColumns = `affiliation_id, user_id, local_collection_id, local_resume_token,
	remote_collection_id, remote_resume_token, last_harmonized_at, created_at`

// NewAffiliationID generates an affiliation id.
func NewAffiliationID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure is fatal
		panic("generate affiliation id: " + err.Error())
	}
	return "af_" + hex.EncodeToString(b)
}

// CreateCollectionCorrelation inserts a new pairing. An empty AffiliationID
// is filled in.
func (db *DB) CreateCollectionCorrelation(ctx context.Context, cc *models.CollectionCorrelation) error {
	if cc.LocalCollectionID == "" || cc.RemoteCollectionID == "" {
		return fmt.Errorf("create collection correlation: both collection ids are required")
	}
	if cc.AffiliationID == "" {
		cc.AffiliationID = NewAffiliationID()
	}
	cc.CreatedAt = time.Now().UTC()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO collection_correlations (affiliation_id, user_id, local_collection_id, local_resume_token,
			remote_collection_id, remote_resume_token, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, cc.AffiliationID, cc.UserID, cc.LocalCollectionID, cc.LocalResumeToken,
		cc.RemoteCollectionID, cc.RemoteResumeToken, formatTime(cc.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("create collection correlation %s <-> %s: already paired", cc.LocalCollectionID, cc.RemoteCollectionID)
	}
	if err != nil {
		return fmt.Errorf("create collection correlation: %w", err)
	}
	return nil
}

// GetCollectionCorrelation returns the pairing, or nil if it does not exist.
func (db *DB) GetCollectionCorrelation(ctx context.Context, affiliationID string) (*models.CollectionCorrelation, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM collection_correlations WHERE affiliation_id = ?`, affiliationID)
	cc, err := scanCollectionCorrelation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get collection correlation: %w", err)
	}
	return cc, nil
}

// ListCollectionCorrelationsByLocal returns every pairing of the user that
// owns a local collection, oldest first.
func (db *DB) ListCollectionCorrelationsByLocal(ctx context.Context, userID, localCollectionID string) ([]models.CollectionCorrelation, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+collectionColumns+` FROM collection_correlations
		 WHERE user_id = ? AND local_collection_id = ? ORDER BY created_at, affiliation_id`, userID, localCollectionID)
	if err != nil {
		return nil, fmt.Errorf("list collection correlations by local: %w", err)
	}
	defer rows.Close()

	var out []models.CollectionCorrelation
	for rows.Next() {
		cc, err := scanCollectionCorrelation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collection correlation: %w", err)
		}
		out = append(out, *cc)
	}
	return out, rows.Err()
}

// ListCollectionCorrelations returns all pairings ordered by creation time.
func (db *DB) ListCollectionCorrelations(ctx context.Context) ([]models.CollectionCorrelation, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+collectionColumns+` FROM collection_correlations ORDER BY created_at, affiliation_id`)
	if err != nil {
		return nil, fmt.Errorf("list collection correlations: %w", err)
	}
	defer rows.Close()

	var out []models.CollectionCorrelation
	for rows.Next() {
		cc, err := scanCollectionCorrelation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collection correlation: %w", err)
		}
		out = append(out, *cc)
	}
	return out, rows.Err()
}

// SaveLocalResumeToken persists the local change feed cursor.
func (db *DB) SaveLocalResumeToken(ctx context.Context, affiliationID, token string) error {
	return db.updatePairing(ctx, affiliationID,
		`UPDATE collection_correlations SET local_resume_token = ? WHERE affiliation_id = ?`, token, affiliationID)
}

// SaveRemoteResumeToken persists the remote change feed cursor and stamps the
// pairing as harmonized.
func (db *DB) SaveRemoteResumeToken(ctx context.Context, affiliationID, token string) error {
	return db.updatePairing(ctx, affiliationID,
		`UPDATE collection_correlations SET remote_resume_token = ?, last_harmonized_at = ? WHERE affiliation_id = ?`,
		token, formatTime(time.Now()), affiliationID)
}

// ResetResumeTokens clears both cursors so the next pass enumerates fully.
func (db *DB) ResetResumeTokens(ctx context.Context, affiliationID string) error {
	return db.updatePairing(ctx, affiliationID,
		`UPDATE collection_correlations SET local_resume_token = '', remote_resume_token = '' WHERE affiliation_id = ?`, affiliationID)
}

func (db *DB) updatePairing(ctx context.Context, affiliationID, query string, args ...any) error {
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update collection correlation %s: %w", affiliationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update %s: %w", affiliationID, ErrCollectionCorrelationNotFound)
	}
	return nil
}

// DeleteAffiliation removes every correlation, queued delete and the pairing
// itself in one transaction.
func (db *DB) DeleteAffiliation(ctx context.Context, userID, affiliationID string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM correlations WHERE user_id = ? AND affiliation_id = ?`, userID, affiliationID); err != nil {
		return fmt.Errorf("delete correlations: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_deletes WHERE affiliation_id = ?`, affiliationID); err != nil {
		return fmt.Errorf("delete pending deletes: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM collection_correlations WHERE user_id = ? AND affiliation_id = ?`, userID, affiliationID); err != nil {
		return fmt.Errorf("delete collection correlation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollectionCorrelation(row rowScanner) (*models.CollectionCorrelation, error) {
	var cc models.CollectionCorrelation
	var lastHarmonized sql.NullString
	var created string
	err := row.Scan(&cc.AffiliationID, &cc.UserID, &cc.LocalCollectionID, &cc.LocalResumeToken,
		&cc.RemoteCollectionID, &cc.RemoteResumeToken, &lastHarmonized, &created)
	if err != nil {
		return nil, err
	}
	if lastHarmonized.Valid && lastHarmonized.String != "" {
		t, err := parseTimestamp(lastHarmonized.String)
		if err != nil {
			return nil, err
		}
		cc.LastHarmonizedAt = &t
	}
	if cc.CreatedAt, err = parseTimestamp(created); err != nil {
		return nil, err
	}
	return &cc, nil
}
