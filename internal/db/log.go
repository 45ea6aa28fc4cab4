package db

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus/harmony/internal/models"
)

// RecordLog appends one entry to the harmonization log. A zero Timestamp is
// set to now.
func (db *DB) RecordLog(ctx context.Context, e models.LogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO harmonization_log (affiliation_id, direction, outcome, local_object_id, remote_object_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.AffiliationID, string(e.Direction), e.Outcome.String(), e.LocalObjectID, e.RemoteObjectID, formatTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("record log: %w", err)
	}
	return nil
}

// LogTail returns the last limit entries in chronological order (oldest first).
func (db *DB) LogTail(ctx context.Context, limit int) ([]models.LogEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, affiliation_id, direction, outcome, local_object_id, remote_object_id, timestamp
		FROM harmonization_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("log tail: %w", err)
	}
	entries, err := scanLogRows(rows)
	if err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// LogSince returns entries with id > afterID, ordered by id ASC, limited to
// limit. Used for follow-mode polling.
func (db *DB) LogSince(ctx context.Context, afterID int64, limit int) ([]models.LogEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, affiliation_id, direction, outcome, local_object_id, remote_object_id, timestamp
		FROM harmonization_log
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("log since %d: %w", afterID, err)
	}
	return scanLogRows(rows)
}

type logRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

func scanLogRows(rows logRows) ([]models.LogEntry, error) {
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		var direction, outcome, ts string
		if err := rows.Scan(&e.ID, &e.AffiliationID, &direction, &outcome, &e.LocalObjectID, &e.RemoteObjectID, &ts); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Direction = models.Direction(direction)
		o, err := models.ParseOutcome(outcome)
		if err != nil {
			return nil, err
		}
		e.Outcome = o
		if e.Timestamp, err = parseTimestamp(ts); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
