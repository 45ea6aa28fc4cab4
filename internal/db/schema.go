package db

// SchemaVersion is the current database schema version
const SchemaVersion = 2

const schema = `
-- One row per local/remote collection pairing
CREATE TABLE IF NOT EXISTS collection_correlations (
    affiliation_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    local_collection_id TEXT NOT NULL,
    local_resume_token TEXT NOT NULL DEFAULT '',
    remote_collection_id TEXT NOT NULL,
    remote_resume_token TEXT NOT NULL DEFAULT '',
    last_harmonized_at TEXT,
    created_at TEXT NOT NULL,
    UNIQUE (user_id, local_collection_id, remote_collection_id)
);

-- Object identity bridge
CREATE TABLE IF NOT EXISTS correlations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    user_id TEXT NOT NULL,
    affiliation_id TEXT NOT NULL,
    local_collection_id TEXT NOT NULL,
    local_object_id TEXT NOT NULL,
    local_fingerprint TEXT NOT NULL DEFAULT '',
    remote_collection_id TEXT NOT NULL,
    remote_object_id TEXT NOT NULL,
    remote_fingerprint TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (affiliation_id) REFERENCES collection_correlations(affiliation_id) ON DELETE CASCADE
);

-- Deletions queued by the trash listener
CREATE TABLE IF NOT EXISTS pending_deletes (
    affiliation_id TEXT NOT NULL,
    local_object_id TEXT NOT NULL,
    queued_at TEXT NOT NULL,
    PRIMARY KEY (affiliation_id, local_object_id),
    FOREIGN KEY (affiliation_id) REFERENCES collection_correlations(affiliation_id) ON DELETE CASCADE
);

-- Schema info table
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Indexes
CREATE UNIQUE INDEX IF NOT EXISTS idx_correlations_local
    ON correlations(user_id, type, local_collection_id, local_object_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_correlations_remote
    ON correlations(user_id, type, remote_collection_id, remote_object_id);
CREATE INDEX IF NOT EXISTS idx_correlations_affiliation ON correlations(user_id, affiliation_id);
`

// Migration defines a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations is the list of all database migrations in order
var Migrations = []Migration{
	// Version 1 is the initial schema - no migration needed
	{
		Version:     2,
		Description: "Add harmonization_log table for tail and monitor",
		SQL: `
CREATE TABLE IF NOT EXISTS harmonization_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    affiliation_id TEXT NOT NULL,
    direction TEXT NOT NULL,
    outcome TEXT NOT NULL,
    local_object_id TEXT NOT NULL DEFAULT '',
    remote_object_id TEXT NOT NULL DEFAULT '',
    timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_harmonization_log_affiliation ON harmonization_log(affiliation_id);
`,
	},
}
