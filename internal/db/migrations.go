package db

import (
	"fmt"
)

// RunMigrations runs any pending database migrations.
func (db *DB) RunMigrations() (int, error) {
	currentVersion := db.getSchemaVersion()
	if currentVersion >= SchemaVersion {
		return 0, nil
	}

	migrationsRun := 0
	for _, m := range Migrations {
		if m.Version > currentVersion {
			if _, err := db.conn.Exec(m.SQL); err != nil {
				return migrationsRun, fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
			if err := db.setSchemaVersion(m.Version); err != nil {
				return migrationsRun, fmt.Errorf("set version %d: %w", m.Version, err)
			}
			migrationsRun++
		}
	}

	if err := db.setSchemaVersion(SchemaVersion); err != nil {
		return migrationsRun, err
	}
	return migrationsRun, nil
}

// GetSchemaVersion returns the current schema version from the database
func (db *DB) GetSchemaVersion() int {
	return db.getSchemaVersion()
}

func (db *DB) getSchemaVersion() int {
	var version string
	err := db.conn.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&version)
	if err != nil {
		// No version set, assume version 0 (fresh database)
		return 0
	}
	var v int
	fmt.Sscanf(version, "%d", &v)
	return v
}

func (db *DB) setSchemaVersion(version int) error {
	_, err := db.conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
		fmt.Sprintf("%d", version))
	return err
}
