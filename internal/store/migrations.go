package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE sync_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL UNIQUE,
					kind TEXT NOT NULL,
					job TEXT NOT NULL,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					files_discovered INTEGER DEFAULT 0,
					files_written INTEGER DEFAULT 0,
					files_downloaded INTEGER DEFAULT 0,
					files_deleted INTEGER DEFAULT 0,
					files_skipped INTEGER DEFAULT 0,
					files_failed INTEGER DEFAULT 0,
					bytes_transferred INTEGER DEFAULT 0,
					status TEXT DEFAULT 'running',
					error_message TEXT
				);

				CREATE INDEX idx_sync_runs_job ON sync_runs(job, start_time);

				CREATE TABLE failed_files (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					job TEXT NOT NULL,
					file_path TEXT NOT NULL,
					dest_path TEXT,
					url TEXT,
					error TEXT,
					retry_count INTEGER DEFAULT 0,
					first_failure DATETIME NOT NULL,
					last_failure DATETIME NOT NULL,
					resolved BOOLEAN DEFAULT 0
				);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
