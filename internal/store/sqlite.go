package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed run history. It is informational only and
// never decides what should exist in a target directory.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// SyncRun Operations
// ============================================================================

const syncRunColumns = `
	id, run_id, kind, job, start_time, end_time, files_discovered, files_written,
	files_downloaded, files_deleted, files_skipped, files_failed, bytes_transferred,
	status, error_message
`

// CreateSyncRun inserts a new SyncRun and sets its ID
func (s *Store) CreateSyncRun(run *SyncRun) error {
	const query = `
		INSERT INTO sync_runs (
			run_id, kind, job, start_time, end_time, files_discovered, files_written,
			files_downloaded, files_deleted, files_skipped, files_failed,
			bytes_transferred, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		run.RunID, run.Kind, run.Job, run.StartTime, run.EndTime, run.FilesDiscovered,
		run.FilesWritten, run.FilesDownloaded, run.FilesDeleted, run.FilesSkipped,
		run.FilesFailed, run.BytesTransferred, run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateSyncRun updates an existing SyncRun by ID
func (s *Store) UpdateSyncRun(run *SyncRun) error {
	const query = `
		UPDATE sync_runs SET
			end_time = ?, files_discovered = ?, files_written = ?, files_downloaded = ?,
			files_deleted = ?, files_skipped = ?, files_failed = ?,
			bytes_transferred = ?, status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.EndTime, run.FilesDiscovered, run.FilesWritten, run.FilesDownloaded,
		run.FilesDeleted, run.FilesSkipped, run.FilesFailed,
		run.BytesTransferred, run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("sync run %d: %w", run.ID, ErrNotFound)
	}

	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSyncRun(row scanner) (SyncRun, error) {
	var run SyncRun
	var errMsg sql.NullString
	err := row.Scan(
		&run.ID, &run.RunID, &run.Kind, &run.Job, &run.StartTime, &run.EndTime,
		&run.FilesDiscovered, &run.FilesWritten, &run.FilesDownloaded, &run.FilesDeleted,
		&run.FilesSkipped, &run.FilesFailed, &run.BytesTransferred, &run.Status, &errMsg,
	)
	run.ErrorMessage = errMsg.String
	return run, err
}

// GetSyncRun retrieves a SyncRun by its run id.
func (s *Store) GetSyncRun(runID string) (*SyncRun, error) {
	query := "SELECT " + syncRunColumns + " FROM sync_runs WHERE run_id = ?"

	run, err := scanSyncRun(s.db.QueryRow(query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sync run %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query sync run: %w", err)
	}
	return &run, nil
}

// ListSyncRuns retrieves runs newest first, optionally filtered by job.
func (s *Store) ListSyncRuns(job string, limit int) ([]SyncRun, error) {
	query := "SELECT " + syncRunColumns + " FROM sync_runs"
	var args []interface{}

	if job != "" {
		query += " WHERE job = ?"
		args = append(args, job)
	}

	query += " ORDER BY start_time DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// FailedFile Operations
// ============================================================================

// AddFailedFile records an abandoned entry. An unresolved record for the
// same job and path is updated in place and its retry count incremented.
func (s *Store) AddFailedFile(rec *FailedFileRecord) error {
	const upsertQuery = `
		UPDATE failed_files
		SET error = ?, retry_count = retry_count + 1, last_failure = ?,
		    url = COALESCE(NULLIF(?, ''), url),
		    dest_path = COALESCE(NULLIF(?, ''), dest_path)
		WHERE job = ? AND file_path = ? AND resolved = 0
	`

	result, err := s.db.Exec(
		upsertQuery,
		rec.Error, rec.LastFailure, rec.URL, rec.DestPath, rec.Job, rec.FilePath,
	)
	if err != nil {
		return fmt.Errorf("failed to update failed file record: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		return nil
	}

	const insertQuery = `
		INSERT INTO failed_files (
			job, file_path, dest_path, url, error, retry_count,
			first_failure, last_failure, resolved
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err = s.db.Exec(
		insertQuery,
		rec.Job, rec.FilePath, rec.DestPath, rec.URL, rec.Error, rec.RetryCount,
		rec.FirstFailure, rec.LastFailure, rec.Resolved,
	)
	if err != nil {
		return fmt.Errorf("failed to add failed file record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	rec.ID = id
	return nil
}

// ListFailedFiles retrieves unresolved failures for a job, newest first.
func (s *Store) ListFailedFiles(job string) ([]FailedFileRecord, error) {
	const query = `
		SELECT id, job, file_path, dest_path, url, error, retry_count,
		       first_failure, last_failure, resolved
		FROM failed_files WHERE job = ? AND resolved = 0 ORDER BY last_failure DESC, id DESC
	`

	rows, err := s.db.Query(query, job)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed files: %w", err)
	}
	defer rows.Close()

	var records []FailedFileRecord
	for rows.Next() {
		var rec FailedFileRecord
		var destPath, url, errMsg sql.NullString
		err := rows.Scan(
			&rec.ID, &rec.Job, &rec.FilePath, &destPath, &url, &errMsg, &rec.RetryCount,
			&rec.FirstFailure, &rec.LastFailure, &rec.Resolved,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed file record: %w", err)
		}
		rec.DestPath, rec.URL, rec.Error = destPath.String, url.String, errMsg.String
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed file records: %w", err)
	}

	return records, nil
}

// ResolveFailedFiles marks every unresolved failure of job whose path is
// not in stillFailing as resolved, and returns how many were resolved.
func (s *Store) ResolveFailedFiles(job string, stillFailing []string) (int, error) {
	failing := make(map[string]struct{}, len(stillFailing))
	for _, p := range stillFailing {
		failing[p] = struct{}{}
	}

	open, err := s.ListFailedFiles(job)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, rec := range open {
		if _, ok := failing[rec.FilePath]; ok {
			continue
		}
		if _, err := s.db.Exec("UPDATE failed_files SET resolved = 1 WHERE id = ?", rec.ID); err != nil {
			return resolved, fmt.Errorf("failed to resolve failed file %d: %w", rec.ID, err)
		}
		resolved++
	}
	return resolved, nil
}
