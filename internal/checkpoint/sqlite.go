package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"s3transfer/internal/retry"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  atomic.Bool
	writeMu sync.Mutex
	retrier *retry.Retrier
	policy  retry.Policy
}

// NewSQLiteStore opens (or creates) the checkpoint database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite for concurrent access
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{
		db:      db,
		retrier: retry.New(nil),
		policy: retry.Policy{
			MaxAttempts: 10,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Retryable:   isSQLiteBusyError,
		},
	}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS tasks (
		execution_id TEXT NOT NULL,
		source_key TEXT NOT NULL,
		dest_key TEXT NOT NULL,
		size INTEGER NOT NULL,
		etag TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		last_error TEXT,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (execution_id, source_key)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(execution_id, status);
	`

	_, err := s.db.Exec(query)
	return err
}

// GetTask returns the record for a source key, or nil when none exists
func (s *SQLiteStore) GetTask(ctx context.Context, executionID, sourceKey string) (*TaskRecord, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("database store is closed")
	}

	return retry.Execute(ctx, s.retrier, s.policy, "checkpoint_get", func(ctx context.Context) (*TaskRecord, error) {
		row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, source_key, dest_key, size, etag, status, attempts, last_error, updated_at
		FROM tasks WHERE execution_id = ? AND source_key = ?
		`, executionID, sourceKey)

		record, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return record, err
	})
}

// SaveTask inserts or updates a task record
func (s *SQLiteStore) SaveTask(ctx context.Context, record *TaskRecord) error {
	if s.closed.Load() {
		return fmt.Errorf("database store is closed")
	}

	// Serialize writes to avoid SQLITE_BUSY from multiple concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	record.UpdatedAt = time.Now().UTC()
	return retry.Do(ctx, s.retrier, s.policy, "checkpoint_save", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks
		(execution_id, source_key, dest_key, size, etag, status, attempts, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, source_key) DO UPDATE SET
			dest_key = excluded.dest_key,
			size = excluded.size,
			etag = excluded.etag,
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
		`,
			record.ExecutionID,
			record.SourceKey,
			record.DestKey,
			record.Size,
			record.ETag,
			record.Status,
			record.Attempts,
			record.LastError,
			record.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save task: %w", err)
		}
		return nil
	})
}

// ListTasks returns the records of an execution with the given status, oldest first
func (s *SQLiteStore) ListTasks(ctx context.Context, executionID string, status TaskStatus) ([]*TaskRecord, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("database store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT execution_id, source_key, dest_key, size, etag, status, attempts, last_error, updated_at
	FROM tasks WHERE execution_id = ? AND status = ?
	ORDER BY updated_at ASC, source_key ASC
	`, executionID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TaskRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*TaskRecord, error) {
	var record TaskRecord
	var lastError sql.NullString

	err := row.Scan(
		&record.ExecutionID,
		&record.SourceKey,
		&record.DestKey,
		&record.Size,
		&record.ETag,
		&record.Status,
		&record.Attempts,
		&lastError,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastError.Valid {
		record.LastError = lastError.String
	}
	return &record, nil
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
