package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/psantana5/orchestrator-launcher/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the status store
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite connection string with parameters for concurrent access
	// - _journal_mode=WAL: Enable Write-Ahead Logging so launchers and workers can read while one writes
	// - _busy_timeout=10000: Wait up to 10 seconds when database is locked
	// - _synchronous=NORMAL: Balance between safety and performance
	// - _txlock=immediate: Acquire write lock at transaction start to reduce conflicts
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS launch_status (
		name TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		exit_code INTEGER NOT NULL DEFAULT 0,
		labels TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		state_transitions TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_launch_status_status ON launch_status(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Get retrieves the record for name
func (s *SQLiteStore) Get(ctx context.Context, name string) (*models.StatusRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, status, exit_code, labels, created_at, updated_at, state_transitions
		FROM launch_status WHERE name = ?
	`, name)
	return scanRecord(row)
}

// Claim inserts an initializing record if none exists
func (s *SQLiteStore) Claim(ctx context.Context, name string, labels map[string]string) error {
	rec := newRecord(name, labels, time.Now())
	labelsJSON, transitionsJSON, err := marshalRecordFields(rec)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO launch_status
		(name, status, exit_code, labels, created_at, updated_at, state_transitions)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.Name, rec.Status, rec.ExitCode, labelsJSON, rec.CreatedAt, rec.UpdatedAt, transitionsJSON)
	if err != nil {
		return fmt.Errorf("failed to claim %s: %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Transition performs a validated status transition inside a transaction
func (s *SQLiteStore) Transition(ctx context.Context, name string, to models.LaunchStatus, exitCode int, reason string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT name, status, exit_code, labels, created_at, updated_at, state_transitions
		FROM launch_status WHERE name = ?
	`, name)
	rec, err := scanRecord(row)
	if err != nil {
		return false, err
	}

	changed, err := applyTransition(rec, to, exitCode, reason, time.Now())
	if err != nil || !changed {
		return false, err
	}

	transitionsJSON, err := json.Marshal(rec.Transitions)
	if err != nil {
		return false, fmt.Errorf("failed to marshal state_transitions: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE launch_status
		SET status = ?, exit_code = ?, updated_at = ?, state_transitions = ?
		WHERE name = ?
	`, rec.Status, rec.ExitCode, rec.UpdatedAt, string(transitionsJSON), name)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// List returns all records ordered by creation time
func (s *SQLiteStore) List(ctx context.Context) ([]*models.StatusRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, status, exit_code, labels, created_at, updated_at, state_transitions
		FROM launch_status ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.StatusRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes the record for name
func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM launch_status WHERE name = ?", name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Vacuum reclaims space left by deleted records
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.StatusRecord, error) {
	var rec models.StatusRecord
	var status string
	var labelsJSON, transitionsJSON sql.NullString

	err := row.Scan(&rec.Name, &status, &rec.ExitCode, &labelsJSON,
		&rec.CreatedAt, &rec.UpdatedAt, &transitionsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Status = models.LaunchStatus(status)
	if !models.IsKnown(rec.Status) {
		return nil, fmt.Errorf("record %s has unknown status %q", rec.Name, status)
	}

	if labelsJSON.Valid && labelsJSON.String != "" && labelsJSON.String != "null" {
		if err := json.Unmarshal([]byte(labelsJSON.String), &rec.Labels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	}
	if transitionsJSON.Valid && transitionsJSON.String != "" && transitionsJSON.String != "null" {
		if err := json.Unmarshal([]byte(transitionsJSON.String), &rec.Transitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state_transitions: %w", err)
		}
	}
	return &rec, nil
}

func marshalRecordFields(rec *models.StatusRecord) (string, string, error) {
	labels, err := json.Marshal(rec.Labels)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal labels: %w", err)
	}
	transitions, err := json.Marshal(rec.Transitions)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal state_transitions: %w", err)
	}
	return string(labels), string(transitions), nil
}
