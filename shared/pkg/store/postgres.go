package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/psantana5/orchestrator-launcher/pkg/models"
)

// PostgreSQLStore implements StatusStore using PostgreSQL
type PostgreSQLStore struct {
	db *sql.DB
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}

	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(2)
	}

	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates tables if they don't exist
func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS launch_status (
		name TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		exit_code INTEGER NOT NULL DEFAULT 0,
		labels JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		state_transitions JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_launch_status_status ON launch_status(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Get retrieves the record for name
func (s *PostgreSQLStore) Get(ctx context.Context, name string) (*models.StatusRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, status, exit_code, labels, created_at, updated_at, state_transitions
		FROM launch_status WHERE name = $1
	`, name)
	return scanRecord(row)
}

// Claim inserts an initializing record unless one exists
func (s *PostgreSQLStore) Claim(ctx context.Context, name string, labels map[string]string) error {
	rec := newRecord(name, labels, time.Now())
	labelsJSON, transitionsJSON, err := marshalRecordFields(rec)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO launch_status
		(name, status, exit_code, labels, created_at, updated_at, state_transitions)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO NOTHING
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

// Transition performs a validated status transition with a row lock
func (s *PostgreSQLStore) Transition(ctx context.Context, name string, to models.LaunchStatus, exitCode int, reason string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT name, status, exit_code, labels, created_at, updated_at, state_transitions
		FROM launch_status WHERE name = $1 FOR UPDATE
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
		SET status = $1, exit_code = $2, updated_at = $3, state_transitions = $4
		WHERE name = $5
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
func (s *PostgreSQLStore) List(ctx context.Context) ([]*models.StatusRecord, error) {
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
func (s *PostgreSQLStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM launch_status WHERE name = $1", name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgreSQLStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}
