package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/orchestrator-launcher/pkg/models"
	"github.com/psantana5/orchestrator-launcher/pkg/retry"
)

var (
	ErrNotFound            = errors.New("status record not found")
	ErrAlreadyExists       = errors.New("status record already exists")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// StatusStore persists the lifecycle of remote workers keyed by task name.
// All implementations are safe for concurrent use, including from separate
// processes sharing the same backend (except the memory store).
type StatusStore interface {
	// Get returns the record for name or ErrNotFound
	Get(ctx context.Context, name string) (*models.StatusRecord, error)

	// Claim atomically creates an initializing record. It returns
	// ErrAlreadyExists if any record exists for name.
	Claim(ctx context.Context, name string, labels map[string]string) error

	// Transition moves the record to a new status. It is a no-op returning
	// false when the record is already in the target status.
	Transition(ctx context.Context, name string, to models.LaunchStatus, exitCode int, reason string) (bool, error)

	List(ctx context.Context) ([]*models.StatusRecord, error)
	Delete(ctx context.Context, name string) error

	// Lifecycle
	HealthCheck(ctx context.Context) error
	Close() error
}

// Config holds status store configuration
type Config struct {
	Type string `mapstructure:"type"` // "memory", "sqlite", "postgres" or "redis"
	DSN  string `mapstructure:"dsn"`  // Connection string (postgres)

	// SQLite specific
	Path string `mapstructure:"path"`

	// Redis specific
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// PostgreSQL specific
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// NewStore creates a store based on configuration
func NewStore(config Config) (StatusStore, error) {
	switch config.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "redis":
		return NewRedisStore(config)
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "launcher.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDatabase, config.Type)
	}
}

// Open creates a store and waits for its backend to answer a health check
func Open(ctx context.Context, config Config, retryConfig retry.Config) (StatusStore, error) {
	var s StatusStore
	err := retry.Do(ctx, retryConfig, func() error {
		var err error
		if s == nil {
			s, err = NewStore(config)
			if err != nil {
				return err
			}
		}
		return s.HealthCheck(ctx)
	})
	if err != nil {
		if s != nil {
			s.Close()
		}
		return nil, fmt.Errorf("failed to open %s status store: %w", config.Type, err)
	}
	return s, nil
}

// newRecord builds the initial record written by Claim
func newRecord(name string, labels map[string]string, now time.Time) *models.StatusRecord {
	return &models.StatusRecord{
		Name:      name,
		Status:    models.LaunchStatusInitializing,
		Labels:    labels,
		CreatedAt: now,
		UpdatedAt: now,
		Transitions: []models.StateTransition{{
			From:      models.LaunchStatusNotStarted,
			To:        models.LaunchStatusInitializing,
			Timestamp: now,
			Reason:    "claimed",
		}},
	}
}

// applyTransition validates and applies a transition to rec in place.
// It returns false if rec is already in the target status.
func applyTransition(rec *models.StatusRecord, to models.LaunchStatus, exitCode int, reason string, now time.Time) (bool, error) {
	if rec.Status == to {
		return false, nil
	}

	if err := models.ValidateTransition(rec.Status, to); err != nil {
		return false, fmt.Errorf("invalid transition for %s: %w", rec.Name, err)
	}

	rec.Transitions = append(rec.Transitions, models.StateTransition{
		From:      rec.Status,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	rec.Status = to
	rec.ExitCode = exitCode
	rec.UpdatedAt = now
	return true, nil
}
