// Package cleanup prunes finished workers past their retention period
package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/orchestrator-launcher/pkg/logging"
	"github.com/psantana5/orchestrator-launcher/pkg/models"
)

// Config defines retention policies and cleanup intervals
type Config struct {
	Enabled         bool
	Retention       time.Duration
	CleanupInterval time.Duration
	DeleteBatchSize int
}

// DefaultConfig returns sensible defaults for cleanup
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Retention:       7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		DeleteBatchSize: 100,
	}
}

// Store is the part of the status store the pruner needs
type Store interface {
	List(ctx context.Context) ([]*models.StatusRecord, error)
	Delete(ctx context.Context, name string) error
}

// Vacuumer is implemented by stores that can reclaim space after deletes
type Vacuumer interface {
	Vacuum(ctx context.Context) error
}

// RemoveFunc deletes whatever a worker left outside the store
type RemoveFunc func(name string) error

// Manager deletes finished workers older than the retention period
type Manager struct {
	config Config
	store  Store
	remove RemoveFunc
	logger *logging.Logger
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// Stats tracks cleanup operations
type Stats struct {
	LastCleanupTime     time.Time
	LastCleanupDuration time.Duration
	TotalDeleted        int64
	TotalVacuumRuns     int64
}

// NewManager creates a cleanup manager. remove may be nil.
func NewManager(config Config, store Store, remove RemoveFunc, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	if config.DeleteBatchSize <= 0 {
		config.DeleteBatchSize = 100
	}
	return &Manager{
		config: config,
		store:  store,
		remove: remove,
		logger: logger.WithField("component", "cleanup"),
		now:    time.Now,
	}
}

// Start prunes every CleanupInterval until Stop
func (m *Manager) Start(ctx context.Context) {
	if !m.config.Enabled {
		m.logger.Info("Cleanup manager disabled")
		return
	}
	m.logger.Info(fmt.Sprintf("Starting cleanup manager (retention: %v, interval: %v)",
		m.config.Retention, m.config.CleanupInterval))

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop waits for a running prune to finish
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Info("Cleanup manager stopped")
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.PruneNow(ctx); err != nil {
				m.logger.Error(fmt.Sprintf("Cleanup failed: %v", err))
			}
		}
	}
}

// PruneNow deletes succeeded and failed workers not updated within the
// retention period and returns how many were deleted. Workers that are
// still initializing or running are never touched.
func (m *Manager) PruneNow(ctx context.Context) (int, error) {
	start := m.now()
	cutoff := start.Add(-m.config.Retention)

	records, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list status records: %w", err)
	}

	deleted := 0
	for _, rec := range records {
		if !models.IsTerminalState(rec.Status) || !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		if m.remove != nil {
			if err := m.remove(rec.Name); err != nil {
				m.logger.Warn(fmt.Sprintf("Failed to remove files of %s: %v", rec.Name, err))
				continue
			}
		}
		if err := m.store.Delete(ctx, rec.Name); err != nil {
			m.logger.Warn(fmt.Sprintf("Failed to delete %s: %v", rec.Name, err))
			continue
		}
		deleted++

		// go easy on the database
		if deleted%m.config.DeleteBatchSize == 0 {
			select {
			case <-ctx.Done():
				return deleted, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	vacuumed := false
	if v, ok := m.store.(Vacuumer); ok && deleted > 0 {
		if err := v.Vacuum(ctx); err != nil {
			m.logger.Warn(fmt.Sprintf("Database vacuum failed: %v", err))
		} else {
			vacuumed = true
		}
	}

	duration := m.now().Sub(start)
	m.mu.Lock()
	m.stats.LastCleanupTime = start
	m.stats.LastCleanupDuration = duration
	m.stats.TotalDeleted += int64(deleted)
	if vacuumed {
		m.stats.TotalVacuumRuns++
	}
	m.mu.Unlock()

	m.logger.Info(fmt.Sprintf("Cleanup complete: deleted %d workers in %v", deleted, duration))
	return deleted, nil
}

// GetStats returns current cleanup statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
