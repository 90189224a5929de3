package cleanup

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/orchestrator-launcher/pkg/models"
	"github.com/psantana5/orchestrator-launcher/pkg/store"
)

func seed(t *testing.T, s store.StatusStore) {
	t.Helper()
	ctx := context.Background()
	for name, status := range map[string]models.LaunchStatus{
		"done":    models.LaunchStatusSucceeded,
		"failed":  models.LaunchStatusFailed,
		"running": models.LaunchStatusRunning,
		"claimed": models.LaunchStatusInitializing,
	} {
		require.NoError(t, s.Claim(ctx, name, nil))
		if status != models.LaunchStatusInitializing {
			_, err := s.Transition(ctx, name, status, 0, "")
			require.NoError(t, err)
		}
	}
}

func names(t *testing.T, s store.StatusStore) []string {
	t.Helper()
	records, err := s.List(context.Background())
	require.NoError(t, err)
	var out []string
	for _, rec := range records {
		out = append(out, rec.Name)
	}
	return out
}

func TestPruneNowKeepsRecentAndActive(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s)

	m := NewManager(DefaultConfig(), s, nil, nil)
	deleted, err := m.PruneNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
	assert.Len(t, names(t, s), 4)
}

func TestPruneNowDeletesExpiredFinished(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s)

	var removed []string
	m := NewManager(DefaultConfig(), s, func(name string) error {
		removed = append(removed, name)
		return nil
	}, nil)
	m.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	deleted, err := m.PruneNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.ElementsMatch(t, []string{"done", "failed"}, removed)
	assert.ElementsMatch(t, []string{"running", "claimed"}, names(t, s))
	assert.Equal(t, int64(2), m.GetStats().TotalDeleted)
}

func TestPruneNowSkipsWhenRemoveFails(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s)

	m := NewManager(DefaultConfig(), s, func(name string) error {
		if name == "done" {
			return errors.New("device busy")
		}
		return nil
	}, nil)
	m.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	deleted, err := m.PruneNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Contains(t, names(t, s), "done")
}

func TestPruneNowVacuumsSQLite(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "launcher.db"))
	require.NoError(t, err)
	defer s.Close()
	seed(t, s)

	m := NewManager(DefaultConfig(), s, nil, nil)
	m.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	deleted, err := m.PruneNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.Equal(t, int64(1), m.GetStats().TotalVacuumRuns)
}

func TestStartStop(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.CleanupInterval = 10 * time.Millisecond

	m := NewManager(cfg, s, nil, nil)
	m.Start(context.Background())
	assert.Eventually(t, func() bool {
		return !m.GetStats().LastCleanupTime.IsZero()
	}, time.Second, 10*time.Millisecond)
	m.Stop()
}

func TestDisabledManagerDoesNotStart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	m := NewManager(cfg, store.NewMemoryStore(), nil, nil)
	m.Start(context.Background())
	m.Stop()
	assert.True(t, m.GetStats().LastCleanupTime.IsZero())
}
