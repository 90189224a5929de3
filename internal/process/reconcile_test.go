package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/orchestrator-launcher/pkg/models"
	"github.com/psantana5/orchestrator-launcher/pkg/store"
)

func TestReconcileMarksLostWorkers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rt := newFakeRuntime()

	// gone without an outcome
	require.NoError(t, st.Claim(ctx, "gone", nil))
	_, err := st.Transition(ctx, "gone", models.LaunchStatusRunning, 0, "")
	require.NoError(t, err)

	// still running
	require.NoError(t, st.Claim(ctx, "alive", nil))
	rt.running["alive"] = true

	// already finished
	require.NoError(t, st.Claim(ctx, "done", nil))
	_, err = st.Transition(ctx, "done", models.LaunchStatusSucceeded, 0, "")
	require.NoError(t, err)

	lost, err := Reconcile(ctx, st, rt, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"gone"}, lost)

	rec, err := st.Get(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, models.LaunchStatusFailed, rec.Status)
	assert.Equal(t, ExitCodeLost, rec.ExitCode)

	rec, err = st.Get(ctx, "alive")
	require.NoError(t, err)
	assert.Equal(t, models.LaunchStatusInitializing, rec.Status)

	rec, err = st.Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, models.LaunchStatusSucceeded, rec.Status)
}

func TestReconcileSkipsRecentClaims(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.Claim(ctx, "starting", nil))

	lost, err := Reconcile(ctx, st, newFakeRuntime(), time.Minute, nil)
	require.NoError(t, err)
	assert.Empty(t, lost)

	rec, err := st.Get(ctx, "starting")
	require.NoError(t, err)
	assert.Equal(t, models.LaunchStatusInitializing, rec.Status)
}
