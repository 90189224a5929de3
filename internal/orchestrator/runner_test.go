package orchestrator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/orchestrator-launcher/internal/bundle"
	"github.com/psantana5/orchestrator-launcher/pkg/models"
	"github.com/psantana5/orchestrator-launcher/pkg/store"
)

const testName = "orchestrator-norm-j-7-a-1"

func setupWorker(t *testing.T, envMap string) (string, store.StatusStore) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, bundle.FileApplication), []byte("normalization"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, bundle.FileEnvMap), []byte(envMap), 0600))

	st := store.NewMemoryStore()
	require.NoError(t, st.Claim(context.Background(), testName, nil))
	return dir, st
}

func TestRunSucceeded(t *testing.T) {
	dir, st := setupWorker(t, `{"WORKER_ENVIRONMENT":"DOCKER"}`)
	var out bytes.Buffer

	r := &Runner{
		Name:  testName,
		Dir:   dir,
		Store: st,
		Applications: map[string][]string{
			"normalization": {"sh", "-c", `echo "$WORKER_ENVIRONMENT $INPUT_DIR $SECRET"`},
		},
		PassEnv: []string{"PATH"},
		Stdout:  &out,
	}
	t.Setenv("SECRET", "hunter2")

	code, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "DOCKER "+dir, strings.TrimSpace(out.String()))

	rec, err := st.Get(context.Background(), testName)
	require.NoError(t, err)
	assert.Equal(t, models.LaunchStatusSucceeded, rec.Status)

	var path []models.LaunchStatus
	for _, tr := range rec.Transitions {
		path = append(path, tr.To)
	}
	assert.Equal(t, []models.LaunchStatus{
		models.LaunchStatusInitializing,
		models.LaunchStatusRunning,
		models.LaunchStatusSucceeded,
	}, path)
}

func TestRunNonZeroExit(t *testing.T) {
	dir, st := setupWorker(t, `{}`)
	r := &Runner{
		Name:         testName,
		Dir:          dir,
		Store:        st,
		Applications: map[string][]string{"normalization": {"sh", "-c", "exit 17"}},
		PassEnv:      []string{"PATH"},
	}

	code, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 17, code)

	rec, err := st.Get(context.Background(), testName)
	require.NoError(t, err)
	assert.Equal(t, models.LaunchStatusFailed, rec.Status)
	assert.Equal(t, 17, rec.ExitCode)
}

func TestRunUnknownApplication(t *testing.T) {
	dir, st := setupWorker(t, `{}`)
	r := &Runner{Name: testName, Dir: dir, Store: st}

	code, err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrUnknownApplication)
	assert.Equal(t, 1, code)

	rec, err := st.Get(context.Background(), testName)
	require.NoError(t, err)
	assert.Equal(t, models.LaunchStatusFailed, rec.Status)
	assert.Equal(t, 1, rec.ExitCode)
}

func TestRunRefusesFinishedWorker(t *testing.T) {
	dir, st := setupWorker(t, `{}`)
	_, err := st.Transition(context.Background(), testName, models.LaunchStatusFailed, 5, "destroyed")
	require.NoError(t, err)

	marker := filepath.Join(dir, "ran")
	r := &Runner{
		Name:         testName,
		Dir:          dir,
		Store:        st,
		Applications: map[string][]string{"normalization": {"touch", marker}},
		PassEnv:      []string{"PATH"},
	}

	_, err = r.Run(context.Background())
	require.Error(t, err)
	assert.NoFileExists(t, marker)
}

func TestRunBadSnapshot(t *testing.T) {
	dir, st := setupWorker(t, `not json`)
	r := &Runner{
		Name:         testName,
		Dir:          dir,
		Store:        st,
		Applications: map[string][]string{"normalization": {"true"}},
	}

	code, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, code)
}

func TestRunApplicationSharesProcessGroup(t *testing.T) {
	dir, st := setupWorker(t, `{}`)
	pidFile := filepath.Join(dir, "app.pid")
	r := &Runner{
		Name:         testName,
		Dir:          dir,
		Store:        st,
		Applications: map[string][]string{"normalization": {"sh", "-c", `echo $$ > app.pid; exec sleep 30`}},
		PassEnv:      []string{"PATH"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		code, err := r.Run(ctx)
		done <- result{code, err}
	}()

	var pid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil && pid > 0
	}, 5*time.Second, 10*time.Millisecond)

	pgid, err := syscall.Getpgid(pid)
	require.NoError(t, err)
	assert.Equal(t, syscall.Getpgrp(), pgid)

	cancel()
	select {
	case res := <-done:
		assert.ErrorIs(t, res.err, context.Canceled)
		assert.NotEqual(t, 0, res.code)
	case <-time.After(5 * time.Second):
		t.Fatal("application still running after cancel")
	}

	rec, err := st.Get(context.Background(), testName)
	require.NoError(t, err)
	assert.Equal(t, models.LaunchStatusFailed, rec.Status)
}
