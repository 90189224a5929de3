package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/orchestrator-launcher/internal/bundle"
	"github.com/psantana5/orchestrator-launcher/pkg/store"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvConfigFile, "")

	v := viper.New()
	Prepare(v, "")
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, time.Second, cfg.Runtime.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.Runtime.StopGrace)
	assert.Equal(t, bundle.HeartbeatPort, cfg.Heartbeat.Port)
	assert.Equal(t, bundle.DefaultAllowList, cfg.EnvAllowList)
	assert.True(t, strings.HasSuffix(cfg.WorkspaceRoot, filepath.Join(".launcher", "workspace")))
	assert.Empty(t, cfg.File)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
workspace_root: /srv/launcher
version: 0.40.0
store:
  type: redis
  address: redis:6379
resources:
  cpu_limit: "2"
  memory_limit: 2Gi
runtime:
  poll_interval: 250ms
  entrypoint: ["/usr/local/bin/launcher", "orchestrate"]
applications:
  normalization: ["normalize", "--input", "input.json"]
`)
	t.Setenv("LAUNCHER_STORE_DB", "3")
	t.Setenv("LAUNCHER_LOG_LEVEL", "debug")

	v := viper.New()
	Prepare(v, path)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "/srv/launcher", cfg.WorkspaceRoot)
	assert.Equal(t, "0.40.0", cfg.Version)
	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "redis:6379", cfg.Store.Address)
	assert.Equal(t, 3, cfg.Store.DB)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "2", cfg.Resources.CPULimit)
	assert.Equal(t, "2Gi", cfg.Resources.MemoryLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.Runtime.PollInterval)
	assert.Equal(t, []string{"/usr/local/bin/launcher", "orchestrate"}, cfg.Runtime.Entrypoint)
	assert.Equal(t, []string{"normalize", "--input", "input.json"}, cfg.Applications["normalization"])
	assert.Equal(t, []string{"normalization"}, cfg.ApplicationTags())
	assert.Equal(t, path, cfg.File)
}

func TestLoadBrokenFile(t *testing.T) {
	path := writeConfig(t, "store: [unterminated")
	v := viper.New()
	Prepare(v, path)
	_, err := Load(v)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			WorkspaceRoot: "/tmp/ws",
			Runtime:       RuntimeConfig{PollInterval: time.Second},
			Heartbeat:     HeartbeatConfig{Enabled: true, Port: 9000},
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"memory store", func(c *Config) { c.Store.Type = "memory" }, true},
		{"unknown store", func(c *Config) { c.Store.Type = "etcd" }, false},
		{"postgres without dsn", func(c *Config) { c.Store.Type = "postgres" }, false},
		{"no workspace", func(c *Config) { c.Store.Type = "sqlite"; c.WorkspaceRoot = "" }, false},
		{"zero poll", func(c *Config) { c.Store.Type = "sqlite"; c.Runtime.PollInterval = 0 }, false},
		{"bad port", func(c *Config) { c.Store.Type = "sqlite"; c.Heartbeat.Port = 70000 }, false},
		{"disabled heartbeat ignores port", func(c *Config) {
			c.Store.Type = "sqlite"
			c.Heartbeat = HeartbeatConfig{Enabled: false}
		}, true},
		{"empty application", func(c *Config) {
			c.Store.Type = "sqlite"
			c.Applications = map[string][]string{"normalization": {}}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestWorkerEnviron(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("SECRET_TOKEN", "hunter2")

	c := &Config{
		WorkspaceRoot: "/srv/ws",
		Store:         store.Config{Type: "sqlite", Path: "/srv/launcher.db"},
		File:          "/etc/launcher/config.yaml",
	}
	env := c.WorkerEnviron()

	assert.Contains(t, env, "LAUNCHER_STORE_TYPE=sqlite")
	assert.Contains(t, env, "LAUNCHER_STORE_PATH=/srv/launcher.db")
	assert.Contains(t, env, "LAUNCHER_CONFIG=/etc/launcher/config.yaml")
	assert.Contains(t, env, "PATH=/usr/bin")
	for _, kv := range env {
		assert.NotContains(t, kv, "hunter2")
	}
	assert.True(t, c.SharedStore())
}
