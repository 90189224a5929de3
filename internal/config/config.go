// Package config loads the launcher configuration
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/orchestrator-launcher/internal/bundle"
	"github.com/psantana5/orchestrator-launcher/pkg/models"
	"github.com/psantana5/orchestrator-launcher/pkg/store"
	"github.com/psantana5/orchestrator-launcher/pkg/tracing"
)

// EnvPrefix prefixes every environment override (LAUNCHER_STORE_TYPE, ...)
const EnvPrefix = "LAUNCHER"

// EnvConfigFile points a spawned worker at the launcher's config file
const EnvConfigFile = "LAUNCHER_CONFIG"

// Config holds the launcher configuration
type Config struct {
	WorkspaceRoot string                      `mapstructure:"workspace_root"`
	Version       string                      `mapstructure:"version"`
	Log           LogConfig                   `mapstructure:"log"`
	Store         store.Config                `mapstructure:"store"`
	Resources     models.ResourceRequirements `mapstructure:"resources"`
	Runtime       RuntimeConfig               `mapstructure:"runtime"`
	Heartbeat     HeartbeatConfig             `mapstructure:"heartbeat"`
	Tracing       tracing.Config              `mapstructure:"tracing"`
	EnvAllowList  []string                    `mapstructure:"env_allow_list"`

	// Applications maps an application tag to the command a worker runs
	Applications map[string][]string `mapstructure:"applications"`

	// file the config was read from, empty if none
	File string `mapstructure:"-"`
}

// LogConfig controls the logger
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
	File  bool   `mapstructure:"file"` // also write under /var/log/orchestrator-launcher
}

// RuntimeConfig controls how workers are run
type RuntimeConfig struct {
	Entrypoint   []string      `mapstructure:"entrypoint"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Cgroups      bool          `mapstructure:"cgroups"`
}

// HeartbeatConfig controls the heartbeat server
type HeartbeatConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// SetDefaults registers every key so environment overrides apply to it
func SetDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	launcherDir := filepath.Join(home, ".launcher")

	v.SetDefault("workspace_root", filepath.Join(launcherDir, "workspace"))
	v.SetDefault("version", "dev")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", false)

	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.path", filepath.Join(launcherDir, "launcher.db"))
	v.SetDefault("store.address", "localhost:6379")
	v.SetDefault("store.password", "")
	v.SetDefault("store.db", 0)
	v.SetDefault("store.max_open_conns", 10)
	v.SetDefault("store.max_idle_conns", 2)
	v.SetDefault("store.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("resources.cpu_request", "")
	v.SetDefault("resources.cpu_limit", "")
	v.SetDefault("resources.memory_request", "")
	v.SetDefault("resources.memory_limit", "")

	v.SetDefault("runtime.entrypoint", []string{})
	v.SetDefault("runtime.stop_grace", 10*time.Second)
	v.SetDefault("runtime.poll_interval", time.Second)
	v.SetDefault("runtime.cgroups", true)

	v.SetDefault("heartbeat.enabled", true)
	v.SetDefault("heartbeat.port", bundle.HeartbeatPort)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "orchestrator-launcher")
	v.SetDefault("tracing.service_version", "dev")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.endpoint", "localhost:4318")

	v.SetDefault("env_allow_list", bundle.DefaultAllowList)
	v.SetDefault("applications", map[string]interface{}{})
}

// Prepare wires environment overrides and the config file into v.
// An empty cfgFile searches $HOME/.launcher/config.yaml and ./config.yaml.
func Prepare(v *viper.Viper, cfgFile string) {
	SetDefaults(v)

	if cfgFile == "" {
		cfgFile = os.Getenv(EnvConfigFile)
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".launcher"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the config file (if any), applies overrides and validates
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config for values the launcher cannot work with
func (c *Config) Validate() error {
	if c.WorkspaceRoot == "" {
		return errors.New("workspace_root must be set")
	}
	switch c.Store.Type {
	case "memory", "sqlite", "postgres", "postgresql", "redis":
	default:
		return fmt.Errorf("store.type: %w: %q", store.ErrUnsupportedDatabase, c.Store.Type)
	}
	if (c.Store.Type == "postgres" || c.Store.Type == "postgresql") && c.Store.DSN == "" {
		return errors.New("store.dsn is required for postgres")
	}
	if c.Runtime.PollInterval <= 0 {
		return fmt.Errorf("runtime.poll_interval must be positive, got %s", c.Runtime.PollInterval)
	}
	if c.Runtime.StopGrace < 0 {
		return fmt.Errorf("runtime.stop_grace must not be negative, got %s", c.Runtime.StopGrace)
	}
	if c.Heartbeat.Enabled && (c.Heartbeat.Port <= 0 || c.Heartbeat.Port > 65535) {
		return fmt.Errorf("heartbeat.port out of range: %d", c.Heartbeat.Port)
	}
	for tag, command := range c.Applications {
		if len(command) == 0 {
			return fmt.Errorf("applications.%s has an empty command", tag)
		}
	}
	return nil
}

// SharedStore reports whether workers in other processes can reach the
// store. The memory store lives and dies with one process.
func (c *Config) SharedStore() bool {
	return c.Store.Type != "memory"
}

// WorkerEnviron is the base environment of spawned workers: enough to find
// the same config and status store, nothing else of the launcher's
// environment.
func (c *Config) WorkerEnviron() []string {
	env := []string{
		"LAUNCHER_WORKSPACE_ROOT=" + c.WorkspaceRoot,
		"LAUNCHER_VERSION=" + c.Version,
		"LAUNCHER_LOG_LEVEL=" + c.Log.Level,
		"LAUNCHER_LOG_JSON=" + strconv.FormatBool(c.Log.JSON),
		"LAUNCHER_STORE_TYPE=" + c.Store.Type,
		"LAUNCHER_STORE_DSN=" + c.Store.DSN,
		"LAUNCHER_STORE_PATH=" + c.Store.Path,
		"LAUNCHER_STORE_ADDRESS=" + c.Store.Address,
		"LAUNCHER_STORE_PASSWORD=" + c.Store.Password,
		"LAUNCHER_STORE_DB=" + strconv.Itoa(c.Store.DB),
	}
	if c.File != "" {
		if abs, err := filepath.Abs(c.File); err == nil {
			env = append(env, EnvConfigFile+"="+abs)
		}
	}
	for _, key := range []string{"PATH", "HOME", "TMPDIR"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// ApplicationTags returns the configured application tags, sorted
func (c *Config) ApplicationTags() []string {
	tags := make([]string, 0, len(c.Applications))
	for tag := range c.Applications {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
