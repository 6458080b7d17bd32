// Package config handles configuration loading and management
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rtfleet/rtdeploy/pkg/types"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the configuration file searched for when none is given
	FileName = "rtdeploy"
	// EnvPrefix prefixes environment overrides, e.g. RTDEPLOY_REDIS_ADDR
	EnvPrefix = "RTDEPLOY"
)

// SearchPaths are the directories searched for rtdeploy.yaml
var SearchPaths = []string{".", "/etc/rtdeploy"}

// Manager loads configuration from defaults, file, environment and flags,
// in increasing order of precedence.
type Manager struct {
	v          *viper.Viper
	configPath string
	mu         sync.Mutex
}

// NewManager creates a configuration manager. An empty configPath searches
// SearchPaths for rtdeploy.yaml and falls back to defaults if none exists.
func NewManager(configPath string) *Manager {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		for _, p := range SearchPaths {
			v.AddConfigPath(p)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Manager{v: v, configPath: configPath}
}

// BindFlag makes a command line flag override a configuration key
func (m *Manager) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag for key %s", key)
	}
	return m.v.BindPFlag(key, flag)
}

// Load reads the configuration and validates it
func (m *Manager) Load() (*types.AppConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg types.AppConfig
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Deploy.Order = types.OrderMode(strings.ToLower(string(cfg.Deploy.Order)))
	cfg.Logging.Level = types.LogLevel(strings.ToLower(string(cfg.Logging.Level)))

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFileUsed returns the file the configuration was read from, if any
func (m *Manager) ConfigFileUsed() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if used := m.v.ConfigFileUsed(); used != "" {
		if _, err := os.Stat(used); err == nil {
			return used
		}
	}
	return ""
}

// SetDefaults registers the default value of every configuration key
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("repository.url", d.Repository.URL)
	v.SetDefault("repository.path", d.Repository.Path)
	v.SetDefault("repository.branch", d.Repository.Branch)
	v.SetDefault("repository.manifest", d.Repository.Manifest)

	v.SetDefault("build.context", d.Build.Context)
	v.SetDefault("build.includeDir", d.Build.IncludeDir)
	v.SetDefault("build.entryFile", d.Build.EntryFile)
	v.SetDefault("build.imagePrefix", d.Build.ImagePrefix)
	v.SetDefault("build.queuePrefix", d.Build.QueuePrefix)
	v.SetDefault("build.isolated", d.Build.Isolated)
	v.SetDefault("build.workspaceRoot", d.Build.WorkspaceRoot)
	v.SetDefault("build.logDir", d.Build.LogDir)

	v.SetDefault("runtime.host", d.Runtime.Host)
	v.SetDefault("runtime.cpuset", d.Runtime.CPUSet)
	v.SetDefault("runtime.rtprio", d.Runtime.RTPrio)
	v.SetDefault("runtime.ipcMode", d.Runtime.IPCMode)
	v.SetDefault("runtime.capabilities", d.Runtime.Capabilities)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("timeouts.fetch", d.Timeouts.Fetch)
	v.SetDefault("timeouts.build", d.Timeouts.Build)
	v.SetDefault("timeouts.run", d.Timeouts.Run)
	v.SetDefault("timeouts.state", d.Timeouts.State)

	v.SetDefault("deploy.order", string(d.Deploy.Order))
	v.SetDefault("deploy.parallelism", d.Deploy.Parallelism)
	v.SetDefault("deploy.strict", d.Deploy.Strict)
	v.SetDefault("deploy.lockFile", d.Deploy.LockFile)

	v.SetDefault("logging.level", string(d.Logging.Level))
	v.SetDefault("logging.file", d.Logging.File)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("notifications.enabled", d.Notifications.Enabled)
	v.SetDefault("watch.interval", d.Watch.Interval)
	v.SetDefault("watch.pidFile", d.Watch.PIDFile)
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *types.AppConfig {
	return &types.AppConfig{
		Repository: types.RepositoryConfig{
			URL:      "https://github.com/GeoDimi99/RT-Task-Spec.git",
			Path:     "/tmp/rt-mission-spec",
			Manifest: "task_manifest.yaml",
		},
		Build: types.BuildConfig{
			Context:       "services/task-service",
			IncludeDir:    "include",
			EntryFile:     "task_entry.h",
			QueuePrefix:   "/task",
			WorkspaceRoot: "/tmp/rtdeploy/workspaces",
			LogDir:        filepath.Join(".rtdeploy", "logs"),
		},
		Runtime: types.RuntimeConfig{
			CPUSet:       "1",
			RTPrio:       99,
			IPCMode:      "host",
			Capabilities: []string{"SYS_NICE"},
		},
		Redis: types.RedisConfig{
			Addr: "localhost:6379",
		},
		Timeouts: types.TimeoutConfig{
			Fetch: 2 * time.Minute,
			Build: 15 * time.Minute,
			Run:   2 * time.Minute,
			State: 10 * time.Second,
		},
		Deploy: types.DeployConfig{
			Order:       types.OrderDependency,
			Parallelism: 1,
			LockFile:    filepath.Join(".rtdeploy", "deploy.lock"),
		},
		Logging: types.LoggingConfig{
			Level: types.LogLevelInfo,
		},
		Watch: types.WatchConfig{
			Interval: time.Minute,
			PIDFile:  filepath.Join(".rtdeploy", "watch.pid"),
		},
	}
}

// Validate checks a configuration for values the pipeline cannot run with
func Validate(cfg *types.AppConfig) error {
	if cfg.Repository.URL == "" {
		return fmt.Errorf("repository.url must be set")
	}
	if cfg.Repository.Path == "" {
		return fmt.Errorf("repository.path must be set")
	}
	if cfg.Repository.Manifest == "" {
		return fmt.Errorf("repository.manifest must be set")
	}
	if cfg.Build.Context == "" {
		return fmt.Errorf("build.context must be set")
	}

	timeouts := map[string]time.Duration{
		"timeouts.fetch": cfg.Timeouts.Fetch,
		"timeouts.build": cfg.Timeouts.Build,
		"timeouts.run":   cfg.Timeouts.Run,
		"timeouts.state": cfg.Timeouts.State,
	}
	for _, key := range []string{"timeouts.fetch", "timeouts.build", "timeouts.run", "timeouts.state"} {
		if timeouts[key] <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, timeouts[key])
		}
	}

	if cfg.Runtime.RTPrio < 1 || cfg.Runtime.RTPrio > 99 {
		return fmt.Errorf("runtime.rtprio must be between 1 and 99, got %d", cfg.Runtime.RTPrio)
	}

	switch cfg.Deploy.Order {
	case types.OrderDependency, types.OrderManifest:
	default:
		return fmt.Errorf("invalid deploy.order: %q (want %s or %s)",
			cfg.Deploy.Order, types.OrderDependency, types.OrderManifest)
	}
	if cfg.Deploy.Parallelism < 1 {
		return fmt.Errorf("deploy.parallelism must be at least 1, got %d", cfg.Deploy.Parallelism)
	}
	if cfg.Deploy.Parallelism > 1 && !cfg.Build.Isolated {
		return fmt.Errorf("deploy.parallelism > 1 requires build.isolated: tasks would overwrite each other's entry artifact")
	}
	if cfg.Deploy.Parallelism > 1 && cfg.Deploy.Order == types.OrderManifest {
		return fmt.Errorf("deploy.parallelism > 1 requires deploy.order %s", types.OrderDependency)
	}

	switch cfg.Logging.Level {
	case types.LogLevelDebug, types.LogLevelInfo, types.LogLevelWarn, types.LogLevelError:
	default:
		return fmt.Errorf("invalid logging.level: %q", cfg.Logging.Level)
	}

	if cfg.Watch.Interval <= 0 {
		return fmt.Errorf("watch.interval must be positive, got %s", cfg.Watch.Interval)
	}
	return nil
}

// WriteDefault writes the default configuration as YAML, refusing to
// overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0644)
}
