package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rtfleet/rtdeploy/pkg/config"
	"github.com/rtfleet/rtdeploy/pkg/types"
	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rtdeploy.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "{}\n")

	cfg, err := config.NewManager(path).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	want := config.DefaultConfig()
	if cfg.Repository != want.Repository {
		t.Errorf("expected repository %+v, got %+v", want.Repository, cfg.Repository)
	}
	if cfg.Build != want.Build {
		t.Errorf("expected build %+v, got %+v", want.Build, cfg.Build)
	}
	if cfg.Timeouts != want.Timeouts {
		t.Errorf("expected timeouts %+v, got %+v", want.Timeouts, cfg.Timeouts)
	}
	if cfg.Deploy != want.Deploy {
		t.Errorf("expected deploy %+v, got %+v", want.Deploy, cfg.Deploy)
	}
	if cfg.Runtime.RTPrio != 99 || cfg.Runtime.CPUSet != "1" || len(cfg.Runtime.Capabilities) != 1 {
		t.Errorf("unexpected runtime defaults: %+v", cfg.Runtime)
	}
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
repository:
  url: https://example.com/spec.git
  branch: main
build:
  isolated: true
  imagePrefix: registry.local/
timeouts:
  build: 30m
deploy:
  order: MANIFEST
logging:
  level: debug
`)

	cfg, err := config.NewManager(path).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Repository.URL != "https://example.com/spec.git" || cfg.Repository.Branch != "main" {
		t.Errorf("unexpected repository: %+v", cfg.Repository)
	}
	if !cfg.Build.Isolated || cfg.Build.ImagePrefix != "registry.local/" {
		t.Errorf("unexpected build: %+v", cfg.Build)
	}
	if cfg.Timeouts.Build != 30*time.Minute {
		t.Errorf("expected 30m build timeout, got %s", cfg.Timeouts.Build)
	}
	if cfg.Timeouts.Fetch != 2*time.Minute {
		t.Errorf("expected default fetch timeout to survive, got %s", cfg.Timeouts.Fetch)
	}
	if cfg.Deploy.Order != types.OrderManifest {
		t.Errorf("expected order to be normalized, got %q", cfg.Deploy.Order)
	}
	if cfg.Logging.Level != types.LogLevelDebug {
		t.Errorf("expected debug level, got %q", cfg.Logging.Level)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "redis:\n  addr: file:6379\n")
	t.Setenv("RTDEPLOY_REDIS_ADDR", "env:6380")
	t.Setenv("RTDEPLOY_TIMEOUTS_RUN", "45s")

	cfg, err := config.NewManager(path).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Redis.Addr != "env:6380" {
		t.Errorf("expected env override, got %q", cfg.Redis.Addr)
	}
	if cfg.Timeouts.Run != 45*time.Second {
		t.Errorf("expected 45s run timeout, got %s", cfg.Timeouts.Run)
	}
}

func TestLoad_FlagOverridesEnv(t *testing.T) {
	path := writeConfig(t, "deploy:\n  strict: false\n")
	t.Setenv("RTDEPLOY_DEPLOY_STRICT", "false")

	flags := pflag.NewFlagSet("deploy", pflag.ContinueOnError)
	flags.Bool("strict", false, "")
	if err := flags.Parse([]string{"--strict"}); err != nil {
		t.Fatal(err)
	}

	m := config.NewManager(path)
	if err := m.BindFlag("deploy.strict", flags.Lookup("strict")); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if !cfg.Deploy.Strict {
		t.Error("expected flag to win over env and file")
	}

	if err := m.BindFlag("deploy.order", flags.Lookup("missing")); err == nil {
		t.Error("expected error binding an undefined flag")
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := config.NewManager(filepath.Join(t.TempDir(), "nope.yaml")).Load(); err == nil {
		t.Error("expected error for an explicit missing file")
	}

	path := writeConfig(t, "deploy: [unclosed\n")
	if _, err := config.NewManager(path).Load(); err == nil {
		t.Error("expected error for malformed yaml")
	}

	path = writeConfig(t, "deploy:\n  parallelism: 4\n")
	if _, err := config.NewManager(path).Load(); err == nil || !strings.Contains(err.Error(), "build.isolated") {
		t.Errorf("expected isolation error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.AppConfig)
		errMsg string
	}{
		{"defaults", func(*types.AppConfig) {}, ""},
		{"missing url", func(c *types.AppConfig) { c.Repository.URL = "" }, "repository.url"},
		{"missing path", func(c *types.AppConfig) { c.Repository.Path = "" }, "repository.path"},
		{"zero build timeout", func(c *types.AppConfig) { c.Timeouts.Build = 0 }, "timeouts.build"},
		{"negative state timeout", func(c *types.AppConfig) { c.Timeouts.State = -time.Second }, "timeouts.state"},
		{"rtprio too high", func(c *types.AppConfig) { c.Runtime.RTPrio = 100 }, "runtime.rtprio"},
		{"unknown order", func(c *types.AppConfig) { c.Deploy.Order = "random" }, "deploy.order"},
		{"zero parallelism", func(c *types.AppConfig) { c.Deploy.Parallelism = 0 }, "deploy.parallelism"},
		{"parallel shared context", func(c *types.AppConfig) { c.Deploy.Parallelism = 2 }, "build.isolated"},
		{"parallel manifest order", func(c *types.AppConfig) {
			c.Deploy.Parallelism = 2
			c.Build.Isolated = true
			c.Deploy.Order = types.OrderManifest
		}, "deploy.order"},
		{"parallel isolated", func(c *types.AppConfig) {
			c.Deploy.Parallelism = 2
			c.Build.Isolated = true
		}, ""},
		{"bad level", func(c *types.AppConfig) { c.Logging.Level = "trace" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			err := config.Validate(cfg)

			if tt.errMsg == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("expected error containing %q, got %v", tt.errMsg, err)
			}
		})
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "rtdeploy.yaml")

	if err := config.WriteDefault(path, false); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := config.WriteDefault(path, false); err == nil {
		t.Error("expected refusal to overwrite")
	}
	if err := config.WriteDefault(path, true); err != nil {
		t.Errorf("expected forced overwrite, got %v", err)
	}

	cfg, err := config.NewManager(path).Load()
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Timeouts != config.DefaultConfig().Timeouts {
		t.Errorf("expected timeouts to round trip, got %+v", cfg.Timeouts)
	}
}
