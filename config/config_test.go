package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func yamlUnmarshal(raw string, d *Duration) error {
	return yaml.Unmarshal([]byte(raw), d)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.BindHost != "127.0.0.1" {
		t.Errorf("expected loopback default host, got %s", cfg.BindHost)
	}
	if cfg.BindPort != DefaultPort {
		t.Errorf("expected port %d, got %d", DefaultPort, cfg.BindPort)
	}
	if cfg.DatabasePath == "" {
		t.Error("expected a default database path")
	}
	if cfg.GracePeriod.Std() != 5*time.Second {
		t.Errorf("expected 5s grace period, got %v", cfg.GracePeriod.Std())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default configuration must validate, got %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stagehand.yaml")
	content := `bind_host: 0.0.0.0
bind_port: 9100
database_path: /var/lib/stagehand/db.sqlite3
backend_dir: /opt/stagehand/backend
health_path: /healthz
grace_period: 7s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.BindHost != "0.0.0.0" || cfg.BindPort != 9100 {
		t.Errorf("bind address not loaded: %s:%d", cfg.BindHost, cfg.BindPort)
	}
	if cfg.DatabasePath != "/var/lib/stagehand/db.sqlite3" {
		t.Errorf("database path not loaded: %s", cfg.DatabasePath)
	}
	if cfg.HealthPath != "/healthz" {
		t.Errorf("health path not loaded: %s", cfg.HealthPath)
	}
	if cfg.GracePeriod.Std() != 7*time.Second {
		t.Errorf("grace period not loaded: %v", cfg.GracePeriod.Std())
	}
	// Unset fields keep their defaults.
	if cfg.SettingsModule != "config.settings" {
		t.Errorf("expected default settings module, got %s", cfg.SettingsModule)
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatalf("expected an error for an explicitly named missing file, got %+v", cfg)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STAGEHAND_SERVER_PATH", "/opt/custom/server")
	t.Setenv("STAGEHAND_BACKEND_DIR", "/opt/custom/backend")
	t.Setenv("DATABASE_PATH", "/tmp/override.sqlite3")
	t.Setenv("STAGEHAND_PORT", "9200")

	cfg := Default()
	cfg.applyEnv()
	if cfg.ServerPath != "/opt/custom/server" {
		t.Errorf("server path override missing: %s", cfg.ServerPath)
	}
	if cfg.BackendDir != "/opt/custom/backend" {
		t.Errorf("backend dir override missing: %s", cfg.BackendDir)
	}
	if cfg.DatabasePath != "/tmp/override.sqlite3" {
		t.Errorf("database path override missing: %s", cfg.DatabasePath)
	}
	if cfg.BindPort != 9200 {
		t.Errorf("port override missing: %d", cfg.BindPort)
	}
}

func TestEnvIgnoresUnparseablePort(t *testing.T) {
	t.Setenv("STAGEHAND_PORT", "not-a-number")
	cfg := Default()
	cfg.applyEnv()
	if cfg.BindPort != DefaultPort {
		t.Errorf("expected default port to survive a bad override, got %d", cfg.BindPort)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.BindPort = 0 }},
		{"port out of range", func(c *Config) { c.BindPort = 70000 }},
		{"empty host", func(c *Config) { c.BindHost = "" }},
		{"empty database path", func(c *Config) { c.DatabasePath = "" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Default()
			c.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.BindHost = "127.0.0.1"
	cfg.BindPort = 8000
	cfg.DatabasePath = "/data/stagehand/db.sqlite3"
	cfg.HealthPath = "/health"

	if got := cfg.StateDir(); got != "/data/stagehand" {
		t.Errorf("StateDir = %s", got)
	}
	if got := cfg.LockPath(); got != "/data/stagehand/stagehand.lock" {
		t.Errorf("LockPath = %s", got)
	}
	if got := cfg.BaseURL(); got != "http://127.0.0.1:8000" {
		t.Errorf("BaseURL = %s", got)
	}
	if got := cfg.HealthURL(); got != "http://127.0.0.1:8000/health" {
		t.Errorf("HealthURL = %s", got)
	}
}

func TestDurationYAML(t *testing.T) {
	var d Duration
	if err := yamlUnmarshal("750ms", &d); err != nil {
		t.Fatalf("failed to parse duration string: %v", err)
	}
	if d.Std() != 750*time.Millisecond {
		t.Errorf("expected 750ms, got %v", d.Std())
	}

	if err := yamlUnmarshal("1000000000", &d); err != nil {
		t.Fatalf("failed to parse integer nanoseconds: %v", err)
	}
	if d.Std() != time.Second {
		t.Errorf("expected 1s from integer nanoseconds, got %v", d.Std())
	}

	if err := yamlUnmarshal("soon", &d); err == nil {
		t.Error("expected an error for an unparseable duration")
	}
}
