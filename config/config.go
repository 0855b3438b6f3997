// Package config resolves the immutable server configuration for a shell
// session: where the backend binds, where its database lives, and where to
// look for a runnable server artifact.
//
// Resolution order is built-in defaults, then an optional stagehand.yaml
// file, then environment variables. Command-line flags are applied last by
// the CLI layer. Once resolved the configuration is never mutated.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is the fixed well-known port the backend binds for the
	// lifetime of a session. Collisions across sessions are resolved by
	// the port reaper, not by picking a different port.
	DefaultPort = 8000

	// DefaultHost keeps the backend loopback-only.
	DefaultHost = "127.0.0.1"

	defaultHealthPath     = "/health"
	defaultSettingsModule = "config.settings"
	defaultGracePeriod    = 5 * time.Second
	configFileName        = "stagehand.yaml"
	databaseFileName      = "db.sqlite3"
)

// Config holds the resolved server configuration. Immutable once computed
// at startup; passed to the launcher and the migration runner.
type Config struct {
	BindHost       string   `yaml:"bind_host"`
	BindPort       int      `yaml:"bind_port"`
	DatabasePath   string   `yaml:"database_path"`
	BackendDir     string   `yaml:"backend_dir"`
	ServerPath     string   `yaml:"server_path"`
	HealthPath     string   `yaml:"health_path"`
	SettingsModule string   `yaml:"settings_module"`
	GracePeriod    Duration `yaml:"grace_period"`
}

// Default returns a Config populated with built-in defaults. The database
// lives under the per-user configuration directory so it survives
// application upgrades.
func Default() *Config {
	return &Config{
		BindHost:       DefaultHost,
		BindPort:       DefaultPort,
		DatabasePath:   defaultDatabasePath(),
		HealthPath:     defaultHealthPath,
		SettingsModule: defaultSettingsModule,
		GracePeriod:    Duration(defaultGracePeriod),
	}
}

// Load resolves the configuration. If path is empty, stagehand.yaml is
// looked up in the working directory and then the user config directory; a
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the supervisor cannot work
// with.
func (c *Config) Validate() error {
	if c.BindPort <= 0 || c.BindPort > 65535 {
		return fmt.Errorf("invalid bind port %d", c.BindPort)
	}
	if c.BindHost == "" {
		return fmt.Errorf("bind host must not be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path must not be empty")
	}
	return nil
}

// EnsureStateDir creates the directory holding the database and the session
// lock file.
func (c *Config) EnsureStateDir() error {
	return os.MkdirAll(c.StateDir(), 0o755)
}

// StateDir returns the directory holding session state (database, lock).
func (c *Config) StateDir() string {
	return filepath.Dir(c.DatabasePath)
}

// LockPath returns the path of the single-session lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir(), "stagehand.lock")
}

// BaseURL returns the backend's HTTP base URL.
func (c *Config) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.BindHost, c.BindPort)
}

// HealthURL returns the full URL of the health-check endpoint.
func (c *Config) HealthURL() string {
	return c.BaseURL() + c.HealthPath
}

// applyEnv overlays environment variable overrides onto the configuration.
func (c *Config) applyEnv() {
	if v := os.Getenv("STAGEHAND_SERVER_PATH"); v != "" {
		c.ServerPath = v
	}
	if v := os.Getenv("STAGEHAND_BACKEND_DIR"); v != "" {
		c.BackendDir = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("STAGEHAND_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.BindPort = port
		}
	}
}

func findConfigFile() string {
	if _, err := os.Stat(configFileName); err == nil {
		return configFileName
	}
	if dir, err := os.UserConfigDir(); err == nil {
		candidate := filepath.Join(dir, "stagehand", configFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func defaultDatabasePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		// Fall back to the working directory, matching the behavior of a
		// development checkout.
		dir, err = os.Getwd()
		if err != nil {
			dir = "."
		}
		return filepath.Join(dir, databaseFileName)
	}
	return filepath.Join(dir, "stagehand", databaseFileName)
}
