package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all pms server configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	// DSN selects the store: a libSQL file URI or a postgres:// URL. When
	// empty, DBPath is opened with libSQL.
	DSN            string `json:"dsn,omitempty"`
	DBPath         string `json:"db_path"`
	LogLevel       string `json:"log_level"`
	LogFormat      string `json:"log_format"`
	PoolSize       int    `json:"pool_size"`
	TaskPoolSize   int    `json:"task_pool_size"`
	SweepSchedule  string `json:"sweep_schedule"`
	CompileTimeout string `json:"compile_timeout"`
	WaitTimeout    string `json:"wait_timeout"`
	MetricsAddr    string `json:"metrics_addr,omitempty"`
	ShellDir       string `json:"shell_dir,omitempty"`

	// ShellAllowedDirs and ShellDeniedDirs confine shell task working
	// directories. PMS_SHELL_ALLOWED_DIRS takes a list joined by the OS path
	// list separator.
	ShellAllowedDirs []string `json:"shell_allowed_dirs,omitempty"`
	ShellDeniedDirs  []string `json:"shell_denied_dirs,omitempty"`

	// RemoteCreator delegates the listed field types to an HTTP creator
	// service, e.g. {"stage": ["Deployment"]}.
	RemoteCreator *RemoteCreatorConfig `json:"remote_creator,omitempty"`
}

// RemoteCreatorConfig configures an external plan creator.
type RemoteCreatorConfig struct {
	Endpoint  string              `json:"endpoint"`
	Supported map[string][]string `json:"supported"`
	Priority  int                 `json:"priority"`
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(pmsDir(), "pms.db"),
		LogLevel:       "info",
		LogFormat:      "text",
		PoolSize:       16,
		TaskPoolSize:   8,
		SweepSchedule:  "@every 15s",
		CompileTimeout: "2m",
		WaitTimeout:    "5m",
	}
}

func pmsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pms"
	}
	return filepath.Join(home, ".pms")
}

func settingsPath() string {
	return filepath.Join(pmsDir(), "settings.json")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: env vars override.
	for key, dst := range map[string]*string{
		"PMS_DSN":             &cfg.DSN,
		"PMS_DB_PATH":         &cfg.DBPath,
		"PMS_LOG_LEVEL":       &cfg.LogLevel,
		"PMS_LOG_FORMAT":      &cfg.LogFormat,
		"PMS_SWEEP_SCHEDULE":  &cfg.SweepSchedule,
		"PMS_COMPILE_TIMEOUT": &cfg.CompileTimeout,
		"PMS_WAIT_TIMEOUT":    &cfg.WaitTimeout,
		"PMS_METRICS_ADDR":    &cfg.MetricsAddr,
		"PMS_SHELL_DIR":       &cfg.ShellDir,
	} {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	for key, dst := range map[string]*[]string{
		"PMS_SHELL_ALLOWED_DIRS": &cfg.ShellAllowedDirs,
		"PMS_SHELL_DENIED_DIRS":  &cfg.ShellDeniedDirs,
	} {
		if v := os.Getenv(key); v != "" {
			*dst = filepath.SplitList(v)
		}
	}
	for key, dst := range map[string]*int{
		"PMS_POOL_SIZE":      &cfg.PoolSize,
		"PMS_TASK_POOL_SIZE": &cfg.TaskPoolSize,
	} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return cfg, fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.PoolSize <= 0 || c.TaskPoolSize <= 0 {
		return fmt.Errorf("pool sizes must be positive")
	}
	if _, err := c.compileTimeout(); err != nil {
		return err
	}
	if _, err := c.waitTimeout(); err != nil {
		return err
	}
	if c.RemoteCreator != nil && c.RemoteCreator.Endpoint == "" {
		return fmt.Errorf("remote_creator.endpoint is required")
	}
	return nil
}

// dsn returns the store DSN, defaulting to the libSQL file at DBPath.
func (c Config) dsn() string {
	if c.DSN != "" {
		return c.DSN
	}
	return "file:" + c.DBPath
}

func (c Config) compileTimeout() (time.Duration, error) {
	return parseDuration("compile_timeout", c.CompileTimeout)
}

func (c Config) waitTimeout() (time.Duration, error) {
	return parseDuration("wait_timeout", c.WaitTimeout)
}

func parseDuration(name, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}
