// Package config loads TaskHub's on-disk YAML configuration: storage
// backend selection, lease/interval tuning, and filesystem layout, with a
// debounced watcher that reloads task definitions when they change on
// disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is TaskHub's top-level configuration.
type Config struct {
	// StoreBackend selects the Store implementation: "sqlite" (default)
	// or "postgres".
	StoreBackend string `yaml:"store_backend"`
	SQLitePath   string `yaml:"sqlite_path"`
	PostgresDSN  string `yaml:"postgres_dsn"`

	// DataDir holds per-run working directories (DataDir/<run_id>/...).
	DataDir string `yaml:"data_dir"`
	// TaskDefinitionsDir is glob-scanned for *.yaml task definitions.
	TaskDefinitionsDir string `yaml:"task_definitions_dir"`

	LeaseDuration          time.Duration `yaml:"lease_duration"`
	DispatchPollInterval   time.Duration `yaml:"dispatch_poll_interval"`
	ReaperInterval         time.Duration `yaml:"reaper_interval"`
	ReaperGrace            time.Duration `yaml:"reaper_grace"`
	CronCheckInterval      time.Duration `yaml:"cron_check_interval"`
	WorkerHeartbeatPeriod  time.Duration `yaml:"worker_heartbeat_period"`
	WorkerDeadTimeout      time.Duration `yaml:"worker_dead_timeout"`

	APIHost string `yaml:"api_host"`
	APIPort int    `yaml:"api_port"`
}

// Default returns the configuration used when no file is present, matching
// the defaults named throughout spec.md (30s lease, 60s reaper loop / 10s
// grace, 10s cron loop).
func Default() *Config {
	return &Config{
		StoreBackend:          "sqlite",
		SQLitePath:            "./data/taskhub.db",
		DataDir:               "./data/runs",
		TaskDefinitionsDir:    "./tasks",
		LeaseDuration:         30 * time.Second,
		DispatchPollInterval:  1 * time.Second,
		ReaperInterval:        60 * time.Second,
		ReaperGrace:           10 * time.Second,
		CronCheckInterval:     10 * time.Second,
		WorkerHeartbeatPeriod: 15 * time.Second,
		WorkerDeadTimeout:     90 * time.Second,
		APIHost:               "127.0.0.1",
		APIPort:               8080,
	}
}

// Load reads and parses the YAML config file at path, filling in any
// field left zero with Default()'s value. A missing file is not an
// error: Load returns Default() unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ExpandHome resolves a leading "~" to the user's home directory, matching
// the convenience the teacher's CLI offers for default data paths.
func ExpandHome(path string) string {
	if path == "~" || len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
