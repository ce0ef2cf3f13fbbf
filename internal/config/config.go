// Package config loads the gateway's settings from config.yaml, applies
// environment overrides, and watches the file for changes.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDBPath   = "data/messagepusher.db"
	DefaultBindHost = "0.0.0.0"
	DefaultPort     = 8080
)

// AlertConfig wires the error ledger to Telegram.
type AlertConfig struct {
	TelegramToken   string  `yaml:"telegram_token"`
	TelegramChatIDs []int64 `yaml:"telegram_chat_ids"`
	Enabled         bool    `yaml:"enabled"`

	// Per-severity notification thresholds. Zero keeps the default
	// (low 100, medium 10, high 1, critical 1).
	ThresholdLow      int `yaml:"threshold_low"`
	ThresholdMedium   int `yaml:"threshold_medium"`
	ThresholdHigh     int `yaml:"threshold_high"`
	ThresholdCritical int `yaml:"threshold_critical"`
}

// QueueConfig sizes the worker pool.
type QueueConfig struct {
	Workers           int `yaml:"workers"`
	MaxRetries        int `yaml:"max_retries"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`
}

// SchedulerConfig sets the recurring job intervals, in seconds. The
// db_maintenance window is fixed at 02:00 and not configurable here.
type SchedulerConfig struct {
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`
	RetryIntervalSeconds   int `yaml:"retry_interval_seconds"`
	StatsIntervalSeconds   int `yaml:"stats_interval_seconds"`
}

type Config struct {
	DataDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	BindHost string `yaml:"bind_host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// RequestTimeoutSeconds bounds each outbound channel request.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`

	// MaxContentLength caps fetched url bodies, in bytes.
	MaxContentLength int64 `yaml:"max_content_length"`

	FileStoragePath   string `yaml:"file_storage_path"`
	FileRetentionDays int    `yaml:"file_retention_days"`

	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Alerts    AlertConfig     `yaml:"alerts"`
}

func defaultConfig() Config {
	return Config{
		DBPath:                DefaultDBPath,
		BindHost:              DefaultBindHost,
		Port:                  DefaultPort,
		LogLevel:              "info",
		RequestTimeoutSeconds: 10,
		FileStoragePath:       "data/files",
		FileRetentionDays:     30,
		Queue: QueueConfig{
			Workers:           5,
			MaxRetries:        3,
			RetryDelaySeconds: 5,
		},
		Scheduler: SchedulerConfig{
			CleanupIntervalSeconds: 3600,
			RetryIntervalSeconds:   300,
			StatsIntervalSeconds:   86400,
		},
	}
}

// DataDirPath returns the base data directory, honoring the override.
func DataDirPath() string {
	if override := os.Getenv("MESSAGEPUSHER_DATA_DIR"); override != "" {
		return override
	}
	return "data"
}

// ConfigPath returns the path to config.yaml within the data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// Load reads config.yaml (if present), applies env overrides, and fills
// defaults. A missing file is not an error; the defaults carry.
func Load() (Config, error) {
	return LoadFrom(DataDirPath())
}

func LoadFrom(dataDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.DataDir = dataDir

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create data dir: %w", err)
	}

	path := ConfigPath(dataDir)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.Port)
}

// Fingerprint returns a stable hash of the settings that require a
// restart to change.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|addr=%s|workers=%d|log=%s",
		c.DBPath, c.Addr(), c.Queue.Workers, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MESSAGEPUSHER_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Port = v
		}
	}
	if raw := os.Getenv("MESSAGEPUSHER_BIND_HOST"); raw != "" {
		cfg.BindHost = raw
	}
	if raw := os.Getenv("MESSAGEPUSHER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MESSAGEPUSHER_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.Workers = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Alerts.TelegramToken = raw
	}
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if cfg.BindHost == "" {
		cfg.BindHost = DefaultBindHost
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = DefaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = 10
	}
	if cfg.FileStoragePath == "" {
		cfg.FileStoragePath = "data/files"
	}
	if cfg.FileRetentionDays < 0 {
		cfg.FileRetentionDays = 0
	}
	if cfg.Queue.Workers <= 0 {
		cfg.Queue.Workers = 5
	}
	if cfg.Queue.MaxRetries <= 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.RetryDelaySeconds <= 0 {
		cfg.Queue.RetryDelaySeconds = 5
	}
	if cfg.Scheduler.CleanupIntervalSeconds <= 0 {
		cfg.Scheduler.CleanupIntervalSeconds = 3600
	}
	if cfg.Scheduler.RetryIntervalSeconds <= 0 {
		cfg.Scheduler.RetryIntervalSeconds = 300
	}
	if cfg.Scheduler.StatsIntervalSeconds <= 0 {
		cfg.Scheduler.StatsIntervalSeconds = 86400
	}
}
