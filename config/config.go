// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads the terminal sync settings. Values come from
// defaults, an optional config file and MODULA_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ModulabyAddsy/modula-pos/localstore"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "MODULA"

// Config holds all configuration for the terminal sync core
type Config struct {
	API     APIConfig    `mapstructure:"api"`
	DataDir string       `mapstructure:"data_dir"`
	Sync    SyncConfig   `mapstructure:"sync"`
	Tables  TablesConfig `mapstructure:"tables"`
	Log     LogConfig    `mapstructure:"log"`
}

// APIConfig is the backend connection.
type APIConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	ShortTimeout time.Duration `mapstructure:"short_timeout"`
	LongTimeout  time.Duration `mapstructure:"long_timeout"`
}

// SyncConfig controls the background cycle.
type SyncConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	BackoffMax          time.Duration `mapstructure:"backoff_max"`
	Watch               bool          `mapstructure:"watch"`
	WatchDebounce       time.Duration `mapstructure:"watch_debounce"`
	DownloadParallelism int           `mapstructure:"download_parallelism"`
	LocalIDColumn       string        `mapstructure:"local_id_column"`
}

// TablesConfig overrides the built-in table registry.
type TablesConfig struct {
	PrimaryKeys map[string]string `mapstructure:"primary_keys"`
	General     []string          `mapstructure:"general"`
}

// LogConfig controls logging. An empty File logs to stderr only.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:      "https://modula-backend.onrender.com",
			ShortTimeout: 15 * time.Second,
			LongTimeout:  300 * time.Second,
		},
		DataDir: defaultDataDir(),
		Sync: SyncConfig{
			Interval:            60 * time.Second,
			BackoffMax:          10 * time.Minute,
			Watch:               true,
			WatchDebounce:       2 * time.Second,
			DownloadParallelism: 4,
			LocalIDColumn:       "id",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// defaultDataDir is the per-user application directory, or the working
// directory when none can be determined.
func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "ModulaPOS")
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment apply.
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// NewViper returns a viper instance carrying the defaults and environment
// bindings. Callers may bind flags to it before calling FromViper.
func NewViper() *viper.Viper {
	v := viper.New()
	def := DefaultConfig()

	v.SetDefault("api.base_url", def.API.BaseURL)
	v.SetDefault("api.short_timeout", def.API.ShortTimeout)
	v.SetDefault("api.long_timeout", def.API.LongTimeout)
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("sync.interval", def.Sync.Interval)
	v.SetDefault("sync.backoff_max", def.Sync.BackoffMax)
	v.SetDefault("sync.watch", def.Sync.Watch)
	v.SetDefault("sync.watch_debounce", def.Sync.WatchDebounce)
	v.SetDefault("sync.download_parallelism", def.Sync.DownloadParallelism)
	v.SetDefault("sync.local_id_column", def.Sync.LocalIDColumn)
	v.SetDefault("tables.primary_keys", map[string]string{})
	v.SetDefault("tables.general", []string{})
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.file", def.Log.File)
	v.SetDefault("log.max_size_mb", def.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", def.Log.MaxBackups)
	v.SetDefault("log.max_age_days", def.Log.MaxAgeDays)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// FromViper decodes and validates v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would make the sync core misbehave.
func (c *Config) Validate() error {
	var errs []error
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.API.ShortTimeout <= 0 || c.API.LongTimeout <= 0 {
		errs = append(errs, errors.New("api timeouts must be positive"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval))
	}
	if c.Sync.DownloadParallelism < 1 {
		errs = append(errs, fmt.Errorf("sync.download_parallelism must be at least 1, got %d", c.Sync.DownloadParallelism))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// TableConfig merges the configured overrides into the built-in registry.
func (c *Config) TableConfig() localstore.TableConfig {
	tc := localstore.DefaultTableConfig()
	for table, pk := range c.Tables.PrimaryKeys {
		tc.PrimaryKeys[strings.ToLower(table)] = pk
	}
	for _, table := range c.Tables.General {
		if !tc.IsGeneral(table) {
			tc.General = append(tc.General, strings.ToLower(table))
		}
	}
	return tc
}
