package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Config represents the global ~/.wabridge/config.toml.
type Config struct {
	DefaultSession string           `toml:"default_session" mapstructure:"default_session"`
	Log            LogConfig        `toml:"log" mapstructure:"log"`
	Connection     ConnectionConfig `toml:"connection" mapstructure:"connection"`
	Forward        ForwardConfig    `toml:"forward" mapstructure:"forward"`
	Reconcile      ReconcileConfig  `toml:"reconcile" mapstructure:"reconcile"`
	Archive        ArchiveConfig    `toml:"archive" mapstructure:"archive"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type ConnectionConfig struct {
	DeviceName     string        `toml:"device_name" mapstructure:"device_name"`
	AutoReconnect  bool          `toml:"auto_reconnect" mapstructure:"auto_reconnect"`
	ReconnectDelay time.Duration `toml:"reconnect_delay" mapstructure:"reconnect_delay"`
}

type ForwardConfig struct {
	SelfSentTTL time.Duration `toml:"self_sent_ttl" mapstructure:"self_sent_ttl"`
	DedupTTL    time.Duration `toml:"dedup_ttl" mapstructure:"dedup_ttl"`
	DedupPrefix int           `toml:"dedup_prefix" mapstructure:"dedup_prefix"`
	SendTimeout time.Duration `toml:"send_timeout" mapstructure:"send_timeout"`
	Timezone    string        `toml:"timezone" mapstructure:"timezone"`
}

type ReconcileConfig struct {
	PageSize           int           `toml:"page_size" mapstructure:"page_size"`
	HistoryWindow      int           `toml:"history_window" mapstructure:"history_window"`
	CacheTTL           time.Duration `toml:"cache_ttl" mapstructure:"cache_ttl"`
	FetchTimeout       time.Duration `toml:"fetch_timeout" mapstructure:"fetch_timeout"`
	SummaryConcurrency int           `toml:"summary_concurrency" mapstructure:"summary_concurrency"`
}

type ArchiveConfig struct {
	// Retention is how long archived messages are kept. Zero keeps them forever.
	Retention time.Duration `toml:"retention" mapstructure:"retention"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Connection: ConnectionConfig{
			DeviceName:     "wabridge",
			AutoReconnect:  true,
			ReconnectDelay: 10 * time.Second,
		},
		Forward: ForwardConfig{
			SelfSentTTL: 60 * time.Second,
			DedupTTL:    5 * time.Second,
			DedupPrefix: 100,
			SendTimeout: 30 * time.Second,
			Timezone:    "UTC",
		},
		Reconcile: ReconcileConfig{
			PageSize:           50,
			HistoryWindow:      500,
			CacheTTL:           5 * time.Minute,
			FetchTimeout:       30 * time.Second,
			SummaryConcurrency: 4,
		},
		Archive: ArchiveConfig{
			Retention: 30 * 24 * time.Hour,
		},
	}
}

// Load reads config from path, layered over Default and overridden by
// WABRIDGE_* environment variables (e.g. WABRIDGE_FORWARD_DEDUP_TTL).
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("wabridge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Location resolves Forward.Timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Forward.Timezone)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if c.Forward.SelfSentTTL <= 0 || c.Forward.DedupTTL <= 0 {
		return fmt.Errorf("forward.self_sent_ttl and forward.dedup_ttl must be positive")
	}
	if c.Forward.DedupPrefix <= 0 {
		return fmt.Errorf("forward.dedup_prefix must be greater than 0")
	}
	if c.Forward.SendTimeout <= 0 || c.Reconcile.FetchTimeout <= 0 {
		return fmt.Errorf("forward.send_timeout and reconcile.fetch_timeout must be positive")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("forward.timezone: %w", err)
	}
	if c.Reconcile.PageSize <= 0 {
		return fmt.Errorf("reconcile.page_size must be greater than 0")
	}
	if c.Reconcile.HistoryWindow < c.Reconcile.PageSize {
		return fmt.Errorf("reconcile.history_window must be at least reconcile.page_size")
	}
	if c.Reconcile.CacheTTL <= 0 {
		return fmt.Errorf("reconcile.cache_ttl must be positive")
	}
	if c.Reconcile.SummaryConcurrency <= 0 {
		return fmt.Errorf("reconcile.summary_concurrency must be greater than 0")
	}
	if c.Connection.AutoReconnect && c.Connection.ReconnectDelay <= 0 {
		return fmt.Errorf("connection.reconnect_delay must be positive when auto_reconnect is on")
	}
	if c.Archive.Retention < 0 {
		return fmt.Errorf("archive.retention must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("default_session", d.DefaultSession)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("connection.device_name", d.Connection.DeviceName)
	v.SetDefault("connection.auto_reconnect", d.Connection.AutoReconnect)
	v.SetDefault("connection.reconnect_delay", d.Connection.ReconnectDelay)

	v.SetDefault("forward.self_sent_ttl", d.Forward.SelfSentTTL)
	v.SetDefault("forward.dedup_ttl", d.Forward.DedupTTL)
	v.SetDefault("forward.dedup_prefix", d.Forward.DedupPrefix)
	v.SetDefault("forward.send_timeout", d.Forward.SendTimeout)
	v.SetDefault("forward.timezone", d.Forward.Timezone)

	v.SetDefault("reconcile.page_size", d.Reconcile.PageSize)
	v.SetDefault("reconcile.history_window", d.Reconcile.HistoryWindow)
	v.SetDefault("reconcile.cache_ttl", d.Reconcile.CacheTTL)
	v.SetDefault("reconcile.fetch_timeout", d.Reconcile.FetchTimeout)
	v.SetDefault("reconcile.summary_concurrency", d.Reconcile.SummaryConcurrency)

	v.SetDefault("archive.retention", d.Archive.Retention)
}
