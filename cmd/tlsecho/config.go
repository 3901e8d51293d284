package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/foxxorcat/tlsstream/security"
)

type RotationConfig struct {
	Enable     bool   `toml:"enable"`
	Filename   string `toml:"filename"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

type LogConfig struct {
	Level       string         `toml:"level"`
	Format      string         `toml:"format"`
	Development bool           `toml:"development"`
	Outputs     []string       `toml:"outputs"`
	Rotation    RotationConfig `toml:"rotation"`
}

type Config struct {
	Listen     string
	Address    string
	Metrics    string
	MaxRetries int
	RetryMax   time.Duration
	DrainWait  time.Duration
	WriteLimit int
	TLS        security.Config
	Log        LogConfig
}

type fileConfig struct {
	Listen     string          `toml:"listen"`
	Address    string          `toml:"address"`
	Metrics    string          `toml:"metrics"`
	MaxRetries int             `toml:"max_retries"`
	RetryMax   string          `toml:"retry_max"`
	DrainWait  string          `toml:"drain_wait"`
	WriteLimit int             `toml:"write_limit"`
	TLS        security.Config `toml:"tls"`
	Log        LogConfig       `toml:"log"`
}

func defaultConfig() Config {
	return Config{
		Listen:     "127.0.0.1:8443",
		Address:    "127.0.0.1:8443",
		MaxRetries: 5,
		RetryMax:   10 * time.Second,
		DrainWait:  5 * time.Second,
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
		},
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load tlsecho config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load tlsecho config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("metrics") {
		cfg.Metrics = strings.TrimSpace(raw.Metrics)
	}
	if meta.IsDefined("max_retries") {
		cfg.MaxRetries = raw.MaxRetries
	}
	if meta.IsDefined("retry_max") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RetryMax))
		if err != nil {
			return Config{}, fmt.Errorf("parse retry_max: %w", err)
		}
		cfg.RetryMax = d
	}
	if meta.IsDefined("drain_wait") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DrainWait))
		if err != nil {
			return Config{}, fmt.Errorf("parse drain_wait: %w", err)
		}
		cfg.DrainWait = d
	}
	if meta.IsDefined("write_limit") {
		cfg.WriteLimit = raw.WriteLimit
	}

	cfg.TLS = raw.TLS
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = raw.Log.Level
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = raw.Log.Format
	}
	if meta.IsDefined("log", "development") {
		cfg.Log.Development = raw.Log.Development
	}
	if meta.IsDefined("log", "outputs") {
		cfg.Log.Outputs = raw.Log.Outputs
	}
	if meta.IsDefined("log", "rotation") {
		cfg.Log.Rotation = raw.Log.Rotation
	}
	return cfg, nil
}
