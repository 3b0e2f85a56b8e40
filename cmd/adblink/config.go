package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"adblink/pkg/adb"
)

// Config holds console settings, merged from defaults and an optional toml
// file.
type Config struct {
	Address        string // default device address for attach
	Banner         string // host identity sent in the handshake
	MaxConnections int    // connection pool capacity
	RetryInterval  time.Duration
	SettleDelay    time.Duration
}

// fileConfig mirrors the toml layout.
type fileConfig struct {
	Address        string `toml:"address"`
	Banner         string `toml:"banner"`
	MaxConnections int    `toml:"max_connections"`
	RetryInterval  string `toml:"retry_interval"`
	SettleDelay    string `toml:"settle_delay"`
}

// DefaultConfig returns the stock console settings.
func DefaultConfig() *Config {
	def := adb.DefaultConfig()
	return &Config{
		Banner:         def.Banner,
		MaxConnections: def.MaxConnections,
		RetryInterval:  def.RetryInterval,
		SettleDelay:    def.SettleDelay,
	}
}

// LoadConfig reads settings from a toml file, keeping defaults for any key
// the file does not define. An empty path yields pure defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}

	if meta.IsDefined("banner") {
		banner := strings.TrimSpace(raw.Banner)
		if banner != "" {
			cfg.Banner = banner
		}
	}

	if meta.IsDefined("max_connections") {
		if raw.MaxConnections <= 0 {
			return nil, fmt.Errorf("max_connections must be positive, got %d", raw.MaxConnections)
		}
		cfg.MaxConnections = raw.MaxConnections
	}

	if meta.IsDefined("retry_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RetryInterval))
		if err != nil {
			return nil, fmt.Errorf("parse retry_interval: %w", err)
		}
		cfg.RetryInterval = d
	}

	if meta.IsDefined("settle_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.SettleDelay))
		if err != nil {
			return nil, fmt.Errorf("parse settle_delay: %w", err)
		}
		cfg.SettleDelay = d
	}

	return cfg, nil
}

// Engine translates the console settings into engine tunables.
func (c *Config) Engine() adb.Config {
	cfg := adb.DefaultConfig()
	cfg.Banner = c.Banner
	cfg.MaxConnections = c.MaxConnections
	cfg.RetryInterval = c.RetryInterval
	cfg.SettleDelay = c.SettleDelay
	return cfg
}
