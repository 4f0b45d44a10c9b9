// Package config provides YAML-file configuration with environment-variable
// overrides for the mailswipe daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the complete daemon configuration.
type Config struct {
	Listen           string        `yaml:"listen"`
	ConfigDir        string        `yaml:"config_dir"`
	DeviceSecret     string        `yaml:"device_secret"`
	SyncOnStart      bool          `yaml:"sync_on_start"`
	IncludeSpamTrash bool          `yaml:"include_spam_trash"`
	Logging          LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables on top of defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer, then
// overrides with environment variables. Returns an error if the file does
// not exist or does not parse.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyEnvVars()
	return cfg, nil
}

// Validate reports configuration the daemon cannot start with.
func (c *Config) Validate() error {
	if c.DeviceSecret == "" {
		return errors.New("device_secret is required (set MAILSWIPE_DEVICE_SECRET or the config file)")
	}
	if c.ConfigDir == "" {
		return errors.New("config_dir could not be determined; set it explicitly")
	}
	return nil
}

// DatabasePath is the message cache location under the config dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ConfigDir, "mailswipe.db")
}

// DecisionsPath is the swipe decision log location under the config dir.
func (c *Config) DecisionsPath() string {
	return filepath.Join(c.ConfigDir, "decisions.json")
}

func (c *Config) applyDefaults() {
	c.Listen = ":8470"
	c.SyncOnStart = true
	c.Logging.Level = "info"
	if dir, err := os.UserConfigDir(); err == nil {
		c.ConfigDir = filepath.Join(dir, "mailswipe")
	}
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("MAILSWIPE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("MAILSWIPE_CONFIG_DIR"); v != "" {
		c.ConfigDir = v
	}
	if v := os.Getenv("MAILSWIPE_DEVICE_SECRET"); v != "" {
		c.DeviceSecret = v
	}
	if v := os.Getenv("MAILSWIPE_SYNC_ON_START"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SyncOnStart = b
		}
	}
	if v := os.Getenv("MAILSWIPE_INCLUDE_SPAM_TRASH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.IncludeSpamTrash = b
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
