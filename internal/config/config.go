// Package config holds the options for a rehashkv database and loads them
// from a YAML file and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v3"
)

// Config holds database configuration options
type Config struct {
	// InitialCapacity is the bucket count the table starts with.
	InitialCapacity int `yaml:"initial_capacity"`
	// MaxCapacity caps table growth. Zero means unbounded.
	MaxCapacity int `yaml:"max_capacity"`

	DataDir            string        `yaml:"data_dir"`
	InMemory           bool          `yaml:"in_memory"`
	AutoRecover        bool          `yaml:"auto_recover"`
	CompactionInterval time.Duration `yaml:"compaction_interval"`
	LogLevel           string        `yaml:"log_level"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		InitialCapacity:    16,
		DataDir:            "./data",
		AutoRecover:        true,
		CompactionInterval: 10 * time.Minute,
		LogLevel:           "info",
	}
}

// Load reads a YAML file over the defaults. Unknown fields are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from REHASHKV_* environment variables.
func (c *Config) ApplyEnv() error {
	c.InitialCapacity = env.Int("REHASHKV_CAPACITY", c.InitialCapacity)
	c.MaxCapacity = env.Int("REHASHKV_MAX_CAPACITY", c.MaxCapacity)
	c.DataDir = env.Str("REHASHKV_DATA_DIR", c.DataDir)
	c.LogLevel = env.Str("REHASHKV_LOG_LEVEL", c.LogLevel)
	if env.Has("REHASHKV_IN_MEMORY") {
		c.InMemory = env.Bool("REHASHKV_IN_MEMORY")
	}
	if env.Has("REHASHKV_AUTO_RECOVER") {
		c.AutoRecover = env.Bool("REHASHKV_AUTO_RECOVER")
	}
	if s := env.Str("REHASHKV_COMPACTION_INTERVAL"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("REHASHKV_COMPACTION_INTERVAL: %w", err)
		}
		c.CompactionInterval = d
	}
	return nil
}

// Validate reports the first invalid option.
func (c *Config) Validate() error {
	if c.InitialCapacity <= 0 {
		return fmt.Errorf("initial_capacity must be positive, got %d", c.InitialCapacity)
	}
	if c.MaxCapacity < 0 {
		return fmt.Errorf("max_capacity must not be negative, got %d", c.MaxCapacity)
	}
	if c.MaxCapacity > 0 && c.MaxCapacity < c.InitialCapacity {
		return fmt.Errorf("max_capacity %d is below initial_capacity %d", c.MaxCapacity, c.InitialCapacity)
	}
	if !c.InMemory && c.DataDir == "" {
		return errors.New("data_dir is required unless in_memory is set")
	}
	if c.CompactionInterval < 0 {
		return fmt.Errorf("compaction_interval must not be negative, got %v", c.CompactionInterval)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return l, nil
}
