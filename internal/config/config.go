// Package config loads sensor settings from an optional YAML file overlaid
// by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full sensor configuration, one section per concern.
type Config struct {
	Sensor    SensorConfig    `yaml:"sensor"`
	Directory DirectoryConfig `yaml:"directory"`
	Loop      LoopConfig      `yaml:"loop"`
	Cache     CacheConfig     `yaml:"cache"`
	Retry     RetryConfig     `yaml:"retry"`
	Peer      PeerConfig      `yaml:"peer"`
	Admin     AdminConfig     `yaml:"admin"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Feed      FeedConfig      `yaml:"feed"`
}

// SensorConfig is where the peer server listens.
type SensorConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DirectoryConfig locates the directory and bounds each call to it.
type DirectoryConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoopConfig sets the pause between measurement cycles.
type LoopConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// CacheConfig sets how long the closest peer and its connection are kept.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// RetryConfig bounds one round of directory retries.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

// PeerConfig tunes the peer server accept loop and its worker pool.
type PeerConfig struct {
	AcceptTimeout time.Duration `yaml:"accept_timeout"`
	Workers       int           `yaml:"workers"`
}

// AdminConfig enables the HTTP admin endpoint when Listen is set.
type AdminConfig struct {
	Listen string `yaml:"listen"`
}

// MQTTConfig enables the measurement mirror when Broker is set.
type MQTTConfig struct {
	Broker string `yaml:"broker"`
	Topic  string `yaml:"topic"`
}

// FeedConfig selects a CSV feed file; empty uses the embedded dataset.
type FeedConfig struct {
	Path string `yaml:"path"`
}

// Load reads path (skipped when empty), applies the environment overlay and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("SENSOR_HOST"); v != "" {
		c.Sensor.Host = v
	}
	if v := getenv("SENSOR_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SENSOR_PORT: %w", err)
		}
		c.Sensor.Port = port
	}
	if v := getenv("DIRECTORY_URL"); v != "" {
		c.Directory.URL = v
	}
	if v := getenv("SENSOR_ADMIN_LISTEN"); v != "" {
		c.Admin.Listen = v
	}
	if v := getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := getenv("SENSOR_FEED"); v != "" {
		c.Feed.Path = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Sensor.Host == "" {
		c.Sensor.Host = "localhost"
	}
	if c.Sensor.Port == 0 {
		c.Sensor.Port = 10000
	}
	if c.Directory.URL == "" {
		c.Directory.URL = "http://localhost:8080"
	}
	if c.Directory.Timeout == 0 {
		c.Directory.Timeout = 5 * time.Second
	}
	if c.Loop.Interval == 0 {
		c.Loop.Interval = 5 * time.Second
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 24 * time.Second
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.Backoff == 0 {
		c.Retry.Backoff = time.Second
	}
	if c.Peer.AcceptTimeout == 0 {
		c.Peer.AcceptTimeout = time.Second
	}
	if c.Peer.Workers == 0 {
		c.Peer.Workers = max(runtime.NumCPU()-1, 1)
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "sensors"
	}
}

func (c *Config) validate() error {
	if c.Sensor.Port < 1 || c.Sensor.Port > 65535 {
		return fmt.Errorf("sensor.port %d out of range", c.Sensor.Port)
	}
	for name, d := range map[string]time.Duration{
		"directory.timeout":   c.Directory.Timeout,
		"loop.interval":       c.Loop.Interval,
		"cache.ttl":           c.Cache.TTL,
		"retry.backoff":       c.Retry.Backoff,
		"peer.accept_timeout": c.Peer.AcceptTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %v", name, d)
		}
	}
	if c.Retry.Attempts < 1 {
		return errors.New("retry.attempts must be at least 1")
	}
	if c.Peer.Workers < 1 {
		return errors.New("peer.workers must be at least 1")
	}
	return nil
}
