// Package config holds application configuration for the capture engine and
// CLI. Defaults come from struct tags; a YAML file can overlay any subset.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// SensorConfig describes the notification stream every wearable exposes.
// UUIDs default to the Nordic UART service the reference firmware uses.
type SensorConfig struct {
	ServiceUUID    string        `yaml:"service_uuid" default:"6e400001-b5a3-f393-e0a9-e50e24dcca9e"`
	StreamCharUUID string        `yaml:"stream_char_uuid" default:"6e400003-b5a3-f393-e0a9-e50e24dcca9e"`
	ExpectedRateHz float64       `yaml:"expected_rate_hz" default:"60"`
	RateWindow     time.Duration `yaml:"rate_window" default:"1s"`
	StatsInterval  time.Duration `yaml:"stats_interval" default:"250ms"`
	BatchSize      int           `yaml:"batch_size" default:"50"`
	BufferCapacity int           `yaml:"buffer_capacity" default:"512"`
}

// ScanConfig controls device discovery.
type ScanConfig struct {
	Timeout    time.Duration `yaml:"timeout" default:"10s"`
	MaxDevices int           `yaml:"max_devices" default:"3"`
}

// ConnectConfig controls connection establishment and recovery.
type ConnectConfig struct {
	Timeout      time.Duration `yaml:"timeout" default:"30s"`
	RequestedMTU int           `yaml:"requested_mtu" default:"185"`
	BackoffBase  time.Duration `yaml:"backoff_base" default:"500ms"`
	BackoffMax   time.Duration `yaml:"backoff_max" default:"30s"`
}

// SessionConfig controls recording output.
type SessionConfig struct {
	Dir            string `yaml:"dir" default:"sessions"`
	FlushThreshold int    `yaml:"flush_threshold" default:"64"`
}

// AlertConfig controls low-rate alerting while recording.
type AlertConfig struct {
	LowRateFraction float64       `yaml:"low_rate_fraction" default:"0.5"`
	Sustain         time.Duration `yaml:"sustain" default:"5s"`
	Cooldown        time.Duration `yaml:"cooldown" default:"30s"`
}

// Config is the top-level application configuration.
type Config struct {
	LogLevel string        `yaml:"log_level" default:"info"`
	DBPath   string        `yaml:"db_path" default:"stridelink.db"`
	Sensor   SensorConfig  `yaml:"sensor"`
	Scan     ScanConfig    `yaml:"scan"`
	Connect  ConnectConfig `yaml:"connect"`
	Session  SessionConfig `yaml:"session"`
	Alerts   AlertConfig   `yaml:"alerts"`
}

// DefaultConfig returns a Config populated from struct-tag defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. A missing file returns defaults
// unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// NewLoggerAt creates a logger at the given level with the application's
// standard formatter. Every logger in the process is built through here.
func NewLoggerAt(level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// NewLogger creates a logger configured from LogLevel, falling back to info
// when the level does not parse.
func (c *Config) NewLogger() *logrus.Logger {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	return NewLoggerAt(level)
}
