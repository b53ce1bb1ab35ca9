package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

type ConfigTestSuite struct {
	suite.Suite
}

func (suite *ConfigTestSuite) TestDefaults() {
	// GOAL: Verify struct-tag defaults yield a usable configuration without any file
	//
	// TEST SCENARIO: Build DefaultConfig → verify the core knobs
	cfg := DefaultConfig()

	suite.Equal("info", cfg.LogLevel)
	suite.Equal("6e400001-b5a3-f393-e0a9-e50e24dcca9e", cfg.Sensor.ServiceUUID)
	suite.Equal("6e400003-b5a3-f393-e0a9-e50e24dcca9e", cfg.Sensor.StreamCharUUID)
	suite.Equal(60.0, cfg.Sensor.ExpectedRateHz)
	suite.Equal(time.Second, cfg.Sensor.RateWindow)
	suite.Equal(250*time.Millisecond, cfg.Sensor.StatsInterval)
	suite.Equal(50, cfg.Sensor.BatchSize)
	suite.Equal(512, cfg.Sensor.BufferCapacity)
	suite.Equal(30*time.Second, cfg.Connect.Timeout)
	suite.Equal(500*time.Millisecond, cfg.Connect.BackoffBase)
	suite.Equal(30*time.Second, cfg.Connect.BackoffMax)
	suite.Equal("sessions", cfg.Session.Dir)
	suite.Equal(64, cfg.Session.FlushThreshold)
	suite.Equal(0.5, cfg.Alerts.LowRateFraction)
}

func (suite *ConfigTestSuite) TestLoadMissingFileReturnsDefaults() {
	// GOAL: Verify a missing config file silently falls back to defaults
	//
	// TEST SCENARIO: Load a non-existent path → verify defaults and no error
	cfg, err := Load(filepath.Join(suite.T().TempDir(), "nope.yaml"))
	suite.Require().NoError(err)
	suite.Equal(DefaultConfig(), cfg)
}

func (suite *ConfigTestSuite) TestLoadOverlaysSubset() {
	// GOAL: Verify a partial YAML file overrides only the keys it names
	//
	// TEST SCENARIO: Write a file setting two keys → Load → verify the overrides and untouched defaults
	path := filepath.Join(suite.T().TempDir(), "cfg.yaml")
	yaml := "log_level: debug\nsensor:\n  expected_rate_hz: 120\n"
	suite.Require().NoError(os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	suite.Require().NoError(err)
	suite.Equal("debug", cfg.LogLevel)
	suite.Equal(120.0, cfg.Sensor.ExpectedRateHz)
	suite.Equal(50, cfg.Sensor.BatchSize, "unnamed keys keep their defaults")
}

func (suite *ConfigTestSuite) TestLoadRejectsMalformedYAML() {
	// GOAL: Verify malformed YAML surfaces a parse error rather than silent defaults
	//
	// TEST SCENARIO: Write garbage → Load → verify error
	path := filepath.Join(suite.T().TempDir(), "bad.yaml")
	suite.Require().NoError(os.WriteFile(path, []byte("{notyaml"), 0o644))

	_, err := Load(path)
	suite.Error(err)
}

func (suite *ConfigTestSuite) TestNewLoggerLevels() {
	// GOAL: Verify the logger honors the configured level and falls back to info on nonsense
	//
	// TEST SCENARIO: Build loggers from valid and invalid levels → verify resulting levels
	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	suite.Equal(logrus.DebugLevel, cfg.NewLogger().GetLevel())

	cfg.LogLevel = "nonsense"
	suite.Equal(logrus.InfoLevel, cfg.NewLogger().GetLevel())
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}
