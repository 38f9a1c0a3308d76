// Package config provides configuration management for retrace.
package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// ConfigSuite is a test suite for config operations.
type ConfigSuite struct {
	suite.Suite
	tempDir     string
	origDataDir string
}

func (s *ConfigSuite) SetupTest() {
	s.tempDir = s.T().TempDir()

	// Point the data dir at the temp dir for isolation.
	s.origDataDir = os.Getenv("RETRACE_DATA_DIR")
	os.Setenv("RETRACE_DATA_DIR", s.tempDir)
}

func (s *ConfigSuite) TearDownTest() {
	os.Setenv("RETRACE_DATA_DIR", s.origDataDir)
	os.Unsetenv("RETRACE_CAPTURE_INTERVAL")
	os.Unsetenv("RETRACE_IDLE_TIMEOUT")
	os.Unsetenv("RETRACE_TOKEN_LIMIT")
	os.Unsetenv("RETRACE_LOG_LEVEL")
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigSuite))
}

// TestDefault tests default configuration values.
func (s *ConfigSuite) TestDefault() {
	cfg := Default()

	s.Equal(float64(DefaultCaptureIntervalSeconds), cfg.CaptureIntervalSeconds)
	s.Equal(float64(DefaultIdleTimeoutSeconds), cfg.IdleTimeoutSeconds)
	s.Equal(DefaultTokenLimit, cfg.TokenLimit)
	s.Equal("runes", cfg.TokenCounter)
	s.Equal(DefaultMaxOverflowRecords, cfg.MaxOverflowRecords)
	s.Equal(float64(DefaultDrainDeadlineSeconds), cfg.DrainDeadlineSeconds)
	s.False(cfg.AudioEnabled)
	s.False(cfg.KafkaEnabled)
	s.Equal(2*time.Second, cfg.CaptureInterval())
	s.Equal(5*time.Second, cfg.IdleTimeout())
	s.Equal(10*time.Second, cfg.DrainDeadline())
}

// TestDataDir tests data directory path resolution.
func (s *ConfigSuite) TestDataDir() {
	s.Equal(s.tempDir, DataDir())

	os.Unsetenv("RETRACE_DATA_DIR")
	s.Contains(DataDir(), ".retrace")
}

// TestPaths tests derived paths.
func (s *ConfigSuite) TestPaths() {
	s.Contains(SpoolDir(), "spool")
	s.Contains(CatalogPath(), "catalog.db")
	s.Contains(SettingsPath(), "settings.json")
	s.Contains(ExclusionsPath(), "exclusions.yaml")
	s.Contains(SocketPath(), "retraced.sock")
}

// TestEnsureAll tests full initialization.
func (s *ConfigSuite) TestEnsureAll() {
	err := EnsureAll()
	s.NoError(err)

	info, err := os.Stat(DataDir())
	s.NoError(err)
	s.True(info.IsDir())

	info, err = os.Stat(SpoolDir())
	s.NoError(err)
	s.True(info.IsDir())

	_, err = os.Stat(SettingsPath())
	s.NoError(err)

	// Second call should not error (everything exists).
	s.NoError(EnsureAll())
}

// TestLoad_TableDriven tests configuration loading with various scenarios.
func (s *ConfigSuite) TestLoad_TableDriven() {
	tests := []struct {
		name     string
		settings string
		env      map[string]string
		check    func(cfg Config)
	}{
		{
			name: "missing file returns defaults",
			check: func(cfg Config) {
				s.Equal(Default(), cfg)
			},
		},
		{
			name:     "settings file overrides defaults",
			settings: `{"capture_interval_seconds": 5, "token_limit": 100}`,
			check: func(cfg Config) {
				s.Equal(5*time.Second, cfg.CaptureInterval())
				s.Equal(100, cfg.TokenLimit)
				// Untouched keys keep defaults.
				s.Equal(DefaultMaxOverflowRecords, cfg.MaxOverflowRecords)
			},
		},
		{
			name:     "env overrides settings file",
			settings: `{"token_limit": 100}`,
			env:      map[string]string{"RETRACE_TOKEN_LIMIT": "50", "RETRACE_LOG_LEVEL": "debug"},
			check: func(cfg Config) {
				s.Equal(50, cfg.TokenLimit)
				s.Equal("debug", cfg.LogLevel)
			},
		},
		{
			name: "invalid env value is ignored",
			env:  map[string]string{"RETRACE_TOKEN_LIMIT": "not-a-number"},
			check: func(cfg Config) {
				s.Equal(DefaultTokenLimit, cfg.TokenLimit)
			},
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			os.Remove(SettingsPath())
			if tt.settings != "" {
				s.Require().NoError(EnsureDataDir())
				s.Require().NoError(os.WriteFile(SettingsPath(), []byte(tt.settings), 0o644))
			}
			for k, v := range tt.env {
				os.Setenv(k, v)
			}

			cfg, err := Load()
			s.NoError(err)
			tt.check(cfg)

			for k := range tt.env {
				os.Unsetenv(k)
			}
		})
	}
}

// TestLoad_Malformed tests that a corrupt settings file falls back to defaults with an error.
func (s *ConfigSuite) TestLoad_Malformed() {
	s.Require().NoError(EnsureDataDir())
	s.Require().NoError(os.WriteFile(SettingsPath(), []byte("{not json"), 0o644))

	cfg, err := Load()
	s.Error(err)
	s.Equal(Default(), cfg)
}
