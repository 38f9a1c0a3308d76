// Package config provides configuration management for retrace.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

// Default configuration values.
const (
	DefaultCaptureIntervalSeconds = 2
	DefaultIdleTimeoutSeconds     = 5
	DefaultTokenLimit             = 2000
	DefaultTokenCounter           = "runes"
	DefaultMaxOverflowRecords     = 256
	DefaultDrainDeadlineSeconds   = 10
	DefaultTickQueueDepth         = 4
	DefaultSampleRate             = 16000
	DefaultChannels               = 1
	DefaultVADThreshold           = 0.1
	DefaultSilenceSeconds         = 1
	DefaultMaxChunkSeconds        = 30
)

// Config holds all retrace settings. Persisted to settings.json under the
// data directory; individual keys can be overridden via RETRACE_* env vars.
type Config struct {
	// Capture pipeline.
	CaptureIntervalSeconds float64 `json:"capture_interval_seconds"`
	IdleTimeoutSeconds     float64 `json:"idle_timeout_seconds"`
	TokenLimit             int     `json:"token_limit"`
	TokenCounter           string  `json:"token_counter"` // "runes" or "tiktoken"
	TickQueueDepth         int     `json:"tick_queue_depth"`

	// Durable store.
	MaxOverflowRecords   int     `json:"max_overflow_buffer_records"`
	DrainDeadlineSeconds float64 `json:"drain_deadline_seconds"`

	// External capture commands (empty = simulated sources).
	FrameCommand  []string `json:"frame_command,omitempty"`
	WindowCommand []string `json:"window_command,omitempty"`
	OCRCommand    string   `json:"ocr_command,omitempty"`

	// Audio capture (off by default).
	AudioEnabled    bool     `json:"audio_enabled"`
	AudioCommand    []string `json:"audio_command,omitempty"`
	SampleRate      int      `json:"sample_rate"`
	Channels        int      `json:"channels"`
	VADThreshold    float64  `json:"vad_threshold"`
	SilenceSeconds  float64  `json:"silence_seconds"`
	MaxChunkSeconds float64  `json:"max_chunk_seconds"`

	// Kafka egress (off by default).
	KafkaEnabled bool     `json:"kafka_enabled"`
	KafkaBrokers []string `json:"kafka_brokers,omitempty"`
	TopicScreen  string   `json:"topic_screen,omitempty"`
	TopicText    string   `json:"topic_text,omitempty"`

	// Logging.
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // "json" or "console"
}

// Default returns a Config populated with default values.
func Default() Config {
	return Config{
		CaptureIntervalSeconds: DefaultCaptureIntervalSeconds,
		IdleTimeoutSeconds:     DefaultIdleTimeoutSeconds,
		TokenLimit:             DefaultTokenLimit,
		TokenCounter:           DefaultTokenCounter,
		TickQueueDepth:         DefaultTickQueueDepth,
		MaxOverflowRecords:     DefaultMaxOverflowRecords,
		DrainDeadlineSeconds:   DefaultDrainDeadlineSeconds,
		SampleRate:             DefaultSampleRate,
		Channels:               DefaultChannels,
		VADThreshold:           DefaultVADThreshold,
		SilenceSeconds:         DefaultSilenceSeconds,
		MaxChunkSeconds:        DefaultMaxChunkSeconds,
		TopicScreen:            "retrace.screen",
		TopicText:              "retrace.text",
		LogLevel:               "info",
		LogFormat:              "json",
	}
}

// CaptureInterval returns the screen capture cadence as a duration.
func (c Config) CaptureInterval() time.Duration {
	return time.Duration(c.CaptureIntervalSeconds * float64(time.Second))
}

// IdleTimeout returns the keystroke idle timeout as a duration.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds * float64(time.Second))
}

// DrainDeadline returns the shutdown drain deadline as a duration.
func (c Config) DrainDeadline() time.Duration {
	return time.Duration(c.DrainDeadlineSeconds * float64(time.Second))
}

// SilenceDuration returns the VAD silence-run threshold as a duration.
func (c Config) SilenceDuration() time.Duration {
	return time.Duration(c.SilenceSeconds * float64(time.Second))
}

// MaxChunkDuration returns the maximum audio chunk length as a duration.
func (c Config) MaxChunkDuration() time.Duration {
	return time.Duration(c.MaxChunkSeconds * float64(time.Second))
}

// DataDir returns the retrace data directory (~/.retrace).
// Override with RETRACE_DATA_DIR.
func DataDir() string {
	if dir := os.Getenv("RETRACE_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".retrace"
	}
	return filepath.Join(home, ".retrace")
}

// SpoolDir returns the directory holding partition directories.
func SpoolDir() string {
	return filepath.Join(DataDir(), "spool")
}

// CatalogPath returns the path to the catalog SQLite database.
func CatalogPath() string {
	return filepath.Join(DataDir(), "catalog.db")
}

// SettingsPath returns the path to the settings file.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// ExclusionsPath returns the path to the privacy exclusions file.
func ExclusionsPath() string {
	return filepath.Join(DataDir(), "exclusions.yaml")
}

// SocketPath returns the path to the daemon control socket.
func SocketPath() string {
	return filepath.Join(DataDir(), "retraced.sock")
}

// EnsureDataDir creates the data and spool directories if missing.
func EnsureDataDir() error {
	if err := os.MkdirAll(DataDir(), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(SpoolDir(), 0o755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}
	return nil
}

// EnsureSettings writes a default settings.json if one does not exist.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default settings: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// EnsureAll creates the data directory and default settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads settings.json and applies environment overrides.
// Missing file is not an error: defaults are returned.
func Load() (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	if err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Default(), fmt.Errorf("parse settings: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return Default(), fmt.Errorf("read settings: %w", err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides applies RETRACE_* environment variables on top of cfg.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RETRACE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RETRACE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("RETRACE_CAPTURE_INTERVAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.CaptureIntervalSeconds = f
		}
	}
	if v := os.Getenv("RETRACE_IDLE_TIMEOUT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.IdleTimeoutSeconds = f
		}
	}
	if v := os.Getenv("RETRACE_TOKEN_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TokenLimit = n
		}
	}
}
