package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Audio    AudioConfig    `yaml:"audio"`
	Playback PlaybackConfig `yaml:"playback"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DeviceConfig contains the playback device connection parameters
type DeviceConfig struct {
	BaseURL        string  `yaml:"base_url"`
	EventURL       string  `yaml:"event_url"`
	Timeout        int     `yaml:"timeout"`         // seconds
	UploadAttempts int     `yaml:"upload_attempts"`
	RetryDelay     float64 `yaml:"retry_delay"`     // seconds
	Volume         int     `yaml:"volume"`          // 0-100
}

// AudioConfig contains audio pipeline parameters
type AudioConfig struct {
	SourceRate    int     `yaml:"source_rate"`    // Hz, from the generation source
	DeviceRate    int     `yaml:"device_rate"`    // Hz, required by the device
	Chunking      bool    `yaml:"chunking"`
	ChunkDuration float64 `yaml:"chunk_duration"` // seconds
}

// PlaybackConfig contains scheduler and cleanup parameters
type PlaybackConfig struct {
	Pipelining         bool    `yaml:"pipelining"`
	AdvanceMargin      float64 `yaml:"advance_margin"`       // seconds
	StrictMode         bool    `yaml:"strict_mode"`
	CleanupWorkers     int     `yaml:"cleanup_workers"`
	CleanupQueueSize   int     `yaml:"cleanup_queue_size"`
	SessionIdleTimeout int     `yaml:"session_idle_timeout"` // seconds
}

// HTTPConfig contains the ingest and monitoring API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("device config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Playback.Validate(); err != nil {
		return fmt.Errorf("playback config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates device configuration
func (d *DeviceConfig) Validate() error {
	if d.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}

	if d.EventURL == "" {
		return fmt.Errorf("event_url cannot be empty")
	}

	if d.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", d.Timeout)
	}

	if d.UploadAttempts < 1 {
		return fmt.Errorf("upload_attempts must be at least 1, got %d", d.UploadAttempts)
	}

	if d.RetryDelay < 0 {
		return fmt.Errorf("retry_delay cannot be negative, got %f", d.RetryDelay)
	}

	if d.Volume < 1 || d.Volume > 100 {
		return fmt.Errorf("volume must be between 1 and 100, got %d", d.Volume)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SourceRate < 8000 || a.SourceRate > 48000 {
		return fmt.Errorf("source_rate must be between 8000 and 48000 Hz, got %d", a.SourceRate)
	}

	if a.DeviceRate < 8000 || a.DeviceRate > 48000 {
		return fmt.Errorf("device_rate must be between 8000 and 48000 Hz, got %d", a.DeviceRate)
	}

	if a.Chunking && a.ChunkDuration <= 0 {
		return fmt.Errorf("chunk_duration must be positive when chunking is enabled, got %f", a.ChunkDuration)
	}

	return nil
}

// Validate validates playback configuration
func (p *PlaybackConfig) Validate() error {
	if p.AdvanceMargin <= 0 {
		return fmt.Errorf("advance_margin must be positive, got %f", p.AdvanceMargin)
	}

	if p.AdvanceMargin > 5 {
		return fmt.Errorf("advance_margin above 5 seconds defeats the fallback timer, got %f", p.AdvanceMargin)
	}

	if p.CleanupWorkers < 1 {
		return fmt.Errorf("cleanup_workers must be at least 1, got %d", p.CleanupWorkers)
	}

	if p.CleanupQueueSize < 1 {
		return fmt.Errorf("cleanup_queue_size must be at least 1, got %d", p.CleanupQueueSize)
	}

	if p.SessionIdleTimeout < 1 {
		return fmt.Errorf("session_idle_timeout must be at least 1 second, got %d", p.SessionIdleTimeout)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetTimeoutDuration returns the device call timeout as a time.Duration
func (d *DeviceConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(d.Timeout) * time.Second
}

// GetRetryDelayDuration returns the upload retry delay as a time.Duration
func (d *DeviceConfig) GetRetryDelayDuration() time.Duration {
	return time.Duration(d.RetryDelay * float64(time.Second))
}

// GetChunkDuration returns the target chunk duration as a time.Duration
func (a *AudioConfig) GetChunkDuration() time.Duration {
	return time.Duration(a.ChunkDuration * float64(time.Second))
}

// GetAdvanceMarginDuration returns the fallback timer margin as a time.Duration
func (p *PlaybackConfig) GetAdvanceMarginDuration() time.Duration {
	return time.Duration(p.AdvanceMargin * float64(time.Second))
}

// GetSessionIdleTimeoutDuration returns the session idle timeout as a time.Duration
func (p *PlaybackConfig) GetSessionIdleTimeoutDuration() time.Duration {
	return time.Duration(p.SessionIdleTimeout) * time.Second
}
