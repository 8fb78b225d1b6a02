// Package config provides configuration loading and validation for the
// playout service. It handles YAML-based configuration with per-section
// validation covering the device connection, the audio pipeline, playback
// scheduling and the HTTP API.
package config
