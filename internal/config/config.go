// Package config manages mayarad's configuration using koanf/v2.
//
// Supports YAML files, environment variables, and defaults layered in that
// order, grounded on the teacher's internal/config/config.go loader.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete mayarad configuration (spec.md §6).
type Config struct {
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Radar   RadarConfig   `koanf:"radar"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// RadarConfig holds the options spec.md §6 recognises for the discovery/
// session/spoke pipeline.
type RadarConfig struct {
	// Interfaces is an explicit NIC name list, or ["all"] to scan every
	// non-loopback interface (the default).
	Interfaces []string `koanf:"interfaces"`

	// DiscoveryGraceMs is T_grace: how long a Lost radar is retained,
	// still rediscoverable, before being removed. Default 60000 (60s).
	DiscoveryGraceMs int `koanf:"discovery_grace_ms"`

	// CommandTimeoutMs bounds a single SendCommand round trip. Default 500.
	CommandTimeoutMs int `koanf:"command_timeout_ms"`

	// PollIntervalMs is the base poll period for poll-driven vendors
	// (Furuno). Default 2000, ±5% jitter applied at runtime.
	PollIntervalMs int `koanf:"poll_interval_ms"`

	// LostTimeoutMs is T_lost: how long without traffic before an Online
	// radar is demoted to Degraded, and a Degraded one to Lost. Default 15000.
	LostTimeoutMs int `koanf:"lost_timeout_ms"`

	// SpokeSubscriberQueue is the bounded per-subscriber spoke queue depth.
	// Default 32.
	SpokeSubscriberQueue int `koanf:"spoke_subscriber_queue"`

	// AllowedVendors restricts discovery to a subset of
	// {navico, furuno, raymarine, garmin}; empty means all four.
	AllowedVendors []string `koanf:"allowed_vendors"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the defaults of spec.md §6.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Radar: RadarConfig{
			Interfaces:           []string{"all"},
			DiscoveryGraceMs:     60000,
			CommandTimeoutMs:     500,
			PollIntervalMs:       2000,
			LostTimeoutMs:        15000,
			SpokeSubscriberQueue: 32,
			AllowedVendors:       nil,
		},
	}
}

// DiscoveryGrace returns the discovery grace period as a time.Duration.
func (c *Config) DiscoveryGrace() time.Duration {
	return time.Duration(c.Radar.DiscoveryGraceMs) * time.Millisecond
}

// CommandTimeout returns the command timeout as a time.Duration.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Radar.CommandTimeoutMs) * time.Millisecond
}

// PollInterval returns the poll interval as a time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Radar.PollIntervalMs) * time.Millisecond
}

// LostTimeout returns the lost timeout as a time.Duration.
func (c *Config) LostTimeout() time.Duration {
	return time.Duration(c.Radar.LostTimeoutMs) * time.Millisecond
}

// ScansAllInterfaces reports whether the configuration selects every
// non-loopback interface rather than an explicit subset.
func (c *Config) ScansAllInterfaces() bool {
	return len(c.Radar.Interfaces) == 1 && strings.EqualFold(c.Radar.Interfaces[0], "all")
}

// VendorAllowed reports whether vendor is permitted to be discovered,
// given AllowedVendors (empty set means every vendor is allowed).
func (c *Config) VendorAllowed(vendor string) bool {
	if len(c.Radar.AllowedVendors) == 0 {
		return true
	}
	for _, v := range c.Radar.AllowedVendors {
		if strings.EqualFold(v, vendor) {
			return true
		}
	}
	return false
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for mayarad configuration.
// Variables are named MAYARA_<section>_<key>, e.g., MAYARA_RADAR_POLL_INTERVAL_MS.
const envPrefix = "MAYARA_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (MAYARA_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults. An empty path skips the file layer,
// leaving defaults plus environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms MAYARA_RADAR_POLL_INTERVAL_MS -> radar.poll_interval_ms:
// only the first underscore after the prefix separates section from key, so
// multi-word keys keep their underscores and match the koanf struct tags.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + key
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"metrics.addr":                 defaults.Metrics.Addr,
		"metrics.path":                 defaults.Metrics.Path,
		"log.level":                    defaults.Log.Level,
		"log.format":                   defaults.Log.Format,
		"radar.interfaces":             defaults.Radar.Interfaces,
		"radar.discovery_grace_ms":     defaults.Radar.DiscoveryGraceMs,
		"radar.command_timeout_ms":     defaults.Radar.CommandTimeoutMs,
		"radar.poll_interval_ms":       defaults.Radar.PollIntervalMs,
		"radar.lost_timeout_ms":        defaults.Radar.LostTimeoutMs,
		"radar.spoke_subscriber_queue": defaults.Radar.SpokeSubscriberQueue,
		"radar.allowed_vendors":        defaults.Radar.AllowedVendors,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")

	// ErrInvalidCommandTimeout indicates command_timeout_ms is non-positive.
	ErrInvalidCommandTimeout = errors.New("radar.command_timeout_ms must be > 0")

	// ErrInvalidPollInterval indicates poll_interval_ms is non-positive.
	ErrInvalidPollInterval = errors.New("radar.poll_interval_ms must be > 0")

	// ErrInvalidLostTimeout indicates lost_timeout_ms is non-positive.
	ErrInvalidLostTimeout = errors.New("radar.lost_timeout_ms must be > 0")

	// ErrInvalidDiscoveryGrace indicates discovery_grace_ms is non-positive.
	ErrInvalidDiscoveryGrace = errors.New("radar.discovery_grace_ms must be > 0")

	// ErrInvalidSpokeQueueDepth indicates spoke_subscriber_queue is non-positive.
	ErrInvalidSpokeQueueDepth = errors.New("radar.spoke_subscriber_queue must be > 0")

	// ErrUnknownVendor indicates an allowed_vendors entry names an
	// unrecognised vendor.
	ErrUnknownVendor = errors.New("radar.allowed_vendors: unknown vendor")
)

var knownVendors = map[string]bool{
	"navico": true, "furuno": true, "raymarine": true, "garmin": true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}
	if cfg.Radar.CommandTimeoutMs <= 0 {
		return ErrInvalidCommandTimeout
	}
	if cfg.Radar.PollIntervalMs <= 0 {
		return ErrInvalidPollInterval
	}
	if cfg.Radar.LostTimeoutMs <= 0 {
		return ErrInvalidLostTimeout
	}
	if cfg.Radar.DiscoveryGraceMs <= 0 {
		return ErrInvalidDiscoveryGrace
	}
	if cfg.Radar.SpokeSubscriberQueue <= 0 {
		return ErrInvalidSpokeQueueDepth
	}
	for _, v := range cfg.Radar.AllowedVendors {
		if !knownVendors[strings.ToLower(v)] {
			return fmt.Errorf("%w: %q", ErrUnknownVendor, v)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
