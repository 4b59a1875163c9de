// Package config loads and validates feedercabinet's YAML configuration
// file into an immutable tree consumed by every other component.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CAN holds the CAN bus transport settings.
type CAN struct {
	Interface string `yaml:"interface"`
	Bitrate   int    `yaml:"bitrate"`
}

// Klipper holds the printer-side WebSocket collaborator settings.
type Klipper struct {
	BaseURL        string        `yaml:"base_url"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// FilamentRunout configures which sensors gate runout handling.
type FilamentRunout struct {
	Enabled bool     `yaml:"enabled"`
	Sensors []string `yaml:"sensors"`
}

// ExtruderMapping configures the extruder<->buffer-zone relationship.
type ExtruderMapping struct {
	DefaultActive int           `yaml:"default_active"`
	TubeMapping   map[int]int   `yaml:"tube_mapping"` // extruder_id -> buffer_zone_id
}

// RFID configures the fragmented RFID transfer subsystem.
type RFID struct {
	Enabled               bool   `yaml:"enabled"`
	AutoSetTemperature    bool   `yaml:"auto_set_temperature"`
	DataDir               string `yaml:"data_dir"`
	TransferTimeoutSeconds int   `yaml:"transfer_timeout_seconds"`
	CleanupIntervalSeconds int   `yaml:"cleanup_interval_seconds"`
}

// Logging configures the structured log sink and its rotation policy.
type Logging struct {
	Level         string `yaml:"level"`
	LogDir        string `yaml:"log_dir"`
	MaxSizeMB     int    `yaml:"max_size_mb"`
	BackupCount   int    `yaml:"backup_count"`
	RetentionDays int    `yaml:"retention_days"`
}

// Config is the full, validated configuration tree.
type Config struct {
	CAN             CAN             `yaml:"can"`
	Klipper         Klipper         `yaml:"klipper"`
	FilamentRunout  FilamentRunout  `yaml:"filament_runout"`
	ExtruderMapping ExtruderMapping `yaml:"extruder_mapping"`
	RFID            RFID            `yaml:"rfid"`
	Logging         Logging         `yaml:"logging"`
}

func defaults() Config {
	return Config{
		CAN: CAN{Interface: "can0", Bitrate: 1_000_000},
		Klipper: Klipper{
			BaseURL:        "http://localhost:7125",
			UpdateInterval: 2 * time.Second,
		},
		FilamentRunout: FilamentRunout{Enabled: true},
		RFID: RFID{
			Enabled:                true,
			DataDir:                "/var/lib/feedercabinet/rfid",
			TransferTimeoutSeconds: 10,
			CleanupIntervalSeconds: 5,
		},
		Logging: Logging{
			Level:         "info",
			LogDir:        "/var/log/feedercabinet",
			MaxSizeMB:     10,
			BackupCount:   5,
			RetentionDays: 30,
		},
	}
}

// Load reads and validates the configuration file at path, applying
// defaults for every optional key. A malformed or inconsistent file
// is reported as a single wrapped error, which the caller treats as
// fatal.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.CAN.Interface == "" {
		return fmt.Errorf("can.interface must not be empty")
	}
	if c.CAN.Bitrate <= 0 {
		return fmt.Errorf("can.bitrate must be positive")
	}
	if c.RFID.TransferTimeoutSeconds <= 0 {
		return fmt.Errorf("rfid.transfer_timeout_seconds must be positive")
	}
	if c.RFID.CleanupIntervalSeconds <= 0 {
		return fmt.Errorf("rfid.cleanup_interval_seconds must be positive")
	}

	seenZones := make(map[int]int, len(c.ExtruderMapping.TubeMapping))
	for extruder, zone := range c.ExtruderMapping.TubeMapping {
		if other, dup := seenZones[zone]; dup {
			return fmt.Errorf("extruder_mapping.tube_mapping: buffer zone %d used by both extruder %d and %d", zone, other, extruder)
		}
		seenZones[zone] = extruder
	}
	if len(c.ExtruderMapping.TubeMapping) > 0 {
		if _, ok := c.ExtruderMapping.TubeMapping[c.ExtruderMapping.DefaultActive]; !ok {
			return fmt.Errorf("extruder_mapping.default_active %d is not a configured extruder", c.ExtruderMapping.DefaultActive)
		}
	}

	return nil
}
