package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `can:
  interface: /dev/ttyACM0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CAN.Bitrate != 1_000_000 {
		t.Errorf("CAN.Bitrate = %d, want default 1000000", cfg.CAN.Bitrate)
	}
	if cfg.Klipper.BaseURL != "http://localhost:7125" {
		t.Errorf("Klipper.BaseURL = %q, want default", cfg.Klipper.BaseURL)
	}
	if cfg.CAN.Interface != "/dev/ttyACM0" {
		t.Errorf("CAN.Interface = %q, want override to survive", cfg.CAN.Interface)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadRejectsDuplicateZoneAssignment(t *testing.T) {
	path := writeConfig(t, `extruder_mapping:
  default_active: 0
  tube_mapping:
    0: 1
    1: 1
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for two extruders sharing one buffer zone")
	}
}

func TestLoadRejectsUnknownDefaultActiveExtruder(t *testing.T) {
	path := writeConfig(t, `extruder_mapping:
  default_active: 5
  tube_mapping:
    0: 0
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when default_active names an unconfigured extruder")
	}
}

func TestLoadRejectsNonPositiveBitrate(t *testing.T) {
	path := writeConfig(t, `can:
  interface: can0
  bitrate: 0
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a non-positive bitrate")
	}
}
