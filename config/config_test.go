package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateGeneratesIdentityOnce(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("NOTESYNC_DATA_DIR", dataDir)
	// Register restores, then clear so overrides stay inactive for this test.
	t.Setenv("NOTESYNC_DEVICE_NAME", "unused")
	t.Setenv("NOTESYNC_PORT", "0")
	os.Unsetenv("NOTESYNC_DEVICE_NAME")
	os.Unsetenv("NOTESYNC_PORT")

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID == "" {
		t.Fatalf("expected generated device ID")
	}
	if cfg.DeviceName == "" {
		t.Fatalf("expected non-empty device name")
	}
	if cfg.DataDir != dataDir {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.DataDir, dataDir)
	}
	if cfgPath != filepath.Join(dataDir, "config.json") {
		t.Fatalf("unexpected config path: %q", cfgPath)
	}
	if _, err := os.Stat(NotesDir(dataDir)); err != nil {
		t.Fatalf("expected notes directory to exist: %v", err)
	}

	again, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if again.DeviceID != cfg.DeviceID {
		t.Fatalf("device ID changed across loads: got %q want %q", again.DeviceID, cfg.DeviceID)
	}
}

func TestLoadOrCreateAppliesEnvOverridesWithoutPersisting(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("NOTESYNC_DATA_DIR", dataDir)
	t.Setenv("NOTESYNC_DEVICE_NAME", "Override Name")
	t.Setenv("NOTESYNC_PORT", "7777")

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceName != "Override Name" {
		t.Fatalf("expected device name override, got %q", cfg.DeviceName)
	}
	if cfg.ListeningPort != 7777 {
		t.Fatalf("expected port override, got %d", cfg.ListeningPort)
	}

	persisted, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if persisted.DeviceName == "Override Name" {
		t.Fatalf("env override must not be written to disk")
	}
	if persisted.ListeningPort == 7777 {
		t.Fatalf("env port override must not be written to disk")
	}
}

func TestNormalizeDefaultsBackfillsMissingFields(t *testing.T) {
	cfg := &DeviceConfig{ListeningPort: -5}
	if !normalizeDefaults(cfg) {
		t.Fatalf("expected normalization to report changes")
	}
	if cfg.DeviceID == "" || cfg.DeviceName == "" {
		t.Fatalf("expected backfilled identity, got %+v", cfg)
	}
	if cfg.ListeningPort != 0 {
		t.Fatalf("expected negative port reset to 0, got %d", cfg.ListeningPort)
	}
	if normalizeDefaults(cfg) {
		t.Fatalf("expected second normalization to be a no-op")
	}
}
