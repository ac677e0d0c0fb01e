package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("CLIPMESH_DATA_DIR", tempDir)

	firstCfg, firstDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, firstDir)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if !strings.HasPrefix(firstCfg.DeviceID, "mesh-") {
		t.Fatalf("unexpected device ID shape: %q", firstCfg.DeviceID)
	}
	if firstCfg.ListenPort != DefaultListenPort {
		t.Fatalf("expected default listen port %d, got %d", DefaultListenPort, firstCfg.ListenPort)
	}
	if firstCfg.HistoryLimit != DefaultHistoryLimit {
		t.Fatalf("expected default history limit %d, got %d", DefaultHistoryLimit, firstCfg.HistoryLimit)
	}
	if firstCfg.DownloadsDir != filepath.Join(tempDir, "downloads") {
		t.Fatalf("unexpected downloads dir: %q", firstCfg.DownloadsDir)
	}

	secondCfg, secondDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondDir != firstDir {
		t.Fatalf("expected data dir to be stable, got %q then %q", firstDir, secondDir)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.ListenPort != firstCfg.ListenPort {
		t.Fatalf("expected stable listen port, got %d then %d", firstCfg.ListenPort, secondCfg.ListenPort)
	}
}

func TestLoadOrCreateFillsMissingFields(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("CLIPMESH_DATA_DIR", tempDir)

	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := &Settings{
		DeviceID:   "mesh-legacydevice",
		ListenPort: 9999,
	}
	if err := Save(ConfigPath(tempDir), partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "mesh-legacydevice" {
		t.Fatalf("expected existing device ID to be retained, got %q", cfg.DeviceID)
	}
	if cfg.ListenPort != 9999 {
		t.Fatalf("expected existing listen port to be retained, got %d", cfg.ListenPort)
	}
	if cfg.DeviceName == "" {
		t.Fatalf("expected device name to be filled in")
	}
	if cfg.HistoryLimit != DefaultHistoryLimit {
		t.Fatalf("expected history limit to be filled in, got %d", cfg.HistoryLimit)
	}
	if cfg.DownloadsDir != filepath.Join(tempDir, "downloads") {
		t.Fatalf("expected downloads dir to be filled in, got %q", cfg.DownloadsDir)
	}

	reloaded, err := Load(ConfigPath(tempDir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.HistoryLimit != DefaultHistoryLimit {
		t.Fatalf("expected normalized config to be persisted, got %d", reloaded.HistoryLimit)
	}
}
