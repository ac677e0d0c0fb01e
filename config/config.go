package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "clipmesh"
	// DefaultListenPort is the preferred UDP port for the cluster transport.
	// Binding falls back to an ephemeral port when it is taken.
	DefaultListenPort = 4654
	// DefaultHistoryLimit caps the persisted clipboard history.
	DefaultHistoryLimit = 100
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Settings contains persistent local-device settings. Cluster state (key,
// name, pin, known peers) is stored separately so a factory reset leaves
// these untouched.
type Settings struct {
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	ListenPort      int    `json:"listen_port"`
	DownloadsDir    string `json:"downloads_dir"`
	HistoryLimit    int    `json:"history_limit"`
	AutoAcceptFiles bool   `json:"auto_accept_files"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CLIPMESH_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("CLIPMESH_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Settings
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Settings) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*Settings, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultSettings(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, dataDir, nil
}

func defaultSettings(dataDir string) *Settings {
	return &Settings{
		DeviceID:        deviceIdentifier(),
		DeviceName:      defaultDeviceName(),
		ListenPort:      DefaultListenPort,
		DownloadsDir:    filepath.Join(dataDir, "downloads"),
		HistoryLimit:    DefaultHistoryLimit,
		AutoAcceptFiles: false,
	}
}

func normalizeDefaults(cfg *Settings, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = deviceIdentifier()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if cfg.ListenPort <= 0 {
		cfg.ListenPort = DefaultListenPort
		updated = true
	}

	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = filepath.Join(dataDir, "downloads")
		updated = true
	}

	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
		updated = true
	}

	return updated
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "clipmesh device"
}

// deviceIdentifier derives a stable per-machine identifier, keyed to the
// app so it cannot be correlated across applications. Falls back to a
// random identifier when the machine id is unavailable.
func deviceIdentifier() string {
	if id, err := machineid.ProtectedID(AppDirectoryName); err == nil && len(id) >= 12 {
		return "mesh-" + id[:12]
	}
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "mesh-" + raw[:12]
}
