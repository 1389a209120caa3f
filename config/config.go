// Package config owns the persisted agent configuration: identity, ports, and
// the locations of the token and pairing files under the per-user data
// directory.
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

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "adb-agent"
	// DefaultHTTPPort is the JSON API port used when no override exists.
	DefaultHTTPPort = 15555
	// DefaultTransferPort is the bulk TCP transfer port.
	DefaultTransferPort = 15556
	// configFileName is the persisted configuration file.
	configFileName = "agent.json"
	// tokenFileName holds the controller auth token.
	tokenFileName = "agent_token"
)

// AgentConfig contains persistent local-agent settings.
type AgentConfig struct {
	DeviceID     string `json:"device_id"`
	DeviceLabel  string `json:"device_label"`
	HTTPPort     int    `json:"http_port"`
	TransferPort int    `json:"transfer_port"`
	TokenPath    string `json:"token_path"`
	PairingPath  string `json:"pairing_path"`
	SandboxRoot  string `json:"sandbox_root"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If ADB_AGENT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("ADB_AGENT_DATA_DIR"); override != "" {
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

// ConfigPath returns the full path to agent.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// TokenPath returns the full path to the auth token file for a data directory.
func TokenPath(dataDir string) string {
	return filepath.Join(dataDir, tokenFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "incoming"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals agent.json from disk.
func Load(path string) (*AgentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg AgentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes agent.json to disk.
func Save(path string, cfg *AgentConfig) error {
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

// LoadOrCreate loads agent.json, generating identity and defaults on first run.
// Missing fields in an existing config are filled in and persisted.
func LoadOrCreate() (*AgentConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	path := ConfigPath(dataDir)
	cfg, err := Load(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
		cfg = &AgentConfig{}
	}

	changed := applyDefaults(cfg, dataDir)
	if changed {
		if err := Save(path, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, path, nil
}

func applyDefaults(cfg *AgentConfig, dataDir string) bool {
	changed := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		changed = true
	}
	if cfg.DeviceLabel == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "adb-agent"
		}
		cfg.DeviceLabel = host
		changed = true
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = DefaultHTTPPort
		changed = true
	}
	if cfg.TransferPort == 0 {
		cfg.TransferPort = DefaultTransferPort
		changed = true
	}
	if cfg.TokenPath == "" {
		cfg.TokenPath = TokenPath(dataDir)
		changed = true
	}
	if cfg.PairingPath == "" {
		cfg.PairingPath = filepath.Join(dataDir, "pairing_state")
		changed = true
	}

	return changed
}

// EnsureToken loads the controller auth token, generating one on first run.
func EnsureToken(path string) (string, error) {
	token, err := LoadToken(path)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	token = uuid.NewString()
	if err := SaveToken(path, token); err != nil {
		return "", err
	}

	return token, nil
}

// LoadToken reads the auth token file.
func LoadToken(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// SaveToken writes the auth token file with 0600 permissions.
func SaveToken(path, token string) error {
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}
