package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateGeneratesIdentity(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("ADB_AGENT_DATA_DIR", dataDir)

	cfg, path, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}

	if cfg.DeviceID == "" {
		t.Fatalf("device ID was not generated")
	}
	if cfg.HTTPPort != DefaultHTTPPort {
		t.Fatalf("http port = %d, want %d", cfg.HTTPPort, DefaultHTTPPort)
	}
	if cfg.TransferPort != DefaultTransferPort {
		t.Fatalf("transfer port = %d, want %d", cfg.TransferPort, DefaultTransferPort)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file was not persisted: %v", err)
	}

	reloaded, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate (reload) failed: %v", err)
	}
	if reloaded.DeviceID != cfg.DeviceID {
		t.Fatalf("device ID changed across loads: %q vs %q", reloaded.DeviceID, cfg.DeviceID)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	cfg := &AgentConfig{
		DeviceID:     "device-1",
		DeviceLabel:  "bench phone",
		HTTPPort:     25555,
		TransferPort: 25556,
	}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *loaded != *cfg {
		t.Fatalf("round trip mismatch: %+v vs %+v", loaded, cfg)
	}
}

func TestEnsureTokenIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent_token")

	first, err := EnsureToken(path)
	if err != nil {
		t.Fatalf("EnsureToken failed: %v", err)
	}
	if first == "" {
		t.Fatalf("generated token is empty")
	}

	second, err := EnsureToken(path)
	if err != nil {
		t.Fatalf("EnsureToken (reload) failed: %v", err)
	}
	if first != second {
		t.Fatalf("token changed across loads")
	}
}
