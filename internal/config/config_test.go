package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
	"app_name": "stomp-broker",
	"app_port": 7777,
	"server_mode": "tpc",
	"worker_count": 4,
	"memory_store": true
}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	config, err := ReadConfigFile(path)
	if err != nil {
		t.Fatalf("Error reading configuration file: %v", err)
	}
	if config.AppPort != 7777 {
		t.Errorf("expected app_port 7777, got %d", config.AppPort)
	}
	if config.ServerMode != ModeThreadPerClient {
		t.Errorf("expected server_mode tpc, got %s", config.ServerMode)
	}
	if !config.MemoryStore {
		t.Error("expected memory_store to be true")
	}
}

func TestReadConfigFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	_, err := ReadConfigFile(path)
	if err == nil {
		t.Fatal("expected error for missing configuration file")
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Error("expected a template configuration file to be created")
	}
}

func TestReadConfigFileDefaultMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"app_port": 1}`), 0644); err != nil {
		t.Fatal(err)
	}
	config, err := ReadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if config.ServerMode != ModeReactor {
		t.Errorf("expected default server_mode reactor, got %s", config.ServerMode)
	}
}
