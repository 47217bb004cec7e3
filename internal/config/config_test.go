package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Test Constants
const (
	TestDebugLevel = "DEBUG"
	TestStorageDir = "/srv/blockfs"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	// Test global defaults
	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}

	// Test node defaults
	if cfg.Node.Nodes != 1 {
		t.Errorf("Expected Nodes to be 1, got %d", cfg.Node.Nodes)
	}
	if cfg.Node.BasePort != 7000 {
		t.Errorf("Expected BasePort to be 7000, got %d", cfg.Node.BasePort)
	}

	// Test transport defaults
	if cfg.Transport.CASAttempts != 16 {
		t.Errorf("Expected CASAttempts to be 16, got %d", cfg.Transport.CASAttempts)
	}
	if cfg.Transport.Timeouts.Operation != 30*time.Second {
		t.Errorf("Expected operation timeout 30s, got %v", cfg.Transport.Timeouts.Operation)
	}
	if !cfg.Transport.CircuitBreaker.Enabled {
		t.Error("Expected circuit breaker to be enabled by default")
	}

	// Test storage defaults
	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("Expected memory backend, got %s", cfg.Storage.Backend)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default configuration should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "blockfs.yaml")

	content := `
global:
  log_level: DEBUG
node:
  id: 1
  nodes: 2
  peers:
    0: 10.0.0.1:7000
    1: 10.0.0.2:7000
storage:
  backend: directory
  directory:
    path: /srv/blockfs
    compression: zstd
`
	if err := os.WriteFile(configFile, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Global.LogLevel != TestDebugLevel {
		t.Errorf("Expected LogLevel DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Node.ID != 1 || cfg.Node.Nodes != 2 {
		t.Errorf("Unexpected node settings: %+v", cfg.Node)
	}
	if cfg.Storage.Directory.Path != TestStorageDir {
		t.Errorf("Expected storage path %s, got %s", TestStorageDir, cfg.Storage.Directory.Path)
	}
	if got := cfg.Endpoint(0); got != "10.0.0.1:7000" {
		t.Errorf("Endpoint(0) = %s", got)
	}
	// Unset values keep their defaults
	if cfg.Transport.CASAttempts != 16 {
		t.Errorf("Expected CASAttempts default to survive, got %d", cfg.Transport.CASAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Loaded configuration should validate: %v", err)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BLOCKFS_LOG_LEVEL", TestDebugLevel)
	t.Setenv("BLOCKFS_NODE_ID", "2")
	t.Setenv("BLOCKFS_NODES", "4")
	t.Setenv("BLOCKFS_BASE_PORT", "9000")
	t.Setenv("BLOCKFS_STORAGE_BACKEND", BackendDirectory)
	t.Setenv("BLOCKFS_STORAGE_DIR", TestStorageDir)
	t.Setenv("BLOCKFS_OPERATION_TIMEOUT", "2s")
	t.Setenv("BLOCKFS_METRICS_PORT", "9200")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	if cfg.Global.LogLevel != TestDebugLevel {
		t.Errorf("Expected LogLevel DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Node.ID != 2 || cfg.Node.Nodes != 4 || cfg.Node.BasePort != 9000 {
		t.Errorf("Unexpected node settings: %+v", cfg.Node)
	}
	if cfg.Storage.Backend != BackendDirectory || cfg.Storage.Directory.Path != TestStorageDir {
		t.Errorf("Unexpected storage settings: %+v", cfg.Storage)
	}
	if cfg.Transport.Timeouts.Operation != 2*time.Second {
		t.Errorf("Expected operation timeout 2s, got %v", cfg.Transport.Timeouts.Operation)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Port != 9200 {
		t.Errorf("Expected metrics enabled on 9200, got %+v", cfg.Metrics)
	}
	if got := cfg.Endpoint(3); got != "127.0.0.1:9003" {
		t.Errorf("Endpoint(3) = %s", got)
	}
}

func TestLoadFromEnvInvalidNode(t *testing.T) {
	t.Setenv("BLOCKFS_NODE_ID", "not-a-number")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err == nil {
		t.Error("Expected error for invalid node id")
	}
}

func TestSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "nested", "blockfs.yaml")

	cfg := NewDefault()
	cfg.Node.Nodes = 3
	cfg.Storage.Backend = BackendS3
	cfg.Storage.S3.Bucket = "blocks"

	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if loaded.Node.Nodes != 3 || loaded.Storage.S3.Bucket != "blocks" {
		t.Errorf("Saved configuration did not survive reload: %+v", loaded)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Configuration)
		wantErr bool
	}{
		{
			name:    "defaults",
			modify:  func(c *Configuration) {},
			wantErr: false,
		},
		{
			name:    "lowercase log level",
			modify:  func(c *Configuration) { c.Global.LogLevel = "debug" },
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Configuration) { c.Global.LogLevel = "LOUD" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Configuration) { c.Global.LogFormat = "xml" },
			wantErr: true,
		},
		{
			name:    "zero nodes",
			modify:  func(c *Configuration) { c.Node.Nodes = 0 },
			wantErr: true,
		},
		{
			name:    "node id out of range",
			modify:  func(c *Configuration) { c.Node.ID = 3; c.Node.Nodes = 3 },
			wantErr: true,
		},
		{
			name:    "ports overflow",
			modify:  func(c *Configuration) { c.Node.BasePort = 65530; c.Node.Nodes = 10 },
			wantErr: true,
		},
		{
			name: "incomplete peers map",
			modify: func(c *Configuration) {
				c.Node.Nodes = 2
				c.Node.Peers = map[uint64]string{0: "a:1"}
			},
			wantErr: true,
		},
		{
			name:    "zero cas attempts",
			modify:  func(c *Configuration) { c.Transport.CASAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "zero operation timeout",
			modify:  func(c *Configuration) { c.Transport.Timeouts.Operation = 0 },
			wantErr: true,
		},
		{
			name:    "unknown backend",
			modify:  func(c *Configuration) { c.Storage.Backend = "tape" },
			wantErr: true,
		},
		{
			name:    "s3 without bucket",
			modify:  func(c *Configuration) { c.Storage.Backend = BackendS3 },
			wantErr: true,
		},
		{
			name: "directory with bad compression",
			modify: func(c *Configuration) {
				c.Storage.Backend = BackendDirectory
				c.Storage.Directory.Compression = "brotli"
			},
			wantErr: true,
		},
		{
			name:    "negative cache size",
			modify:  func(c *Configuration) { c.Storage.Cache.Size = -1 },
			wantErr: true,
		},
		{
			name:    "metrics port out of range",
			modify:  func(c *Configuration) { c.Metrics.Enabled = true; c.Metrics.Port = 70000 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestListenAddress(t *testing.T) {
	cfg := NewDefault()
	cfg.Node.ID = 1
	cfg.Node.Nodes = 2
	if got := cfg.ListenAddress(); got != "127.0.0.1:7001" {
		t.Errorf("ListenAddress() = %s", got)
	}

	cfg.Node.Listen = "0.0.0.0:7001"
	if got := cfg.ListenAddress(); got != "0.0.0.0:7001" {
		t.Errorf("ListenAddress() = %s", got)
	}
}
