package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete node configuration
type Configuration struct {
	Global    GlobalConfig    `yaml:"global"`
	Node      NodeConfig      `yaml:"node"`
	Transport TransportConfig `yaml:"transport"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Mount     MountConfig     `yaml:"mount"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LogFormat string `yaml:"log_format"`
}

// NodeConfig describes this node and how to reach its peers.
type NodeConfig struct {
	ID       uint64            `yaml:"id"`
	Nodes    uint64            `yaml:"nodes"`
	Host     string            `yaml:"host"`
	BasePort int               `yaml:"base_port"`
	Listen   string            `yaml:"listen"`
	Peers    map[uint64]string `yaml:"peers"`
}

// TransportConfig represents remote block transport settings
type TransportConfig struct {
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	CASAttempts    int                  `yaml:"cas_attempts"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	PeerWait       RetryConfig          `yaml:"peer_wait"`
}

// TimeoutConfig represents timeout settings
type TimeoutConfig struct {
	Connect   time.Duration `yaml:"connect"`
	Operation time.Duration `yaml:"operation"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// StorageConfig selects and configures the backing block store.
type StorageConfig struct {
	Backend   string          `yaml:"backend"`
	Directory DirectoryConfig `yaml:"directory"`
	S3        S3Config        `yaml:"s3"`
	Cache     CacheConfig     `yaml:"cache"`
}

// CacheConfig sizes the in-memory block cache in front of the store.
// A zero Size disables it.
type CacheConfig struct {
	Size       int64 `yaml:"size"`
	MaxEntries int   `yaml:"max_entries"`
}

// DirectoryConfig represents the host directory store settings
type DirectoryConfig struct {
	Path        string `yaml:"path"`
	Compression string `yaml:"compression"`
	Fsync       bool   `yaml:"fsync"`
}

// S3Config represents the S3 store settings
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// MountConfig represents FUSE mount settings
type MountConfig struct {
	FSName     string        `yaml:"fs_name"`
	AllowOther bool          `yaml:"allow_other"`
	Debug      bool          `yaml:"debug"`
	AttrTTL    time.Duration `yaml:"attr_ttl"`
	EntryTTL   time.Duration `yaml:"entry_ttl"`
}

// Storage backends understood by the store package.
const (
	BackendMemory    = "memory"
	BackendDirectory = "directory"
	BackendS3        = "s3"
)

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFile:   "",
			LogFormat: "text",
		},
		Node: NodeConfig{
			ID:       0,
			Nodes:    1,
			Host:     "127.0.0.1",
			BasePort: 7000,
		},
		Transport: TransportConfig{
			Timeouts: TimeoutConfig{
				Connect:   5 * time.Second,
				Operation: 30 * time.Second,
			},
			CASAttempts: 16,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
			PeerWait: RetryConfig{
				MaxAttempts: 10,
				BaseDelay:   200 * time.Millisecond,
				MaxDelay:    5 * time.Second,
			},
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Directory: DirectoryConfig{
				Path:        "/var/lib/blockfs",
				Compression: "none",
				Fsync:       false,
			},
			S3: S3Config{
				Region: "us-east-1",
				Prefix: "blocks",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9100,
			Path:    "/metrics",
		},
		Mount: MountConfig{
			FSName:   "blockfs",
			AttrTTL:  time.Second,
			EntryTTL: time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("BLOCKFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("BLOCKFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("BLOCKFS_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}

	// Node settings
	if val := os.Getenv("BLOCKFS_NODE_ID"); val != "" {
		id, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid BLOCKFS_NODE_ID: %w", err)
		}
		c.Node.ID = id
	}
	if val := os.Getenv("BLOCKFS_NODES"); val != "" {
		nodes, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid BLOCKFS_NODES: %w", err)
		}
		c.Node.Nodes = nodes
	}
	if val := os.Getenv("BLOCKFS_HOST"); val != "" {
		c.Node.Host = val
	}
	if val := os.Getenv("BLOCKFS_BASE_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Node.BasePort = port
		}
	}

	// Transport settings
	if val := os.Getenv("BLOCKFS_OPERATION_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Transport.Timeouts.Operation = duration
		}
	}
	if val := os.Getenv("BLOCKFS_CIRCUIT_BREAKER"); val != "" {
		c.Transport.CircuitBreaker.Enabled = strings.ToLower(val) == "true"
	}

	// Storage settings
	if val := os.Getenv("BLOCKFS_STORAGE_BACKEND"); val != "" {
		c.Storage.Backend = val
	}
	if val := os.Getenv("BLOCKFS_STORAGE_DIR"); val != "" {
		c.Storage.Directory.Path = val
	}
	if val := os.Getenv("BLOCKFS_STORAGE_COMPRESSION"); val != "" {
		c.Storage.Directory.Compression = val
	}
	if val := os.Getenv("BLOCKFS_CACHE_SIZE"); val != "" {
		if size, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Storage.Cache.Size = size
		}
	}
	if val := os.Getenv("BLOCKFS_S3_BUCKET"); val != "" {
		c.Storage.S3.Bucket = val
	}
	if val := os.Getenv("BLOCKFS_S3_REGION"); val != "" {
		c.Storage.S3.Region = val
	}
	if val := os.Getenv("BLOCKFS_S3_ENDPOINT"); val != "" {
		c.Storage.S3.Endpoint = val
	}

	// Metrics
	if val := os.Getenv("BLOCKFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
			c.Metrics.Enabled = port > 0
		}
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	switch strings.ToLower(c.Global.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}

	if c.Node.Nodes == 0 {
		return fmt.Errorf("nodes must be greater than 0")
	}
	if c.Node.ID >= c.Node.Nodes {
		return fmt.Errorf("node id %d out of range for %d nodes", c.Node.ID, c.Node.Nodes)
	}
	if len(c.Node.Peers) == 0 {
		if c.Node.BasePort <= 0 || uint64(c.Node.BasePort)+c.Node.Nodes-1 > 65535 {
			return fmt.Errorf("base_port %d cannot address %d nodes", c.Node.BasePort, c.Node.Nodes)
		}
	} else {
		for id := uint64(0); id < c.Node.Nodes; id++ {
			if _, ok := c.Node.Peers[id]; !ok {
				return fmt.Errorf("peers map has no endpoint for node %d", id)
			}
		}
	}

	if c.Transport.Timeouts.Operation <= 0 {
		return fmt.Errorf("transport operation timeout must be greater than 0")
	}
	if c.Transport.CASAttempts <= 0 {
		return fmt.Errorf("cas_attempts must be greater than 0")
	}
	if c.Transport.CircuitBreaker.Enabled && c.Transport.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker failure_threshold must be greater than 0")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendDirectory:
		if c.Storage.Directory.Path == "" {
			return fmt.Errorf("storage directory path is required for the directory backend")
		}
		switch c.Storage.Directory.Compression {
		case "", "none", "zstd", "lz4":
		default:
			return fmt.Errorf("invalid storage compression: %s", c.Storage.Directory.Compression)
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("s3 bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be one of: %s, %s, %s)",
			c.Storage.Backend, BackendMemory, BackendDirectory, BackendS3)
	}

	if c.Storage.Cache.Size < 0 || c.Storage.Cache.MaxEntries < 0 {
		return fmt.Errorf("storage cache limits must not be negative")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}

	return nil
}

// Endpoint returns the TCP address node id listens on.
func (c *Configuration) Endpoint(id uint64) string {
	if addr, ok := c.Node.Peers[id]; ok {
		return addr
	}
	return net.JoinHostPort(c.Node.Host, strconv.FormatUint(uint64(c.Node.BasePort)+id, 10))
}

// ListenAddress returns the address this node's block server binds to.
func (c *Configuration) ListenAddress() string {
	if c.Node.Listen != "" {
		return c.Node.Listen
	}
	return c.Endpoint(c.Node.ID)
}
