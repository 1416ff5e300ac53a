package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/paulhenri/PKVS/internal/logging"
	"github.com/paulhenri/PKVS/internal/storage"
)

// Config holds all configuration for a kvs server
type Config struct {
	// Network
	Address  string `json:"address"`
	Port     int    `json:"port"`
	HTTPPort int    `json:"http_port,omitempty"` // Admin API, 0 disables it

	// Storage configuration
	DataDir         string `json:"data_dir"`
	Engine          string `json:"engine"`           // "kvs" or "pebble"
	MaxSegmentSize  int64  `json:"max_segment_size"` // Rotation threshold (bytes)
	SyncWrites      bool   `json:"sync_writes"`      // Sync to disk on every write
	CompactInterval int    `json:"compact_interval"` // Scheduled compaction (seconds), 0 disables it

	// Connection handling
	RateLimit      float64 `json:"rate_limit"` // Requests per second per connection, 0 disables it
	RateBurst      int     `json:"rate_burst"`
	RequestTimeout int     `json:"request_timeout"` // Max wait for the engine per request (seconds), 0 waits forever

	// Logging
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // "text" or "json"

	// Where compaction backups go
	Archive ArchiveConfig `json:"archive"`
}

// ArchiveConfig selects the destination for superseded segment files.
type ArchiveConfig struct {
	Target      string `json:"target"`      // "", "local" or "minio"; empty keeps backups in place
	Dir         string `json:"dir"`         // local target directory
	Endpoint    string `json:"endpoint"`    // minio endpoint host:port
	Bucket      string `json:"bucket"`      // minio bucket
	Prefix      string `json:"prefix"`      // object key prefix
	AccessKey   string `json:"access_key"`  // minio credentials
	SecretKey   string `json:"secret_key"`  //
	UseSSL      bool   `json:"use_ssl"`     //
	Compression string `json:"compression"` // "none", "zstd" or "lz4"
	KeepLocal   bool   `json:"keep_local"`  // leave the .bak file after upload
	Retain      int    `json:"retain"`      // archived copies kept per segment, 0 keeps all
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Address:         "127.0.0.1",
		Port:            48567,
		DataDir:         ".",
		Engine:          string(storage.KindLog),
		MaxSegmentSize:  storage.DefaultOptions.MaxSegmentSize,
		SyncWrites:      false,
		CompactInterval: 0,
		RateLimit:       0,
		RateBurst:       100,
		RequestTimeout:  5,
		LogLevel:        "info",
		LogFormat:       "text",
		Archive: ArchiveConfig{
			Compression: "zstd",
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.HTTPPort)
	}
	if c.HTTPPort != 0 && c.HTTPPort == c.Port {
		return fmt.Errorf("http_port must differ from port")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, err := storage.ParseKind(c.Engine); err != nil {
		return err
	}
	if c.MaxSegmentSize <= 0 {
		return fmt.Errorf("max_segment_size must be positive")
	}
	if c.CompactInterval < 0 {
		return fmt.Errorf("compact_interval must not be negative")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		return fmt.Errorf("rate_burst must be at least 1 when rate_limit is set")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		return err
	}
	return c.Archive.Validate()
}

// Validate checks the archive settings for the selected target.
func (a *ArchiveConfig) Validate() error {
	switch a.Target {
	case "":
		return nil
	case "local":
		if a.Dir == "" {
			return fmt.Errorf("archive.dir is required for the local target")
		}
	case "minio":
		if a.Endpoint == "" || a.Bucket == "" {
			return fmt.Errorf("archive.endpoint and archive.bucket are required for the minio target")
		}
	default:
		return fmt.Errorf("unknown archive target %q", a.Target)
	}
	if a.Retain < 0 {
		return fmt.Errorf("archive.retain must not be negative")
	}
	switch a.Compression {
	case "", "none", "zstd", "lz4":
		return nil
	default:
		return fmt.Errorf("unknown archive compression %q", a.Compression)
	}
}

// LoadFromFile loads configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// FullAddress returns the TCP listen address
func (c *Config) FullAddress() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// HTTPAddress returns the admin API listen address
func (c *Config) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Address, c.HTTPPort)
}

// RequestWait returns the per-request engine deadline, zero when unbounded.
func (c *Config) RequestWait() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// CompactEvery returns the scheduled compaction period, zero when disabled.
func (c *Config) CompactEvery() time.Duration {
	return time.Duration(c.CompactInterval) * time.Second
}
